package cli

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/flowmesh/lbcore/internal/config"
	"github.com/flowmesh/lbcore/internal/hotreload"
	"github.com/flowmesh/lbcore/internal/lb"
	"github.com/flowmesh/lbcore/internal/store"
)

var (
	listenHost          string
	listenPort          uint16
	requestTimeoutSec   uint64
	defaultBackendsFlag string
	forceEnv            bool
	dnsFirst            bool
	sslSkipCertVerify   bool
	sslAllowSelfSigned  bool
	sslSkipHostVerify   bool
	stateSaveThreshold  int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the load balancer core",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenHost, "host", "0.0.0.0", "host to bind to")
	serveCmd.Flags().Uint16VarP(&listenPort, "port", "p", 8080, "port to listen on")
	serveCmd.Flags().Uint64Var(&requestTimeoutSec, "timeout", 30, "read/write timeout in seconds")
	serveCmd.Flags().StringVar(&defaultBackendsFlag, "default-backends", "", "DEFAULT_BACKENDS document (overrides the environment variable of the same name)")
	serveCmd.Flags().BoolVar(&forceEnv, "force-env", false, "ignore stored service config and initialise new service instances from DEFAULT_BACKENDS")
	serveCmd.Flags().BoolVar(&dnsFirst, "dns-first", false, "set the DNS_FIRST environment flag (stored only; no steering policy reads it)")
	serveCmd.Flags().BoolVar(&sslSkipCertVerify, "ssl-skip-certificate-verification", false, "skip backend TLS certificate verification")
	serveCmd.Flags().BoolVar(&sslAllowSelfSigned, "ssl-allow-self-signed-certificates", false, "allow self-signed backend certificates")
	serveCmd.Flags().BoolVar(&sslSkipHostVerify, "ssl-skip-hostname-verification", false, "skip backend TLS hostname verification")
	serveCmd.Flags().IntVar(&stateSaveThreshold, "metrics-save-threshold", 100, "number of metrics writes coalesced per service before a state flush")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	printBanner()
	log.SetOutput(os.Stdout)

	env := config.LoadEnvironment()
	if defaultBackendsFlag != "" {
		env.DefaultBackends = defaultBackendsFlag
	}
	env.ForceEnv = env.ForceEnv || forceEnv
	env.DNSFirst = env.DNSFirst || dnsFirst
	env.SSLSkipCertificateVerification = env.SSLSkipCertificateVerification || sslSkipCertVerify
	env.SSLAllowSelfSignedCertificates = env.SSLAllowSelfSignedCertificates || sslAllowSelfSigned
	env.SSLSkipHostnameVerification = env.SSLSkipHostnameVerification || sslSkipHostVerify

	proxy := lb.New(func(identity string) store.Store {
		return store.NewMemory(stateSaveThreshold)
	})
	proxy.SetEnvironment(env)

	seeds, err := config.ParseDefaultBackends(env.DefaultBackends)
	if err != nil {
		log.Printf("[lbcore] DEFAULT_BACKENDS: %v (starting with no seeded services)", err)
	}
	if err := proxy.LoadSeeds(seeds); err != nil {
		log.Printf("[lbcore] initial hostname pattern compile failed: %v", err)
	}

	if path, ok := os.LookupEnv("DEFAULT_BACKENDS_FILE"); ok && path != "" {
		watcher, err := hotreload.WatchDefaultBackendsFile(path, func(seeds []config.ServiceSeed) {
			if err := proxy.LoadSeeds(seeds); err != nil {
				log.Printf("[lbcore] hot-reloaded DEFAULT_BACKENDS rejected: %v", err)
				return
			}
			log.Printf("[lbcore] reloaded %d service(s) from %s", len(seeds), path)
		})
		if err != nil {
			log.Printf("[lbcore] watch %s: %v", path, err)
		} else {
			defer watcher.Close()
		}
	}

	addr := fmt.Sprintf("%s:%d", listenHost, listenPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      proxy,
		ReadTimeout:  time.Duration(requestTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(requestTimeoutSec) * time.Second,
	}

	green := color.New(color.FgGreen, color.Bold)
	green.Printf("lbcore listening on http://%s\n", addr)
	log.Printf("[lbcore] %d service(s) seeded from DEFAULT_BACKENDS", len(seeds))

	return server.ListenAndServe()
}
