package cli

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var (
	healthCheckTarget string
	healthCheckHost   string
)

var healthCheckCmd = &cobra.Command{
	Use:   "health-check",
	Short: "Force an immediate active health-check cycle on a running instance",
	RunE:  runHealthCheck,
}

func init() {
	healthCheckCmd.Flags().StringVar(&healthCheckTarget, "target", "http://127.0.0.1:8080", "base URL of a running lbcore instance")
	healthCheckCmd.Flags().StringVar(&healthCheckHost, "host", "", "Host header identifying the service to probe (required)")
	healthCheckCmd.MarkFlagRequired("host")

	rootCmd.AddCommand(healthCheckCmd)
}

func runHealthCheck(cmd *cobra.Command, args []string) error {
	req, err := http.NewRequest(http.MethodPost, healthCheckTarget+"/__lb_admin__/health-check", nil)
	if err != nil {
		return err
	}
	req.Host = healthCheckHost

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("%d %s\n", resp.StatusCode, string(body))
	return nil
}
