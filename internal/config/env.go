package config

import (
	"os"
	"strings"
)

// Environment mirrors spec §6's environment flags (string form), matching
// the teacher's habit of reading a flat bag of process-level knobs rather
// than a structured config file.
type Environment struct {
	Debug                           bool
	DefaultBackends                 string
	ForceEnv                        bool
	DNSFirst                        bool
	SSLSkipCertificateVerification  bool
	SSLAllowSelfSignedCertificates  bool
	SSLSkipHostnameVerification    bool
}

// LoadEnvironment reads the flags from the process environment.
func LoadEnvironment() Environment {
	return Environment{
		Debug:                          boolEnv("DEBUG"),
		DefaultBackends:                os.Getenv("DEFAULT_BACKENDS"),
		ForceEnv:                       boolEnv("FORCE_ENV"),
		DNSFirst:                       boolEnv("DNS_FIRST"),
		SSLSkipCertificateVerification: boolEnv("SSL_SKIP_CERTIFICATE_VERIFICATION"),
		SSLAllowSelfSignedCertificates: boolEnv("SSL_ALLOW_SELF_SIGNED_CERTIFICATES"),
		SSLSkipHostnameVerification:    boolEnv("SSL_SKIP_HOSTNAME_VERIFICATION"),
	}
}

func boolEnv(name string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	return v == "1" || v == "true" || v == "on" || v == "yes"
}

// ApplySSLOverrides layers the environment's SSL flags onto a service's
// configured SSL policy (environment wins, matching FORCE_ENV intent of
// "the environment is authoritative for transport security knobs").
func (e Environment) ApplySSLOverrides(ssl *SSLConfig) {
	if e.SSLSkipCertificateVerification {
		ssl.SkipCertificateVerification = true
	}
	if e.SSLAllowSelfSignedCertificates {
		ssl.AllowSelfSignedCertificates = true
	}
	if e.SSLSkipHostnameVerification {
		ssl.SkipHostnameVerification = true
	}
}
