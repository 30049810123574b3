package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnv overlays environment variables onto an already-loaded Config,
// matching the teacher's env-override layering (file < env).
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("ACMECLIENT_DIRECTORY_URL"); v != "" {
		cfg.DirectoryURL = v
	}
	if v := os.Getenv("ACMECLIENT_ACCOUNT_KEY_PATH"); v != "" {
		cfg.AccountKeyPath = v
	}
	if v := os.Getenv("ACMECLIENT_ACCOUNT_KEY_ALG"); v != "" {
		cfg.AccountKeyAlg = v
	}
	if v := os.Getenv("ACMECLIENT_CONTACTS"); v != "" {
		cfg.Contacts = parseCSV(v)
	}
	if v := os.Getenv("ACMECLIENT_TERMS_AGREED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.TermsAgreed = b
		}
	}
	if v := os.Getenv("ACMECLIENT_EAB_KEY_ID"); v != "" {
		cfg.EABKeyID = v
	}
	if v := os.Getenv("ACMECLIENT_EAB_KEY"); v != "" {
		cfg.EABKey = v
	}
	if v := os.Getenv("ACMECLIENT_HTTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTPTimeout = d
		}
	}
	if v := os.Getenv("ACMECLIENT_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = p
		}
	}
	if v := os.Getenv("ACMECLIENT_BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("ACMECLIENT_AUTH_KEY"); v != "" {
		cfg.AuthKey = v
	}
	if v := os.Getenv("ACMECLIENT_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("ACMECLIENT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ACMECLIENT_HTTP01_BIND_ADDRESS"); v != "" {
		cfg.HTTP01BindAddress = v
	}
	if v := os.Getenv("ACMECLIENT_TLS_ALPN01_BIND_ADDRESS"); v != "" {
		cfg.TLSALPN01BindAddress = v
	}
	if v := os.Getenv("ACMECLIENT_RENEWAL_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RenewalThreshold = d
		}
	}
	if v := os.Getenv("ACMECLIENT_RENEWAL_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RenewalCheckInterval = d
		}
	}
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
