package config

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnvOverridesDirectoryURL(t *testing.T) {
	os.Setenv("ACMECLIENT_DIRECTORY_URL", "https://acme.example.com/directory")
	defer os.Unsetenv("ACMECLIENT_DIRECTORY_URL")

	cfg := DefaultConfig()
	ApplyEnv(cfg)

	if cfg.DirectoryURL != "https://acme.example.com/directory" {
		t.Errorf("DirectoryURL = %q, want override", cfg.DirectoryURL)
	}
}

func TestApplyEnvLeavesUnsetFieldsAtDefault(t *testing.T) {
	os.Unsetenv("ACMECLIENT_DIRECTORY_URL")

	cfg := DefaultConfig()
	want := cfg.HTTPPort
	ApplyEnv(cfg)

	if cfg.HTTPPort != want {
		t.Errorf("HTTPPort = %d, want unchanged default %d", cfg.HTTPPort, want)
	}
}

func TestApplyEnvParsesContactsCSV(t *testing.T) {
	os.Setenv("ACMECLIENT_CONTACTS", "mailto:a@example.com, mailto:b@example.com")
	defer os.Unsetenv("ACMECLIENT_CONTACTS")

	cfg := DefaultConfig()
	ApplyEnv(cfg)

	want := []string{"mailto:a@example.com", "mailto:b@example.com"}
	if len(cfg.Contacts) != len(want) {
		t.Fatalf("Contacts = %v, want %v", cfg.Contacts, want)
	}
	for i := range want {
		if cfg.Contacts[i] != want[i] {
			t.Errorf("Contacts[%d] = %q, want %q", i, cfg.Contacts[i], want[i])
		}
	}
}

func TestApplyEnvParsesDurations(t *testing.T) {
	os.Setenv("ACMECLIENT_RENEWAL_THRESHOLD", "48h")
	defer os.Unsetenv("ACMECLIENT_RENEWAL_THRESHOLD")

	cfg := DefaultConfig()
	ApplyEnv(cfg)

	if cfg.RenewalThreshold != 48*time.Hour {
		t.Errorf("RenewalThreshold = %v, want 48h", cfg.RenewalThreshold)
	}
}

func TestApplyEnvIgnoresUnparseableDuration(t *testing.T) {
	os.Setenv("ACMECLIENT_RENEWAL_THRESHOLD", "not-a-duration")
	defer os.Unsetenv("ACMECLIENT_RENEWAL_THRESHOLD")

	cfg := DefaultConfig()
	want := cfg.RenewalThreshold
	ApplyEnv(cfg)

	if cfg.RenewalThreshold != want {
		t.Errorf("RenewalThreshold = %v, want unchanged %v", cfg.RenewalThreshold, want)
	}
}
