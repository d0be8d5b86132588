package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network.AlgodAddress != defaultAlgodAddress {
		t.Fatalf("unexpected algod address %q", cfg.Network.AlgodAddress)
	}
	if cfg.Deposit.MinAmount.String() != "0.1" {
		t.Fatalf("expected min 0.1, got %s", cfg.Deposit.MinAmount)
	}
	if cfg.Service.HMACClockSkew != time.Minute {
		t.Fatalf("expected 1m skew, got %s", cfg.Service.HMACClockSkew)
	}
	if cfg.Deposit.TestMode {
		t.Fatalf("test mode should default to false")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "launchpad.toml")
	contents := `
[deposit]
escrow_address = "FILE_ESCROW"
min_algo = "0.5"
test_mode = true

[backend]
base_url = "http://backend.local"

[ledger]
driver = "sqlite"
sqlite_path = "/tmp/ledger.db"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("ESCROW_ADDRESS", "ENV_ESCROW")
	t.Setenv("API_HTTP_PORT", "8081")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Deposit.EscrowAddress != "ENV_ESCROW" {
		t.Fatalf("env should override file, got %q", cfg.Deposit.EscrowAddress)
	}
	if !cfg.Deposit.TestMode {
		t.Fatalf("expected test mode from file")
	}
	if cfg.Deposit.MinAmount.String() != "0.5" {
		t.Fatalf("expected min 0.5, got %s", cfg.Deposit.MinAmount)
	}
	if cfg.Backend.BaseURL != "http://backend.local" {
		t.Fatalf("unexpected backend url %q", cfg.Backend.BaseURL)
	}
	if cfg.Service.HTTPPort != 8081 {
		t.Fatalf("expected port 8081, got %d", cfg.Service.HTTPPort)
	}
	if cfg.Ledger.Driver != "sqlite" {
		t.Fatalf("unexpected ledger driver %q", cfg.Ledger.Driver)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"min not numeric": {"MIN_DEPOSIT_ALGO": "abc"},
		"min negative":    {"MIN_DEPOSIT_ALGO": "-1"},
		"unknown ledger":  {"LEDGER_DRIVER": "mongo"},
		"postgres no dsn": {"LEDGER_DRIVER": "postgres"},
		"negative rounds": {"CONFIRM_ROUNDS": "-2"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(""); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestEnvOrBoolIgnoresGarbage(t *testing.T) {
	t.Setenv("TEST_MODE", "definitely")
	if envOrBool("TEST_MODE", false) {
		t.Fatalf("unparseable bool should fall back")
	}
	t.Setenv("TEST_MODE", "true")
	if !envOrBool("TEST_MODE", false) {
		t.Fatalf("expected true")
	}
}

func TestBackendURLFollowsServicePort(t *testing.T) {
	t.Setenv("TEST_MODE", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.BaseURL != "http://localhost:3000" {
		t.Fatalf("expected the stub endpoint on this service, got %q", cfg.Backend.BaseURL)
	}

	t.Setenv("API_HTTP_PORT", "4100")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.BaseURL != "http://localhost:4100" {
		t.Fatalf("expected port 4100, got %q", cfg.Backend.BaseURL)
	}

	t.Setenv("BACKEND_URL", "http://stub.internal:9000")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.BaseURL != "http://stub.internal:9000" {
		t.Fatalf("explicit backend url should win, got %q", cfg.Backend.BaseURL)
	}
}

func TestHMACHeadersAndConfirmRoundsFromEnv(t *testing.T) {
	t.Setenv("HMAC_SIGNATURE_HEADER", "X-Launchpad-Signature")
	t.Setenv("HMAC_TIMESTAMP_HEADER", "X-Launchpad-Timestamp")
	t.Setenv("CONFIRM_ROUNDS", "4")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.HMACSignatureHeader != "X-Launchpad-Signature" || cfg.Service.HMACTimestampHeader != "X-Launchpad-Timestamp" {
		t.Fatalf("unexpected headers %+v", cfg.Service)
	}
	if cfg.Deposit.ConfirmRounds != 4 {
		t.Fatalf("expected 4 confirm rounds, got %d", cfg.Deposit.ConfirmRounds)
	}
}
