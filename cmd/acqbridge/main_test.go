package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nerrad567/acqboard-bridge/internal/acqboard"
	"github.com/nerrad567/acqboard-bridge/internal/infrastructure/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("ACQBRIDGE_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("error = %v, want loading config failure", err)
	}
}

// TestRun_MissingDatabasePath verifies validation rejects an empty database path.
func TestRun_MissingDatabasePath(t *testing.T) {
	t.Setenv("ACQBRIDGE_CONFIG", writeConfig(t, `
board:
  id: test-board
  connection: tcp://127.0.0.1:5000

database:
  path: ""

logging:
  level: error
  format: text
  output: stdout
`))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with empty database path")
	}
	if !strings.Contains(err.Error(), "database.path") {
		t.Errorf("error = %v, want database.path validation failure", err)
	}
}

// TestRun_StartsWithoutBoard verifies the bridge starts and shuts down
// cleanly while the board is unreachable.
func TestRun_StartsWithoutBoard(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	t.Setenv("ACQBRIDGE_CONFIG", writeConfig(t, `
board:
  id: test-board
  connection: tcp://127.0.0.1:1
  connect_timeout: 100ms
  reconnect_interval: 50ms

database:
  path: "`+dbPath+`"

mqtt:
  enabled: false

api:
  enabled: false

logging:
  level: error
  format: text
  output: stdout
`))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() error: %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database not created: %v", err)
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("ACQBRIDGE_CONFIG", "")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	t.Setenv("ACQBRIDGE_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

func TestBoardConfig(t *testing.T) {
	dir := t.TempDir()
	profile := filepath.Join(dir, "profile.yaml")
	if err := os.WriteFile(profile, []byte(`
parameters:
  - name: CONFIG:FFT_LENGTH
    get: CONFIG:FFT_LENGTH?
    set: CONFIG:FFT_LENGTH
    kind: int
    min: 16
    max: 65536
  - name: CONFIG:GAIN
    get: CONFIG:GAIN?
    set: CONFIG:GAIN
    kind: float
`), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	base := config.BoardConfig{
		Connection:     "tcp://127.0.0.1:5000",
		ConnectTimeout: time.Second,
		GetTimeout:     2 * time.Second,
		ReadChunkSize:  64,
	}

	t.Run("no profile", func(t *testing.T) {
		cfg, err := boardConfig(base)
		if err != nil {
			t.Fatalf("boardConfig() error: %v", err)
		}
		if cfg.Parameters != nil {
			t.Errorf("Parameters = %d entries, want nil", len(cfg.Parameters))
		}
		if cfg.Connection != base.Connection || cfg.GetTimeout != base.GetTimeout || cfg.ReadChunkSize != 64 {
			t.Errorf("boardConfig() = %+v, fields not copied", cfg)
		}
	})

	t.Run("profile merged over board table", func(t *testing.T) {
		bc := base
		bc.Type = acqboard.BoardADC14
		bc.ProfileFile = profile

		cfg, err := boardConfig(bc)
		if err != nil {
			t.Fatalf("boardConfig() error: %v", err)
		}
		table, err := acqboard.Profile(acqboard.BoardADC14)
		if err != nil {
			t.Fatalf("Profile: %v", err)
		}
		if len(cfg.Parameters) != len(table)+1 {
			t.Fatalf("Parameters = %d entries, want %d", len(cfg.Parameters), len(table)+1)
		}

		byName := make(map[string]acqboard.ParamSpec, len(cfg.Parameters))
		for _, p := range cfg.Parameters {
			byName[p.Name] = p
		}
		fft := byName["CONFIG:FFT_LENGTH"]
		if fft.Min == nil || *fft.Min != 16 {
			t.Errorf("CONFIG:FFT_LENGTH min = %v, want override 16", fft.Min)
		}
		if _, ok := byName["CONFIG:GAIN"]; !ok {
			t.Error("CONFIG:GAIN not appended")
		}
	})

	t.Run("missing profile file", func(t *testing.T) {
		bc := base
		bc.Type = acqboard.BoardADC8
		bc.ProfileFile = filepath.Join(dir, "missing.yaml")
		if _, err := boardConfig(bc); err == nil {
			t.Error("boardConfig() should fail for a missing profile")
		}
	})
}

func TestIssueToken(t *testing.T) {
	secret := strings.Repeat("k", 32)
	t.Setenv("ACQBRIDGE_CONFIG", writeConfig(t, `
board:
  id: test-board
  connection: tcp://127.0.0.1:5000
database:
  path: ./test.db
security:
  jwt:
    secret: "`+secret+`"
    issuer: acqbridge
`))

	var out bytes.Buffer
	if err := issueToken(&out, "operator"); err != nil {
		t.Fatalf("issueToken() error: %v", err)
	}

	token := strings.TrimSpace(out.String())
	claims := &jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"})); err != nil {
		t.Fatalf("token does not verify: %v", err)
	}
	if claims.Subject != "operator" {
		t.Errorf("subject = %q, want operator", claims.Subject)
	}
}

func TestIssueToken_NoSecret(t *testing.T) {
	t.Setenv("ACQBRIDGE_CONFIG", writeConfig(t, `
board:
  id: test-board
  connection: tcp://127.0.0.1:5000
database:
  path: ./test.db
`))

	var out bytes.Buffer
	if err := issueToken(&out, "operator"); err == nil {
		t.Error("issueToken() should fail without a configured secret")
	}
}
