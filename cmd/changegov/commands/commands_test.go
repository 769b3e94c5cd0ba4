package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/changegov/pkg/config"
	"github.com/openfroyo/changegov/pkg/engine"
	"github.com/openfroyo/changegov/pkg/notify"
)

func TestBuildNotifier(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.NotificationsConfig
		wantNil   bool
		wantAsync bool
		check     func(t *testing.T, n engine.Notifier)
	}{
		{name: "nothing configured", wantNil: true},
		{
			name: "log only",
			cfg:  config.NotificationsConfig{Log: true},
			check: func(t *testing.T, n engine.Notifier) {
				if _, ok := n.(*notify.LogNotifier); !ok {
					t.Errorf("expected LogNotifier, got %T", n)
				}
			},
		},
		{
			name: "log and webhook fan out",
			cfg:  config.NotificationsConfig{Log: true, Webhook: notify.WebhookConfig{URL: "https://hooks.example.com"}},
			check: func(t *testing.T, n engine.Notifier) {
				multi, ok := n.(notify.Multi)
				if !ok || len(multi) != 2 {
					t.Errorf("expected two-way Multi, got %T", n)
				}
			},
		},
		{
			name:      "async wraps the sinks",
			cfg:       config.NotificationsConfig{Log: true, AsyncBuffer: 8},
			wantAsync: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, async, err := buildNotifier(tt.cfg, zerolog.Nop())
			if err != nil {
				t.Fatalf("buildNotifier failed: %v", err)
			}
			if tt.wantNil {
				if n != nil {
					t.Errorf("expected no notifier, got %T", n)
				}
				return
			}
			if n == nil {
				t.Fatal("expected a notifier")
			}
			if tt.wantAsync {
				if async == nil {
					t.Fatal("expected an async notifier")
				}
				_ = async.Close(context.Background())
			} else if async != nil {
				t.Error("unexpected async notifier")
			}
			if tt.check != nil {
				tt.check(t, n)
			}
		})
	}
}

func TestParseRole(t *testing.T) {
	for _, s := range []string{"engineer", "cab_member", "change_manager"} {
		if _, err := parseRole(s); err != nil {
			t.Errorf("parseRole(%q) failed: %v", s, err)
		}
	}
	if _, err := parseRole("admin"); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestMigrateAndCreateChange(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "gov.db")
	t.Setenv(config.EnvDBPath, dbPath)
	t.Setenv("LOG_LEVEL", "error")

	run := func(args ...string) {
		t.Helper()
		root := newRootCommand("test", "none", "now")
		root.SetArgs(args)
		if err := root.ExecuteContext(context.Background()); err != nil {
			t.Fatalf("%v failed: %v", args, err)
		}
	}

	run("migrate")
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database was not created: %v", err)
	}

	run("change", "create", "--title", "Patch hypervisors", "--client", "acme", "--requester", "alice")
	run("settings", "set", "cab.quorum", "2")
	run("cab", "pending")
}
