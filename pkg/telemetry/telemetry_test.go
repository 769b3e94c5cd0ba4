package telemetry

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type classifiedErr struct{}

func (classifiedErr) Error() string                     { return "boom" }
func (classifiedErr) Classification() (string, string) { return "conflict", "CONFLICT" }

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "zipkin"
		}, wantErr: true},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "metrics without address", mutate: func(c *Config) { c.Metrics.ListenAddress = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordTransition("draft", "submitted")
	m.RecordVote("approve")
	m.RecordSweep("reminders", 1, 0, 0, time.Second)
	m.ObserveOperation("op", time.Millisecond, nil)

	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	disabled.RecordQuorumOutcome("approved")
	if disabled.NewServer() != nil {
		t.Fatal("expected no server when metrics are disabled")
	}
}

func TestMetricsExposition(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "changegov", ListenAddress: ":0"})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordTransition("draft", "submitted")
	m.RecordVote("approve")
	m.RecordConflict("blackout", 2)
	m.RecordPolicyDecision("default", true, false, 75)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`changegov_change_transitions_total{from="draft",to="submitted"} 1`,
		`changegov_cab_votes_total{vote="approve"} 1`,
		`changegov_schedule_conflicts_total{kind="blackout"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestStartOperationRecordsErrorClass(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = "stderr"
	cfg.Logging.Level = "error"
	cfg.Metrics.ListenAddress = ":0"

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	op := tel.StartOperation(context.Background(), "change.schedule", AttrChangeID.String("c1"))
	op.End(classifiedErr{})

	rec := httptest.NewRecorder()
	tel.Metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `changegov_errors_total{class="conflict",code="CONFLICT"} 1`) {
		t.Errorf("expected classified error to be counted, got:\n%s", rec.Body.String())
	}
}

func TestStartOperationWithoutTelemetry(t *testing.T) {
	var tel *Telemetry
	op := tel.StartOperation(context.Background(), "noop")
	if op.Ctx == nil {
		t.Fatal("expected context to be carried")
	}
	op.End(errors.New("ignored"))
}

func TestLoggerFields(t *testing.T) {
	var buf strings.Builder
	logger := &Logger{zlog: zerolog.New(&buf)}
	logger.WithChangeID("c1").WithActor("").Info("hello")

	out := buf.String()
	if !strings.Contains(out, `"change_id":"c1"`) || !strings.Contains(out, `"actor":"system"`) {
		t.Errorf("unexpected log output: %s", out)
	}
}

func TestNewLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gov.log")
	logger, err := NewLogger(LoggingConfig{Level: "warn", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	logger.Component("sweeper").Info("dropped")
	logger.Component("sweeper").Warn("kept")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	out := string(data)
	if strings.Contains(out, "dropped") {
		t.Errorf("info line passed a warn-level logger: %s", out)
	}
	if !strings.Contains(out, `"component":"sweeper"`) || !strings.Contains(out, "kept") {
		t.Errorf("unexpected log output: %s", out)
	}
}

func TestFromContextDefaultsToNop(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected a logger")
	}
	l := Nop().WithChangeID("c1")
	if got := FromContext(l.WithContext(context.Background())); got != l {
		t.Error("expected the stored logger back")
	}
}
