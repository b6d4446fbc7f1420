package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestWithEnv(t *testing.T) {
	os.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestLogMetricEmitsStructuredFields(t *testing.T) {
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.LogMetric("channels", "raw_dropped_total", int64(3), "", nil)

	out := buf.String()
	for _, want := range []string{
		`"metric":"raw_dropped_total"`,
		`"value":3`,
		`"metric_type":"counter"`,
		`"component":"channels"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metric log missing %s: %s", want, out)
		}
	}
}

func TestEntryLogMetricWithoutCloudWatch(t *testing.T) {
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	// Publishing is skipped when no CloudWatch client is configured;
	// the structured log line must still be emitted.
	log.WithComponent("supervisor").LogMetric("supervisor", "connector_failures", 1, "counter", Fields{"exchange": "okx"})

	out := buf.String()
	if !strings.Contains(out, `"metric":"connector_failures"`) || !strings.Contains(out, `"exchange":"okx"`) {
		t.Fatalf("unexpected metric log: %s", out)
	}
}

func TestLogDataFlowEntry(t *testing.T) {
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	LogDataFlowEntry(log.WithComponent("dispatcher"), "update_channel", "sinks", 5, "tick_batch")

	out := buf.String()
	for _, want := range []string{
		`"source":"update_channel"`,
		`"destination":"sinks"`,
		`"record_count":5`,
		`"data_type":"tick_batch"`,
		`"flow_type":"data_flow"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("data flow log missing %s: %s", want, out)
		}
	}
}

func TestLogPerformanceEntry(t *testing.T) {
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	LogPerformanceEntry(log.WithComponent("s3_sink"), "s3_sink", "upload", 2*time.Millisecond, nil)

	out := buf.String()
	if !strings.Contains(out, `"operation":"upload"`) || !strings.Contains(out, `"duration_ms"`) {
		t.Fatalf("performance log missing fields: %s", out)
	}
}
