package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExportsCounters(t *testing.T) {
	m := New()
	m.Iteration("completed", 200*time.Millisecond)
	m.Iteration("completed", time.Second)
	m.Iteration("hung", time.Second)
	m.Finding("size")
	m.Retry("Running")
	m.Errnos("ext4", map[string]int{"ENOENT": 3})
	m.Corpus(4, 1234)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for _, want := range []string{
		`fsfuzz_iterations_total{outcome="completed"} 2`,
		`fsfuzz_iterations_total{outcome="hung"} 1`,
		`fsfuzz_findings_total{dimension="size"} 1`,
		`fsfuzz_infra_retries_total{state="Running"} 1`,
		`fsfuzz_operation_errors_total{errno="ENOENT",fs="ext4"} 3`,
		`fsfuzz_corpus_size 4`,
		`fsfuzz_coverage_size 1234`,
		`fsfuzz_execution_seconds_count 3`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("Expected %q in exposition:\n%s", want, body)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Iteration("completed", time.Second)
	m.Finding("mode")
	m.Suppressed()
	m.Retry("Booted")
	m.Errnos("xfs", map[string]int{"EIO": 1})
	m.Corpus(1, 1)
}
