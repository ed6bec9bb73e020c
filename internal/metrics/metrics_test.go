package metrics

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCounterAndGauge(t *testing.T) {
	r := NewRegistry("suis")
	c := r.Counter("frames_total", "Frames", nil)
	c.Inc()
	c.Add(2)
	if c.Value() != 3 {
		t.Errorf("expected 3, got %d", c.Value())
	}
	if r.Counter("frames_total", "Frames", nil) != c {
		t.Error("registering twice should return the same counter")
	}

	g := r.Gauge("live_methods", "Methods", nil)
	g.Set(5)
	g.Add(-2)
	if g.Value() != 3 {
		t.Errorf("expected 3, got %d", g.Value())
	}
}

func TestLabelsKeepSeriesApart(t *testing.T) {
	r := NewRegistry("")
	a := r.Counter("failures", "f", Labels{"reason": "timeout"})
	b := r.Counter("failures", "f", Labels{"reason": "error"})
	if a == b {
		t.Fatal("different labels must be different series")
	}
	a.Inc()

	var buf bytes.Buffer
	if err := r.WritePrometheus(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if strings.Count(out, "# TYPE failures counter") != 1 {
		t.Errorf("expected one TYPE line per metric name:\n%s", out)
	}
	if !strings.Contains(out, `failures{reason="timeout"} 1`) {
		t.Errorf("missing timeout series:\n%s", out)
	}
	if !strings.Contains(out, `failures{reason="error"} 0`) {
		t.Errorf("missing error series:\n%s", out)
	}
}

func TestHistogramBuckets(t *testing.T) {
	r := NewRegistry("")
	h := r.Histogram("latency", "l", nil, []float64{1, 2, 5})
	for _, v := range []float64{0.5, 1, 1.5, 3, 10} {
		h.Observe(v)
	}
	if h.Count() != 5 {
		t.Errorf("expected 5 observations, got %d", h.Count())
	}
	if h.Sum() != 16 {
		t.Errorf("expected sum 16, got %v", h.Sum())
	}

	var buf bytes.Buffer
	if err := r.WritePrometheus(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		`latency_bucket{le="1"} 2`,
		`latency_bucket{le="2"} 3`,
		`latency_bucket{le="5"} 4`,
		`latency_bucket{le="+Inf"} 5`,
		`latency_count 5`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestHTTPHandler(t *testing.T) {
	m := NewEngineMetrics(nil)
	m.FrameCompleted(2*time.Millisecond, false)
	m.FrameCompleted(0, true)
	m.Delivered(time.Millisecond, true)
	m.HandlerFailed("timeout")
	m.HandlerFailed("bogus")
	m.SetPopulation(3, 4, 1)

	srv := httptest.NewServer(m.Registry().HTTPHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	resp.Body.Close()
	text := buf.String()
	for _, want := range []string{
		"suis_frames_total 1",
		"suis_frames_aborted_total 1",
		"suis_captured_deliveries_total 1",
		`suis_handler_failures_total{reason="timeout"} 1`,
		`suis_handler_failures_total{reason="error"} 1`,
		"suis_live_handlers 4",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in:\n%s", want, text)
		}
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Accept", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var snap map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if snap["suis_captured_methods"] != float64(1) {
		t.Errorf("expected captured_methods 1, got %v", snap["suis_captured_methods"])
	}
}
