package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func expectValue(t *testing.T, c prometheus.Collector, want float64) {
	t.Helper()
	if got := testutil.ToFloat64(c); got != want {
		t.Errorf("value = %v, want %v", got, want)
	}
}

func TestRecordIngest(t *testing.T) {
	r := New()
	r.RecordIngest("dealer-a", "valid", 3)
	r.RecordIngest("dealer-a", "valid", 2)
	r.RecordIngest("dealer-a", "rejected", 0)

	expectValue(t, r.ingestRecords.WithLabelValues("dealer-a", "valid"), 5)
	expectValue(t, r.ingestRecords.WithLabelValues("dealer-a", "rejected"), 0)
}

func TestRecordChannelOutcomes(t *testing.T) {
	r := New()
	r.RecordChannel("facebook", "publish", true, 20*time.Millisecond)
	r.RecordChannel("facebook", "publish", false, 30*time.Millisecond)
	r.RecordRetry("facebook")
	r.RecordJob("FAILED")

	expectValue(t, r.channelResults.WithLabelValues("facebook", "publish", "success"), 1)
	expectValue(t, r.channelResults.WithLabelValues("facebook", "publish", "failure"), 1)
	expectValue(t, r.channelRetries.WithLabelValues("facebook"), 1)
	expectValue(t, r.jobs.WithLabelValues("FAILED"), 1)
}

func TestFetchAndBreaker(t *testing.T) {
	r := New()
	r.RecordFetch("dealer-a", time.Second, nil)
	r.RecordFetch("dealer-a", time.Second, errors.New("timeout"))
	r.SetBreakerState("cars_com", 1)

	expectValue(t, r.fetchErrors.WithLabelValues("dealer-a"), 1)
	expectValue(t, r.breakerState.WithLabelValues("cars_com"), 1)
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	r.RecordIngest("x", "valid", 1)
	r.RecordParseError("csv")
	r.RecordFetch("x", time.Second, nil)
	r.RecordJob("PUBLISHED")
	r.RecordChannel("x", "publish", true, time.Second)
	r.RecordRetry("x")
	r.SetBreakerState("x", 0)
	r.ObserveRequest("GET", "/", 200, time.Second)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandlerExposesInstruments(t *testing.T) {
	r := New()
	r.ObserveRequest("GET", "GET /vehicles/{vin}", 200, 5*time.Millisecond)
	r.RecordParseError("xml")

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	text := string(body)
	for _, want := range []string{
		`pons_http_requests_total{method="GET",route="GET /vehicles/{vin}",status="200"} 1`,
		`pons_ingest_parse_errors_total{format="xml"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %s in:\n%s", want, text)
		}
	}
}
