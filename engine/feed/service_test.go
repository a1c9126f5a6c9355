package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ponsauto/pons/engine/domain"
	"github.com/ponsauto/pons/engine/normalize"
	"github.com/ponsauto/pons/pkg/metrics"
	"github.com/ponsauto/pons/pkg/resilience"
)

const sampleCSV = "VIN,Year,Make,Model,Price,MSRP\n" +
	"1HGCM82633A123456,2023,Honda,Accord,28500,31000\n" +
	"BADVIN,2022,Toyota,Camry,25900,\n" +
	"2T1BURHE0JC012345,2018,toyota,Corolla,,\n"

type memSink struct {
	mu    sync.Mutex
	saved map[string]domain.CanonicalVehicle
	fail  string
}

func (m *memSink) Save(_ context.Context, v domain.CanonicalVehicle) (domain.CanonicalVehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.VIN == m.fail {
		return v, errors.New("disk full")
	}
	if m.saved == nil {
		m.saved = map[string]domain.CanonicalVehicle{}
	}
	m.saved[v.VIN] = v
	return v, nil
}

type recordingPublisher struct {
	subjects []string
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, _ any) error {
	p.subjects = append(p.subjects, subject)
	return nil
}

type stubDownloader struct {
	body  []byte
	err   error
	calls atomic.Int32
}

func (d *stubDownloader) Fetch(context.Context, Source) ([]byte, error) {
	d.calls.Add(1)
	return d.body, d.err
}

func newTestService(dl Downloader, sink Sink, pub Publisher) *Service {
	n := normalize.NewNormalizer(nil)
	reg := NewRegistry(n)
	return NewService(Deps{
		Registry:   reg,
		Downloader: dl,
		Pipeline:   normalize.Pipeline{Normalizer: n, Enricher: normalize.NewEnricher(nil)},
		Sink:       sink,
		Events:     pub,
		Metrics:    metrics.New(),
	})
}

func TestIngestReport(t *testing.T) {
	dl := &stubDownloader{body: []byte(sampleCSV)}
	sink := &memSink{}
	pub := &recordingPublisher{}
	svc := newTestService(dl, sink, pub)
	if _, err := svc.Registry().Register(Source{Name: "lot", Format: FormatCSV, URL: "http://feed"}); err != nil {
		t.Fatal(err)
	}

	rep, err := svc.Ingest(context.Background(), "lot")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Fetched != 3 || rep.Valid != 2 || rep.Stored != 2 || len(rep.Rejected) != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Valid+len(rep.Rejected) != rep.Fetched {
		t.Fatal("every record must be either valid or rejected")
	}
	if rep.Rejected[0].Index != 1 || rep.Rejected[0].Error == "" {
		t.Fatalf("rejection = %+v", rep.Rejected[0])
	}
	if rep.FinishedAt.Before(rep.StartedAt) {
		t.Fatal("finished before started")
	}

	accord := sink.saved["1HGCM82633A123456"]
	if accord.Discount == nil || *accord.Discount != 2500 {
		t.Fatalf("accord not enriched: %+v", accord)
	}
	corolla := sink.saved["2T1BURHE0JC012345"]
	if corolla.Make != "Toyota" || corolla.Discount != nil {
		t.Fatalf("corolla = %+v", corolla)
	}
	if len(pub.subjects) != 1 || pub.subjects[0] != IngestedSubject {
		t.Fatalf("events = %v", pub.subjects)
	}
}

func TestIngestUnknownSourceDoesNoIO(t *testing.T) {
	dl := &stubDownloader{}
	svc := newTestService(dl, &memSink{}, nil)
	if _, err := svc.Ingest(context.Background(), "nope"); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
	if dl.calls.Load() != 0 {
		t.Fatal("downloader must not be called for an unknown source")
	}
}

func TestIngestFetchFailure(t *testing.T) {
	svc := newTestService(&stubDownloader{err: errors.New("connection refused")}, &memSink{}, nil)
	svc.Registry().Register(Source{Name: "lot", Format: FormatCSV, URL: "http://feed"})
	if _, err := svc.Ingest(context.Background(), "lot"); !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("err = %v, want ErrFetchFailed", err)
	}
}

func TestIngestStoreFailureIsCounted(t *testing.T) {
	sink := &memSink{fail: "1HGCM82633A123456"}
	svc := newTestService(&stubDownloader{body: []byte(sampleCSV)}, sink, nil)
	svc.Registry().Register(Source{Name: "lot", Format: FormatCSV, URL: "http://feed"})
	rep, err := svc.Ingest(context.Background(), "lot")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Valid != 2 || rep.Stored != 1 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestUploadPartialJSON(t *testing.T) {
	svc := newTestService(nil, nil, nil)
	body := `{"vehicles":[{"vin":"1HGCM82633A123456","year":2020,"make":"honda","model":"Civic"}, 42]}`
	rep, err := svc.Upload(context.Background(), Source{Format: "JSON"}, []byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Source != "upload" || rep.Valid != 1 || rep.Stored != 0 || rep.ParseError == "" {
		t.Fatalf("report = %+v", rep)
	}
}

func TestUploadWindows1252XMLDecodedOnce(t *testing.T) {
	body := []byte("<?xml version=\"1.0\" encoding=\"windows-1252\"?>" +
		"<vehicles><vehicle><vin>1HGCM82633A123456</vin><year>2023</year>" +
		"<make>Honda</make><model>Accord</model><trim>Cr\xe8me</trim></vehicle></vehicles>")
	for _, label := range []string{"windows-1252", ""} {
		sink := &memSink{}
		svc := newTestService(nil, sink, nil)
		rep, err := svc.Upload(context.Background(), Source{Format: FormatXML, Encoding: label}, body)
		if err != nil {
			t.Fatal(err)
		}
		if rep.Stored != 1 {
			t.Fatalf("encoding %q: report = %+v", label, rep)
		}
		v := sink.saved["1HGCM82633A123456"]
		if v.Trim == nil || *v.Trim != "Crème" {
			t.Fatalf("encoding %q: trim = %v", label, v.Trim)
		}
	}
}

func TestUploadRejectsBadConfigBeforeParsing(t *testing.T) {
	svc := newTestService(nil, nil, nil)
	if _, err := svc.Upload(context.Background(), Source{Format: "yaml"}, nil); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
	if _, err := svc.Upload(context.Background(), Source{Format: "csv", Mapping: "homenet"}, nil); !errors.Is(err, normalize.ErrUnknownMapping) {
		t.Fatalf("expected ErrUnknownMapping, got %v", err)
	}
}

func TestRegistryValidation(t *testing.T) {
	reg := NewRegistry(normalize.NewNormalizer(nil))
	bad := []Source{
		{Format: FormatCSV},
		{Name: "a", Format: "pdf"},
		{Name: "a", Format: FormatCSV, Mapping: "homenet"},
		{Name: "a", Format: FormatCSV, Encoding: "ebcdic-klingon"},
		{Name: "a", Format: FormatCSV, Interval: -time.Second},
	}
	for _, src := range bad {
		if _, err := reg.Register(src); err == nil {
			t.Errorf("Register(%+v) should fail", src)
		}
	}
	src, err := reg.Register(Source{Name: "b", Format: "XML", Mapping: "vauto"})
	if err != nil {
		t.Fatal(err)
	}
	if src.Timeout != DefaultTimeout || src.Format != FormatXML {
		t.Fatalf("defaults not applied: %+v", src)
	}
	reg.Register(Source{Name: "a", Format: FormatCSV})
	if l := reg.List(); len(l) != 2 || l[0].Name != "a" {
		t.Fatalf("List() = %+v", l)
	}
}

func TestSourceJSONDurations(t *testing.T) {
	var src Source
	if err := json.Unmarshal([]byte(`{"name":"a","format":"csv","interval":"15m","timeout":"10s","token":"x"}`), &src); err != nil {
		t.Fatal(err)
	}
	if src.Interval != 15*time.Minute || src.Timeout != 10*time.Second || src.Token != "" {
		t.Fatalf("got %+v", src)
	}
	out, _ := json.Marshal(src)
	var m map[string]any
	json.Unmarshal(out, &m)
	if m["interval"] != "15m0s" || m["timeout"] != "10s" {
		t.Fatalf("marshal = %s", out)
	}
	if err := json.Unmarshal([]byte(`{"interval":"soon"}`), &src); err == nil {
		t.Fatal("expected duration error")
	}
}

func TestFetcher(t *testing.T) {
	var gotAuth, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotHeader = r.Header.Get("X-Dealer")
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte{'c', 'a', 'f', 0xE9})
	}))
	defer srv.Close()

	f := NewFetcher(FetcherOpts{Client: srv.Client(), Metrics: metrics.New()})
	body, err := f.Fetch(context.Background(), Source{
		Name: "lot", URL: srv.URL + "/feed.csv", Encoding: "latin1",
		Token: "t0k", Headers: map[string]string{"X-Dealer": "42"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "café" || gotAuth != "Bearer t0k" || gotHeader != "42" {
		t.Fatalf("body=%q auth=%q header=%q", body, gotAuth, gotHeader)
	}
	if _, err := f.Fetch(context.Background(), Source{Name: "lot", URL: srv.URL + "/missing"}); err == nil {
		t.Fatal("expected error for 404")
	}
	if _, err := f.Fetch(context.Background(), Source{Name: "lot"}); !errors.Is(err, ErrInvalidSource) {
		t.Fatalf("expected ErrInvalidSource, got %v", err)
	}
}

func TestFetcherTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f := NewFetcher(FetcherOpts{Client: srv.Client()})
	start := time.Now()
	_, err := f.Fetch(context.Background(), Source{Name: "slow", URL: srv.URL, Timeout: 50 * time.Millisecond})
	if err == nil {
		t.Fatal("expected timeout")
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout not enforced")
	}
}

func TestFetcherClientErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/gone":
			http.NotFound(w, r)
		case "/down":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.Write([]byte("vin\n"))
		}
	}))
	defer srv.Close()

	f := NewFetcher(FetcherOpts{Client: srv.Client(), Breaker: resilience.BreakerOpts{FailThreshold: 2, Timeout: time.Hour}})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.Fetch(ctx, Source{Name: "lot", URL: srv.URL + "/gone"})
		var se *StatusError
		if !errors.As(err, &se) || se.Code != http.StatusNotFound {
			t.Fatalf("attempt %d: err = %v, want 404", i, err)
		}
	}
	if _, err := f.Fetch(ctx, Source{Name: "lot", URL: srv.URL + "/feed"}); err != nil {
		t.Fatalf("breaker tripped by client errors: %v", err)
	}

	for i := 0; i < 2; i++ {
		f.Fetch(ctx, Source{Name: "lot", URL: srv.URL + "/down"})
	}
	if _, err := f.Fetch(ctx, Source{Name: "lot", URL: srv.URL + "/feed"}); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected open circuit after 5xx, got %v", err)
	}
}

func TestFetcherRejectsOversizedFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("vin,year\n1HGCM82633A123456,2023\n"))
	}))
	defer srv.Close()

	f := NewFetcher(FetcherOpts{Client: srv.Client(), MaxBytes: 16})
	if _, err := f.Fetch(context.Background(), Source{Name: "big", URL: srv.URL}); !errors.Is(err, ErrFeedTooLarge) {
		t.Fatalf("expected ErrFeedTooLarge, got %v", err)
	}

	f = NewFetcher(FetcherOpts{Client: srv.Client(), MaxBytes: 32})
	body, err := f.Fetch(context.Background(), Source{Name: "exact", URL: srv.URL})
	if err != nil || len(body) != 32 {
		t.Fatalf("got %d bytes, %v", len(body), err)
	}
}

type countingIngester struct{ n atomic.Int32 }

func (c *countingIngester) Ingest(context.Context, string) (Report, error) {
	c.n.Add(1)
	return Report{}, nil
}

func TestPollerTicksUntilCancelled(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(Source{Name: "fast", Format: FormatCSV, URL: "http://x", Interval: 10 * time.Millisecond})
	reg.Register(Source{Name: "manual", Format: FormatCSV, URL: "http://y"})
	ing := &countingIngester{}

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	NewPoller(ing, reg, nil).Run(ctx)
	if ing.n.Load() < 2 {
		t.Fatalf("expected repeated ingests, got %d", ing.n.Load())
	}
}
