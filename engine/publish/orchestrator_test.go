package publish

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ponsauto/pons/engine/bridge"
	"github.com/ponsauto/pons/engine/domain"
	"github.com/ponsauto/pons/pkg/fn"
)

const testVIN = "1HGCM82633A123456"

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubBridge struct {
	ch        domain.Channel
	publish   func(n int) domain.ChannelResult
	update    func(v domain.CanonicalVehicle) domain.ChannelResult
	unpublish func(vin, id string) domain.ChannelResult
	calls     atomic.Int32
}

func (s *stubBridge) Channel() domain.Channel { return s.ch }

func (s *stubBridge) Format(v domain.CanonicalVehicle) bridge.Listing {
	return bridge.Listing{Channel: s.ch, Title: v.Title()}
}

func (s *stubBridge) Publish(_ context.Context, _ domain.CanonicalVehicle) domain.ChannelResult {
	n := int(s.calls.Add(1))
	if s.publish == nil {
		return domain.Succeeded(fmt.Sprintf("%s-%d", s.ch, n), "", fixedNow)
	}
	return s.publish(n)
}

func (s *stubBridge) Update(_ context.Context, v domain.CanonicalVehicle) domain.ChannelResult {
	if s.update == nil {
		return domain.Succeeded(v.ListingID(s.ch), "", fixedNow)
	}
	return s.update(v)
}

func (s *stubBridge) Unpublish(_ context.Context, vin, id string) domain.ChannelResult {
	if s.unpublish == nil {
		return domain.Succeeded(id, "", fixedNow)
	}
	return s.unpublish(vin, id)
}

type stubVehicles struct {
	mu       sync.Mutex
	vehicles map[string]domain.CanonicalVehicle
}

func newStubVehicles(vs ...domain.CanonicalVehicle) *stubVehicles {
	s := &stubVehicles{vehicles: map[string]domain.CanonicalVehicle{}}
	for _, v := range vs {
		s.vehicles[v.VIN] = v
	}
	return s
}

func (s *stubVehicles) Get(_ context.Context, vin string) (domain.CanonicalVehicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vehicles[vin]
	if !ok {
		return domain.CanonicalVehicle{}, fmt.Errorf("%s: %w", vin, domain.ErrVehicleNotFound)
	}
	return v, nil
}

func (s *stubVehicles) SetListingID(_ context.Context, vin string, ch domain.Channel, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.vehicles[vin]
	if v.ListingIDs == nil {
		v.ListingIDs = map[domain.Channel]string{}
	}
	v.ListingIDs[ch] = id
	s.vehicles[vin] = v
	return nil
}

func (s *stubVehicles) ClearListingID(_ context.Context, vin string, ch domain.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vehicles[vin].ListingIDs, ch)
	return nil
}

type recordedEvent struct {
	subject string
	payload any
}

type recordingEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingEvents) Publish(_ context.Context, subject string, v any) error {
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{subject, v})
	r.mu.Unlock()
	return nil
}

// statusLog records every status a job is saved with.
type statusLog struct {
	*MemoryStore
	mu       sync.Mutex
	statuses []Status
}

func (s *statusLog) Save(ctx context.Context, j Job) error {
	s.mu.Lock()
	s.statuses = append(s.statuses, j.Status)
	s.mu.Unlock()
	return s.MemoryStore.Save(ctx, j)
}

func accord() domain.CanonicalVehicle {
	price := 28500.0
	return domain.CanonicalVehicle{
		VIN:    testVIN,
		Year:   2003,
		Make:   "Honda",
		Model:  "Accord",
		Price:  &price,
		Status: domain.StatusAvailable,
	}
}

func newTestOrchestrator(t *testing.T, store JobStore, vehicles VehicleSource, bridges ...bridge.Bridge) (*Orchestrator, *recordingEvents) {
	t.Helper()
	events := &recordingEvents{}
	ids := 0
	o := NewOrchestrator(Deps{
		Store:    store,
		Bridges:  bridge.NewRegistry(bridges...),
		Vehicles: vehicles,
		Events:   events,
		Now:      func() time.Time { return fixedNow },
		NewID: func() string {
			ids++
			return fmt.Sprintf("job-%d", ids)
		},
		Options: Options{
			ChannelTimeout: time.Second,
			Retry:          fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond},
		},
	})
	return o, events
}

// mustExecute creates a job for testVIN on channels and runs it.
func mustExecute(t *testing.T, o *Orchestrator, channels ...string) Job {
	t.Helper()
	ctx := context.Background()
	job, err := o.CreateJob(ctx, testVIN, channels)
	if err != nil {
		t.Fatal(err)
	}
	done, err := o.ExecuteJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	return done
}

func TestCreateAndExecutePublished(t *testing.T) {
	ctx := context.Background()
	fb := &stubBridge{ch: domain.ChannelFacebook}
	at := &stubBridge{ch: domain.ChannelAutoTrader}
	vehicles := newStubVehicles(accord())
	o, events := newTestOrchestrator(t, NewMemoryStore(), vehicles, fb, at)

	job, err := o.CreateJob(ctx, testVIN, []string{"facebook", "autotrader"})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != StatusPending || job.CompletedAt != nil {
		t.Fatalf("new job = %+v", job)
	}
	if want := []domain.Channel{domain.ChannelFacebook, domain.ChannelAutoTrader}; !slices.Equal(job.Channels, want) {
		t.Fatalf("channels = %v, want %v", job.Channels, want)
	}

	done, err := o.ExecuteJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != StatusPublished || done.CompletedAt == nil || len(done.Results) != 2 {
		t.Fatalf("done = %+v", done)
	}
	for _, ch := range job.Channels {
		res := done.Results[ch]
		if !res.Success || res.ListingID == "" || res.Attempts != 1 {
			t.Errorf("%s: result = %+v", ch, res)
		}
	}

	stored, err := o.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(stored, done) {
		t.Errorf("stored = %+v, want %+v", stored, done)
	}

	v, _ := vehicles.Get(ctx, testVIN)
	if v.ListingID(domain.ChannelFacebook) != "facebook-1" || v.ListingID(domain.ChannelAutoTrader) != "autotrader-1" {
		t.Errorf("listing ids = %v", v.ListingIDs)
	}

	if len(events.events) != 1 || events.events[0].subject != CompletedSubject {
		t.Fatalf("events = %+v", events.events)
	}
}

func TestOneChannelFailureFailsJobWithoutBlockingOthers(t *testing.T) {
	ok := &stubBridge{ch: domain.ChannelCarsCom}
	bad := &stubBridge{ch: domain.ChannelCarGurus, publish: func(int) domain.ChannelResult {
		return domain.Failed("HTTP 400: bad payload", false, fixedNow)
	}}
	o, _ := newTestOrchestrator(t, NewMemoryStore(), newStubVehicles(accord()), ok, bad)

	done := mustExecute(t, o, "cars_com", "cargurus")
	if done.Status != StatusFailed || done.CompletedAt == nil {
		t.Fatalf("done = %+v", done)
	}
	if !done.Results[domain.ChannelCarsCom].Success {
		t.Errorf("cars_com = %+v", done.Results[domain.ChannelCarsCom])
	}
	if res := done.Results[domain.ChannelCarGurus]; res.Success || res.Error != "HTTP 400: bad payload" {
		t.Errorf("cargurus = %+v", res)
	}
	if n := bad.calls.Load(); n != 1 {
		t.Errorf("non-retryable failure called %d times", n)
	}
}

func TestRetryableFailureRetriesThroughRetrying(t *testing.T) {
	flaky := &stubBridge{ch: domain.ChannelAutoTrader, publish: func(n int) domain.ChannelResult {
		if n < 3 {
			return domain.Failed("HTTP 503", true, fixedNow)
		}
		return domain.Succeeded("AT-9", "https://autotrader.example/AT-9", fixedNow)
	}}
	store := &statusLog{MemoryStore: NewMemoryStore()}
	o, _ := newTestOrchestrator(t, store, newStubVehicles(accord()), flaky)

	done := mustExecute(t, o, "autotrader")
	res := done.Results[domain.ChannelAutoTrader]
	if done.Status != StatusPublished || res.Attempts != 3 || res.ListingID != "AT-9" {
		t.Fatalf("done = %+v", done)
	}
	if want := []Status{StatusPending, StatusRetrying, StatusPublished}; !slices.Equal(store.statuses, want) {
		t.Fatalf("saved statuses = %v, want %v", store.statuses, want)
	}
}

func TestRetriesExhaustedFails(t *testing.T) {
	down := &stubBridge{ch: domain.ChannelFacebook, publish: func(int) domain.ChannelResult {
		return domain.Failed("context deadline exceeded", true, fixedNow)
	}}
	o, _ := newTestOrchestrator(t, NewMemoryStore(), newStubVehicles(accord()), down)

	done := mustExecute(t, o, "facebook")
	if done.Status != StatusFailed || done.Results[domain.ChannelFacebook].Attempts != 3 {
		t.Fatalf("done = %+v", done)
	}
	if n := down.calls.Load(); n != 3 {
		t.Fatalf("calls = %d", n)
	}
}

func TestPanickingBridgeIsCapturedAsChannelFailure(t *testing.T) {
	boom := &stubBridge{ch: domain.ChannelCarGurus, publish: func(int) domain.ChannelResult {
		panic("nil map")
	}}
	ok := &stubBridge{ch: domain.ChannelFacebook}
	o, _ := newTestOrchestrator(t, NewMemoryStore(), newStubVehicles(accord()), boom, ok)

	done := mustExecute(t, o, "cargurus", "facebook")
	if done.Status != StatusFailed {
		t.Fatalf("status = %s", done.Status)
	}
	if res := done.Results[domain.ChannelCarGurus]; !strings.Contains(res.Error, "panic") {
		t.Errorf("cargurus = %+v", res)
	}
	if !done.Results[domain.ChannelFacebook].Success {
		t.Errorf("facebook = %+v", done.Results[domain.ChannelFacebook])
	}
}

func TestReexecuteOverwritesResults(t *testing.T) {
	ctx := context.Background()
	fail := true
	b := &stubBridge{ch: domain.ChannelCarsCom, publish: func(n int) domain.ChannelResult {
		if fail {
			return domain.Failed("HTTP 422", false, fixedNow)
		}
		return domain.Succeeded("C-1", "", fixedNow)
	}}
	o, _ := newTestOrchestrator(t, NewMemoryStore(), newStubVehicles(accord()), b)

	first := mustExecute(t, o, "cars_com")
	if first.Status != StatusFailed {
		t.Fatalf("first = %s", first.Status)
	}

	fail = false
	second, err := o.ExecuteJob(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != StatusPublished || second.Results[domain.ChannelCarsCom].Error != "" {
		t.Fatalf("second = %+v", second)
	}
}

func TestExecuteAfterVehicleDeletedStoresFailedJob(t *testing.T) {
	ctx := context.Background()
	vehicles := newStubVehicles(accord())
	fb := &stubBridge{ch: domain.ChannelFacebook}
	o, events := newTestOrchestrator(t, NewMemoryStore(), vehicles, fb, &stubBridge{ch: domain.ChannelCarsCom})

	job, err := o.CreateJob(ctx, testVIN, []string{"facebook", "cars_com"})
	if err != nil {
		t.Fatal(err)
	}
	vehicles.mu.Lock()
	delete(vehicles.vehicles, testVIN)
	vehicles.mu.Unlock()

	done, err := o.ExecuteJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != StatusFailed || done.CompletedAt == nil || len(done.Results) != 2 {
		t.Fatalf("done = %+v", done)
	}
	for ch, res := range done.Results {
		if res.Success || res.Retryable || !strings.Contains(res.Error, "vehicle not found") {
			t.Errorf("%s: result = %+v", ch, res)
		}
	}
	if n := fb.calls.Load(); n != 0 {
		t.Errorf("bridge called %d times without a vehicle", n)
	}

	stored, err := o.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != StatusFailed {
		t.Errorf("stored status = %s", stored.Status)
	}
	if len(events.events) != 1 {
		t.Errorf("events = %+v", events.events)
	}
}

func TestCreateJobRejectsBeforeStoring(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	o, _ := newTestOrchestrator(t, store, newStubVehicles(accord()), &stubBridge{ch: domain.ChannelFacebook})

	tests := []struct {
		name     string
		vin      string
		channels []string
		want     error
	}{
		{"bad vin", "123", []string{"facebook"}, domain.ErrInvalidVIN},
		{"no channels", testVIN, nil, domain.ErrNoChannels},
		{"unknown channel", testVIN, []string{"craigslist"}, domain.ErrUnknownChannel},
		{"unconfigured channel", testVIN, []string{"autotrader"}, bridge.ErrChannelNotConfigured},
		{"unknown vehicle", "2HGCM82633A654321", []string{"facebook"}, domain.ErrVehicleNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := o.CreateJob(ctx, tt.vin, tt.channels); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
	jobs, err := store.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Fatalf("stored jobs = %+v", jobs)
	}
}

func TestExecuteUnknownJob(t *testing.T) {
	o, _ := newTestOrchestrator(t, NewMemoryStore(), newStubVehicles())
	if _, err := o.ExecuteJob(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestListJobsByVIN(t *testing.T) {
	ctx := context.Background()
	other := accord()
	other.VIN = "2HGCM82633A654321"
	o, _ := newTestOrchestrator(t, NewMemoryStore(), newStubVehicles(accord(), other), &stubBridge{ch: domain.ChannelFacebook})

	for _, vin := range []string{testVIN, other.VIN} {
		if _, err := o.CreateJob(ctx, vin, []string{"facebook"}); err != nil {
			t.Fatal(err)
		}
	}

	jobs, err := o.ListJobs(ctx, "1hgcm82633a123456")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].VIN != testVIN {
		t.Fatalf("jobs = %+v", jobs)
	}

	all, err := o.ListJobs(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("all = %d jobs", len(all))
	}
}

func TestSyncUpdatesListedChannels(t *testing.T) {
	v := accord()
	v.ListingIDs = map[domain.Channel]string{domain.ChannelAutoTrader: "AT-1"}
	var updated []domain.Channel
	var mu sync.Mutex
	mk := func(ch domain.Channel) *stubBridge {
		return &stubBridge{ch: ch, update: func(v domain.CanonicalVehicle) domain.ChannelResult {
			mu.Lock()
			updated = append(updated, ch)
			mu.Unlock()
			return domain.Succeeded(v.ListingID(ch), "", fixedNow)
		}}
	}
	o, _ := newTestOrchestrator(t, NewMemoryStore(), newStubVehicles(v), mk(domain.ChannelAutoTrader), mk(domain.ChannelFacebook))

	results, err := o.Sync(context.Background(), testVIN)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(updated, []domain.Channel{domain.ChannelAutoTrader}) {
		t.Fatalf("updated = %v", updated)
	}
	res, ok := results[domain.ChannelAutoTrader]
	if !ok || res.ListingID != "AT-1" {
		t.Fatalf("results = %+v", results)
	}
}

func TestUnpublishClearsListingIDs(t *testing.T) {
	ctx := context.Background()
	v := accord()
	v.ListingIDs = map[domain.Channel]string{
		domain.ChannelAutoTrader: "AT-1",
		domain.ChannelFacebook:   "FB-1",
	}
	vehicles := newStubVehicles(v)
	fb := &stubBridge{ch: domain.ChannelFacebook, unpublish: func(string, string) domain.ChannelResult {
		return domain.Failed("HTTP 500", true, fixedNow)
	}}
	o, _ := newTestOrchestrator(t, NewMemoryStore(), vehicles, &stubBridge{ch: domain.ChannelAutoTrader}, fb)

	results, err := o.Unpublish(ctx, testVIN, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !results[domain.ChannelAutoTrader].Success || results[domain.ChannelFacebook].Success {
		t.Fatalf("results = %+v", results)
	}

	got, _ := vehicles.Get(ctx, testVIN)
	if got.ListingID(domain.ChannelAutoTrader) != "" || got.ListingID(domain.ChannelFacebook) != "FB-1" {
		t.Fatalf("listing ids = %v", got.ListingIDs)
	}
}

func TestUnpublishWithoutListing(t *testing.T) {
	o, _ := newTestOrchestrator(t, NewMemoryStore(), newStubVehicles(accord()), &stubBridge{ch: domain.ChannelCarsCom})
	results, err := o.Unpublish(context.Background(), testVIN, []string{"cars_com"})
	if err != nil {
		t.Fatal(err)
	}
	if got := results[domain.ChannelCarsCom].Error; got != bridge.ErrNoListingID {
		t.Fatalf("error = %q", got)
	}

	if _, err := o.Unpublish(context.Background(), testVIN, []string{"cargurus"}); !errors.Is(err, bridge.ErrChannelNotConfigured) {
		t.Fatalf("expected ErrChannelNotConfigured, got %v", err)
	}
}
