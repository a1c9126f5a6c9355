package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ponsauto/pons/engine/bridge"
	"github.com/ponsauto/pons/engine/domain"
	"github.com/ponsauto/pons/pkg/fn"
	"github.com/ponsauto/pons/pkg/metrics"
)

// CompletedSubject is the event subject for jobs reaching a terminal status.
const CompletedSubject = "publish.job.completed"

// VehicleSource resolves the vehicle a job refers to and records the listing
// ids channels hand back.
type VehicleSource interface {
	Get(ctx context.Context, vin string) (domain.CanonicalVehicle, error)
	SetListingID(ctx context.Context, vin string, ch domain.Channel, id string) error
	ClearListingID(ctx context.Context, vin string, ch domain.Channel) error
}

// Publisher emits domain events.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Options tunes job execution.
type Options struct {
	// ChannelTimeout bounds a single bridge call attempt.
	ChannelTimeout time.Duration
	// Retry applies to results flagged Retryable. MaxAttempts 1 disables it.
	Retry fn.RetryOpts
	// Concurrency caps simultaneous channel calls per job. Zero means one
	// goroutine per channel.
	Concurrency int
}

// DefaultOptions retries transient failures three times.
var DefaultOptions = Options{
	ChannelTimeout: 30 * time.Second,
	Retry: fn.RetryOpts{
		MaxAttempts: 3,
		InitialWait: time.Second,
		MaxWait:     15 * time.Second,
		Jitter:      true,
	},
}

// Deps holds the collaborators of an Orchestrator.
type Deps struct {
	Store    JobStore
	Bridges  *bridge.Registry
	Vehicles VehicleSource
	Events   Publisher
	Metrics  *metrics.Registry
	Logger   *slog.Logger
	Options  Options
	Now      func() time.Time
	NewID    func() string
}

// Orchestrator creates and executes publish jobs. It holds no per-job locks:
// callers needing at-most-once execution per VIN must serialize themselves.
type Orchestrator struct {
	store    JobStore
	bridges  *bridge.Registry
	vehicles VehicleSource
	events   Publisher
	metrics  *metrics.Registry
	log      *slog.Logger
	opts     Options
	now      func() time.Time
	newID    func() string
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(deps Deps) *Orchestrator {
	o := &Orchestrator{
		store:    deps.Store,
		bridges:  deps.Bridges,
		vehicles: deps.Vehicles,
		events:   deps.Events,
		metrics:  deps.Metrics,
		log:      deps.Logger,
		opts:     deps.Options,
		now:      deps.Now,
		newID:    deps.NewID,
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	if o.opts.ChannelTimeout <= 0 {
		o.opts.ChannelTimeout = DefaultOptions.ChannelTimeout
	}
	if o.opts.Retry.MaxAttempts <= 0 {
		o.opts.Retry.MaxAttempts = 1
	}
	return o
}

// CreateJob records a PENDING job for vin on channels. Unknown or
// unconfigured channels and unknown vehicles are rejected before anything is
// stored.
func (o *Orchestrator) CreateJob(ctx context.Context, vin string, channels []string) (Job, error) {
	vin = domain.NormalizeVIN(vin)
	if err := domain.ValidateVIN(vin); err != nil {
		return Job{}, err
	}
	chs, err := domain.ParseChannels(channels)
	if err != nil {
		return Job{}, err
	}
	if err := o.bridges.Require(chs); err != nil {
		return Job{}, err
	}
	if _, err := o.vehicles.Get(ctx, vin); err != nil {
		return Job{}, err
	}

	j := Job{
		ID:        o.newID(),
		VIN:       vin,
		Channels:  chs,
		Status:    StatusPending,
		CreatedAt: o.now().UTC(),
		Results:   map[domain.Channel]domain.ChannelResult{},
	}
	if err := o.store.Save(ctx, j); err != nil {
		return Job{}, fmt.Errorf("publish: create job: %w", err)
	}
	o.log.Info("publish: job created", "job_id", j.ID, "vin", vin, "channels", chs)
	return j, nil
}

// GetJob returns a job by id.
func (o *Orchestrator) GetJob(ctx context.Context, id string) (Job, error) {
	return o.store.Get(ctx, id)
}

// ListJobs returns jobs for vin, or every job when vin is empty.
func (o *Orchestrator) ListJobs(ctx context.Context, vin string) ([]Job, error) {
	if vin != "" {
		vin = domain.NormalizeVIN(vin)
	}
	return o.store.List(ctx, vin)
}

// ExecuteJob publishes the job's vehicle to every requested channel
// concurrently and stores the aggregated outcome. Channel failures are
// captured in the results, as is a vehicle that can no longer be loaded:
// every channel then fails with the lookup error. The returned error is
// reserved for an unknown job and storage problems. Running it again re-runs
// every channel and overwrites the previous results.
func (o *Orchestrator) ExecuteJob(ctx context.Context, id string) (Job, error) {
	// Jobs run to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	j, err := o.store.Get(ctx, id)
	if err != nil {
		return Job{}, err
	}
	j.Status = StatusPending
	j.CompletedAt = nil
	j.Results = map[domain.Channel]domain.ChannelResult{}

	v, err := o.vehicles.Get(ctx, j.VIN)
	if err != nil {
		o.log.Warn("publish: vehicle lookup failed", "job_id", j.ID, "vin", j.VIN, "error", err)
		retryable := !errors.Is(err, domain.ErrVehicleNotFound)
		for _, ch := range j.Channels {
			j.Results[ch] = domain.Failed(err.Error(), retryable, o.now().UTC())
		}
		return o.finish(ctx, j)
	}

	var mu sync.Mutex
	markRetrying := func(ch domain.Channel, attempt int, cause error) {
		o.metrics.RecordRetry(string(ch))
		o.log.Warn("publish: channel retrying", "job_id", j.ID, "channel", ch, "attempt", attempt, "error", cause)
		mu.Lock()
		defer mu.Unlock()
		if j.Status == StatusRetrying {
			return
		}
		j.Status = StatusRetrying
		if err := o.store.Save(ctx, j.Clone()); err != nil {
			o.log.Error("publish: save retrying job", "job_id", j.ID, "error", err)
		}
	}

	results := fn.ParMap(j.Channels, o.opts.Concurrency, func(ch domain.Channel) domain.ChannelResult {
		task := fn.Guard(
			func() domain.ChannelResult { return o.publishChannel(ctx, ch, v, markRetrying) },
			func(err error) domain.ChannelResult { return domain.Failed(err.Error(), false, o.now().UTC()) },
		)
		return task()
	})

	for i, ch := range j.Channels {
		res := results[i]
		j.Results[ch] = res
		if !res.Success {
			o.log.Warn("publish: channel failed", "job_id", j.ID, "channel", ch, "error", res.Error, "attempts", res.Attempts)
			continue
		}
		if res.ListingID != "" {
			if err := o.vehicles.SetListingID(ctx, j.VIN, ch, res.ListingID); err != nil {
				o.log.Error("publish: record listing id", "vin", j.VIN, "channel", ch, "error", err)
			}
		}
	}

	return o.finish(ctx, j)
}

// finish settles the terminal status from the results, stores the job and
// announces it.
func (o *Orchestrator) finish(ctx context.Context, j Job) (Job, error) {
	j.Status = aggregate(j.Channels, j.Results)
	done := o.now().UTC()
	j.CompletedAt = &done
	if err := o.store.Save(ctx, j); err != nil {
		return Job{}, fmt.Errorf("publish: save job %s: %w", j.ID, err)
	}

	o.metrics.RecordJob(string(j.Status))
	o.log.Info("publish: job completed", "job_id", j.ID, "vin", j.VIN, "status", j.Status)
	if o.events != nil {
		if err := o.events.Publish(ctx, CompletedSubject, j); err != nil {
			o.log.Warn("publish: event failed", "job_id", j.ID, "error", err)
		}
	}
	return j, nil
}

// channelFailure carries a failed result through fn.Retry.
type channelFailure struct {
	res domain.ChannelResult
}

func (f *channelFailure) Error() string { return f.res.Error }

func (o *Orchestrator) publishChannel(ctx context.Context, ch domain.Channel, v domain.CanonicalVehicle,
	onRetry func(domain.Channel, int, error)) domain.ChannelResult {
	b, err := o.bridges.Get(ch)
	if err != nil {
		return domain.Failed(err.Error(), false, o.now().UTC())
	}

	attempts := 0
	opts := o.opts.Retry
	opts.ShouldRetry = func(err error) bool {
		var cf *channelFailure
		return errors.As(err, &cf) && cf.res.Retryable
	}
	opts.OnRetry = func(attempt int, err error) { onRetry(ch, attempt, err) }

	r := fn.Retry(ctx, opts, func(ctx context.Context) fn.Result[domain.ChannelResult] {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, o.opts.ChannelTimeout)
		defer cancel()
		res := b.Publish(callCtx, v)
		if !res.Success {
			return fn.Err[domain.ChannelResult](&channelFailure{res: res})
		}
		return fn.Ok(res)
	})

	res, err := r.Unwrap()
	if err != nil {
		var cf *channelFailure
		if !errors.As(err, &cf) {
			res = domain.Failed(err.Error(), false, o.now().UTC())
		} else {
			res = cf.res
		}
	}
	res.Attempts = attempts
	return res
}

// Sync pushes the current vehicle to every channel it has a listing on.
func (o *Orchestrator) Sync(ctx context.Context, vin string) (map[domain.Channel]domain.ChannelResult, error) {
	v, err := o.vehicles.Get(ctx, domain.NormalizeVIN(vin))
	if err != nil {
		return nil, err
	}
	var chs []domain.Channel
	for _, ch := range domain.Channels {
		if v.ListingID(ch) == "" {
			continue
		}
		if _, err := o.bridges.Get(ch); err == nil {
			chs = append(chs, ch)
		}
	}
	results := o.each(chs, func(b bridge.Bridge) domain.ChannelResult {
		callCtx, cancel := context.WithTimeout(ctx, o.opts.ChannelTimeout)
		defer cancel()
		return b.Update(callCtx, v)
	})
	for ch, res := range results {
		if !res.Success {
			o.log.Warn("publish: sync failed", "vin", v.VIN, "channel", ch, "error", res.Error)
		}
	}
	return results, nil
}

// Unpublish removes the vehicle's listings from channels and forgets the
// listing ids that were removed. An empty channel list means every channel
// the vehicle is listed on.
func (o *Orchestrator) Unpublish(ctx context.Context, vin string, channels []string) (map[domain.Channel]domain.ChannelResult, error) {
	v, err := o.vehicles.Get(ctx, domain.NormalizeVIN(vin))
	if err != nil {
		return nil, err
	}
	var chs []domain.Channel
	if len(channels) == 0 {
		for _, ch := range domain.Channels {
			if v.ListingID(ch) != "" {
				chs = append(chs, ch)
			}
		}
	} else if chs, err = domain.ParseChannels(channels); err != nil {
		return nil, err
	}
	if err := o.bridges.Require(chs); err != nil {
		return nil, err
	}

	results := o.each(chs, func(b bridge.Bridge) domain.ChannelResult {
		id := v.ListingID(b.Channel())
		if id == "" {
			return domain.Failed(bridge.ErrNoListingID, false, o.now().UTC())
		}
		callCtx, cancel := context.WithTimeout(ctx, o.opts.ChannelTimeout)
		defer cancel()
		return b.Unpublish(callCtx, v.VIN, id)
	})
	for ch, res := range results {
		if !res.Success {
			o.log.Warn("publish: unpublish failed", "vin", v.VIN, "channel", ch, "error", res.Error)
			continue
		}
		if err := o.vehicles.ClearListingID(ctx, v.VIN, ch); err != nil {
			o.log.Error("publish: clear listing id", "vin", v.VIN, "channel", ch, "error", err)
		}
	}
	return results, nil
}

// each runs call on the bridge of every channel concurrently.
func (o *Orchestrator) each(chs []domain.Channel, call func(bridge.Bridge) domain.ChannelResult) map[domain.Channel]domain.ChannelResult {
	results := fn.ParMap(chs, o.opts.Concurrency, func(ch domain.Channel) domain.ChannelResult {
		b, err := o.bridges.Get(ch)
		if err != nil {
			return domain.Failed(err.Error(), false, o.now().UTC())
		}
		return fn.Guard(
			func() domain.ChannelResult { return call(b) },
			func(err error) domain.ChannelResult { return domain.Failed(err.Error(), false, o.now().UTC()) },
		)()
	})
	out := make(map[domain.Channel]domain.ChannelResult, len(chs))
	for i, ch := range chs {
		out[ch] = results[i]
	}
	return out
}
