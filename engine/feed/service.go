package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ponsauto/pons/engine/domain"
	"github.com/ponsauto/pons/engine/normalize"
	"github.com/ponsauto/pons/pkg/fn"
	"github.com/ponsauto/pons/pkg/metrics"
)

// IngestedSubject is the event subject for completed ingest runs.
const IngestedSubject = "vehicle.ingested"

// ErrFetchFailed wraps download failures of a registered source.
var ErrFetchFailed = errors.New("feed fetch failed")

// Downloader fetches the raw bytes of a feed.
type Downloader interface {
	Fetch(ctx context.Context, src Source) ([]byte, error)
}

// Sink stores canonical vehicles, overwriting by VIN.
type Sink interface {
	Save(ctx context.Context, v domain.CanonicalVehicle) (domain.CanonicalVehicle, error)
}

// Publisher emits domain events.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Report summarises one ingest run. Every parsed record is either counted in
// Valid or listed in Rejected.
type Report struct {
	Source     string             `json:"source"`
	Format     Format             `json:"format"`
	Fetched    int                `json:"fetched"`
	Valid      int                `json:"valid"`
	Stored     int                `json:"stored"`
	Rejected   []domain.Rejection `json:"rejected"`
	ParseError string             `json:"parse_error,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}

// EventKey partitions ingest events by source.
func (r Report) EventKey() string { return r.Source }

// Deps holds the collaborators of a Service.
type Deps struct {
	Registry   *Registry
	Downloader Downloader
	Pipeline   normalize.Pipeline
	// Sink may be nil for dry runs.
	Sink    Sink
	Events  Publisher
	Metrics *metrics.Registry
	Logger  *slog.Logger
}

// Service runs feeds through parse, validate, normalize, enrich and store.
type Service struct {
	deps Deps
	log  *slog.Logger
}

// NewService creates a Service.
func NewService(deps Deps) *Service {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{deps: deps, log: log}
}

// Registry returns the source registry.
func (s *Service) Registry() *Registry { return s.deps.Registry }

// Ingest fetches the named source and ingests it. An unknown source fails
// before any network I/O.
func (s *Service) Ingest(ctx context.Context, name string) (Report, error) {
	src, err := s.deps.Registry.Get(name)
	if err != nil {
		return Report{}, err
	}
	started := time.Now().UTC()
	content, err := s.deps.Downloader.Fetch(ctx, src)
	if err != nil {
		s.log.Error("feed: fetch failed", "source", src.Name, "error", err)
		if errors.Is(err, ErrInvalidSource) {
			return Report{}, err
		}
		return Report{}, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	return s.run(ctx, src, content, started)
}

// Upload ingests content supplied directly by the caller. src need not be
// registered but its format and mapping are checked before parsing.
func (s *Service) Upload(ctx context.Context, src Source, content []byte) (Report, error) {
	f, err := ParseFormat(string(src.Format))
	if err != nil {
		return Report{}, err
	}
	src.Format = f
	if !s.deps.Pipeline.Normalizer.HasMapping(src.Mapping) {
		return Report{}, fmt.Errorf("feed: mapping %q: %w", src.Mapping, normalize.ErrUnknownMapping)
	}
	if src.Name == "" {
		src.Name = "upload"
	}
	content, err = Decode(src.Format, src.Encoding, content)
	if err != nil {
		return Report{}, err
	}
	return s.run(ctx, src, content, time.Now().UTC())
}

type item struct {
	index   int
	vehicle domain.CanonicalVehicle
}

type batch struct {
	src     Source
	content []byte
	records []domain.RawVehicleRecord
	items   []item
	report  Report
}

func (s *Service) run(ctx context.Context, src Source, content []byte, started time.Time) (Report, error) {
	pipeline := fn.Then(
		fn.TracedStage("feed.parse", s.parse),
		fn.Then(
			fn.TracedStage("feed.normalize", s.normalize),
			fn.TracedStage("feed.store", s.store),
		),
	)
	b := batch{src: src, content: content, report: Report{
		Source:    src.Name,
		Format:    src.Format,
		Rejected:  []domain.Rejection{},
		StartedAt: started,
	}}
	res, err := pipeline(ctx, b).Unwrap()
	if err != nil {
		return Report{}, err
	}
	rep := res.report
	rep.FinishedAt = time.Now().UTC()

	s.deps.Metrics.RecordIngest(src.Name, "valid", rep.Valid)
	s.deps.Metrics.RecordIngest(src.Name, "rejected", len(rep.Rejected))
	s.deps.Metrics.RecordIngest(src.Name, "stored", rep.Stored)
	s.log.Info("feed: ingested",
		"source", rep.Source,
		"fetched", rep.Fetched,
		"valid", rep.Valid,
		"stored", rep.Stored,
		"rejected", len(rep.Rejected),
	)
	if s.deps.Events != nil {
		if err := s.deps.Events.Publish(ctx, IngestedSubject, rep); err != nil {
			s.log.Warn("feed: event publish failed", "source", rep.Source, "error", err)
		}
	}
	return rep, nil
}

func (s *Service) parse(_ context.Context, b batch) fn.Result[batch] {
	p, err := ParserFor(b.src.Format)
	if err != nil {
		return fn.Err[batch](err)
	}
	records, perr := p.Parse(b.src.Name, b.content)
	if perr != nil {
		s.deps.Metrics.RecordParseError(string(b.src.Format))
		s.log.Warn("feed: parse problems", "source", b.src.Name, "format", b.src.Format, "error", perr)
		b.report.ParseError = perr.Error()
	}
	b.records = records
	b.report.Fetched = len(records)
	return fn.Ok(b)
}

func (s *Service) normalize(_ context.Context, b batch) fn.Result[batch] {
	b.items = make([]item, 0, len(b.records))
	for i, rec := range b.records {
		v, err := s.deps.Pipeline.Process(b.src.Mapping, rec)
		if err != nil {
			s.log.Warn("feed: record rejected", "source", b.src.Name, "index", i, "error", err)
			b.report.Rejected = append(b.report.Rejected, domain.Rejection{Index: i, Record: rec, Error: err.Error()})
			continue
		}
		b.items = append(b.items, item{index: i, vehicle: v})
	}
	b.report.Valid = len(b.items)
	return fn.Ok(b)
}

func (s *Service) store(ctx context.Context, b batch) fn.Result[batch] {
	if s.deps.Sink == nil {
		return fn.Ok(b)
	}
	for _, it := range b.items {
		if err := ctx.Err(); err != nil {
			return fn.Err[batch](fmt.Errorf("feed: store %s: %w", b.src.Name, err))
		}
		if _, err := s.deps.Sink.Save(ctx, it.vehicle); err != nil {
			s.log.Error("feed: store failed", "source", b.src.Name, "vin", it.vehicle.VIN, "error", err)
			continue
		}
		b.report.Stored++
	}
	return fn.Ok(b)
}
