// Package feed parses dealer inventory feeds and runs them through
// validation, normalization and enrichment into the vehicle store.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout bounds a feed fetch when the source sets none.
const DefaultTimeout = 30 * time.Second

var (
	ErrUnknownSource = errors.New("unknown feed source")
	ErrInvalidSource = errors.New("invalid feed source")
)

// Source describes where a feed lives and how to read it.
type Source struct {
	Name     string            `json:"name"`
	Format   Format            `json:"format"`
	Mapping  string            `json:"mapping,omitempty"`
	URL      string            `json:"url,omitempty"`
	Encoding string            `json:"encoding,omitempty"`
	Interval time.Duration     `json:"-"`
	Timeout  time.Duration     `json:"-"`
	Headers  map[string]string `json:"headers,omitempty"`
	// Token is sent as a bearer token when set. It is never serialized.
	Token string `json:"-"`
}

type sourceAlias Source

type sourceJSON struct {
	sourceAlias
	Interval string `json:"interval,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// MarshalJSON renders durations as Go duration strings.
func (s Source) MarshalJSON() ([]byte, error) {
	out := sourceJSON{sourceAlias: sourceAlias(s)}
	if s.Interval > 0 {
		out.Interval = s.Interval.String()
	}
	if s.Timeout > 0 {
		out.Timeout = s.Timeout.String()
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts durations such as "15m" or "30s".
func (s *Source) UnmarshalJSON(b []byte) error {
	var in sourceJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*s = Source(in.sourceAlias)
	var err error
	if in.Interval != "" {
		if s.Interval, err = time.ParseDuration(in.Interval); err != nil {
			return fmt.Errorf("interval: %w", err)
		}
	}
	if in.Timeout != "" {
		if s.Timeout, err = time.ParseDuration(in.Timeout); err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
	}
	return nil
}

// MappingChecker reports whether a normalizer mapping strategy exists.
type MappingChecker interface {
	HasMapping(name string) bool
}

// Registry holds the configured feed sources.
type Registry struct {
	mu       sync.RWMutex
	sources  map[string]Source
	mappings MappingChecker
}

// NewRegistry creates an empty registry. mappings may be nil to skip the
// mapping check.
func NewRegistry(mappings MappingChecker) *Registry {
	return &Registry{sources: make(map[string]Source), mappings: mappings}
}

// Register validates src and adds or replaces it.
func (r *Registry) Register(src Source) (Source, error) {
	src.Name = strings.TrimSpace(src.Name)
	if src.Name == "" {
		return Source{}, fmt.Errorf("feed: name is required: %w", ErrInvalidSource)
	}
	f, err := ParseFormat(string(src.Format))
	if err != nil {
		return Source{}, err
	}
	src.Format = f
	if r.mappings != nil && !r.mappings.HasMapping(src.Mapping) {
		return Source{}, fmt.Errorf("feed: %s: unknown mapping %q: %w", src.Name, src.Mapping, ErrInvalidSource)
	}
	if !ValidEncoding(src.Encoding) {
		return Source{}, fmt.Errorf("feed: %s: unsupported encoding %q: %w", src.Name, src.Encoding, ErrInvalidSource)
	}
	if src.Interval < 0 {
		return Source{}, fmt.Errorf("feed: %s: negative interval: %w", src.Name, ErrInvalidSource)
	}
	if src.Timeout <= 0 {
		src.Timeout = DefaultTimeout
	}

	r.mu.Lock()
	r.sources[src.Name] = src
	r.mu.Unlock()
	return src, nil
}

// Get returns the named source or ErrUnknownSource.
func (r *Registry) Get(name string) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[name]
	if !ok {
		return Source{}, fmt.Errorf("feed: %q: %w", name, ErrUnknownSource)
	}
	return src, nil
}

// List returns every source sorted by name.
func (r *Registry) List() []Source {
	r.mu.RLock()
	out := make([]Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
