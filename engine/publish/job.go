// Package publish owns the publish job lifecycle: a job targets one vehicle
// on N channels, fans out to the channel bridges and aggregates the
// per-channel results into a terminal status.
package publish

import (
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/ponsauto/pons/engine/domain"
)

// Status is the lifecycle state of a job.
type Status string

const (
	// StatusPending is the state of a created job that has not finished executing.
	StatusPending Status = "PENDING"
	// StatusRetrying marks a job with at least one channel waiting to retry.
	StatusRetrying Status = "RETRYING"
	// StatusPublished is terminal: every channel succeeded.
	StatusPublished Status = "PUBLISHED"
	// StatusFailed is terminal: at least one channel failed.
	StatusFailed Status = "FAILED"
)

// Terminal reports whether s is PUBLISHED or FAILED.
func (s Status) Terminal() bool { return s == StatusPublished || s == StatusFailed }

// ErrJobNotFound is returned for an unknown job id.
var ErrJobNotFound = errors.New("job not found")

// Job is one publish request for one vehicle across channels. VIN is a
// reference by value; the job does not own the vehicle.
type Job struct {
	ID          string                                  `json:"id"`
	VIN         string                                  `json:"vin"`
	Channels    []domain.Channel                        `json:"channels"`
	Status      Status                                  `json:"status"`
	CreatedAt   time.Time                               `json:"created_at"`
	CompletedAt *time.Time                              `json:"completed_at,omitempty"`
	Results     map[domain.Channel]domain.ChannelResult `json:"results"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (j Job) Clone() Job {
	j.Channels = slices.Clone(j.Channels)
	j.Results = maps.Clone(j.Results)
	if j.Results == nil {
		j.Results = map[domain.Channel]domain.ChannelResult{}
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		j.CompletedAt = &t
	}
	return j
}

// EventKey partitions job events by vehicle.
func (j Job) EventKey() string { return j.VIN }

// aggregate is PUBLISHED when every requested channel has a successful
// result, FAILED otherwise.
func aggregate(channels []domain.Channel, results map[domain.Channel]domain.ChannelResult) Status {
	for _, ch := range channels {
		r, ok := results[ch]
		if !ok || !r.Success {
			return StatusFailed
		}
	}
	return StatusPublished
}
