// Package bridge adapts canonical vehicles to external marketplaces. Each
// channel owns its wire mapping in a single Format function that both real
// publishes and previews go through.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ponsauto/pons/engine/domain"
	"github.com/ponsauto/pons/pkg/fn"
	"github.com/ponsauto/pons/pkg/metrics"
	"github.com/ponsauto/pons/pkg/natsutil"
)

var (
	ErrChannelNotConfigured = errors.New("channel not configured")
	ErrMissingCredentials   = errors.New("missing channel credentials")
)

// ErrNoListingID is the result error for an update without a stored listing.
const ErrNoListingID = "no listing_id"

// Bridge publishes canonical vehicles to one channel. Channel-level failures
// are reported in the returned ChannelResult, never as a Go error.
type Bridge interface {
	Channel() domain.Channel
	Format(v domain.CanonicalVehicle) Listing
	Publish(ctx context.Context, v domain.CanonicalVehicle) domain.ChannelResult
	Update(ctx context.Context, v domain.CanonicalVehicle) domain.ChannelResult
	Unpublish(ctx context.Context, vin, listingID string) domain.ChannelResult
}

// Detail is one labelled row of a listing's details table.
type Detail struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Listing is a vehicle rendered for one channel: the human-facing parts and
// the exact request body the channel receives.
type Listing struct {
	Channel     domain.Channel `json:"channel"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Price       *float64       `json:"price,omitempty"`
	Photos      []string       `json:"photos"`
	Details     []Detail       `json:"details"`
	Payload     map[string]any `json:"payload"`
}

// Config holds endpoint and credential settings for one channel. Zero values
// pick the channel defaults.
type Config struct {
	BaseURL   string
	APIKey    string
	DealerID  string
	CatalogID string
	Timeout   time.Duration
	// RatePerSec limits outbound calls. Zero means unlimited.
	RatePerSec float64
	Burst      int

	Client  *http.Client
	Metrics *metrics.Registry
	Now     func() time.Time
}

// DefaultTimeout bounds every channel call.
const DefaultTimeout = 15 * time.Second

func (c Config) withDefaults(baseURL string) Config {
	if c.BaseURL == "" {
		c.BaseURL = baseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

func requireCreds(ch domain.Channel, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("bridge: %s: %s: %w", ch, pairs[i], ErrMissingCredentials)
		}
	}
	return nil
}

// New builds the bridge for ch. nc is only used by the dealer website channel.
func New(ch domain.Channel, cfg Config, nc natsutil.Conn) (Bridge, error) {
	var (
		b   Bridge
		err error
	)
	switch ch {
	case domain.ChannelAutoTrader:
		b, err = asBridge[*AutoTrader](NewAutoTrader(cfg))
	case domain.ChannelCarsCom:
		b, err = asBridge[*CarsCom](NewCarsCom(cfg))
	case domain.ChannelFacebook:
		b, err = asBridge[*Facebook](NewFacebook(cfg))
	case domain.ChannelCarGurus:
		b, err = asBridge[*CarGurus](NewCarGurus(cfg))
	case domain.ChannelDealerWebsite:
		b, err = asBridge[*Website](NewWebsite(nc, cfg))
	default:
		err = domain.NewValidationError("channel", string(ch), domain.ErrUnknownChannel)
	}
	return b, err
}

// asBridge avoids wrapping a typed nil pointer in a non-nil interface.
func asBridge[B Bridge](b B, err error) (Bridge, error) {
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Registry maps channels to their bridges. It is built once at startup.
type Registry struct {
	bridges map[domain.Channel]Bridge
}

// NewRegistry indexes bridges by their channel. A later bridge for the same
// channel replaces an earlier one.
func NewRegistry(bridges ...Bridge) *Registry {
	r := &Registry{bridges: make(map[domain.Channel]Bridge, len(bridges))}
	for _, b := range bridges {
		r.bridges[b.Channel()] = b
	}
	return r
}

// Get returns the bridge for ch or ErrChannelNotConfigured.
func (r *Registry) Get(ch domain.Channel) (Bridge, error) {
	b, ok := r.bridges[ch]
	if !ok {
		return nil, fmt.Errorf("bridge: %s: %w", ch, ErrChannelNotConfigured)
	}
	return b, nil
}

// Require checks that every channel has a bridge.
func (r *Registry) Require(chs []domain.Channel) error {
	for _, ch := range chs {
		if _, err := r.Get(ch); err != nil {
			return err
		}
	}
	return nil
}

// Configured returns the channels with a bridge, in enumeration order.
func (r *Registry) Configured() []domain.Channel {
	return fn.Filter(domain.Channels, func(ch domain.Channel) bool {
		_, ok := r.bridges[ch]
		return ok
	})
}

// missingListing is the recoverable failure for updates of unlisted vehicles.
func missingListing(now time.Time) domain.ChannelResult {
	return domain.Failed(ErrNoListingID, false, now)
}
