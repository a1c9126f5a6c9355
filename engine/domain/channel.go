package domain

import (
	"strings"
	"time"

	"github.com/ponsauto/pons/pkg/fn"
)

// Channel identifies an external marketplace. The set is closed: a new
// channel needs a new bridge implementation.
type Channel string

const (
	ChannelAutoTrader    Channel = "autotrader"
	ChannelCarsCom       Channel = "cars_com"
	ChannelFacebook      Channel = "facebook"
	ChannelCarGurus      Channel = "cargurus"
	ChannelDealerWebsite Channel = "dealer_website"
)

// Channels lists every known channel in display order.
var Channels = []Channel{
	ChannelAutoTrader,
	ChannelCarsCom,
	ChannelFacebook,
	ChannelCarGurus,
	ChannelDealerWebsite,
}

// ParseChannel resolves a channel identifier. Unknown values are rejected
// with ErrUnknownChannel.
func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Channels {
		if c == known {
			return c, nil
		}
	}
	return "", NewValidationError("channel", s, ErrUnknownChannel)
}

// ParseChannels resolves and de-duplicates a channel list, keeping order.
func ParseChannels(names []string) ([]Channel, error) {
	if len(names) == 0 {
		return nil, NewValidationError("channels", "", ErrNoChannels)
	}
	out := make([]Channel, 0, len(names))
	for _, n := range names {
		c, err := ParseChannel(n)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return fn.Unique(out), nil
}

// ChannelResult is the outcome of one bridge call. Once recorded on a job it
// is not modified.
type ChannelResult struct {
	Success   bool      `json:"success"`
	ListingID string    `json:"listing_id,omitempty"`
	URL       string    `json:"url,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Attempts  int       `json:"attempts,omitempty"`
	// Retryable marks transient failures (transport, timeout, 429, 5xx).
	Retryable bool `json:"-"`
}

// Succeeded builds a successful result.
func Succeeded(listingID, url string, at time.Time) ChannelResult {
	return ChannelResult{Success: true, ListingID: listingID, URL: url, Timestamp: at}
}

// Failed builds a failed result.
func Failed(msg string, retryable bool, at time.Time) ChannelResult {
	return ChannelResult{Error: msg, Retryable: retryable, Timestamp: at}
}
