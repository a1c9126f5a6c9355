package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ponsauto/pons/engine/domain"
	"github.com/ponsauto/pons/pkg/natsutil"
	"github.com/ponsauto/pons/pkg/resilience"
)

// NATS subjects served by the dealer website listing service.
const (
	WebsitePublishSubject   = "website.listings.publish"
	WebsiteUpdateSubject    = "website.listings.update"
	WebsiteUnpublishSubject = "website.listings.unpublish"
)

// WebsiteRequest is sent to the dealer website service.
type WebsiteRequest struct {
	VIN       string         `json:"vin"`
	ListingID string         `json:"listing_id,omitempty"`
	Listing   map[string]any `json:"listing,omitempty"`
}

// WebsiteReply is the dealer website service's answer.
type WebsiteReply struct {
	ListingID string `json:"listing_id"`
	URL       string `json:"url"`
	Error     string `json:"error,omitempty"`
}

// Website publishes to the dealer's own site over NATS request/reply, so the
// site can run anywhere on the message bus without exposing an HTTP API.
type Website struct {
	nc      natsutil.Conn
	cfg     Config
	breaker *resilience.Breaker
}

// NewWebsite requires a NATS connection.
func NewWebsite(nc natsutil.Conn, cfg Config) (*Website, error) {
	if nc == nil {
		return nil, fmt.Errorf("bridge: %s: nats connection: %w", domain.ChannelDealerWebsite, ErrMissingCredentials)
	}
	cfg = cfg.withDefaults("")
	bo := resilience.DefaultBreakerOpts
	bo.Name = "channel:" + string(domain.ChannelDealerWebsite)
	return &Website{nc: nc, cfg: cfg, breaker: resilience.NewBreaker(bo)}, nil
}

func (w *Website) Channel() domain.Channel { return domain.ChannelDealerWebsite }

func (w *Website) Format(v domain.CanonicalVehicle) Listing {
	p := map[string]any{
		"vin":         v.VIN,
		"title":       v.Title(),
		"year":        v.Year,
		"make":        v.Make,
		"model":       v.Model,
		"description": domain.Deref(v.Description),
		"features":    nonNil(v.Features),
		"images":      nonNil(v.Images),
		"status":      string(v.Status),
	}
	put(p, "stock_number", v.StockNumber)
	put(p, "trim", v.Trim)
	put(p, "body_type", v.BodyType)
	put(p, "price", v.Price)
	put(p, "msrp", v.MSRP)
	put(p, "discount", v.Discount)
	put(p, "mileage", v.Mileage)
	put(p, "exterior_color", v.ExteriorColor)
	put(p, "interior_color", v.InteriorColor)
	put(p, "transmission", v.Transmission)
	put(p, "fuel_type", v.FuelType)
	put(p, "drivetrain", v.Drivetrain)
	if v.Price != nil {
		p["price_display"] = PriceDisplay(v.Price)
	}
	return listing(w.Channel(), v, v.Title(), p, "miles")
}

func (w *Website) request(ctx context.Context, op, subject string, req WebsiteRequest) domain.ChannelResult {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	start := time.Now()
	var reply WebsiteReply
	err := w.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		reply, err = natsutil.Request[WebsiteRequest, WebsiteReply](ctx, w.nc, subject, req)
		return err
	})
	if err == nil && reply.Error != "" {
		err = errors.New(reply.Error)
	}
	w.cfg.Metrics.RecordChannel(string(w.Channel()), op, err == nil, time.Since(start))

	now := w.cfg.Now().UTC()
	if err != nil {
		return domain.Failed(err.Error(), websiteRetryable(err), now)
	}
	id := reply.ListingID
	if id == "" {
		id = req.ListingID
	}
	return domain.Succeeded(id, reply.URL, now)
}

func websiteRetryable(err error) bool {
	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, resilience.ErrCircuitOpen)
}

func (w *Website) Publish(ctx context.Context, v domain.CanonicalVehicle) domain.ChannelResult {
	return w.request(ctx, "publish", WebsitePublishSubject, WebsiteRequest{VIN: v.VIN, Listing: w.Format(v).Payload})
}

func (w *Website) Update(ctx context.Context, v domain.CanonicalVehicle) domain.ChannelResult {
	id := v.ListingID(w.Channel())
	if id == "" {
		return missingListing(w.cfg.Now().UTC())
	}
	return w.request(ctx, "update", WebsiteUpdateSubject, WebsiteRequest{VIN: v.VIN, ListingID: id, Listing: w.Format(v).Payload})
}

func (w *Website) Unpublish(ctx context.Context, vin, listingID string) domain.ChannelResult {
	if listingID == "" {
		return missingListing(w.cfg.Now().UTC())
	}
	return w.request(ctx, "unpublish", WebsiteUnpublishSubject, WebsiteRequest{VIN: vin, ListingID: listingID})
}
