package bridge

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ponsauto/pons/engine/domain"
)

// AutoTraderURL is the production AutoTrader inventory API.
const AutoTraderURL = "https://api.autotrader.com/v1"

// AutoTrader publishes to AutoTrader's dealer inventory API. Prices are in
// dollars and the request carries a bearer token.
type AutoTrader struct {
	cfg Config
	t   *transport
}

// NewAutoTrader requires an API key and dealer id.
func NewAutoTrader(cfg Config) (*AutoTrader, error) {
	if err := requireCreds(domain.ChannelAutoTrader, "api_key", cfg.APIKey, "dealer_id", cfg.DealerID); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults(AutoTraderURL)
	return &AutoTrader{cfg: cfg, t: newTransport(domain.ChannelAutoTrader, cfg, BearerAuth(cfg.APIKey))}, nil
}

func (a *AutoTrader) Channel() domain.Channel { return domain.ChannelAutoTrader }

func (a *AutoTrader) Format(v domain.CanonicalVehicle) Listing {
	p := map[string]any{
		"dealer_id":   a.cfg.DealerID,
		"vin":         v.VIN,
		"year":        v.Year,
		"make":        v.Make,
		"model":       v.Model,
		"description": domain.Deref(v.Description),
		"features":    nonNil(v.Features),
		"images":      nonNil(v.Images),
	}
	put(p, "stock_number", v.StockNumber)
	put(p, "trim", v.Trim)
	put(p, "body_style", v.BodyType)
	put(p, "price", v.Price)
	put(p, "mileage", v.Mileage)
	put(p, "exterior_color", v.ExteriorColor)
	put(p, "interior_color", v.InteriorColor)
	put(p, "transmission", v.Transmission)
	put(p, "fuel_type", v.FuelType)
	put(p, "drivetrain", v.Drivetrain)
	return listing(a.Channel(), v, v.Title(), p, "miles")
}

func (a *AutoTrader) Publish(ctx context.Context, v domain.CanonicalVehicle) domain.ChannelResult {
	resp, err := a.t.call(ctx, "publish", http.MethodPost, "/inventory", a.Format(v).Payload, http.StatusCreated)
	return a.t.result(resp, err, "listing_id", "listing_url")
}

func (a *AutoTrader) Update(ctx context.Context, v domain.CanonicalVehicle) domain.ChannelResult {
	id := v.ListingID(a.Channel())
	if id == "" {
		return missingListing(a.cfg.Now().UTC())
	}
	resp, err := a.t.call(ctx, "update", http.MethodPut, "/inventory/"+url.PathEscape(id), a.Format(v).Payload, http.StatusOK)
	return keepID(a.t.result(resp, err, "listing_id", "listing_url"), id)
}

func (a *AutoTrader) Unpublish(ctx context.Context, _ string, listingID string) domain.ChannelResult {
	if listingID == "" {
		return missingListing(a.cfg.Now().UTC())
	}
	resp, err := a.t.call(ctx, "unpublish", http.MethodDelete, "/inventory/"+url.PathEscape(listingID), nil, http.StatusNoContent)
	return keepID(a.t.result(resp, err, "", ""), listingID)
}

// keepID fills in the listing id a successful update or delete acted on.
func keepID(r domain.ChannelResult, id string) domain.ChannelResult {
	if r.Success && r.ListingID == "" {
		r.ListingID = id
	}
	return r
}
