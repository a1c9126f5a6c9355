package bridge

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ponsauto/pons/engine/domain"
)

// CarGurusURL is the CarGurus dealer listings API.
const CarGurusURL = "https://api.cargurus.com/dealer/v1"

// CarGurus publishes to CarGurus. Mileage is reported as an odometer reading
// with an explicit unit.
type CarGurus struct {
	cfg Config
	t   *transport
}

// NewCarGurus requires an API key and dealer id.
func NewCarGurus(cfg Config) (*CarGurus, error) {
	if err := requireCreds(domain.ChannelCarGurus, "api_key", cfg.APIKey, "dealer_id", cfg.DealerID); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults(CarGurusURL)
	return &CarGurus{cfg: cfg, t: newTransport(domain.ChannelCarGurus, cfg, BearerAuth(cfg.APIKey))}, nil
}

func (c *CarGurus) Channel() domain.Channel { return domain.ChannelCarGurus }

func (c *CarGurus) Format(v domain.CanonicalVehicle) Listing {
	p := map[string]any{
		"vin":            v.VIN,
		"year":           v.Year,
		"make":           v.Make,
		"model":          v.Model,
		"dealerComments": domain.Deref(v.Description),
		"options":        nonNil(v.Features),
		"imageUrls":      nonNil(v.Images),
	}
	if v.Mileage != nil {
		p["odometer"] = *v.Mileage
		p["odometerUnit"] = "MILES"
	}
	put(p, "stockNumber", v.StockNumber)
	put(p, "trim", v.Trim)
	put(p, "bodyType", v.BodyType)
	put(p, "askingPrice", v.Price)
	put(p, "msrp", v.MSRP)
	put(p, "exteriorColor", v.ExteriorColor)
	put(p, "interiorColor", v.InteriorColor)
	put(p, "transmission", v.Transmission)
	put(p, "fuelType", v.FuelType)
	put(p, "drivetrain", v.Drivetrain)
	return listing(c.Channel(), v, v.Title(), p, "miles")
}

func (c *CarGurus) listingsPath(id string) string {
	p := "/dealers/" + url.PathEscape(c.cfg.DealerID) + "/listings"
	if id != "" {
		p += "/" + url.PathEscape(id)
	}
	return p
}

func (c *CarGurus) Publish(ctx context.Context, v domain.CanonicalVehicle) domain.ChannelResult {
	resp, err := c.t.call(ctx, "publish", http.MethodPost, c.listingsPath(""), c.Format(v).Payload, http.StatusCreated)
	return c.t.result(resp, err, "listingId", "listingUrl")
}

func (c *CarGurus) Update(ctx context.Context, v domain.CanonicalVehicle) domain.ChannelResult {
	id := v.ListingID(c.Channel())
	if id == "" {
		return missingListing(c.cfg.Now().UTC())
	}
	resp, err := c.t.call(ctx, "update", http.MethodPut, c.listingsPath(id), c.Format(v).Payload, http.StatusOK)
	return keepID(c.t.result(resp, err, "listingId", "listingUrl"), id)
}

func (c *CarGurus) Unpublish(ctx context.Context, _ string, listingID string) domain.ChannelResult {
	if listingID == "" {
		return missingListing(c.cfg.Now().UTC())
	}
	resp, err := c.t.call(ctx, "unpublish", http.MethodDelete, c.listingsPath(listingID), nil, http.StatusNoContent)
	return keepID(c.t.result(resp, err, "", ""), listingID)
}
