package bridge

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ponsauto/pons/engine/domain"
)

// CarsComURL is the production Cars.com dealer API.
const CarsComURL = "https://api.cars.com/v1"

// CarsCom publishes to Cars.com. The API uses camelCase fields, calls
// features "options" and images "photos", and authenticates with X-API-Key.
type CarsCom struct {
	cfg Config
	t   *transport
}

// NewCarsCom requires an API key and dealer id.
func NewCarsCom(cfg Config) (*CarsCom, error) {
	if err := requireCreds(domain.ChannelCarsCom, "api_key", cfg.APIKey, "dealer_id", cfg.DealerID); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults(CarsComURL)
	return &CarsCom{cfg: cfg, t: newTransport(domain.ChannelCarsCom, cfg, HeaderAuth("X-API-Key", cfg.APIKey))}, nil
}

func (c *CarsCom) Channel() domain.Channel { return domain.ChannelCarsCom }

func (c *CarsCom) Format(v domain.CanonicalVehicle) Listing {
	p := map[string]any{
		"vin":         v.VIN,
		"year":        v.Year,
		"make":        v.Make,
		"model":       v.Model,
		"description": domain.Deref(v.Description),
		"options":     nonNil(v.Features),
		"photos":      nonNil(v.Images),
	}
	put(p, "stockNumber", v.StockNumber)
	put(p, "trim", v.Trim)
	put(p, "bodyStyle", v.BodyType)
	put(p, "price", v.Price)
	put(p, "mileage", v.Mileage)
	put(p, "exteriorColor", v.ExteriorColor)
	put(p, "interiorColor", v.InteriorColor)
	put(p, "transmission", v.Transmission)
	put(p, "fuelType", v.FuelType)
	put(p, "drivetrain", v.Drivetrain)
	return listing(c.Channel(), v, v.Title(), p, "miles")
}

func (c *CarsCom) inventoryPath(id string) string {
	p := "/dealers/" + url.PathEscape(c.cfg.DealerID) + "/inventory"
	if id != "" {
		p += "/" + url.PathEscape(id)
	}
	return p
}

func (c *CarsCom) Publish(ctx context.Context, v domain.CanonicalVehicle) domain.ChannelResult {
	resp, err := c.t.call(ctx, "publish", http.MethodPost, c.inventoryPath(""), c.Format(v).Payload, http.StatusOK, http.StatusCreated)
	return c.t.result(resp, err, "id", "url")
}

func (c *CarsCom) Update(ctx context.Context, v domain.CanonicalVehicle) domain.ChannelResult {
	id := v.ListingID(c.Channel())
	if id == "" {
		return missingListing(c.cfg.Now().UTC())
	}
	resp, err := c.t.call(ctx, "update", http.MethodPatch, c.inventoryPath(id), c.Format(v).Payload, http.StatusOK)
	return keepID(c.t.result(resp, err, "id", "url"), id)
}

func (c *CarsCom) Unpublish(ctx context.Context, _ string, listingID string) domain.ChannelResult {
	if listingID == "" {
		return missingListing(c.cfg.Now().UTC())
	}
	resp, err := c.t.call(ctx, "unpublish", http.MethodDelete, c.inventoryPath(listingID), nil, http.StatusNoContent)
	return keepID(c.t.result(resp, err, "", ""), listingID)
}
