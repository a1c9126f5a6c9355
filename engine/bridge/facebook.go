package bridge

import (
	"context"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ponsauto/pons/engine/domain"
)

// FacebookURL is the Graph API version the catalog calls target.
const FacebookURL = "https://graph.facebook.com/v18.0"

// Facebook publishes Marketplace vehicles through a Commerce catalog. Prices
// are sent in cents and the access token travels as a query parameter.
type Facebook struct {
	cfg Config
	t   *transport
}

// NewFacebook requires an access token (APIKey) and catalog id.
func NewFacebook(cfg Config) (*Facebook, error) {
	if err := requireCreds(domain.ChannelFacebook, "access_token", cfg.APIKey, "catalog_id", cfg.CatalogID); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults(FacebookURL)
	return &Facebook{cfg: cfg, t: newTransport(domain.ChannelFacebook, cfg, QueryAuth("access_token", cfg.APIKey))}, nil
}

func (f *Facebook) Channel() domain.Channel { return domain.ChannelFacebook }

func (f *Facebook) Format(v domain.CanonicalVehicle) Listing {
	mileage := domain.Deref(v.Mileage)
	condition := "new"
	if mileage > 0 {
		condition = "used"
	}
	name := strings.Join([]string{strconv.Itoa(v.Year), v.Make, v.Model}, " ")
	p := map[string]any{
		"retailer_id":  v.VIN,
		"name":         name,
		"description":  domain.Deref(v.Description),
		"currency":     "USD",
		"availability": "in stock",
		"condition":    condition,
		"year":         v.Year,
		"make":         v.Make,
		"model":        v.Model,
		"vin":          v.VIN,
		"mileage":      map[string]any{"value": mileage, "unit": "MI"},
		"images":       nonNil(v.Images),
	}
	if v.Price != nil {
		p["price"] = int64(math.Round(*v.Price * 100))
	}
	put(p, "trim", v.Trim)
	put(p, "body_style", v.BodyType)
	put(p, "exterior_color", v.ExteriorColor)
	put(p, "interior_color", v.InteriorColor)
	put(p, "transmission", v.Transmission)
	put(p, "fuel_type", v.FuelType)
	put(p, "drivetrain", v.Drivetrain)
	return listing(f.Channel(), v, name, p, "MI")
}

func (f *Facebook) Publish(ctx context.Context, v domain.CanonicalVehicle) domain.ChannelResult {
	path := "/" + url.PathEscape(f.cfg.CatalogID) + "/products"
	resp, err := f.t.call(ctx, "publish", http.MethodPost, path, f.Format(v).Payload, http.StatusOK)
	return f.t.result(resp, err, "id", "")
}

func (f *Facebook) Update(ctx context.Context, v domain.CanonicalVehicle) domain.ChannelResult {
	id := v.ListingID(f.Channel())
	if id == "" {
		return missingListing(f.cfg.Now().UTC())
	}
	resp, err := f.t.call(ctx, "update", http.MethodPost, "/"+url.PathEscape(id), f.Format(v).Payload, http.StatusOK)
	return keepID(f.t.result(resp, err, "id", ""), id)
}

func (f *Facebook) Unpublish(ctx context.Context, _ string, listingID string) domain.ChannelResult {
	if listingID == "" {
		return missingListing(f.cfg.Now().UTC())
	}
	resp, err := f.t.call(ctx, "unpublish", http.MethodDelete, "/"+url.PathEscape(listingID), nil, http.StatusOK)
	return keepID(f.t.result(resp, err, "", ""), listingID)
}
