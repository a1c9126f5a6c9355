package bridge

import "github.com/ponsauto/pons/engine/domain"

// Preview shows what a listing will look like on a channel without
// publishing it. It is derived from the same Listing that Publish sends.
type Preview struct {
	Channel      domain.Channel `json:"channel"`
	VIN          string         `json:"vin"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	PriceDisplay string         `json:"price_display"`
	Photos       []string       `json:"photos"`
	PhotoCount   int            `json:"photo_count"`
	Details      []Detail       `json:"details"`
	Features     []string       `json:"features"`
	RawPayload   map[string]any `json:"raw_payload"`
}

// NewPreview renders v for b.
func NewPreview(b Bridge, v domain.CanonicalVehicle) Preview {
	l := b.Format(v)
	return Preview{
		Channel:      l.Channel,
		VIN:          v.VIN,
		Title:        l.Title,
		Description:  l.Description,
		PriceDisplay: PriceDisplay(l.Price),
		Photos:       l.Photos,
		PhotoCount:   len(l.Photos),
		Details:      l.Details,
		Features:     nonNil(v.Features),
		RawPayload:   l.Payload,
	}
}
