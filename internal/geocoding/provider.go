package geocoding

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang/geo/s2"

	"github.com/episurv/surveillance/internal/store/model"
)

// Query is what a provider receives for one address.
type Query struct {
	Street   string
	Number   string
	Locality string
	Province string
	Country  string
}

func QueryFor(a model.Address) Query {
	return Query{
		Street:   strings.TrimSpace(a.Street),
		Number:   strings.TrimSpace(a.Number),
		Locality: strings.TrimSpace(a.Locality),
		Province: strings.TrimSpace(a.Province),
		Country:  strings.TrimSpace(a.Country),
	}
}

// String renders the query as a single free-text address line.
func (q Query) String() string {
	parts := make([]string, 0, 4)
	if street := strings.TrimSpace(q.Street + " " + q.Number); street != "" {
		parts = append(parts, street)
	}
	for _, p := range []string{q.Locality, q.Province, q.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// Coordinates is a provider hit. Confidence is in [0,1].
type Coordinates struct {
	Latitude   float64
	Longitude  float64
	Confidence float64
	Raw        map[string]any
}

// Provider is the geocoding capability. Geocode returns (nil, nil) when the provider has no
// result for the query and an error on transport or protocol failures.
type Provider interface {
	Name() string
	Geocode(ctx context.Context, q Query) (*Coordinates, error)
}

// validate rejects coordinates outside the WGS84 range.
func validate(c *Coordinates) error {
	ll := s2.LatLngFromDegrees(c.Latitude, c.Longitude)
	if !ll.IsValid() {
		return fmt.Errorf("provider returned invalid coordinates (%f, %f)", c.Latitude, c.Longitude)
	}
	c.Confidence = min(max(c.Confidence, 0), 1)
	return nil
}
