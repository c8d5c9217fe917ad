package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/episurv/surveillance/internal/geocoding"
)

const (
	GoogleName    = "google"
	googleBaseURL = "https://maps.googleapis.com"

	googleStatusOK          = "OK"
	googleStatusZeroResults = "ZERO_RESULTS"
)

// location_type mapped to a confidence score
var googleConfidence = map[string]float64{
	"ROOFTOP":            1.0,
	"RANGE_INTERPOLATED": 0.8,
	"GEOMETRIC_CENTER":   0.6,
	"APPROXIMATE":        0.4,
}

// Google is a client of the Google Maps Geocoding API.
type Google struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

type googleResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Results      []struct {
		FormattedAddress string `json:"formatted_address"`
		PartialMatch     bool   `json:"partial_match"`
		Geometry         struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
			LocationType string `json:"location_type"`
		} `json:"geometry"`
	} `json:"results"`
}

func NewGoogle(apiKey string, opts ...Option) *Google {
	o := newOptions(googleBaseURL, opts...)
	return &Google{apiKey: apiKey, baseURL: o.baseURL, http: o.client}
}

func (g *Google) Name() string {
	return GoogleName
}

func (g *Google) Geocode(ctx context.Context, q geocoding.Query) (*geocoding.Coordinates, error) {
	params := url.Values{}
	params.Set("address", q.String())
	params.Set("key", g.apiKey)
	if code := countryCode(q.Country); code != "" {
		params.Set("components", "country:"+strings.ToUpper(code))
	}

	endpoint := strings.TrimRight(g.baseURL, "/") + "/maps/api/geocode/json?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("google request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("google response: %w", err)
	}

	var parsed googleResponse
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = json.Unmarshal(body, &parsed)
		return nil, &StatusError{Provider: GoogleName, Code: resp.StatusCode, Message: parsed.ErrorMessage}
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decoding google response: %w", err)
	}

	switch parsed.Status {
	case googleStatusOK:
	case googleStatusZeroResults:
		return nil, nil
	default:
		return nil, fmt.Errorf("google geocoding status %s: %s", parsed.Status, parsed.ErrorMessage)
	}
	if len(parsed.Results) == 0 {
		return nil, nil
	}

	r := parsed.Results[0]
	confidence, ok := googleConfidence[r.Geometry.LocationType]
	if !ok {
		confidence = 0.2
	}
	if r.PartialMatch {
		confidence /= 2
	}

	return &geocoding.Coordinates{
		Latitude:   r.Geometry.Location.Lat,
		Longitude:  r.Geometry.Location.Lng,
		Confidence: confidence,
		Raw: map[string]any{
			"formatted_address": r.FormattedAddress,
			"location_type":     r.Geometry.LocationType,
			"partial_match":     r.PartialMatch,
		},
	}, nil
}
