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
	MapboxName    = "mapbox"
	mapboxBaseURL = "https://api.mapbox.com"
)

// Mapbox is a client of the Mapbox forward geocoding API (v5, mapbox.places).
type Mapbox struct {
	token   string
	baseURL string
	http    *http.Client
}

type mapboxResponse struct {
	Features []struct {
		PlaceName string    `json:"place_name"`
		Relevance float64   `json:"relevance"`
		Center    []float64 `json:"center"`
	} `json:"features"`
	Message string `json:"message"`
}

func NewMapbox(token string, opts ...Option) *Mapbox {
	o := newOptions(mapboxBaseURL, opts...)
	return &Mapbox{token: token, baseURL: o.baseURL, http: o.client}
}

func (m *Mapbox) Name() string {
	return MapboxName
}

func (m *Mapbox) Geocode(ctx context.Context, q geocoding.Query) (*geocoding.Coordinates, error) {
	endpoint := fmt.Sprintf("%s/geocoding/v5/mapbox.places/%s.json", strings.TrimRight(m.baseURL, "/"), url.PathEscape(q.String()))

	params := url.Values{}
	params.Set("access_token", m.token)
	params.Set("limit", "1")
	params.Set("types", "address")
	if code := countryCode(q.Country); code != "" {
		params.Set("country", code)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mapbox request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("mapbox response: %w", err)
	}

	var parsed mapboxResponse
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = json.Unmarshal(body, &parsed)
		return nil, &StatusError{Provider: MapboxName, Code: resp.StatusCode, Message: parsed.Message}
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decoding mapbox response: %w", err)
	}

	if len(parsed.Features) == 0 || len(parsed.Features[0].Center) < 2 {
		return nil, nil
	}
	f := parsed.Features[0]

	// center is [longitude, latitude]
	return &geocoding.Coordinates{
		Latitude:   f.Center[1],
		Longitude:  f.Center[0],
		Confidence: f.Relevance,
		Raw: map[string]any{
			"place_name": f.PlaceName,
			"relevance":  f.Relevance,
		},
	}, nil
}
