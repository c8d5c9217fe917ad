package providers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/episurv/surveillance/internal/config"
	"github.com/episurv/surveillance/internal/geocoding"
)

const maxBodySize = 1 << 20

// StatusError is returned when a provider answers with a non-2xx status.
type StatusError struct {
	Provider string
	Code     int
	Message  string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s returned status %d", e.Provider, e.Code)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.Code, e.Message)
}

type options struct {
	baseURL string
	client  *http.Client
}

type Option func(o *options)

func WithBaseURL(baseURL string) Option {
	return func(o *options) {
		o.baseURL = baseURL
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.client = client
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.client = &http.Client{Timeout: timeout}
	}
}

func newOptions(baseURL string, opts ...Option) options {
	o := options{baseURL: baseURL, client: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New returns the provider selected by the configuration. An empty provider name returns
// (nil, nil): geocoding is disabled and batches mark their addresses DISABLED.
func New(cfg *config.Config) (geocoding.Provider, error) {
	gc := cfg.Geocoding
	timeout := WithTimeout(gc.CallTimeout)

	switch strings.ToLower(strings.TrimSpace(gc.Provider)) {
	case "":
		return nil, nil
	case MapboxName:
		if gc.MapboxToken == "" {
			return nil, fmt.Errorf("geocoding provider %s requires EPISURV_MAPBOX_TOKEN", MapboxName)
		}
		return NewMapbox(gc.MapboxToken, timeout), nil
	case GoogleName:
		if gc.GoogleAPIKey == "" {
			return nil, fmt.Errorf("geocoding provider %s requires EPISURV_GOOGLE_API_KEY", GoogleName)
		}
		return NewGoogle(gc.GoogleAPIKey, timeout), nil
	default:
		return nil, fmt.Errorf("unknown geocoding provider %q", gc.Provider)
	}
}

var countryCodes = map[string]string{
	"argentina": "ar",
	"bolivia":   "bo",
	"brasil":    "br",
	"brazil":    "br",
	"chile":     "cl",
	"paraguay":  "py",
	"uruguay":   "uy",
	"peru":      "pe",
	"perú":      "pe",
}

// countryCode turns a country name or ISO 3166 alpha-2 code into a lowercase alpha-2 code.
func countryCode(country string) string {
	c := strings.ToLower(strings.TrimSpace(country))
	if len(c) == 2 {
		return c
	}
	return countryCodes[c]
}
