package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/parceldrop/dispatch/pkg/httpclient"
	"github.com/parceldrop/dispatch/pkg/logger"
	"github.com/parceldrop/dispatch/pkg/models"
	"go.uber.org/zap"
)

const nominatimSearchEndpoint = "/search"

// NominatimClient geocodes free-text addresses against a Nominatim instance.
type NominatimClient struct {
	client *httpclient.Client
}

// NewNominatimClient builds a geocoding client. Timeout covers the whole
// request including retries.
func NewNominatimClient(baseURL string, timeout time.Duration) *NominatimClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &NominatimClient{
		client: httpclient.NewClient(baseURL, timeout, httpclient.WithDefaultRetry()),
	}
}

// Geocode resolves a free-text address to a point. Returns nil when
// Nominatim has no match for the text.
func (n *NominatimClient) Geocode(ctx context.Context, text string) (*Geocoded, error) {
	params := url.Values{}
	params.Set("q", text)
	params.Set("format", "jsonv2")
	params.Set("limit", "1")
	params.Set("addressdetails", "1")

	resp, err := n.client.Get(ctx, nominatimSearchEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("nominatim search failed: %w", err)
	}

	var results []nominatimResult
	if err := json.Unmarshal(resp, &results); err != nil {
		return nil, fmt.Errorf("failed to parse nominatim response: %w", err)
	}

	if len(results) == 0 {
		logger.Debug("nominatim returned no match", zap.String("query", text))
		return nil, nil
	}

	r := results[0]
	lat, err := strconv.ParseFloat(r.Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("nominatim returned invalid latitude %q: %w", r.Lat, err)
	}
	lon, err := strconv.ParseFloat(r.Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("nominatim returned invalid longitude %q: %w", r.Lon, err)
	}

	return &Geocoded{
		Point:    models.Point{Lon: lon, Lat: lat},
		Label:    r.DisplayName,
		City:     r.Address.city(),
		Postcode: r.Address.Postcode,
		Country:  r.Address.Country,
	}, nil
}

// Nominatim response structures

type nominatimResult struct {
	Lat         string           `json:"lat"`
	Lon         string           `json:"lon"`
	DisplayName string           `json:"display_name"`
	Address     nominatimAddress `json:"address"`
}

type nominatimAddress struct {
	City     string `json:"city"`
	Town     string `json:"town"`
	Village  string `json:"village"`
	Postcode string `json:"postcode"`
	Country  string `json:"country"`
}

// city collapses Nominatim's city/town/village split into one field.
func (a nominatimAddress) city() string {
	switch {
	case a.City != "":
		return a.City
	case a.Town != "":
		return a.Town
	default:
		return a.Village
	}
}
