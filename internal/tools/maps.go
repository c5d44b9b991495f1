package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultLocationURL = "https://ipapi.co/json/"

// DefaultLocationTimeout bounds every location lookup.
const DefaultLocationTimeout = 5 * time.Second

type Location struct {
	City      string  `json:"city"`
	Region    string  `json:"region"`
	Country   string  `json:"country_name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (l Location) String() string {
	var parts []string
	for _, p := range []string{l.City, l.Region, l.Country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	place := strings.Join(parts, ", ")
	if l.Latitude == 0 && l.Longitude == 0 {
		return place
	}
	coords := fmt.Sprintf("%.4f,%.4f", l.Latitude, l.Longitude)
	if place == "" {
		return coords
	}
	return place + " (" + coords + ")"
}

// Locator resolves the user's approximate position.
type Locator interface {
	Locate(ctx context.Context) (Location, error)
}

// HTTPLocator queries an IP geolocation service returning ipapi style JSON.
type HTTPLocator struct {
	endpoint   string
	httpClient *http.Client
}

func NewHTTPLocator(endpoint string, httpClient *http.Client) *HTTPLocator {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = defaultLocationURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPLocator{endpoint: endpoint, httpClient: httpClient}
}

func (l *HTTPLocator) Locate(ctx context.Context) (Location, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.endpoint, nil)
	if err != nil {
		return Location{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("lookup failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Location{}, fmt.Errorf("lookup status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var loc Location
	if err := json.NewDecoder(resp.Body).Decode(&loc); err != nil {
		return Location{}, fmt.Errorf("decode location: %w", err)
	}
	if loc.String() == "" {
		return Location{}, errors.New("location unknown")
	}
	return loc, nil
}

// MapsSearch finds places near the user. The location lookup runs under its
// own hard timeout so a slow lookup yields an error result instead of an
// unanswered call.
func MapsSearch(locator Locator, searcher Searcher, timeout time.Duration, maxResults int) Tool {
	if timeout <= 0 {
		timeout = DefaultLocationTimeout
	}
	return Tool{
		Spec: Spec{
			Name:        "mapsSearch",
			Description: "Find places, businesses or directions near the user's current location.",
			Params:      []Param{{Name: "query", Description: "What kind of place to look for, e.g. \"coffee shops\".", Required: true}},
		},
		Handler: HandlerFunc(func(ctx context.Context, args map[string]string) (string, error) {
			query := strings.TrimSpace(args["query"])
			if query == "" {
				return "", errors.New("query is required")
			}
			loc, err := locate(ctx, locator, timeout)
			if err != nil {
				return "", fmt.Errorf("location error: %w", err)
			}
			hits, err := searcher.Search(ctx, fmt.Sprintf("%s near %s", query, loc), maxResults)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Results near %s:\n%s", loc, formatHits(hits)), nil
		}),
	}
}

// locate returns at the deadline even when the locator ignores ctx.
func locate(ctx context.Context, locator Locator, timeout time.Duration) (Location, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		loc Location
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		loc, err := locator.Locate(ctx)
		done <- outcome{loc, err}
	}()
	select {
	case o := <-done:
		return o.loc, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Location{}, fmt.Errorf("lookup timed out after %s", timeout)
		}
		return Location{}, ctx.Err()
	}
}
