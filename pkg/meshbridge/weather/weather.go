// Package weather resolves user input to coordinates via Nominatim
// and fetches compact forecast lines from Open-Meteo. Labels are
// forced to ASCII because several Meshtastic apps render non-ASCII as
// garbage.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"
)

const (
	defaultSearchURL   = "https://nominatim.openstreetmap.org/search"
	defaultReverseURL  = "https://nominatim.openstreetmap.org/reverse"
	defaultForecastURL = "https://api.open-meteo.com/v1/forecast"

	userAgent = "meshbridge/1.0"

	// maxLabelLen caps location labels so they fit a mesh frame with
	// room for the forecast lines.
	maxLabelLen = 60
)

// Location is a resolved place.
type Location struct {
	Lat   float64
	Lon   float64
	Label string
}

// Client talks to Nominatim and Open-Meteo.
type Client struct {
	searchURL   string
	reverseURL  string
	forecastURL string
	httpClient  *http.Client
	logger      *slog.Logger

	// now is replaceable in tests; forecast windows are relative to it.
	now func() time.Time
}

// New creates a weather client.
func New(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		searchURL:   defaultSearchURL,
		reverseURL:  defaultReverseURL,
		forecastURL: defaultForecastURL,
		httpClient:  &http.Client{Timeout: 12 * time.Second},
		logger:      logger.With("component", "weather"),
		now:         time.Now,
	}
}

// ResolveLocation resolves "lat,lon" or free text into a Location.
// Returns false when the input cannot be resolved; network failures
// against the geocoder also resolve to false, matching the
// user-visible "couldn't parse that location" outcome.
func (c *Client) ResolveLocation(ctx context.Context, query string) (Location, bool) {
	q := strings.TrimSpace(query)
	if q == "" {
		return Location{}, false
	}

	// Explicit coordinates first.
	if parts := strings.Split(q, ","); len(parts) == 2 {
		lat, errLat := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		lon, errLon := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if errLat == nil && errLon == nil {
			label := c.ReverseLabel(ctx, lat, lon)
			if label == "" {
				label = fmt.Sprintf("%.4f,%.4f", lat, lon)
			}
			return Location{Lat: lat, Lon: lon, Label: label}, true
		}
	}

	// Free text through Nominatim.
	params := url.Values{
		"q":              {q},
		"format":         {"json"},
		"limit":          {"1"},
		"addressdetails": {"1"},
	}
	var results []struct {
		Lat         string           `json:"lat"`
		Lon         string           `json:"lon"`
		DisplayName string           `json:"display_name"`
		Address     nominatimAddress `json:"address"`
	}
	if err := c.getJSON(ctx, c.searchURL, params, &results); err != nil {
		c.logger.Warn("geocoding failed", "query", q, "error", err)
		return Location{}, false
	}
	if len(results) == 0 {
		return Location{}, false
	}
	r0 := results[0]
	lat, errLat := strconv.ParseFloat(r0.Lat, 64)
	lon, errLon := strconv.ParseFloat(r0.Lon, 64)
	if errLat != nil || errLon != nil {
		return Location{}, false
	}

	city, admin, country := r0.Address.parts()
	if city == "" && admin == "" {
		if disp := strings.TrimSpace(strings.Split(r0.DisplayName, ",")[0]); disp != "" {
			city = disp
		}
	}
	return Location{Lat: lat, Lon: lon, Label: composeLabel(city, admin, country, q)}, true
}

// ReverseLabel reverse-geocodes a clean ASCII label for coordinates.
// Returns "" on failure; callers fall back to "lat,lon".
func (c *Client) ReverseLabel(ctx context.Context, lat, lon float64) string {
	params := url.Values{
		"lat":            {strconv.FormatFloat(lat, 'f', -1, 64)},
		"lon":            {strconv.FormatFloat(lon, 'f', -1, 64)},
		"format":         {"json"},
		"zoom":           {"10"},
		"addressdetails": {"1"},
	}
	var result struct {
		Address nominatimAddress `json:"address"`
	}
	if err := c.getJSON(ctx, c.reverseURL, params, &result); err != nil {
		c.logger.Warn("reverse geocoding failed", "error", err)
		return ""
	}
	city, admin, country := result.Address.parts()
	return composeLabel(city, admin, country, fmt.Sprintf("%.4f,%.4f", lat, lon))
}

// Forecast holds formatted forecast lines for a location.
type Forecast struct {
	// Hourly covers the next six full hours, one line each.
	Hourly []string

	// Daily covers the next three days, one line each.
	Daily []string
}

// FetchForecast fetches hourly and daily forecast lines from
// Open-Meteo.
func (c *Client) FetchForecast(ctx context.Context, lat, lon float64) (*Forecast, error) {
	params := url.Values{
		"latitude":      {strconv.FormatFloat(lat, 'f', -1, 64)},
		"longitude":     {strconv.FormatFloat(lon, 'f', -1, 64)},
		"hourly":        {"temperature_2m,precipitation_probability"},
		"daily":         {"temperature_2m_max,temperature_2m_min,precipitation_probability_max"},
		"forecast_days": {"4"}, // today plus the next three
		"timezone":      {"auto"},
	}
	var data struct {
		Hourly struct {
			Time          []string  `json:"time"`
			Temperature   []float64 `json:"temperature_2m"`
			Precipitation []float64 `json:"precipitation_probability"`
		} `json:"hourly"`
		Daily struct {
			Time             []string  `json:"time"`
			TemperatureMax   []float64 `json:"temperature_2m_max"`
			TemperatureMin   []float64 `json:"temperature_2m_min"`
			PrecipitationMax []float64 `json:"precipitation_probability_max"`
		} `json:"daily"`
	}
	if err := c.getJSON(ctx, c.forecastURL, params, &data); err != nil {
		return nil, fmt.Errorf("open-meteo: %w", err)
	}

	now := c.now()
	endBy := now.Add(6*time.Hour + time.Minute)

	var hourly []string
	for i, ts := range data.Hourly.Time {
		if i >= len(data.Hourly.Temperature) || i >= len(data.Hourly.Precipitation) {
			break
		}
		t, err := time.ParseInLocation("2006-01-02T15:04", ts, now.Location())
		if err != nil {
			continue
		}
		if !t.After(now) {
			continue
		}
		if t.After(endBy) {
			break
		}
		hourly = append(hourly, fmt.Sprintf("%s %dC, %d%%",
			t.Format("15:00"),
			int(data.Hourly.Temperature[i]+0.5),
			int(data.Hourly.Precipitation[i])))
	}
	if len(hourly) == 0 {
		hourly = []string{"(no hourly data)"}
	}

	var daily []string
	for i := 1; i < len(data.Daily.Time) && i < 4; i++ {
		if i >= len(data.Daily.TemperatureMax) || i >= len(data.Daily.TemperatureMin) || i >= len(data.Daily.PrecipitationMax) {
			break
		}
		d, err := time.Parse("2006-01-02", data.Daily.Time[i])
		if err != nil {
			continue
		}
		daily = append(daily, fmt.Sprintf("%s: %d-%dC, %d%%",
			d.Format("Mon 02 Jan"),
			int(data.Daily.TemperatureMin[i]+0.5),
			int(data.Daily.TemperatureMax[i]+0.5),
			int(data.Daily.PrecipitationMax[i])))
	}
	if len(daily) == 0 {
		daily = []string{"(no daily data)"}
	}

	return &Forecast{Hourly: hourly, Daily: daily}, nil
}

func (c *Client) getJSON(ctx context.Context, base string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type nominatimAddress struct {
	City         string `json:"city"`
	Town         string `json:"town"`
	Village      string `json:"village"`
	Municipality string `json:"municipality"`
	State        string `json:"state"`
	County       string `json:"county"`
	Region       string `json:"region"`
	CountryCode  string `json:"country_code"`
	Country      string `json:"country"`
}

func (a nominatimAddress) parts() (city, admin, country string) {
	city = firstNonEmpty(a.City, a.Town, a.Village, a.Municipality)
	admin = firstNonEmpty(a.State, a.County, a.Region)
	country = strings.ToUpper(a.CountryCode)
	if country == "" {
		country = a.Country
	}
	return city, admin, country
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// composeLabel builds a readable "City, CC" label with fallbacks,
// forced to ASCII and capped at maxLabelLen.
func composeLabel(city, admin, country, fallback string) string {
	var parts []string
	first := strings.TrimSpace(city)
	if first == "" {
		first = strings.TrimSpace(admin)
	}
	if first != "" {
		parts = append(parts, asciiClean(first))
	}
	if country != "" {
		cc := strings.ToUpper(country)
		if len(cc) > 3 {
			cc = asciiClean(country)
		}
		parts = append(parts, cc)
	}
	label := strings.Join(parts, ", ")
	if label == "" {
		label = strings.TrimSpace(fallback)
	}
	if label == "" {
		label = "unknown location"
	}
	label = strings.Trim(label, " ,")
	if len(label) > maxLabelLen {
		runes := []rune(label)
		for len(string(runes)) > maxLabelLen-1 {
			runes = runes[:len(runes)-1]
		}
		label = string(runes) + "~"
	}
	return label
}

// asciiClean strips diacritics down to their base letter and drops
// any remaining non-ASCII runes.
func asciiClean(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r < 128:
			b.WriteRune(r)
		default:
			if base, ok := asciiBase[r]; ok {
				b.WriteRune(base)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// asciiBase maps common accented Latin letters to ASCII.
var asciiBase = func() map[rune]rune {
	m := make(map[rune]rune)
	add := func(base rune, variants string) {
		for _, v := range variants {
			m[v] = base
			m[unicode.ToUpper(v)] = unicode.ToUpper(base)
		}
	}
	add('a', "àáâãäåā")
	add('c', "çćč")
	add('e', "èéêëē")
	add('i', "ìíîïī")
	add('n', "ñń")
	add('o', "òóôõöø")
	add('s', "śš")
	add('u', "ùúûüūů")
	add('y', "ýÿ")
	add('z', "źżž")
	return m
}()
