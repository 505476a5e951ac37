package weather

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(nil)
	c.searchURL = srv.URL + "/search"
	c.reverseURL = srv.URL + "/reverse"
	c.forecastURL = srv.URL + "/forecast"
	return c
}

func TestResolveLocationCoordinates(t *testing.T) {
	t.Parallel()

	// Reverse geocoder down: coordinates still resolve, with a
	// numeric label.
	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	loc, ok := c.ResolveLocation(context.Background(), "52.52, 13.405")
	if !ok {
		t.Fatal("coordinates did not resolve")
	}
	if loc.Lat != 52.52 || loc.Lon != 13.405 {
		t.Errorf("coords = (%f, %f)", loc.Lat, loc.Lon)
	}
	if loc.Label != "52.5200,13.4050" {
		t.Errorf("Label = %q, want numeric fallback", loc.Label)
	}
}

func TestResolveLocationCoordinatesWithLabel(t *testing.T) {
	t.Parallel()

	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/reverse") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"address":{"city":"Berlin","country_code":"de"}}`))
	})

	loc, ok := c.ResolveLocation(context.Background(), "52.52,13.405")
	if !ok {
		t.Fatal("coordinates did not resolve")
	}
	if loc.Label != "Berlin, DE" {
		t.Errorf("Label = %q, want %q", loc.Label, "Berlin, DE")
	}
}

func TestResolveLocationFreeText(t *testing.T) {
	t.Parallel()

	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "Paris, France" {
			t.Errorf("q = %q", got)
		}
		w.Write([]byte(`[{"lat":"48.8566","lon":"2.3522","display_name":"Paris, Ile-de-France, France","address":{"city":"Paris","country_code":"fr"}}]`))
	})

	loc, ok := c.ResolveLocation(context.Background(), "Paris, France")
	if !ok {
		t.Fatal("free text did not resolve")
	}
	if loc.Lat != 48.8566 || loc.Lon != 2.3522 {
		t.Errorf("coords = (%f, %f)", loc.Lat, loc.Lon)
	}
	if loc.Label != "Paris, FR" {
		t.Errorf("Label = %q, want %q", loc.Label, "Paris, FR")
	}
}

func TestResolveLocationFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		query   string
		handler http.HandlerFunc
	}{
		{"empty query", "", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte(`[]`)) }},
		{"no results", "Nowhereville", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte(`[]`)) }},
		{"server error", "Paris", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(500) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := testClient(t, tt.handler)
			if _, ok := c.ResolveLocation(context.Background(), tt.query); ok {
				t.Error("expected resolution failure")
			}
		})
	}
}

func TestResolveLocationASCIILabel(t *testing.T) {
	t.Parallel()

	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`[{"lat":"50.08","lon":"14.43","display_name":"Praha","address":{"city":"Průhonice","country_code":"cz"}}]`))
	})

	loc, ok := c.ResolveLocation(context.Background(), "Pruhonice")
	if !ok {
		t.Fatal("did not resolve")
	}
	for _, r := range loc.Label {
		if r > 127 {
			t.Errorf("label has non-ASCII rune %q: %q", r, loc.Label)
		}
	}
}

func TestFetchForecast(t *testing.T) {
	t.Parallel()

	day := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"hourly": {
				"time": ["2026-03-10T12:00","2026-03-10T13:00","2026-03-10T14:00","2026-03-10T21:00"],
				"temperature_2m": [10.2, 11.6, 12.1, 6.0],
				"precipitation_probability": [5, 10, 80, 0]
			},
			"daily": {
				"time": ["2026-03-10","2026-03-11","2026-03-12","2026-03-13"],
				"temperature_2m_max": [12.0, 14.2, 9.8, 11.0],
				"temperature_2m_min": [3.1, 4.9, 2.0, 1.2],
				"precipitation_probability_max": [10, 55, 90, 0]
			}
		}`))
	})
	c.now = func() time.Time { return day }

	fc, err := c.FetchForecast(context.Background(), 52.52, 13.405)
	if err != nil {
		t.Fatal(err)
	}

	// 12:00 is not after now; 21:00 is outside the six-hour window.
	wantHourly := []string{"13:00 12C, 10%", "14:00 12C, 80%"}
	if len(fc.Hourly) != len(wantHourly) {
		t.Fatalf("Hourly = %v, want %v", fc.Hourly, wantHourly)
	}
	for i := range wantHourly {
		if fc.Hourly[i] != wantHourly[i] {
			t.Errorf("Hourly[%d] = %q, want %q", i, fc.Hourly[i], wantHourly[i])
		}
	}

	// Days 1..3, skipping today.
	wantDaily := []string{
		"Wed 11 Mar: 5-14C, 55%",
		"Thu 12 Mar: 2-10C, 90%",
		"Fri 13 Mar: 1-11C, 0%",
	}
	if len(fc.Daily) != len(wantDaily) {
		t.Fatalf("Daily = %v, want %v", fc.Daily, wantDaily)
	}
	for i := range wantDaily {
		if fc.Daily[i] != wantDaily[i] {
			t.Errorf("Daily[%d] = %q, want %q", i, fc.Daily[i], wantDaily[i])
		}
	}
}

func TestFetchForecastEmptyData(t *testing.T) {
	t.Parallel()

	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"hourly":{"time":[],"temperature_2m":[],"precipitation_probability":[]},"daily":{"time":[],"temperature_2m_max":[],"temperature_2m_min":[],"precipitation_probability_max":[]}}`))
	})

	fc, err := c.FetchForecast(context.Background(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(fc.Hourly) != 1 || fc.Hourly[0] != "(no hourly data)" {
		t.Errorf("Hourly = %v", fc.Hourly)
	}
	if len(fc.Daily) != 1 || fc.Daily[0] != "(no daily data)" {
		t.Errorf("Daily = %v", fc.Daily)
	}
}

func TestFetchForecastServerError(t *testing.T) {
	t.Parallel()

	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	if _, err := c.FetchForecast(context.Background(), 0, 0); err == nil {
		t.Error("expected error on 502")
	}
}

func TestComposeLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                         string
		city, admin, country, fallbk string
		want                         string
	}{
		{"city and country", "Berlin", "", "de", "x", "Berlin, DE"},
		{"admin only", "", "Bavaria", "de", "x", "Bavaria, DE"},
		{"nothing resolved", "", "", "", "52.5,13.4", "52.5,13.4"},
		{"diacritics stripped", "Průhonice", "", "cz", "x", "Pruhonice, CZ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := composeLabel(tt.city, tt.admin, tt.country, tt.fallbk); got != tt.want {
				t.Errorf("composeLabel = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestComposeLabelLength(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("Verylongcityname", 10)
	got := composeLabel(long, "", "us", "x")
	if len(got) > maxLabelLen {
		t.Errorf("label is %d bytes, cap %d", len(got), maxLabelLen)
	}
}
