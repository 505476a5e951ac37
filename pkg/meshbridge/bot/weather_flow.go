package bot

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/avalkov/meshbridge/pkg/meshbridge/mesh"
	"github.com/avalkov/meshbridge/pkg/meshbridge/session"
)

const locationParseError = "Sorry, I couldn't parse that location. Try 'lat,lon' or 'City, Country'."

// handleWeather runs the /weather command in DM. Precedence:
// explicit clear, explicit location argument, cached location, then
// a GPS request with a timed fallback to asking for typed input.
func (b *Bot) handleWeather(gw string, from uint32, userID, args string) {
	b.markKnown(userID)
	b.sessions.CreateOrRefresh(userID)

	if strings.EqualFold(args, "clear") {
		b.sessions.ClearCachedLocation(userID)
		b.sendDM(gw, from, "Location cleared. Send /weather again (or provide a new location).")
		return
	}

	if args != "" {
		loc, ok := b.weather.ResolveLocation(b.ctx, args)
		if !ok {
			b.sendDM(gw, from, locationParseError)
			return
		}
		b.sessions.CacheLocation(userID, session.Location{Lat: loc.Lat, Lon: loc.Lon, Label: loc.Label})
		b.sendWeatherReply(gw, from, loc.Lat, loc.Lon, loc.Label)
		b.sessions.ClearWeatherWait(userID)
		return
	}

	if cached, ok := b.sessions.CachedLocation(userID); ok {
		b.sendWeatherReply(gw, from, cached.Lat, cached.Lon, cached.Label)
		b.sessions.ClearWeatherWait(userID)
		return
	}

	b.sendDM(gw, from, "Requesting your node GPS… If it doesn't arrive in ~20s, I'll ask for a typed location.")
	b.requestPosition(gw, from)
	b.sessions.SetWeatherWait(userID, true, b.opts.WeatherWait)

	// The fallback must re-check: a GPS fix or typed location in the
	// meantime clears the wait and the timer does nothing. The wait
	// itself stays pending so the typed location is still read as one.
	b.afterFunc(b.opts.WeatherWait, func() {
		if b.sessions.HasPendingWeatherRequest(userID) {
			b.sendDM(gw, from, "No GPS received. Please send a location (e.g. 'lat,lon' or 'City, Country').")
		}
	})
}

// handleLocationAttempt treats free DM text as a typed location while
// a weather request is pending. A parse failure keeps the wait open
// so the user can try again.
func (b *Bot) handleLocationAttempt(gw string, from uint32, userID, text string) {
	loc, ok := b.weather.ResolveLocation(b.ctx, text)
	if !ok {
		b.sendDM(gw, from, locationParseError)
		return
	}
	b.sessions.CacheLocation(userID, session.Location{Lat: loc.Lat, Lon: loc.Lon, Label: loc.Label})
	b.sessions.ClearWeatherWait(userID)
	b.sendWeatherReply(gw, from, loc.Lat, loc.Lon, loc.Label)
}

// handlePositionUpdate consumes a GPS fix arriving while its sender
// has a pending weather request within the wait window.
func (b *Bot) handlePositionUpdate(pkt *mesh.Packet) {
	if pkt.From == 0 {
		return
	}
	userID := strconv.FormatUint(uint64(pkt.From), 10)
	if !b.sessions.HasPendingWeatherRequest(userID) {
		return
	}
	// A fix past the wait window is stale; the fallback already asked
	// for a typed location by then.
	if !b.sessions.IsWithinWeatherWindow(userID) {
		return
	}

	lat, lon := pkt.Position.Lat, pkt.Position.Lon
	label := b.weather.ReverseLabel(b.ctx, lat, lon)
	if label == "" {
		label = fmt.Sprintf("%.4f,%.4f", lat, lon)
	}
	b.sessions.CacheLocation(userID, session.Location{Lat: lat, Lon: lon, Label: label})
	b.sessions.ClearWeatherWait(userID)
	b.sendWeatherReply(pkt.Gateway, pkt.From, lat, lon, label)
}

// sendWeatherReply sends the forecast as two DMs: hours now, days
// after.
func (b *Bot) sendWeatherReply(gw string, from uint32, lat, lon float64, label string) {
	fc, err := b.weather.FetchForecast(b.ctx, lat, lon)
	if err != nil {
		b.logger.Error("forecast fetch failed", "lat", lat, "lon", lon, "error", err)
		b.sendDM(gw, from, "Weather service is unavailable right now. Please try again later.")
		return
	}
	b.sendDM(gw, from, fmt.Sprintf("Weather for %s\nNext 6 hours:\n%s", label, strings.Join(fc.Hourly, "\n")))
	b.sendDM(gw, from, "Next 3 days:\n"+strings.Join(fc.Daily, "\n"))
}
