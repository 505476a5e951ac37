package mesh

import (
	"encoding/json"
	"strconv"
	"strings"
)

// decodeJSON handles the gateway json uplink shape: a flat object with
// "from", "to", "channel" and text either at the top level or nested
// under payload / payload.decoded.
func decodeJSON(raw []byte, topic string) *Packet {
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil
	}

	pkt := &Packet{Gateway: GatewayFromTopic(topic)}

	if from, ok := asNodeNumber(parsed["from"]); ok {
		pkt.From = from
	}
	if to, ok := asNodeNumber(parsed["to"]); ok {
		pkt.To = to
		pkt.HasTo = true
	}
	if ch, ok := jsonChannel(parsed); ok {
		pkt.Channel = ch
		pkt.HasChannel = true
	}
	pkt.Text = jsonText(parsed)
	pkt.Position = jsonPosition(parsed)
	return pkt
}

// jsonText extracts text from payload.text, payload.decoded.text or a
// top-level text field, in that order.
func jsonText(parsed map[string]any) string {
	if payload, ok := parsed["payload"].(map[string]any); ok {
		if s, ok := payload["text"].(string); ok {
			return s
		}
		if decoded, ok := payload["decoded"].(map[string]any); ok {
			if s, ok := decoded["text"].(string); ok {
				return s
			}
		}
	}
	if s, ok := parsed["text"].(string); ok {
		return s
	}
	return ""
}

// jsonChannel reads an integer channel hint from the top level or from
// payload.channel.
func jsonChannel(parsed map[string]any) (int, bool) {
	if ch, ok := asInt(parsed["channel"]); ok {
		return ch, true
	}
	if payload, ok := parsed["payload"].(map[string]any); ok {
		if ch, ok := asInt(payload["channel"]); ok {
			return ch, true
		}
	}
	return 0, false
}

// jsonPosition looks for coordinate-shaped fields at the top level,
// under payload and under payload.decoded. Firmware variants disagree
// on key names and on whether values are floats or 1e-7 integers.
func jsonPosition(parsed map[string]any) *Position {
	sources := []map[string]any{parsed}
	if payload, ok := parsed["payload"].(map[string]any); ok {
		sources = append(sources, payload)
		if decoded, ok := payload["decoded"].(map[string]any); ok {
			sources = append(sources, decoded)
		}
	}
	for _, src := range sources {
		lat, okLat := coordValue(src, "lat", "latitude", "latitude_i", "latitudeI")
		lon, okLon := coordValue(src, "lon", "lng", "longitude", "longitude_i", "longitudeI")
		if okLat && okLon {
			return &Position{Lat: lat, Lon: lon}
		}
	}
	return nil
}

func coordValue(src map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		v, ok := src[key]
		if !ok {
			continue
		}
		f, ok := asFloat(v)
		if !ok {
			continue
		}
		// Integer-scaled coordinates (latitudeI) are degrees * 1e7.
		if f > 1000 || f < -1000 {
			f /= 1e7
		}
		return f, true
	}
	return 0, false
}

// asNodeNumber accepts numeric node ids, decimal strings, bare hex
// ("ffffffff"), "0x"-prefixed hex and "!hex" forms.
func asNodeNumber(v any) (uint32, bool) {
	switch n := v.(type) {
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint32(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil && i >= 0 {
			return uint32(i), true
		}
	case string:
		s := strings.ToLower(strings.TrimSpace(n))
		if s == "" {
			return 0, false
		}
		if strings.HasPrefix(s, "!") {
			if num, err := NodeNumber(s); err == nil {
				return num, true
			}
			return 0, false
		}
		s = strings.TrimPrefix(s, "0x")
		// Broadcast commonly arrives as "ffffffff".
		if num, err := parseUint(s, 16); err == nil && hasHexLetter(s) {
			return num, true
		}
		if num, err := parseUint(s, 10); err == nil {
			return num, true
		}
		if num, err := parseUint(s, 16); err == nil {
			return num, true
		}
	}
	return 0, false
}

func hasHexLetter(s string) bool {
	return strings.ContainsAny(s, "abcdef")
}

func parseUint(s string, base int) (uint32, error) {
	n, err := strconv.ParseUint(s, base, 32)
	return uint32(n), err
}

func asInt(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}

func asFloat(v any) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case json.Number:
		n, err := f.Float64()
		return n, err == nil
	}
	return 0, false
}
