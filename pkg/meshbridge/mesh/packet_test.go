package mesh

import (
	"math"
	"testing"

	"github.com/meshtastic/go/meshtastic"
	"google.golang.org/protobuf/proto"
)

const testTopic = "msh/EU/2/json/LongFast/!a1b2c3d4"

func TestDecodeJSONText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      string
		wantText string
	}{
		{"payload text", `{"from":123,"to":456,"payload":{"text":"hello"}}`, "hello"},
		{"decoded text", `{"from":123,"payload":{"decoded":{"text":"nested"}}}`, "nested"},
		{"top-level text", `{"from":123,"text":"flat"}`, "flat"},
		{"no text", `{"from":123,"payload":{"portnum":3}}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pkt := Decode([]byte(tt.raw), testTopic)
			if pkt == nil {
				t.Fatal("Decode returned nil for valid json")
			}
			if pkt.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", pkt.Text, tt.wantText)
			}
			if pkt.Gateway != "!a1b2c3d4" {
				t.Errorf("Gateway = %q, want !a1b2c3d4", pkt.Gateway)
			}
		})
	}
}

func TestDecodePublicDetection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		raw    string
		public bool
	}{
		{"broadcast numeric", `{"from":1,"to":4294967295,"text":"hi"}`, true},
		{"broadcast hex string", `{"from":1,"to":"ffffffff","text":"hi"}`, true},
		{"broadcast 0x hex", `{"from":1,"to":"0xffffffff","text":"hi"}`, true},
		{"no destination", `{"from":1,"text":"hi"}`, true},
		{"direct message", `{"from":1,"to":99,"text":"hi"}`, false},
		{"direct bang id", `{"from":1,"to":"!00000063","text":"hi"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pkt := Decode([]byte(tt.raw), testTopic)
			if pkt == nil {
				t.Fatal("Decode returned nil")
			}
			if got := pkt.IsPublic(); got != tt.public {
				t.Errorf("IsPublic() = %v, want %v", got, tt.public)
			}
		})
	}
}

func TestDecodeChannelHint(t *testing.T) {
	t.Parallel()

	pkt := Decode([]byte(`{"from":1,"channel":2,"text":"hi"}`), testTopic)
	if !pkt.HasChannel || pkt.Channel != 2 {
		t.Errorf("channel = (%d, %v), want (2, true)", pkt.Channel, pkt.HasChannel)
	}

	pkt = Decode([]byte(`{"from":1,"payload":{"channel":3,"text":"hi"}}`), testTopic)
	if !pkt.HasChannel || pkt.Channel != 3 {
		t.Errorf("payload channel = (%d, %v), want (3, true)", pkt.Channel, pkt.HasChannel)
	}

	pkt = Decode([]byte(`{"from":1,"text":"hi"}`), testTopic)
	if pkt.HasChannel {
		t.Error("HasChannel true with no channel field")
	}
}

func TestDecodePosition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      string
		lat, lon float64
	}{
		{"float degrees", `{"from":1,"payload":{"lat":52.52,"lon":13.405}}`, 52.52, 13.405},
		{"scaled integers", `{"from":1,"payload":{"latitude_i":525200000,"longitude_i":134050000}}`, 52.52, 13.405},
		{"decoded coords", `{"from":1,"payload":{"decoded":{"latitude":48.8566,"longitude":2.3522}}}`, 48.8566, 2.3522},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pkt := Decode([]byte(tt.raw), testTopic)
			if pkt.Position == nil {
				t.Fatal("Position = nil")
			}
			if math.Abs(pkt.Position.Lat-tt.lat) > 1e-6 || math.Abs(pkt.Position.Lon-tt.lon) > 1e-6 {
				t.Errorf("Position = (%f, %f), want (%f, %f)",
					pkt.Position.Lat, pkt.Position.Lon, tt.lat, tt.lon)
			}
		})
	}

	t.Run("absent", func(t *testing.T) {
		t.Parallel()
		if pkt := Decode([]byte(`{"from":1,"text":"hi"}`), testTopic); pkt.Position != nil {
			t.Errorf("Position = %v, want nil", pkt.Position)
		}
	})
}

func TestDecodeEnvelopeText(t *testing.T) {
	t.Parallel()

	env := &meshtastic.ServiceEnvelope{
		Packet: &meshtastic.MeshPacket{
			From:    305419896,
			To:      Broadcast,
			Channel: 1,
			PayloadVariant: &meshtastic.MeshPacket_Decoded{
				Decoded: &meshtastic.Data{
					Portnum: meshtastic.PortNum_TEXT_MESSAGE_APP,
					Payload: []byte("over the air"),
				},
			},
		},
	}
	raw, err := proto.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}

	pkt := Decode(raw, "msh/EU/2/e/LongFast/!a1b2c3d4")
	if pkt == nil {
		t.Fatal("Decode returned nil for envelope")
	}
	if pkt.From != 305419896 {
		t.Errorf("From = %d, want 305419896", pkt.From)
	}
	if pkt.Text != "over the air" {
		t.Errorf("Text = %q, want %q", pkt.Text, "over the air")
	}
	if !pkt.IsPublic() {
		t.Error("broadcast envelope not detected as public")
	}
	if !pkt.HasChannel || pkt.Channel != 1 {
		t.Errorf("channel = (%d, %v), want (1, true)", pkt.Channel, pkt.HasChannel)
	}
}

func TestDecodeEnvelopePosition(t *testing.T) {
	t.Parallel()

	lat, lon := int32(525200000), int32(134050000)
	pos, err := proto.Marshal(&meshtastic.Position{LatitudeI: &lat, LongitudeI: &lon})
	if err != nil {
		t.Fatal(err)
	}
	env := &meshtastic.ServiceEnvelope{
		Packet: &meshtastic.MeshPacket{
			From: 42,
			To:   99,
			PayloadVariant: &meshtastic.MeshPacket_Decoded{
				Decoded: &meshtastic.Data{
					Portnum: meshtastic.PortNum_POSITION_APP,
					Payload: pos,
				},
			},
		},
	}
	raw, err := proto.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}

	pkt := Decode(raw, testTopic)
	if pkt == nil || pkt.Position == nil {
		t.Fatal("envelope position not decoded")
	}
	if math.Abs(pkt.Position.Lat-52.52) > 1e-6 || math.Abs(pkt.Position.Lon-13.405) > 1e-6 {
		t.Errorf("Position = (%f, %f), want (52.52, 13.405)", pkt.Position.Lat, pkt.Position.Lon)
	}
}

func TestDecodeGarbage(t *testing.T) {
	t.Parallel()

	if pkt := Decode([]byte{0xff, 0xfe, 0x01}, testTopic); pkt != nil {
		t.Errorf("Decode(garbage) = %+v, want nil", pkt)
	}
	if pkt := Decode([]byte(`"just a string"`), testTopic); pkt != nil {
		t.Errorf("Decode(json scalar) = %+v, want nil", pkt)
	}
}

func TestGatewayFromTopic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		topic string
		want  string
	}{
		{"msh/EU/2/json/LongFast/!deadbeef", "!deadbeef"},
		{"msh/US/2/e/!11111111/!22222222", "!22222222"},
		{"msh/EU/2/json/LongFast", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := GatewayFromTopic(tt.topic); got != tt.want {
			t.Errorf("GatewayFromTopic(%q) = %q, want %q", tt.topic, got, tt.want)
		}
	}
}

func TestNodeNumberRoundTrip(t *testing.T) {
	t.Parallel()

	n, err := NodeNumber("!a1b2c3d4")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0xa1b2c3d4 {
		t.Errorf("NodeNumber = %#x, want 0xa1b2c3d4", n)
	}
	if id := NodeID(n); id != "!a1b2c3d4" {
		t.Errorf("NodeID = %q, want !a1b2c3d4", id)
	}

	if _, err := NodeNumber("a1b2c3d4"); err == nil {
		t.Error("NodeNumber without ! prefix should fail")
	}
	if _, err := NodeNumber("!zzzz"); err == nil {
		t.Error("NodeNumber with bad hex should fail")
	}
}

func TestDownlinkTopic(t *testing.T) {
	t.Parallel()

	if got := DownlinkTopic("EU", "2"); got != "msh/EU/2/json/mqtt/" {
		t.Errorf("DownlinkTopic = %q", got)
	}
}
