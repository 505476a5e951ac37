// Package mesh decodes inbound Meshtastic MQTT traffic into one
// canonical packet shape, regardless of whether the gateway uplinked
// JSON or a binary ServiceEnvelope. It also owns the node id and
// downlink topic conventions.
package mesh

import (
	"fmt"
	"strconv"
	"strings"
)

// Broadcast is the Meshtastic broadcast destination.
const Broadcast uint32 = 0xFFFFFFFF

// Packet is one decoded inbound packet.
type Packet struct {
	// From is the sender node number.
	From uint32

	// To is the destination node number. Valid only when HasTo is set;
	// a packet without a destination is treated as broadcast.
	To    uint32
	HasTo bool

	// Gateway is the radio node that relayed the packet ("!hex" form),
	// taken from the topic. Empty means replies are unroutable.
	Gateway string

	// Channel is the mesh sub-channel hint, valid when HasChannel is
	// set. Used to keep replies on the conversation's channel.
	Channel    int
	HasChannel bool

	// Text is the extracted text content, empty for non-text packets.
	Text string

	// Position carries coordinates when the packet has any, whatever
	// its port. Position packets drive the weather GPS side channel.
	Position *Position
}

// Position is a coordinate pair extracted from a packet.
type Position struct {
	Lat float64
	Lon float64
}

// IsPublic reports whether the packet was addressed to everyone.
func (p *Packet) IsPublic() bool {
	return !p.HasTo || p.To == Broadcast
}

// Decode turns raw broker bytes plus their topic into a Packet.
// JSON is tried first, then the binary ServiceEnvelope. Returns nil
// for payloads that are neither; malformed input is expected traffic,
// never an error.
func Decode(raw []byte, topic string) *Packet {
	if pkt := decodeJSON(raw, topic); pkt != nil {
		return pkt
	}
	return decodeEnvelope(raw, topic)
}

// GatewayFromTopic returns the last topic segment that names a node
// ("!hex"), or "" when the topic carries none.
func GatewayFromTopic(topic string) string {
	segments := strings.Split(topic, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if len(segments[i]) > 1 && segments[i][0] == '!' {
			return segments[i]
		}
	}
	return ""
}

// NodeNumber converts a "!hex" node id to its numeric form.
func NodeNumber(hexWithBang string) (uint32, error) {
	if len(hexWithBang) < 2 || hexWithBang[0] != '!' {
		return 0, fmt.Errorf("node id %q: missing ! prefix", hexWithBang)
	}
	n, err := strconv.ParseUint(hexWithBang[1:], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("node id %q: %w", hexWithBang, err)
	}
	return uint32(n), nil
}

// NodeID formats a numeric node number as "!hex".
func NodeID(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// DownlinkTopic is the json/mqtt topic the firmware listens on for
// downlink commands.
func DownlinkTopic(region, version string) string {
	return fmt.Sprintf("msh/%s/%s/json/mqtt/", region, version)
}
