package mesh

import (
	"unicode/utf8"

	"github.com/meshtastic/go/meshtastic"
	"google.golang.org/protobuf/proto"
)

// decodeEnvelope handles the binary uplink shape: a ServiceEnvelope
// wrapping a MeshPacket. Only the decoded (unencrypted) section is
// usable; text is taken from TEXT_MESSAGE_APP payloads and positions
// from POSITION_APP payloads. Anything else decodes to a packet with
// no content so channel learning still works.
func decodeEnvelope(raw []byte, topic string) *Packet {
	var env meshtastic.ServiceEnvelope
	if err := proto.Unmarshal(raw, &env); err != nil {
		return nil
	}
	mp := env.GetPacket()
	if mp == nil {
		return nil
	}

	pkt := &Packet{
		From:    mp.GetFrom(),
		Gateway: GatewayFromTopic(topic),
	}
	if to := mp.GetTo(); to != 0 {
		pkt.To = to
		pkt.HasTo = true
	}
	// Channel 0 is the firmware default, not a learned hint.
	if ch := mp.GetChannel(); ch != 0 {
		pkt.Channel = int(ch)
		pkt.HasChannel = true
	}

	decoded := mp.GetDecoded()
	if decoded == nil {
		return pkt
	}

	switch decoded.GetPortnum() {
	case meshtastic.PortNum_TEXT_MESSAGE_APP:
		if payload := decoded.GetPayload(); utf8.Valid(payload) {
			pkt.Text = string(payload)
		}
	case meshtastic.PortNum_POSITION_APP:
		var pos meshtastic.Position
		if err := proto.Unmarshal(decoded.GetPayload(), &pos); err == nil {
			if pos.GetLatitudeI() != 0 || pos.GetLongitudeI() != 0 {
				pkt.Position = &Position{
					Lat: float64(pos.GetLatitudeI()) * 1e-7,
					Lon: float64(pos.GetLongitudeI()) * 1e-7,
				}
			}
		}
	}
	return pkt
}
