package mesh

// Downlink command types understood by the gateway firmware.
const (
	DownlinkText            = "sendtext"
	DownlinkRequestPosition = "requestposition"
)

// Downlink is the json/mqtt command shape published to gateways.
type Downlink struct {
	From    uint32 `json:"from"`
	To      uint32 `json:"to"`
	Channel int    `json:"channel"`
	Type    string `json:"type"`
	Payload string `json:"payload"`
}
