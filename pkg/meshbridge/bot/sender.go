package bot

import (
	"time"

	"github.com/avalkov/meshbridge/pkg/meshbridge/mesh"
)

// learnChannel remembers the channel index a gateway was last seen
// on, so replies go back on the conversation's channel.
func (b *Bot) learnChannel(gateway string, index int) {
	b.mu.Lock()
	prev, seen := b.gatewayChan[gateway]
	b.gatewayChan[gateway] = index
	b.mu.Unlock()
	if !seen || prev != index {
		b.logger.Info("gateway channel learned", "gateway", gateway, "channel", index)
	}
}

// channelIndexFor returns the learned channel for a gateway, or the
// configured default.
func (b *Bot) channelIndexFor(gateway string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.gatewayChan[gateway]; ok {
		return ch
	}
	return b.opts.DefaultChannelIndex
}

// anyGateway returns some gateway we have seen traffic from. Used by
// the relay poller, which has no inbound packet to route back along.
func (b *Bot) anyGateway() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for gw := range b.gatewayChan {
		return gw, true
	}
	return "", false
}

// sendDM publishes one direct text message to a node through the
// given gateway. An unparsable gateway id makes the reply unroutable;
// it is logged and dropped.
func (b *Bot) sendDM(gateway string, to uint32, message string) {
	gwNum, err := mesh.NodeNumber(gateway)
	if err != nil {
		b.logger.Warn("reply unroutable", "gateway", gateway, "error", err)
		return
	}
	b.publish(gateway, &mesh.Downlink{
		From:    gwNum,
		To:      to,
		Channel: b.channelIndexFor(gateway),
		Type:    mesh.DownlinkText,
		Payload: message,
	})
}

// sendNudge broadcasts a short pointer on the public channel.
func (b *Bot) sendNudge(gateway, text string) {
	gwNum, err := mesh.NodeNumber(gateway)
	if err != nil {
		b.logger.Warn("nudge unroutable", "gateway", gateway, "error", err)
		return
	}
	b.publish(gateway, &mesh.Downlink{
		From:    gwNum,
		To:      mesh.Broadcast,
		Channel: b.channelIndexFor(gateway),
		Type:    mesh.DownlinkText,
		Payload: text,
	})
}

// requestPosition asks a node to report its GPS position.
func (b *Bot) requestPosition(gateway string, to uint32) {
	gwNum, err := mesh.NodeNumber(gateway)
	if err != nil {
		b.logger.Warn("position request unroutable", "gateway", gateway, "error", err)
		return
	}
	b.publish(gateway, &mesh.Downlink{
		From:    gwNum,
		To:      to,
		Channel: b.channelIndexFor(gateway),
		Type:    mesh.DownlinkRequestPosition,
		Payload: "",
	})
}

// publish hands a downlink to the transport. A message arriving in
// the window before the publisher is wired is dropped with a warning.
func (b *Bot) publish(gateway string, dl *mesh.Downlink) {
	pub := b.publisher()
	if pub == nil {
		b.logger.Warn("downlink dropped, no publisher yet", "gateway", gateway, "type", dl.Type)
		return
	}
	if err := pub.PublishDownlink(gateway, dl); err != nil {
		b.logger.Error("downlink publish failed", "gateway", gateway, "type", dl.Type, "to", dl.To, "error", err)
	}
}

// sendChunked splits a long reply and paces the chunks out so the
// radio link is not flooded. The first chunk goes immediately; the
// rest are delivered from a goroutine with the configured delay
// between them.
func (b *Bot) sendChunked(gateway string, to uint32, response string) {
	chunks := b.chunker.Chunk(response)
	if len(chunks) == 0 {
		return
	}
	b.sendDM(gateway, to, chunks[0])
	if len(chunks) == 1 {
		return
	}
	rest := chunks[1:]
	go func() {
		for _, chunk := range rest {
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(b.opts.ChunkDelay):
			}
			b.sendDM(gateway, to, chunk)
		}
	}()
}
