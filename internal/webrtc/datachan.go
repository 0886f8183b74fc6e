package webrtc

import (
	"github.com/pion/webrtc/v4"
)

const (
	// DataChannelLabel is the label for the boat's direct telemetry feed.
	DataChannelLabel = "shoregate-feed"
)

// dataChannelConfig returns the pion DataChannelInit for the telemetry feed:
// unordered, no retransmits. A stale sensor frame is worthless, and reliable
// ordered delivery would head-of-line-block fresh readings behind lost ones.
func dataChannelConfig() *webrtc.DataChannelInit {
	ordered := false
	maxRetransmits := uint16(0)
	return &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	}
}
