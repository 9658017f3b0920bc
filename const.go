package mcrouter

import "time"

// MaxKeyLength is the longest key the backend protocols accept, in bytes.
// Derived replica keys produced by route handles must fit as well.
const MaxKeyLength = 250

// PacketLengthBytes is the size of the length prefix of an rpc frame.
const PacketLengthBytes = 4

// MaxFrameBytes is the largest reply frame the codecs accept. Anything
// larger indicates a corrupt or hostile stream and is rejected as a
// protocol error instead of allocated.
const MaxFrameBytes = 16 << 20

const (
	// DefaultHealthAttempts is the default probe count for WaitHealthy.
	DefaultHealthAttempts = 5
	// DefaultHealthDelay is the default pause between health probes.
	DefaultHealthDelay = 200 * time.Millisecond
)
