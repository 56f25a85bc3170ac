// Package media carries call audio between the PBX and the engine over one
// of two interchangeable transports: RTP over UDP, or AudioSocket framed
// TCP. Both present the same engine-facing contract; the engine picks one
// at startup.
package media

import (
	"github.com/trunkline-ai/trunkline/pkg/audio"
)

// InboundHandler receives audio arriving from the PBX for a bound call.
// Frames are delivered in arrival order; the handler must not block.
type InboundHandler func(callID string, data []byte, sampleRate int, enc audio.Encoding)

// Transport is the engine-facing media contract.
type Transport interface {
	// Send writes audio toward the PBX for the call. It reports false when
	// the call has no live binding.
	Send(callID string, data []byte, enc audio.Encoding) bool

	// Unbind drops the call's binding. Safe to call for unknown calls.
	Unbind(callID string)

	// Close stops the transport and drops all bindings.
	Close() error
}
