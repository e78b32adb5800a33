// Package processing fans raw probe responses out to per-protocol processors
// and batches the resulting storage updates.
//
// The dispatch table is closed: a protocol is handled when a Processor is
// registered for its identifier, everything else is counted and dropped.
package processing

import (
	"context"
	"net/netip"
	"time"

	"github.com/craftscan/craftscan/pkg/storage"
)

// Protocol identifies which processor a response belongs to.
type Protocol string

const (
	// ProtocolMinecraft is the server list ping status response.
	ProtocolMinecraft Protocol = "minecraft"
	// ProtocolMinecraftFingerprint is the error body elicited by the
	// deliberately malformed login probe.
	ProtocolMinecraftFingerprint Protocol = "minecraft_fingerprint"
)

// Response is one raw probe response as delivered by the probe engine.
type Response struct {
	Target   netip.AddrPort
	Protocol Protocol
	Payload  []byte
	Received time.Time
	// Mode is the scan mode the engine attributed the response to, for
	// example "slash24" or "rescan". Informational only.
	Mode string
}

// Processor turns one raw response into a pending storage update.
//
// A nil update with a nil error means the response was not usable (wrong
// protocol, unparsable payload) and is silently skipped. Errors mark updates
// that were built but rejected, for example by the bad-address gate.
type Processor interface {
	Process(ctx context.Context, resp Response) (*storage.BulkUpdate, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, resp Response) (*storage.BulkUpdate, error)

func (f ProcessorFunc) Process(ctx context.Context, resp Response) (*storage.BulkUpdate, error) {
	return f(ctx, resp)
}
