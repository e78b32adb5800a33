// Package fingerprinting classifies the error a server returns to a
// deliberately malformed login probe. Server implementations disclose
// themselves in the shape of that error: vanilla obfuscation produces short
// random packet class names, forks and reimplementations leak theirs.
package fingerprinting

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/craftscan/craftscan/pkg/metrics"
	"github.com/craftscan/craftscan/pkg/processing"
	"github.com/craftscan/craftscan/pkg/storage"
)

// Software names persisted under fingerprint.active.software.
const (
	SoftwareVanilla = "vanilla"
	SoftwareFabric  = "fabric"
	SoftwareForge   = "forge"
	SoftwarePaper   = "paper"
	SoftwareNodeMC  = "node_minecraft_protocol"
	SoftwareEmpty   = "empty"
	SoftwareUnknown = "unknown"
)

// packetErrorPattern extracts the packet class name from the IOException a
// Java server throws on a malformed login packet.
var packetErrorPattern = regexp.MustCompile(`java\.io\.IOException: Packet (?:\d+|login)/\d+ \(([^)]+)\)`)

// nodeMCPrefix is the raw reply of the node minecraft-protocol library.
var nodeMCPrefix = []byte{0x03, 0x03, 0x80, 0x02}

// Classify maps a probe reply to the server software that produced it.
func Classify(data []byte) string {
	text := string(data)

	if m := packetErrorPattern.FindStringSubmatch(text); m != nil {
		packetName := m[1]
		switch {
		case packetName == "PacketLoginInStart":
			return SoftwarePaper
		case packetName == "ServerboundHelloPacket":
			return SoftwareForge
		case strings.HasPrefix(packetName, "class_"):
			return SoftwareFabric
		case len(packetName) >= 2 && len(packetName) <= 3:
			// vanilla obfuscated class names are 2-3 letters
			return SoftwareVanilla
		default:
			return SoftwareUnknown
		}
	}
	if bytes.Contains(data, []byte("Forge")) {
		return SoftwareForge
	}
	if bytes.HasPrefix(data, nodeMCPrefix) {
		return SoftwareNodeMC
	}
	if len(data) == 0 {
		return SoftwareEmpty
	}
	return SoftwareUnknown
}

// Processor implements processing.Processor for fingerprint probe replies.
type Processor struct {
	logger zerolog.Logger
}

func New() *Processor {
	return &Processor{
		logger: log.With().Str("component", "fingerprinting").Logger(),
	}
}

// Process records the classification on the server document. The update
// never upserts: fingerprints only annotate servers that already exist, a
// probe reply alone is not evidence of a server worth keeping.
func (p *Processor) Process(_ context.Context, resp processing.Response) (*storage.BulkUpdate, error) {
	software := Classify(resp.Payload)

	p.logger.Debug().
		Stringer("target", resp.Target).
		Str("software", software).
		Msg("fingerprinted")

	now := resp.Received
	if now.IsZero() {
		now = time.Now()
	}

	set := bson.D{
		{Key: "fingerprint.active.timestamp", Value: primitive.NewDateTimeFromTime(now)},
	}
	if software != SoftwareUnknown {
		set = append(set, bson.E{Key: "fingerprint.active.software", Value: software})
	}

	metrics.ServersFingerprinted.Inc()
	return &storage.BulkUpdate{
		Query: bson.D{
			{Key: "ip", Value: bson.D{{Key: "$eq", Value: resp.Target.Addr().String()}}},
			{Key: "port", Value: bson.D{{Key: "$eq", Value: int32(resp.Target.Port())}}},
		},
		Update: bson.D{{Key: "$set", Value: set}},
	}, nil
}
