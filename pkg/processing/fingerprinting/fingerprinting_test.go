package fingerprinting

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/craftscan/craftscan/pkg/processing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{
			"paper exposes the mojang-mapped packet name",
			`{"translate":"disconnect.genericReason","with":["Internal Exception: java.io.IOException: Packet login/0 (PacketLoginInStart) was larger than I expected"]}`,
			SoftwarePaper,
		},
		{
			"forge exposes the official packet name",
			`java.io.IOException: Packet login/0 (ServerboundHelloPacket) was larger than I expected`,
			SoftwareForge,
		},
		{
			"fabric intermediary class names",
			`java.io.IOException: Packet 0/2 (class_2915) was larger than I expected`,
			SoftwareFabric,
		},
		{
			"vanilla obfuscated class names are short",
			`java.io.IOException: Packet 0/2 (aht) was larger than I expected`,
			SoftwareVanilla,
		},
		{
			"long unrecognized packet names stay unknown",
			`java.io.IOException: Packet 0/2 (SomeCustomLoginPacket) was larger than I expected`,
			SoftwareUnknown,
		},
		{
			"forge mentioned without the exception shape",
			`This server requires Forge 47.2.0`,
			SoftwareForge,
		},
		{
			"node minecraft-protocol reply prefix",
			"\x03\x03\x80\x02trailing",
			SoftwareNodeMC,
		},
		{"no reply at all", "", SoftwareEmpty},
		{"anything else", "random noise", SoftwareUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify([]byte(tt.data)))
		})
	}
}

func TestProcessAnnotatesWithoutUpserting(t *testing.T) {
	p := New()
	update, err := p.Process(context.Background(), processing.Response{
		Target:   netip.MustParseAddrPort("198.51.100.7:25565"),
		Protocol: processing.ProtocolMinecraftFingerprint,
		Payload:  []byte(`java.io.IOException: Packet login/0 (PacketLoginInStart) oops`),
	})
	require.NoError(t, err)
	require.NotNil(t, update)

	// fingerprints only annotate existing records
	assert.False(t, update.Upsert)
	assert.Equal(t, bson.D{
		{Key: "ip", Value: bson.D{{Key: "$eq", Value: "198.51.100.7"}}},
		{Key: "port", Value: bson.D{{Key: "$eq", Value: int32(25565)}}},
	}, update.Query)

	set, ok := update.Update[0].Value.(bson.D)
	require.True(t, ok)
	require.Len(t, set, 2)
	assert.Equal(t, "fingerprint.active.timestamp", set[0].Key)
	assert.Equal(t, "fingerprint.active.software", set[1].Key)
	assert.Equal(t, SoftwarePaper, set[1].Value)
}

func TestProcessUnknownOmitsSoftware(t *testing.T) {
	p := New()
	update, err := p.Process(context.Background(), processing.Response{
		Target:  netip.MustParseAddrPort("198.51.100.7:25565"),
		Payload: []byte("random noise"),
	})
	require.NoError(t, err)
	require.NotNil(t, update)

	set := update.Update[0].Value.(bson.D)
	require.Len(t, set, 1)
	assert.Equal(t, "fingerprint.active.timestamp", set[0].Key)
}
