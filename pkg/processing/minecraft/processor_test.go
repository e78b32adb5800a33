package minecraft

import (
	"context"
	"net/netip"
	"strconv"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/craftscan/craftscan/pkg/event"
	"github.com/craftscan/craftscan/pkg/metrics"
	"github.com/craftscan/craftscan/pkg/processing"
	"github.com/craftscan/craftscan/pkg/storage"
)

// fakeStore mirrors the query shape Store.CreateBulkUpdate produces without
// touching the dedup cache or a live database.
type fakeStore struct {
	mu      sync.Mutex
	created []netip.AddrPort
	servers map[netip.AddrPort]bson.D
	reject  error
}

func (f *fakeStore) CreateBulkUpdate(target netip.AddrPort, update bson.D) (storage.BulkUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject != nil {
		return storage.BulkUpdate{}, f.reject
	}
	f.created = append(f.created, target)
	return storage.NewBulkUpdate(
		bson.D{
			{Key: "ip", Value: bson.D{{Key: "$eq", Value: target.Addr().String()}}},
			{Key: "port", Value: bson.D{{Key: "$eq", Value: int32(target.Port())}}},
		},
		update,
	), nil
}

func (f *fakeStore) FindServer(_ context.Context, target netip.AddrPort) (bson.D, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.servers[target]
	if !ok {
		return nil, &storage.NotFoundError{ResourceType: "server", Key: target.String()}
	}
	return doc, nil
}

type alertRecorder struct {
	mu       sync.Mutex
	messages []string
}

func (a *alertRecorder) handle(_ context.Context, data any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, data.(string))
}

func (a *alertRecorder) all() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.messages...)
}

func newTestProcessor(store *fakeStore) (*Processor, *alertRecorder) {
	bus := event.NewSync()
	alerts := &alertRecorder{}
	bus.Subscribe(event.TopicWebhookAlert, alerts.handle)

	p := NewProcessor(store, processing.NewHistory(), bus)
	p.spawn = func(fn func()) { fn() }
	p.logger = zerolog.Nop()
	return p, alerts
}

func statusResponse(target string, raw string) processing.Response {
	return processing.Response{
		Target:   netip.MustParseAddrPort(target),
		Protocol: processing.ProtocolMinecraft,
		Payload:  []byte(raw),
		Mode:     "slash24",
	}
}

func TestProcessorEndToEnd(t *testing.T) {
	store := &fakeStore{}
	p, _ := newTestProcessor(store)

	raw := `{"description":"A server","players":{"max":20,"online":0},"version":{"name":"1.20.1","protocol":763}}`
	update, err := p.Process(context.Background(), statusResponse("198.51.100.7:25565", raw))
	require.NoError(t, err)
	require.NotNil(t, update)

	assert.True(t, update.Upsert)
	assert.Equal(t, bson.D{
		{Key: "ip", Value: bson.D{{Key: "$eq", Value: "198.51.100.7"}}},
		{Key: "port", Value: bson.D{{Key: "$eq", Value: int32(25565)}}},
	}, update.Query)

	require.Len(t, update.Update, 1)
	set, ok := update.Update[0].Value.(bson.D)
	require.True(t, ok)
	assert.Equal(t, "$set", update.Update[0].Key)

	keys := updateKeys(set)
	assert.Contains(t, keys, "timestamp")
	assert.Contains(t, keys, "lastEmpty")
	assert.Contains(t, keys, "onlineModeGuess")
	assert.Empty(t, playerKeys(set))
}

func TestProcessorSkipsGarbage(t *testing.T) {
	store := &fakeStore{}
	p, _ := newTestProcessor(store)

	for _, raw := range []string{"", "\x16\x03\x01", "not json", `"a string"`} {
		update, err := p.Process(context.Background(), statusResponse("198.51.100.7:25565", raw))
		require.NoError(t, err, "input %q", raw)
		assert.Nil(t, update, "input %q", raw)
	}
	assert.Empty(t, store.created)
}

func TestProcessorPropagatesRejection(t *testing.T) {
	store := &fakeStore{reject: &storage.BadAddressError{
		Addr: netip.MustParseAddr("198.51.100.7"),
		Port: 1234,
	}}
	p, _ := newTestProcessor(store)

	raw := `{"description":"A server","players":{"max":20,"online":0},"version":{"name":"1.20.1","protocol":763}}`
	update, err := p.Process(context.Background(), statusResponse("198.51.100.7:1234", raw))
	assert.Nil(t, update)
	assert.True(t, storage.IsBadAddress(err))
}

func snipeStatus(names ...string) string {
	raw := `{"description":"A server","players":{"max":20,"online":` // count appended below
	sample := ""
	for i, name := range names {
		if i > 0 {
			sample += ","
		}
		sample += `{"id":"` + offlineID + `","name":"` + name + `"}`
	}
	return raw + strconv.Itoa(len(names)) + `,"sample":[` + sample + `]},"version":{"name":"1.20.4","protocol":765}}`
}

func TestProcessorSnipeJoinLeave(t *testing.T) {
	store := &fakeStore{}
	p, alerts := newTestProcessor(store)
	p.SetSnipe(SnipeOptions{Enabled: true, Usernames: []string{"Dinnerbone"}})

	ctx := context.Background()
	target := statusResponse("198.51.100.7:25565", snipeStatus("Alice"))

	_, err := p.Process(ctx, target)
	require.NoError(t, err)
	assert.Empty(t, alerts.all())

	target.Payload = []byte(snipeStatus("Alice", "Dinnerbone"))
	_, err = p.Process(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, []string{"Dinnerbone joined 198.51.100.7:25565"}, alerts.all())

	// still online, no repeat alert
	_, err = p.Process(ctx, target)
	require.NoError(t, err)
	assert.Len(t, alerts.all(), 1)

	target.Payload = []byte(snipeStatus("Alice"))
	_, err = p.Process(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Dinnerbone joined 198.51.100.7:25565",
		"Dinnerbone left 198.51.100.7:25565",
	}, alerts.all())
}

func TestProcessorFirstAnonymousAlert(t *testing.T) {
	store := &fakeStore{servers: map[netip.AddrPort]bson.D{}}
	p, alerts := newTestProcessor(store)
	p.SetSnipe(SnipeOptions{Enabled: true, AnonPlayers: true})

	ctx := context.Background()
	raw := `{"description":"A server","players":{"max":20,"online":1,"sample":[{"id":"` +
		nilID + `","name":"` + AnonymousPlayerName + `"}]},"version":{"name":"1.20.4","protocol":765}}`

	_, err := p.Process(ctx, statusResponse("198.51.100.7:25565", raw))
	require.NoError(t, err)
	assert.Equal(t, []string{"anonymous player joined **198.51.100.7:25565** for the first time"}, alerts.all())
}

func TestProcessorFirstAnonymousSuppressedByHistory(t *testing.T) {
	target := netip.MustParseAddrPort("198.51.100.7:25565")
	store := &fakeStore{servers: map[netip.AddrPort]bson.D{
		target: {{Key: "players", Value: bson.D{
			{Key: nilID, Value: bson.D{{Key: "name", Value: AnonymousPlayerName}}},
		}}},
	}}
	p, alerts := newTestProcessor(store)
	p.SetSnipe(SnipeOptions{Enabled: true, AnonPlayers: true})

	raw := `{"description":"A server","players":{"max":20,"online":1,"sample":[{"id":"` +
		nilID + `","name":"` + AnonymousPlayerName + `"}]},"version":{"name":"1.20.4","protocol":765}}`

	_, err := p.Process(context.Background(), statusResponse("198.51.100.7:25565", raw))
	require.NoError(t, err)
	assert.Empty(t, alerts.all())
}

func TestProcessorAnonymousGroupJoin(t *testing.T) {
	store := &fakeStore{}
	p, alerts := newTestProcessor(store)
	p.SetSnipe(SnipeOptions{Enabled: true, AnonPlayers: true})

	ctx := context.Background()
	// previous response: one named player, no anonymous ones
	_, err := p.Process(ctx, statusResponse("198.51.100.7:25565", snipeStatus("Alice")))
	require.NoError(t, err)

	raw := `{"description":"A server","players":{"max":20,"online":3,"sample":[` +
		`{"id":"` + offlineID + `","name":"Alice"},` +
		`{"id":"` + nilID + `","name":"` + AnonymousPlayerName + `"},` +
		`{"id":"` + nilID + `","name":"` + AnonymousPlayerName + `"}` +
		`]},"version":{"name":"1.20.4","protocol":765}}`
	_, err = p.Process(ctx, statusResponse("198.51.100.7:25565", raw))
	require.NoError(t, err)
	assert.Equal(t, []string{"2 anonymous players joined **198.51.100.7:25565**"}, alerts.all())
}

func TestProcessorSnipeVersionGate(t *testing.T) {
	store := &fakeStore{}
	p, alerts := newTestProcessor(store)
	p.SetSnipe(SnipeOptions{Enabled: true, AnonPlayers: true})

	// wrong version: no anonymous alert of either kind
	raw := `{"description":"A server","players":{"max":20,"online":1,"sample":[{"id":"` +
		nilID + `","name":"` + AnonymousPlayerName + `"}]},"version":{"name":"1.19.2","protocol":760}}`
	_, err := p.Process(context.Background(), statusResponse("198.51.100.7:25565", raw))
	require.NoError(t, err)
	assert.Empty(t, alerts.all())
}

func TestProcessorCountsRescans(t *testing.T) {
	store := &fakeStore{}
	p, _ := newTestProcessor(store)

	raw := `{"description":"A server","players":{"max":20,"online":0},"version":{"name":"1.20.1","protocol":763}}`

	rescanned := testutil.ToFloat64(metrics.ServersRescanned)
	found := testutil.ToFloat64(metrics.ServersFound.WithLabelValues("slash24"))

	resp := statusResponse("198.51.100.8:25565", raw)
	resp.Mode = "rescan"
	update, err := p.Process(context.Background(), resp)
	require.NoError(t, err)
	require.NotNil(t, update)

	// a refresh pass counts as a rescan, not a discovery
	assert.Equal(t, rescanned+1, testutil.ToFloat64(metrics.ServersRescanned))
	assert.Equal(t, found, testutil.ToFloat64(metrics.ServersFound.WithLabelValues("slash24")))

	_, err = p.Process(context.Background(), statusResponse("198.51.100.9:25565", raw))
	require.NoError(t, err)
	assert.Equal(t, found+1, testutil.ToFloat64(metrics.ServersFound.WithLabelValues("slash24")))
}
