// Package minecraft turns server list ping responses into storage updates.
//
// The normalizer is deliberately forgiving: anything that does not parse as
// a status response is skipped without error, because the scan engine feeds
// it every byte sequence that happened to arrive on a probed port.
package minecraft

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/craftscan/craftscan/pkg/bsonutil"
	"github.com/craftscan/craftscan/pkg/event"
	"github.com/craftscan/craftscan/pkg/metrics"
	"github.com/craftscan/craftscan/pkg/processing"
	"github.com/craftscan/craftscan/pkg/storage"
)

const (
	// anonAlertVersion gates anonymous-player alerts to servers whose
	// version name mentions this release.
	anonAlertVersion = "1.20.4"
	// anonAlertMaxOnline suppresses anonymous-player alerts on crowded
	// servers, where joins are routine.
	anonAlertMaxOnline = 25
	// anonAlertMinJoined is the minimum number of newly appeared anonymous
	// players worth alerting on.
	anonAlertMinJoined = 2
	// anonCrowdLimit marks bot servers: this many anonymous players with
	// nobody else online is churn, not activity.
	anonCrowdLimit = 8

	// modeRescan is the engine's refresh pass over already known servers;
	// those responses count as rescans, not discoveries.
	modeRescan = "rescan"
)

// Storage is the slice of the store the processor needs. *storage.Store
// implements it.
type Storage interface {
	CreateBulkUpdate(target netip.AddrPort, update bson.D) (storage.BulkUpdate, error)
	FindServer(ctx context.Context, target netip.AddrPort) (bson.D, error)
}

// SnipeOptions controls player tracking. The webhook destination lives in
// the notifier; the processor only decides when to alert.
type SnipeOptions struct {
	Enabled     bool
	Usernames   []string
	AnonPlayers bool
}

// Processor implements processing.Processor for status responses.
type Processor struct {
	store   Storage
	history *processing.History
	bus     event.EventBus

	mu    sync.RWMutex
	snipe SnipeOptions

	// spawn runs the first-anonymous-player lookup detached from the
	// response path. Tests replace it to run inline.
	spawn  func(func())
	logger zerolog.Logger
}

// NewProcessor wires a status processor against store. Alerts go through
// bus; history carries the previous response per target for diffing.
func NewProcessor(store Storage, history *processing.History, bus event.EventBus) *Processor {
	return &Processor{
		store:   store,
		history: history,
		bus:     bus,
		spawn:   func(fn func()) { go fn() },
		logger:  log.With().Str("component", "minecraft").Logger(),
	}
}

// SetSnipe replaces the tracking options. Safe to call while processing;
// config reloads use it.
func (p *Processor) SetSnipe(opts SnipeOptions) {
	p.mu.Lock()
	p.snipe = opts
	p.mu.Unlock()
}

func (p *Processor) snipeOptions() SnipeOptions {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snipe
}

// Process normalizes one status response and returns its pending update.
// Unparsable payloads yield (nil, nil); updates rejected by the bad-address
// gate return the rejection error.
func (p *Processor) Process(ctx context.Context, resp processing.Response) (*storage.BulkUpdate, error) {
	raw := string(resp.Payload)

	// the passive fingerprint reads the raw text, before parsing loses the
	// key order
	fp := GeneratePassiveFingerprint(raw)

	if !gjson.Valid(raw) {
		// not a minecraft server then
		return nil, nil
	}
	data := gjson.Parse(raw)
	if !data.IsObject() {
		return nil, nil
	}

	if opts := p.snipeOptions(); opts.Enabled {
		p.runSnipe(ctx, resp.Target, data, raw, opts)
	}

	now := resp.Received
	if now.IsZero() {
		now = time.Now()
	}

	update, ok := buildUpdate(data, fp, now)
	if !ok {
		return nil, nil
	}

	bulk, err := p.store.CreateBulkUpdate(resp.Target, bson.D{{Key: "$set", Value: update}})
	if err != nil {
		return nil, err
	}

	switch resp.Mode {
	case modeRescan:
		metrics.ServersRescanned.Inc()
	case "":
		metrics.ServersFound.WithLabelValues("unknown").Inc()
	default:
		metrics.ServersFound.WithLabelValues(resp.Mode).Inc()
	}
	return &bulk, nil
}

// runSnipe diffs the sampled usernames against the previous response for
// this target and publishes alerts for tracked players and anonymous-player
// activity. The current response replaces the cached one afterwards.
func (p *Processor) runSnipe(ctx context.Context, target netip.AddrPort, data gjson.Result, raw string, opts SnipeOptions) {
	previous := p.history.PreviousSample(target)
	current := processing.SampleNames(data)

	tracked := make(map[string]struct{}, len(opts.Usernames))
	for _, name := range opts.Usernames {
		tracked[name] = struct{}{}
	}

	for _, name := range current {
		if _, ok := tracked[name]; !ok {
			continue
		}
		p.logger.Info().Str("player", name).Stringer("target", target).Msg("tracked player online")
		if !containsName(previous, name) {
			p.bus.Publish(ctx, event.TopicWebhookAlert, fmt.Sprintf("%s joined %s", name, target))
		}
	}
	for _, name := range previous {
		if _, ok := tracked[name]; !ok {
			continue
		}
		if !containsName(current, name) {
			p.bus.Publish(ctx, event.TopicWebhookAlert, fmt.Sprintf("%s left %s", name, target))
		}
	}

	if opts.AnonPlayers {
		p.checkAnonPlayers(ctx, target, data, previous, current)
	}

	p.history.Remember(target, raw)
}

func (p *Processor) checkAnonPlayers(ctx context.Context, target netip.AddrPort, data gjson.Result, previous, current []string) {
	versionName := data.Get("version.name").Str
	online := data.Get("players.online").Int()
	if !strings.Contains(versionName, anonAlertVersion) || online >= anonAlertMaxOnline {
		return
	}

	prevAnon := countAnonymous(previous)
	curAnon := countAnonymous(current)

	everyoneAnon := true
	for _, name := range current {
		if name != AnonymousPlayerName {
			everyoneAnon = false
			break
		}
	}
	// some servers cycle bots that show up as anonymous players in the
	// sample; those are noise
	crowded := curAnon >= anonCrowdLimit && everyoneAnon

	newAnon := curAnon - prevAnon
	switch {
	case len(previous) > 0 && newAnon >= anonAlertMinJoined && !crowded:
		p.bus.Publish(ctx, event.TopicWebhookAlert,
			fmt.Sprintf("%d anonymous players joined **%s**", newAnon, target))
	case prevAnon == 0 && curAnon > 0:
		// the interesting case is an anonymous player on a server that
		// never had one; that needs the stored history, so it runs
		// detached from the response path
		p.spawn(func() { p.alertFirstAnonymous(target) })
	}
}

// alertFirstAnonymous checks the persisted player history for target and
// alerts if no anonymous player was ever recorded there.
func (p *Processor) alertFirstAnonymous(target netip.AddrPort) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	doc, err := p.store.FindServer(ctx, target)
	if err != nil && !storage.IsNotFound(err) {
		p.logger.Warn().Err(err).Stringer("target", target).Msg("historical player lookup failed")
		return
	}

	if players, ok := bsonutil.Doc(doc, "players"); ok {
		for _, entry := range players {
			player, ok := entry.Value.(bson.D)
			if !ok {
				continue
			}
			if bsonutil.StrOr(player, "name", "") == AnonymousPlayerName {
				return
			}
		}
	}

	p.bus.Publish(ctx, event.TopicWebhookAlert,
		fmt.Sprintf("anonymous player joined **%s** for the first time", target))
}

func containsName(names []string, want string) bool {
	for _, name := range names {
		if name == want {
			return true
		}
	}
	return false
}

func countAnonymous(names []string) int {
	n := 0
	for _, name := range names {
		if name == AnonymousPlayerName {
			n++
		}
	}
	return n
}
