package processing

import (
	"net/netip"
	"sync"

	"github.com/tidwall/gjson"
)

// History remembers the most recent status response per target so the next
// response can be diffed against it. Entries live for the process lifetime.
type History struct {
	mu   sync.Mutex
	prev map[netip.AddrPort]string
}

func NewHistory() *History {
	return &History{prev: make(map[netip.AddrPort]string)}
}

// Remember stores the raw JSON of the latest response for target.
func (h *History) Remember(target netip.AddrPort, raw string) {
	h.mu.Lock()
	h.prev[target] = raw
	h.mu.Unlock()
}

// PreviousSample returns the player names sampled in the previous response
// for target, in document order. Unknown targets yield nil.
func (h *History) PreviousSample(target netip.AddrPort) []string {
	h.mu.Lock()
	raw, ok := h.prev[target]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return SampleNames(gjson.Parse(raw))
}

// Len reports how many targets are currently remembered.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.prev)
}

// SampleNames extracts the player names from a status response's
// players.sample array. Entries that are not objects are skipped; objects
// without a name contribute an empty string, mirroring how presence is
// counted elsewhere.
func SampleNames(data gjson.Result) []string {
	sample := data.Get("players.sample")
	if !sample.IsArray() {
		return nil
	}
	var names []string
	sample.ForEach(func(_, player gjson.Result) bool {
		if player.IsObject() {
			names = append(names, player.Get("name").Str)
		}
		return true
	})
	return names
}
