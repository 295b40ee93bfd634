// Package registry tracks live card-to-broker connections and decides,
// for each reader status event, whether a connection must be created,
// torn down, or left alone.
package registry

import (
	"context"
	"sync"

	"github.com/tachobridge/tacho-bridge/internal/logging"
)

// Action is the outcome of a registration decision.
type Action int

const (
	ActionIgnore Action = iota
	ActionCreate
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionDelete:
		return "delete"
	default:
		return "ignore"
	}
}

// Entry is one live connection: the card's client ID, the reader slot it
// occupies, and the cancel handle of its bridge goroutine.
type Entry struct {
	ClientID   string
	ReaderName string
	ATR        string
	cancel     context.CancelFunc
}

// Info is the exported view of an entry.
type Info struct {
	ClientID   string `json:"client_id"`
	ReaderName string `json:"reader_name"`
	ATR        string `json:"atr"`
}

// Registry is the set of live entries. All methods are safe for concurrent
// use; Decide and Register share one lock so decisions are linearized.
type Registry struct {
	mu      sync.Mutex
	entries []*Entry
}

func New() *Registry {
	return &Registry{}
}

// Decide maps a (reader, ATR) observation onto an action.
//
// A non-empty ATR on a reader with no matching live entry means a card was
// inserted: create. An empty ATR on a reader that has a live entry with a
// non-empty ATR means the card left: the stale entry is pruned here, its
// bridge cancelled, and delete is returned. Everything else is a duplicate
// or irrelevant wakeup: ignore.
func (r *Registry) Decide(readerName, atrHex string) Action {
	r.mu.Lock()
	defer r.mu.Unlock()

	if readerName != "" && atrHex != "" {
		for _, e := range r.entries {
			if e.ReaderName == readerName && e.ATR == atrHex {
				return ActionIgnore
			}
		}
		return ActionCreate
	}

	if atrHex == "" {
		for i, e := range r.entries {
			if e.ReaderName == readerName && e.ATR != "" {
				r.dropLocked(i)
				return ActionDelete
			}
		}
	}
	return ActionIgnore
}

// Register inserts an entry for clientID unless one already exists. The
// start callback runs under the registry lock and must return the cancel
// handle of the freshly launched bridge; holding the lock keeps a
// concurrent decision from double-starting the same card.
func (r *Registry) Register(clientID, readerName, atrHex string, start func() context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.ClientID == clientID {
			logging.Debug(logging.CatMonitor, "Connection already registered", map[string]any{
				"client": clientID,
				"reader": readerName,
			})
			return false
		}
	}

	r.entries = append(r.entries, &Entry{
		ClientID:   clientID,
		ReaderName: readerName,
		ATR:        atrHex,
		cancel:     start(),
	})
	logging.Info(logging.CatMonitor, "Connection registered", map[string]any{
		"client": clientID,
		"reader": readerName,
	})
	return true
}

// Remove cancels and removes the entries with the given client IDs.
func (r *Registry) Remove(clientIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range clientIDs {
		for i, e := range r.entries {
			if e.ClientID == id {
				r.dropLocked(i)
				break
			}
		}
	}
}

// RemoveAll cancels every bridge and empties the registry.
func (r *Registry) RemoveAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.cancel != nil {
			e.cancel()
		}
	}
	n := len(r.entries)
	r.entries = nil
	if n > 0 {
		logging.Info(logging.CatMonitor, "All connections removed", map[string]any{
			"count": n,
		})
	}
}

// Snapshot returns the current entries without their cancel handles.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Info{ClientID: e.ClientID, ReaderName: e.ReaderName, ATR: e.ATR})
	}
	return out
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) dropLocked(i int) {
	e := r.entries[i]
	if e.cancel != nil {
		e.cancel()
	}
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	logging.Info(logging.CatMonitor, "Connection removed", map[string]any{
		"client": e.ClientID,
		"reader": e.ReaderName,
	})
}
