// Package events defines the status events the agent pushes to attached
// UIs, decoupled from the transport that delivers them.
package events

import (
	"sync"

	"github.com/tachobridge/tacho-bridge/internal/logging"
)

// Event names on the wire.
const (
	NameCardSync     = "global-cards-sync"
	NameCardConfig   = "global-card-config-updated"
	NameServerConfig = "global-server-config-updated"
)

// CardSync reports a card appearing, disappearing, or changing its
// online/authentication state.
type CardSync struct {
	ICCID          string `json:"iccid"`
	ReaderName     string `json:"reader_name"`
	CardState      string `json:"card_state"`
	CardNumber     string `json:"card_number"`
	Online         *bool  `json:"online,omitempty"`
	Authentication *bool  `json:"authentication,omitempty"`
}

// CardConfigUpdate reports a configuration change for one card. Content is
// nil when the card was removed.
type CardConfigUpdate struct {
	CardNumber string `json:"card_number"`
	Content    any    `json:"content,omitempty"`
}

// Sink receives agent events. Implementations must not block.
type Sink interface {
	EmitCardSync(CardSync)
	EmitCardConfig(CardConfigUpdate)
	EmitServerConfig(payload map[string]string)
}

// Bool returns a pointer for the optional event fields.
func Bool(b bool) *bool {
	return &b
}

// Wrap returns s, or a sink that drops events when s is nil. The first
// dropped event is logged so a missing wiring shows up during bring-up.
func Wrap(s Sink) Sink {
	if s != nil {
		return s
	}
	return &nopSink{}
}

type nopSink struct {
	once sync.Once
}

func (n *nopSink) note() {
	n.once.Do(func() {
		logging.Warn(logging.CatSystem, "No event sink attached, dropping events", nil)
	})
}

func (n *nopSink) EmitCardSync(CardSync) { n.note() }

func (n *nopSink) EmitCardConfig(CardConfigUpdate) { n.note() }

func (n *nopSink) EmitServerConfig(map[string]string) { n.note() }
