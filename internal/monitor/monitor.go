// Package monitor watches PC/SC readers and keeps the connection registry
// in sync with the cards physically present.
package monitor

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/tachobridge/tacho-bridge/internal/atr"
	"github.com/tachobridge/tacho-bridge/internal/bridge"
	"github.com/tachobridge/tacho-bridge/internal/card"
	"github.com/tachobridge/tacho-bridge/internal/events"
	"github.com/tachobridge/tacho-bridge/internal/logging"
	"github.com/tachobridge/tacho-bridge/internal/registry"
)

const (
	contextRetryDelay = 5 * time.Second
	readerRetryDelay  = 3 * time.Second
	blockingWait      = -1 * time.Millisecond
	manualSyncWait    = 1 * time.Second
)

// Virtual and remote reader names are skipped; only physical slots can
// hold a tachograph card.
var virtualReaderMarkers = []string{"microsoft", "virtual", "remote"}

func isVirtualReader(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range virtualReaderMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ConfigSource is the configuration surface the monitor reads.
type ConfigSource interface {
	LookupCardNumber(iccid string) string
	BrokerHost() string
}

// LaunchFunc starts a bridge goroutine for a registered card and returns
// its cancel handle.
type LaunchFunc func(p bridge.Params) context.CancelFunc

// DefaultLauncher runs a real bridge per card.
func DefaultLauncher() LaunchFunc {
	return func(p bridge.Params) context.CancelFunc {
		ctx, cancel := context.WithCancel(context.Background())
		b := bridge.New(p)
		go func() {
			defer logging.RecoverAndLog("bridge "+p.ClientID, false)
			b.Run(ctx)
		}()
		return cancel
	}
}

// Monitor is the reader watching loop.
type Monitor struct {
	factory  card.ContextFactory
	registry *registry.Registry
	cfg      ConfigSource
	sink     events.Sink
	launch   LaunchFunc
}

func New(factory card.ContextFactory, reg *registry.Registry, cfg ConfigSource, sink events.Sink, launch LaunchFunc) *Monitor {
	return &Monitor{
		factory:  factory,
		registry: reg,
		cfg:      cfg,
		sink:     events.Wrap(sink),
		launch:   launch,
	}
}

// Run blocks watching readers until ctx is cancelled. Loss of the PC/SC
// context (daemon restart, last reader unplugged on some platforms) tears
// the inner loop down and establishes a fresh context.
func (m *Monitor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		pcsc, err := m.factory.EstablishContext()
		if err != nil {
			logging.Warn(logging.CatMonitor, "Cannot reach PC/SC service, retrying", map[string]any{
				"error": err.Error(),
			})
			if !sleepCtx(ctx, contextRetryDelay) {
				return
			}
			continue
		}
		logging.Info(logging.CatMonitor, "PC/SC context established", nil)

		m.watch(ctx, pcsc)
		pcsc.Release()
	}
}

// watch is the inner loop over one PC/SC context.
func (m *Monitor) watch(ctx context.Context, pcsc card.SmartCardContext) {
	states := []card.ReaderState{{
		Reader:       card.PnPNotificationReader,
		CurrentState: card.StateUnaware,
	}}

	for ctx.Err() == nil {
		var err error
		states, err = m.refreshStates(pcsc, states)
		if err != nil {
			logging.Warn(logging.CatMonitor, "Listing readers failed, re-establishing context", map[string]any{
				"error": err.Error(),
			})
			return
		}

		if err := pcsc.GetStatusChange(states, blockingWait); err != nil {
			logging.Warn(logging.CatMonitor, "Status wait failed, re-establishing context", map[string]any{
				"error": err.Error(),
			})
			return
		}

		if err := m.processStates(states); err != nil {
			if card.IsUnknownReader(err) {
				// Reader disappeared mid-operation; give the stack a
				// moment before rescanning.
				if !sleepCtx(ctx, readerRetryDelay) {
					return
				}
				continue
			}
			logging.Warn(logging.CatMonitor, "Reader processing failed, re-establishing context", map[string]any{
				"error": err.Error(),
			})
			return
		}
	}
}

// refreshStates drops states of vanished readers and adds newly attached
// ones, then rolls each slot's event state into its current state so the
// next wait only reports fresh changes.
func (m *Monitor) refreshStates(pcsc card.SmartCardContext, states []card.ReaderState) ([]card.ReaderState, error) {
	kept := states[:0]
	for _, s := range states {
		if s.Reader != card.PnPNotificationReader && s.EventState&(card.StateUnknown|card.StateIgnore) != 0 {
			logging.Debug(logging.CatMonitor, "Reader detached", map[string]any{
				"reader": s.Reader,
			})
			continue
		}
		kept = append(kept, s)
	}
	states = kept

	readers, err := pcsc.ListReaders()
	if err != nil {
		return nil, err
	}
	for _, name := range readers {
		known := false
		for i := range states {
			if states[i].Reader == name {
				known = true
				break
			}
		}
		if !known {
			logging.Info(logging.CatMonitor, "Reader attached", map[string]any{
				"reader": name,
			})
			states = append(states, card.ReaderState{Reader: name, CurrentState: card.StateUnaware})
		}
	}

	for i := range states {
		states[i].CurrentState = states[i].EventState
	}
	return states, nil
}

// processStates runs the registration decision for every real reader slot.
func (m *Monitor) processStates(states []card.ReaderState) error {
	for i := range states {
		s := &states[i]
		if s.Reader == card.PnPNotificationReader || isVirtualReader(s.Reader) {
			continue
		}

		presence := card.PresenceFromState(s.EventState)
		atrHex := strings.ToLower(hex.EncodeToString(s.Atr))

		switch m.registry.Decide(s.Reader, atrHex) {
		case registry.ActionCreate:
			if err := m.createConnection(s.Reader, atrHex, presence); err != nil {
				if card.IsUnknownReader(err) {
					return err
				}
				// One unconnectable card must not stall the other
				// readers; the next status change retries it anyway.
				continue
			}
		case registry.ActionDelete:
			logging.Info(logging.CatMonitor, "Card removed", map[string]any{
				"reader": s.Reader,
				"state":  presence.String(),
			})
			m.sink.EmitCardSync(events.CardSync{
				ReaderName: s.Reader,
				CardState:  presence.String(),
			})
		}
	}
	return nil
}

// createConnection builds a session for the inserted card, resolves its
// card number from configuration, and registers a bridge for it.
func (m *Monitor) createConnection(readerName, atrHex string, presence card.Presence) error {
	protocol := atr.ParseProtocol(atrHex)
	session, err := card.NewSession(m.factory, readerName, protocol)
	if err != nil {
		logging.Warn(logging.CatMonitor, "Cannot open card session", map[string]any{
			"reader": readerName,
			"error":  err.Error(),
		})
		return err
	}

	iccid, err := session.ICCID()
	if err != nil {
		logging.Warn(logging.CatMonitor, "Cannot read ICCID", map[string]any{
			"reader": readerName,
			"error":  err.Error(),
		})
		session.Close()
		return err
	}

	cardNumber := m.cfg.LookupCardNumber(iccid)
	if cardNumber == "" {
		logging.Warn(logging.CatMonitor, "Card not configured, no bridge started", map[string]any{
			"reader": readerName,
			"iccid":  iccid,
		})
		session.Close()
	} else {
		registered := m.registry.Register(cardNumber, readerName, atrHex, func() context.CancelFunc {
			return m.launch(bridge.Params{
				ClientID:   cardNumber,
				ReaderName: readerName,
				ATR:        atrHex,
				ICCID:      iccid,
				BrokerHost: m.cfg.BrokerHost(),
				Session:    session,
				Sink:       m.sink,
			})
		})
		if !registered {
			session.Close()
		}
	}

	m.sink.EmitCardSync(events.CardSync{
		ICCID:      iccid,
		ReaderName: readerName,
		CardState:  presence.String(),
		CardNumber: cardNumber,
	})
	return nil
}

// SyncNow performs one synchronous scan of all readers, used when the UI
// asks for a refresh instead of waiting for a hardware event.
func (m *Monitor) SyncNow() error {
	pcsc, err := m.factory.EstablishContext()
	if err != nil {
		return err
	}
	defer pcsc.Release()

	readers, err := pcsc.ListReaders()
	if err != nil {
		return err
	}
	states := make([]card.ReaderState, 0, len(readers))
	for _, name := range readers {
		states = append(states, card.ReaderState{Reader: name, CurrentState: card.StateUnaware})
	}
	if len(states) == 0 {
		return nil
	}
	if err := pcsc.GetStatusChange(states, manualSyncWait); err != nil {
		return err
	}
	return m.processStates(states)
}

// Teardown aborts every bridge and forgets all connections.
func (m *Monitor) Teardown() {
	m.registry.RemoveAll()
}

// sleepCtx waits d and reports false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
