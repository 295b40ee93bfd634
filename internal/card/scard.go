package card

import (
	"errors"
	"time"

	"github.com/ebfe/scard"

	"github.com/tachobridge/tacho-bridge/internal/atr"
)

// PnPNotificationReader is the pseudo-reader name recognized by the PC/SC
// stack. A status-change wait on it wakes when readers are plugged in or
// removed, before any real reader state changes.
const PnPNotificationReader = `\\?PnP?\Notification`

// DefaultContextFactory creates real PC/SC contexts.
type DefaultContextFactory struct{}

// EstablishContext creates a real smart card context
func (f *DefaultContextFactory) EstablishContext() (SmartCardContext, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, err
	}
	return &scardContext{ctx: ctx}, nil
}

// IsUnknownReader reports whether err means a reader vanished between
// listing and waiting. Callers treat it as transient.
func IsUnknownReader(err error) bool {
	return errors.Is(err, scard.ErrUnknownReader)
}

type scardContext struct {
	ctx *scard.Context
}

func (c *scardContext) ListReaders() ([]string, error) {
	return c.ctx.ListReaders()
}

func (c *scardContext) GetStatusChange(states []ReaderState, timeout time.Duration) error {
	raw := make([]scard.ReaderState, len(states))
	for i := range states {
		raw[i] = scard.ReaderState{
			Reader:       states[i].Reader,
			CurrentState: scard.StateFlag(states[i].CurrentState),
		}
	}
	if err := c.ctx.GetStatusChange(raw, timeout); err != nil {
		return err
	}
	for i := range raw {
		states[i].EventState = StateFlag(raw[i].EventState)
		states[i].Atr = raw[i].Atr
	}
	return nil
}

func (c *scardContext) Connect(reader string, protocol atr.Protocol) (SmartCard, error) {
	card, err := c.ctx.Connect(reader, scard.ShareShared, scardProtocol(protocol))
	if err != nil {
		return nil, err
	}
	return &scardCard{card: card}, nil
}

func (c *scardContext) Release() error {
	return c.ctx.Release()
}

type scardCard struct {
	card *scard.Card
}

func (c *scardCard) Transmit(cmd []byte) ([]byte, error) {
	return c.card.Transmit(cmd)
}

func (c *scardCard) Reconnect() error {
	return c.card.Reconnect(scard.ShareShared, scard.ProtocolAny, scard.ResetCard)
}

func (c *scardCard) Status() (SmartCardStatus, error) {
	status, err := c.card.Status()
	if err != nil {
		return SmartCardStatus{}, err
	}
	return SmartCardStatus{Reader: status.Reader, Atr: status.Atr}, nil
}

func (c *scardCard) Disconnect() error {
	return c.card.Disconnect(scard.LeaveCard)
}

func scardProtocol(p atr.Protocol) scard.Protocol {
	if p == atr.ProtocolT1 {
		return scard.ProtocolT1
	}
	return scard.ProtocolT0
}
