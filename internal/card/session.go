package card

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/tachobridge/tacho-bridge/internal/atr"
	"github.com/tachobridge/tacho-bridge/internal/logging"
)

// APDUs for reading the ICCID from EF ICC.
const (
	apduSelectICC  = "00A4020C020002"
	apduReadBinary = "00B0000108"
)

// transmitFailed is the status word returned to the broker when a command
// could not be delivered to the card even after recovery.
const transmitFailed = "6F00"

// Session owns one connected card in one reader slot. All card I/O and
// handle swaps go through a single mutex, so concurrent callers are
// serialized rather than corrupting the PC/SC handle.
type Session struct {
	factory    ContextFactory
	readerName string
	protocol   atr.Protocol

	mu   sync.Mutex
	ctx  SmartCardContext
	card SmartCard

	iccidMu sync.Mutex
	iccid   string
}

// NewSession establishes a fresh context and connects to the card in the
// given reader with the protocol parsed from its ATR.
func NewSession(factory ContextFactory, readerName string, protocol atr.Protocol) (*Session, error) {
	ctx, card, err := connect(factory, readerName, protocol)
	if err != nil {
		return nil, err
	}
	logging.Info(logging.CatCard, "Card connected", map[string]any{
		"reader":   readerName,
		"protocol": protocol.String(),
	})
	return &Session{
		factory:    factory,
		readerName: readerName,
		protocol:   protocol,
		ctx:        ctx,
		card:       card,
	}, nil
}

func connect(factory ContextFactory, readerName string, protocol atr.Protocol) (SmartCardContext, SmartCard, error) {
	ctx, err := factory.EstablishContext()
	if err != nil {
		return nil, nil, fmt.Errorf("establish context: %w", err)
	}
	card, err := ctx.Connect(readerName, protocol)
	if err != nil {
		ctx.Release()
		return nil, nil, fmt.Errorf("connect to %s: %w", readerName, err)
	}
	return ctx, card, nil
}

// ReaderName returns the slot this session is bound to.
func (s *Session) ReaderName() string {
	return s.readerName
}

// Reconnect resets the card in place. If the handle is too far gone for an
// in-place reset, or the card stops answering status queries after one, it
// falls back to a full recreate.
func (s *Session) Reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.card.Reconnect(); err != nil {
		logging.Warn(logging.CatCard, "In-place reconnect failed, recreating connection", map[string]any{
			"reader": s.readerName,
			"error":  err.Error(),
		})
	} else if _, err := s.card.Status(); err != nil {
		// A reset can report success on a handle the stack already
		// invalidated; the status query catches that.
		logging.Warn(logging.CatCard, "Card not answering after reset, recreating connection", map[string]any{
			"reader": s.readerName,
			"error":  err.Error(),
		})
	} else {
		return
	}

	if err := s.recreateLocked(); err != nil {
		logging.Error(logging.CatCard, "Failed to recreate card connection", map[string]any{
			"reader": s.readerName,
			"error":  err.Error(),
		})
	}
}

// Recreate drops the current context and card handle and builds new ones.
func (s *Session) Recreate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recreateLocked()
}

func (s *Session) recreateLocked() error {
	ctx, card, err := connect(s.factory, s.readerName, s.protocol)
	if err != nil {
		return err
	}
	if s.card != nil {
		s.card.Disconnect()
	}
	if s.ctx != nil {
		s.ctx.Release()
	}
	s.ctx = ctx
	s.card = card
	logging.Debug(logging.CatCard, "Card connection recreated", map[string]any{
		"reader": s.readerName,
	})
	return nil
}

// Transmit sends a hex-encoded APDU and returns the hex-encoded response.
func (s *Session) Transmit(apduHex string) (string, error) {
	cmd, err := hex.DecodeString(apduHex)
	if err != nil {
		return "", fmt.Errorf("invalid APDU %q: %w", apduHex, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.card.Transmit(cmd)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(resp), nil
}

// SendWithRecovery transmits an APDU and, if the transmit fails, recreates
// the connection once and retries. When the retry also fails it returns the
// 6F00 status word so the other side sees a well-formed card error instead
// of silence.
func (s *Session) SendWithRecovery(apduHex, clientID string) string {
	resp, err := s.Transmit(apduHex)
	if err == nil {
		return resp
	}
	logging.Warn(logging.CatCard, "Transmit failed, recovering connection", map[string]any{
		"client": clientID,
		"reader": s.readerName,
		"error":  err.Error(),
	})

	if err := s.Recreate(); err == nil {
		if resp, err := s.Transmit(apduHex); err == nil {
			return resp
		}
	}
	logging.Error(logging.CatCard, "Transmit failed after recovery", map[string]any{
		"client": clientID,
		"reader": s.readerName,
	})
	return transmitFailed
}

// ICCID reads the card serial from EF ICC. The first successful read is
// cached for the session lifetime; a failed read leaves the cell empty so
// the next caller retries.
func (s *Session) ICCID() (string, error) {
	s.iccidMu.Lock()
	defer s.iccidMu.Unlock()

	if s.iccid != "" {
		return s.iccid, nil
	}

	selectResp, err := s.Transmit(apduSelectICC)
	if err != nil {
		return "", fmt.Errorf("select EF ICC: %w", err)
	}
	if !strings.HasSuffix(strings.ToLower(selectResp), "9000") {
		logging.Warn(logging.CatCard, "Unexpected status selecting EF ICC", map[string]any{
			"reader":   s.readerName,
			"response": selectResp,
		})
	}

	readResp, err := s.Transmit(apduReadBinary)
	if err != nil {
		return "", fmt.Errorf("read EF ICC: %w", err)
	}
	data := strings.TrimSuffix(strings.ToLower(readResp), "9000")
	raw, err := hex.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("decode ICCID %q: %w", data, err)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("empty ICCID from reader %s", s.readerName)
	}

	s.iccid = strings.ToUpper(hex.EncodeToString(raw))
	logging.Debug(logging.CatCard, "ICCID read", map[string]any{
		"reader": s.readerName,
		"iccid":  s.iccid,
	})
	return s.iccid, nil
}

// Close releases the card handle and context. The session must not be used
// afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.card != nil {
		s.card.Disconnect()
		s.card = nil
	}
	if s.ctx != nil {
		s.ctx.Release()
		s.ctx = nil
	}
}
