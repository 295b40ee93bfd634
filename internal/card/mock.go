package card

import (
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/tachobridge/tacho-bridge/internal/atr"
)

const testReader = "ACS ACR122U PICC Interface"

// MockContextFactory implements ContextFactory for testing
type MockContextFactory struct {
	mu          sync.Mutex
	ctx         *MockSmartCardContext
	established int
	shouldError bool
	errorMsg    string
}

func NewMockFactory(ctx *MockSmartCardContext) *MockContextFactory {
	return &MockContextFactory{ctx: ctx}
}

// WithError makes the factory fail to establish contexts
func (f *MockContextFactory) WithError(msg string) *MockContextFactory {
	f.shouldError = true
	f.errorMsg = msg
	return f
}

func (f *MockContextFactory) EstablishContext() (SmartCardContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shouldError {
		return nil, errors.New(f.errorMsg)
	}
	f.established++
	return f.ctx, nil
}

func (f *MockContextFactory) Established() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.established
}

// MockSmartCardContext implements SmartCardContext for testing
type MockSmartCardContext struct {
	mu          sync.Mutex
	readers     []string
	cards       map[string]*MockSmartCard
	shouldError bool
	errorMsg    string
	released    int

	// statusScript is consumed one element per GetStatusChange call;
	// each element rewrites the passed states.
	statusScript []func(states []ReaderState)
}

// NewMockContext creates a new mock context with a tachograph reader
func NewMockContext() *MockSmartCardContext {
	return &MockSmartCardContext{
		readers: []string{"ACS ACR122U PICC Interface"},
		cards:   make(map[string]*MockSmartCard),
	}
}

// WithReaders sets the readers for the mock context
func (m *MockSmartCardContext) WithReaders(readers ...string) *MockSmartCardContext {
	m.readers = readers
	return m
}

// WithCard adds a mock card to a specific reader
func (m *MockSmartCardContext) WithCard(readerName string, card *MockSmartCard) *MockSmartCardContext {
	m.cards[readerName] = card
	return m
}

// WithError makes the context return errors
func (m *MockSmartCardContext) WithError(msg string) *MockSmartCardContext {
	m.shouldError = true
	m.errorMsg = msg
	return m
}

// WithStatusScript queues canned GetStatusChange outcomes
func (m *MockSmartCardContext) WithStatusScript(steps ...func(states []ReaderState)) *MockSmartCardContext {
	m.statusScript = steps
	return m
}

func (m *MockSmartCardContext) ListReaders() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shouldError {
		return nil, errors.New(m.errorMsg)
	}
	out := make([]string, len(m.readers))
	copy(out, m.readers)
	return out, nil
}

func (m *MockSmartCardContext) GetStatusChange(states []ReaderState, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shouldError {
		return errors.New(m.errorMsg)
	}
	if len(m.statusScript) == 0 {
		return errors.New("status script exhausted")
	}
	step := m.statusScript[0]
	m.statusScript = m.statusScript[1:]
	step(states)
	return nil
}

func (m *MockSmartCardContext) Connect(reader string, protocol atr.Protocol) (SmartCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shouldError {
		return nil, errors.New(m.errorMsg)
	}
	card, ok := m.cards[reader]
	if !ok {
		return nil, errors.New("no card present")
	}
	card.connects++
	return card, nil
}

func (m *MockSmartCardContext) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released++
	return nil
}

func (m *MockSmartCardContext) Released() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// MockSmartCard implements SmartCard for testing
type MockSmartCard struct {
	mu           sync.Mutex
	atr          []byte
	responses    map[string]string // command hex -> response hex
	failNext     int               // fail this many transmits before recovering
	reconnectErr error
	statusErr    error
	transmits    []string
	connects     int
	disconnected bool
	reconnects   int
}

func NewMockCard() *MockSmartCard {
	return &MockSmartCard{responses: make(map[string]string)}
}

// WithResponse maps a hex command to a hex response
func (m *MockSmartCard) WithResponse(cmdHex, respHex string) *MockSmartCard {
	m.responses[strings.ToLower(cmdHex)] = respHex
	return m
}

// WithFailures makes the next n transmits fail
func (m *MockSmartCard) WithFailures(n int) *MockSmartCard {
	m.failNext = n
	return m
}

// WithReconnectError makes in-place reconnects fail
func (m *MockSmartCard) WithReconnectError(err error) *MockSmartCard {
	m.reconnectErr = err
	return m
}

// WithStatusError makes status queries fail
func (m *MockSmartCard) WithStatusError(err error) *MockSmartCard {
	m.statusErr = err
	return m
}

func (m *MockSmartCard) Transmit(cmd []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmdHex := hex.EncodeToString(cmd)
	m.transmits = append(m.transmits, cmdHex)
	if m.failNext > 0 {
		m.failNext--
		return nil, errors.New("transmit failed")
	}
	resp, ok := m.responses[cmdHex]
	if !ok {
		return []byte{0x6A, 0x82}, nil
	}
	raw, err := hex.DecodeString(resp)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (m *MockSmartCard) Reconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnects++
	return m.reconnectErr
}

func (m *MockSmartCard) Status() (SmartCardStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return SmartCardStatus{}, m.statusErr
	}
	return SmartCardStatus{Reader: testReader, Atr: m.atr}, nil
}

func (m *MockSmartCard) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
	return nil
}

func (m *MockSmartCard) TransmitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transmits)
}
