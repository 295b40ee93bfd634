package card

import (
	"time"

	"github.com/tachobridge/tacho-bridge/internal/atr"
)

// StateFlag is the PC/SC reader state bitmask (SCARD_STATE_*).
type StateFlag uint32

const (
	StateUnaware     StateFlag = 0x0000
	StateIgnore      StateFlag = 0x0001
	StateChanged     StateFlag = 0x0002
	StateUnknown     StateFlag = 0x0004
	StateUnavailable StateFlag = 0x0008
	StateEmpty       StateFlag = 0x0010
	StatePresent     StateFlag = 0x0020
	StateExclusive   StateFlag = 0x0080
	StateInuse       StateFlag = 0x0100
	StateMute        StateFlag = 0x0200
)

// ReaderState is one reader's slot in a status-change wait. CurrentState is
// what the caller last knew; EventState and Atr are filled by the wait.
type ReaderState struct {
	Reader       string
	CurrentState StateFlag
	EventState   StateFlag
	Atr          []byte
}

// SmartCardContext represents a PC/SC context for monitoring readers
type SmartCardContext interface {
	ListReaders() ([]string, error)
	GetStatusChange(states []ReaderState, timeout time.Duration) error
	Connect(reader string, protocol atr.Protocol) (SmartCard, error)
	Release() error
}

// SmartCard represents a connected smart card for transmitting commands
type SmartCard interface {
	Transmit(cmd []byte) ([]byte, error)
	Reconnect() error
	Status() (SmartCardStatus, error)
	Disconnect() error
}

// SmartCardStatus represents the status of a smart card
type SmartCardStatus struct {
	Reader string
	Atr    []byte
}

// ContextFactory creates SmartCardContext instances
// This allows for dependency injection and mocking in tests
type ContextFactory interface {
	EstablishContext() (SmartCardContext, error)
}
