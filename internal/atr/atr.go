// Package atr parses the Answer-To-Reset returned by a smart card on
// power-up and derives the transport protocol to connect with.
package atr

import (
	"encoding/hex"

	"github.com/tachobridge/tacho-bridge/internal/logging"
)

// Protocol is the negotiated card transport protocol.
type Protocol int

const (
	ProtocolT0 Protocol = iota
	ProtocolT1
)

func (p Protocol) String() string {
	if p == ProtocolT1 {
		return "T=1"
	}
	return "T=0"
}

// ParseProtocol extracts the communication protocol from a hex-encoded ATR.
//
// Byte 1's high nibble (Y1) flags the presence of the TA1/TB1/TC1 interface
// bytes; bit 3 flags TD1, whose low nibble carries the protocol. If TD1's
// high nibble flags TD2, the TD2 low nibble overrides TD1's.
//
// The parser never fails: truncated input, non-hex input, and unknown
// protocol codes all fall back to T=0 so the caller can always connect.
func ParseProtocol(atrHex string) Protocol {
	raw, err := hex.DecodeString(atrHex)
	if err != nil {
		logging.Error(logging.CatCard, "Invalid ATR format", map[string]any{
			"atr": atrHex,
		})
		return ProtocolT0
	}

	if len(raw) < 2 {
		logging.Warn(logging.CatCard, "ATR is too short", map[string]any{
			"atr": atrHex,
		})
		return ProtocolT0
	}

	index := 1
	y1 := raw[index] >> 4
	index++

	// Skip TA1, TB1, TC1 depending on Y1.
	if y1&0x1 != 0 {
		index++
	}
	if y1&0x2 != 0 {
		index++
	}
	if y1&0x4 != 0 {
		index++
	}

	if y1&0x8 == 0 || index >= len(raw) {
		// No TD1, no protocol descriptor at all.
		return ProtocolT0
	}
	td1 := raw[index]
	index++

	// TD1's high nibble flags TA2/TB2/TC2 and, via bit 3, TD2.
	y2 := td1 >> 4
	if y2&0x1 != 0 {
		index++
	}
	if y2&0x2 != 0 {
		index++
	}
	if y2&0x4 != 0 {
		index++
	}

	if y2&0x8 != 0 && index < len(raw) {
		// TD2 present: its low nibble is the effective protocol.
		return protocolFromCode(raw[index] & 0x0F)
	}

	return protocolFromCode(td1 & 0x0F)
}

func protocolFromCode(code byte) Protocol {
	switch code {
	case 0x00:
		return ProtocolT0
	case 0x01:
		return ProtocolT1
	default:
		return ProtocolT0
	}
}
