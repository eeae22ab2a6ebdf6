// Package ids implements the fixed-size identifier types shared across the
// LoRaWAN and Snap protocol stacks: EUI-64s, 32-bit DevAddrs, AES-128 keys,
// and opaque 64-bit relational ids. All of them round-trip through an
// upper-case hex string.
package ids

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Eui is a 64-bit IEEE identifier (DevEUI, AppEUI, gateway EUI), stored and
// compared as its big-endian integer value.
type Eui uint64

// ParseEui parses a 16-character big-endian hex string into an Eui.
func ParseEui(s string) (Eui, error) {
	b, err := decodeFixedHex(s, 8)
	if err != nil {
		return 0, fmt.Errorf("eui: %w", err)
	}
	return Eui(binary.BigEndian.Uint64(b)), nil
}

// String renders the Eui as 16 upper-case hex characters, big-endian.
func (e Eui) String() string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(e))
	return strings.ToUpper(hex.EncodeToString(b[:]))
}

// Bytes returns the big-endian 8-byte encoding.
func (e Eui) Bytes() [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(e))
	return b
}

// DevAddr is the 32-bit LoRaWAN device address. The top byte's high bit
// distinguishes network-assigned (OTAA) blocks from locally administered
// (ABP) ones; DevAddr itself does not interpret that bit, callers that care
// (the Join Engine) check it explicitly.
type DevAddr uint32

// ParseDevAddr parses an 8-character big-endian hex string.
func ParseDevAddr(s string) (DevAddr, error) {
	b, err := decodeFixedHex(s, 4)
	if err != nil {
		return 0, fmt.Errorf("devaddr: %w", err)
	}
	return DevAddr(binary.BigEndian.Uint32(b)), nil
}

// String renders the DevAddr as 8 upper-case hex characters, big-endian.
func (a DevAddr) String() string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(a))
	return strings.ToUpper(hex.EncodeToString(b[:]))
}

// IsABP reports whether the top bit of the address marks it as locally
// administered rather than network-assigned.
func (a DevAddr) IsABP() bool {
	return a&0x80000000 != 0
}

// AES128Key is a 16-byte AES key. The zero value means "unassigned".
type AES128Key [16]byte

// ParseAES128Key parses a 32-character hex string.
func ParseAES128Key(s string) (AES128Key, error) {
	var k AES128Key
	b, err := decodeFixedHex(s, 16)
	if err != nil {
		return k, fmt.Errorf("key: %w", err)
	}
	copy(k[:], b)
	return k, nil
}

// String renders the key as 32 upper-case hex characters.
func (k AES128Key) String() string {
	return strings.ToUpper(hex.EncodeToString(k[:]))
}

// IsZero reports whether the key is the unassigned zero value.
func (k AES128Key) IsZero() bool {
	return k == AES128Key{}
}

// Id is an opaque 64-bit relational primary key, formatted as 16 upper-case
// hex characters on the wire.
type Id uint64

// ParseId parses a 16-character hex string.
func ParseId(s string) (Id, error) {
	b, err := decodeFixedHex(s, 8)
	if err != nil {
		return 0, fmt.Errorf("id: %w", err)
	}
	return Id(binary.BigEndian.Uint64(b)), nil
}

// String renders the Id as 16 upper-case hex characters.
func (i Id) String() string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(i))
	return strings.ToUpper(hex.EncodeToString(b[:]))
}

func decodeFixedHex(s string, wantBytes int) ([]byte, error) {
	if len(s) != wantBytes*2 {
		return nil, fmt.Errorf("want %d hex chars, got %d", wantBytes*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("not hex: %w", err)
	}
	return b, nil
}
