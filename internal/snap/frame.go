// Package snap implements the Snap protocol engine: frame encode/decode
// over AES-CTR with a CMAC MIC, MQTT transport, and ACK responses to
// uplinks that request one.
package snap

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/snapemu/lora-server/internal/cryptoengine"
	"github.com/snapemu/lora-server/internal/ids"
)

// FrameVersion is the only version this engine accepts.
const FrameVersion = 1

const (
	// DirectionDown and DirectionUp are the IV/MIC block direction bytes.
	DirectionDown byte = 0x00
	DirectionUp   byte = 0x01
)

const (
	// OptionACKRequest (bit 6) marks an uplink that asks the server for an ACK.
	OptionACKRequest byte = 1 << 6
	// OptionACKResponse (bit 7) marks a downlink that is itself an ACK.
	OptionACKResponse byte = 1 << 7
)

// Frame is one decoded Snap protocol message.
type Frame struct {
	DevEUI  ids.Eui
	PType   byte
	Port    byte
	Options byte
	Counter uint16
	Payload []byte
}

// HasACKRequest reports whether the options byte asks for an ACK (set by
// the device on an uplink).
func (f Frame) HasACKRequest() bool { return f.Options&OptionACKRequest != 0 }

// HasACKResponse reports whether this frame is itself an ACK (set by the
// server on a downlink).
func (f Frame) HasACKResponse() bool { return f.Options&OptionACKResponse != 0 }

// Encode builds the wire frame for f: header, length-prefixed AES-CTR
// ciphertext, and a 4-byte CMAC MIC, encrypted/authenticated under key for
// the given direction (DirectionUp or DirectionDown).
func Encode(key ids.AES128Key, f Frame, direction byte) ([]byte, error) {
	header := make([]byte, 14)
	header[0] = FrameVersion
	eui := f.DevEUI.Bytes()
	copy(header[1:9], eui[:])
	header[9] = f.PType
	header[10] = f.Port
	header[11] = f.Options
	binary.LittleEndian.PutUint16(header[12:14], f.Counter)

	lenBytes := encodeLength(len(f.Payload))

	iv := buildIV(f.DevEUI, f.Counter, uint16(len(f.Payload)), direction)
	ciphertext, err := ctrCrypt(key, iv, f.Payload)
	if err != nil {
		return nil, err
	}

	frameWithoutMIC := append(append(header, lenBytes...), ciphertext...)

	b0 := buildMICBlock(f.DevEUI, f.Counter, uint16(len(frameWithoutMIC)), direction)
	mic, err := cryptoengine.ComputeMIC(key, append(b0[:], frameWithoutMIC...))
	if err != nil {
		return nil, err
	}

	return append(frameWithoutMIC, mic[:]...), nil
}

// Decode verifies the MIC and decrypts raw under key for the given
// direction, returning the parsed Frame. MIC is checked before decryption.
func Decode(key ids.AES128Key, raw []byte, direction byte) (Frame, error) {
	var f Frame
	if len(raw) < 14+1+4 {
		return f, errors.New("snap: frame too short")
	}
	if raw[0] != FrameVersion {
		return f, errors.Errorf("snap: unsupported frame version %d", raw[0])
	}

	var eui [8]byte
	copy(eui[:], raw[1:9])
	f.DevEUI = ids.Eui(binary.BigEndian.Uint64(eui[:]))
	f.PType = raw[9]
	f.Port = raw[10]
	f.Options = raw[11]
	f.Counter = binary.LittleEndian.Uint16(raw[12:14])

	plaintextLen, lenFieldSize, err := decodeLength(raw[14:])
	if err != nil {
		return f, err
	}

	cipherStart := 14 + lenFieldSize
	if len(raw) < cipherStart+4 {
		return f, errors.New("snap: frame shorter than header + mic")
	}
	frameWithoutMIC := raw[:len(raw)-4]
	wireMIC := raw[len(raw)-4:]
	ciphertext := raw[cipherStart : len(raw)-4]
	if len(ciphertext) != plaintextLen {
		return f, errors.Errorf("snap: declared length %d does not match ciphertext length %d", plaintextLen, len(ciphertext))
	}

	b0 := buildMICBlock(f.DevEUI, f.Counter, uint16(len(frameWithoutMIC)), direction)
	expected, err := cryptoengine.ComputeMIC(key, append(b0[:], frameWithoutMIC...))
	if err != nil {
		return f, err
	}
	if !bytes.Equal(expected[:], wireMIC) {
		return f, errors.New("snap: mic mismatch")
	}

	iv := buildIV(f.DevEUI, f.Counter, uint16(plaintextLen), direction)
	plaintext, err := ctrCrypt(key, iv, ciphertext)
	if err != nil {
		return f, err
	}
	f.Payload = plaintext
	return f, nil
}

// PeekDevEUI reads the DevEUI out of a frame's cleartext header without
// verifying the MIC, so the MQTT engine can resolve which device's key to
// decode with before it has that key.
func PeekDevEUI(raw []byte) (ids.Eui, error) {
	if len(raw) < 9 {
		return 0, errors.New("snap: frame too short to contain a header")
	}
	var eui [8]byte
	copy(eui[:], raw[1:9])
	return ids.Eui(binary.BigEndian.Uint64(eui[:])), nil
}

// buildIV builds the 16-byte AES-CTR IV: DevEUI(8 BE) || counter(2 LE) ||
// 0x0000 || plaintext_len(2 LE) || direction(1) || 0x01.
func buildIV(devEUI ids.Eui, counter uint16, plaintextLen uint16, direction byte) [16]byte {
	var iv [16]byte
	eui := devEUI.Bytes()
	copy(iv[0:8], eui[:])
	binary.LittleEndian.PutUint16(iv[8:10], counter)
	binary.LittleEndian.PutUint16(iv[12:14], plaintextLen)
	iv[14] = direction
	iv[15] = 0x01
	return iv
}

// buildMICBlock builds the 16-byte B0-like MIC block: DevEUI(8 BE) ||
// counter(2 LE) || 0x0000 || total_len(2 LE) || 0x00 || direction. Mirrors
// buildIV's 16-byte layout; the MIC block's trailing zero is a single byte
// rather than two so the block still totals 16 bytes alongside the extra
// direction byte.
func buildMICBlock(devEUI ids.Eui, counter uint16, totalLen uint16, direction byte) [16]byte {
	var b0 [16]byte
	eui := devEUI.Bytes()
	copy(b0[0:8], eui[:])
	binary.LittleEndian.PutUint16(b0[8:10], counter)
	binary.LittleEndian.PutUint16(b0[12:14], totalLen)
	b0[15] = direction
	return b0
}

func ctrCrypt(key ids.AES128Key, iv [16]byte, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "snap: new cipher")
	}
	out := make([]byte, len(data))
	stream := cipher.NewCTR(block, iv[:])
	stream.XORKeyStream(out, data)
	return out, nil
}

// encodeLength renders the Snap short/medium/long length prefix: a single
// byte if n < 253, [0xFD, n_le_u16] if it fits in 16 bits, else
// [0xFE, n_le_u32].
func encodeLength(n int) []byte {
	switch {
	case n < 253:
		return []byte{byte(n)}
	case n <= 0xFFFF:
		b := make([]byte, 3)
		b[0] = 0xFD
		binary.LittleEndian.PutUint16(b[1:3], uint16(n))
		return b
	default:
		b := make([]byte, 5)
		b[0] = 0xFE
		binary.LittleEndian.PutUint32(b[1:5], uint32(n))
		return b
	}
}

// decodeLength reads a length prefix from the start of b, returning the
// decoded length and how many bytes the prefix itself occupied.
func decodeLength(b []byte) (length int, fieldSize int, err error) {
	if len(b) == 0 {
		return 0, 0, errors.New("snap: missing length field")
	}
	switch b[0] {
	case 0xFD:
		if len(b) < 3 {
			return 0, 0, errors.New("snap: truncated 2-byte length field")
		}
		return int(binary.LittleEndian.Uint16(b[1:3])), 3, nil
	case 0xFE:
		if len(b) < 5 {
			return 0, 0, errors.New("snap: truncated 4-byte length field")
		}
		return int(binary.LittleEndian.Uint32(b[1:5])), 5, nil
	default:
		return int(b[0]), 1, nil
	}
}
