// Package mac implements the LoRaWAN PHYPayload parser and builder: MHDR
// classification, JoinRequest/JoinAccept framing, and the Data MType's
// FHDR/FPort/FRMPayload layout. It does not verify MIC or decrypt; that is
// the Uplink Pipeline's and Downlink Scheduler's job.
package mac

import (
	"encoding/base64"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/snapemu/lora-server/internal/ids"
)

// MType is the 3-bit message type carried in the MHDR's high bits.
type MType byte

const (
	MTypeJoinRequest         MType = 0x00
	MTypeJoinAccept          MType = 0x01
	MTypeUnconfirmedDataUp   MType = 0x02
	MTypeUnconfirmedDataDown MType = 0x03
	MTypeConfirmedDataUp     MType = 0x04
	MTypeConfirmedDataDown   MType = 0x05
	MTypeRejoinRequest       MType = 0x06
	MTypeProprietary         MType = 0x07
)

// MHDR is the single-byte MAC header: MType in bits 7-5, RFU in 4-2, Major in 1-0.
type MHDR byte

func NewMHDR(mtype MType) MHDR {
	return MHDR(byte(mtype) << 5)
}

func (h MHDR) MType() MType {
	return MType(byte(h) >> 5)
}

// FCtrl is the frame-control byte of the FHDR.
type FCtrl struct {
	ADR       bool
	ADRAckReq bool // uplink only
	ACK       bool
	FPending  bool // downlink only
	ClassB    bool // uplink only, bit 4 (the bit FPending occupies on downlinks)
	FOptsLen  byte // low 4 bits
}

func decodeFCtrl(b byte, uplink bool) FCtrl {
	f := FCtrl{
		ADR:      b&0x80 != 0,
		ACK:      b&0x20 != 0,
		FOptsLen: b & 0x0F,
	}
	if uplink {
		f.ADRAckReq = b&0x40 != 0
		f.ClassB = b&0x10 != 0
	} else {
		f.FPending = b&0x10 != 0
	}
	return f
}

func (f FCtrl) encode(uplink bool) byte {
	b := f.FOptsLen & 0x0F
	if f.ADR {
		b |= 0x80
	}
	if f.ACK {
		b |= 0x20
	}
	if uplink {
		if f.ADRAckReq {
			b |= 0x40
		}
		if f.ClassB {
			b |= 0x10
		}
	} else {
		if f.FPending {
			b |= 0x10
		}
	}
	return b
}

// FHDR is DevAddr || FCtrl || FCnt(16-bit wire) || FOpts.
type FHDR struct {
	DevAddr ids.DevAddr
	FCtrl   FCtrl
	FCnt    uint16
	FOpts   []byte
}

// JoinRequestPayload is the JoinRequest MAC payload: AppEUI || DevEUI || DevNonce.
type JoinRequestPayload struct {
	AppEUI   ids.Eui
	DevEUI   ids.Eui
	DevNonce uint16
}

// DataPayload is the Data MType's MAC payload: FHDR, optional FPort, and the
// (still encrypted, as parsed) FRMPayload.
type DataPayload struct {
	FHDR       FHDR
	FPort      *byte
	FRMPayload []byte
}

// PHYPayload is a parsed LoRaWAN frame. Exactly one of JoinRequest, JoinAccept
// (raw, still encrypted), or Data is populated, selected by MHDR.MType().
type PHYPayload struct {
	MHDR MHDR

	JoinRequest *JoinRequestPayload
	JoinAccept  []byte // encrypted MACPayload||MIC region, before decryption
	Data        *DataPayload

	MIC [4]byte

	// RawWithoutMIC is MHDR||MACPayload as it appeared on the wire, for MIC
	// verification by the caller (who holds the key).
	RawWithoutMIC []byte
}

// DecodeBase64 parses a base64-encoded PHYPayload.
func DecodeBase64(b64 string) (*PHYPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errors.Wrap(err, "mac: base64 decode")
	}
	return Decode(raw)
}

// Decode parses a raw PHYPayload byte slice.
func Decode(raw []byte) (*PHYPayload, error) {
	if len(raw) < 1+4 {
		return nil, errors.New("mac: frame too short")
	}
	p := &PHYPayload{
		MHDR: MHDR(raw[0]),
	}
	withoutMIC := raw[:len(raw)-4]
	p.RawWithoutMIC = append([]byte(nil), withoutMIC...)
	copy(p.MIC[:], raw[len(raw)-4:])

	macPayload := raw[1 : len(raw)-4]

	switch p.MHDR.MType() {
	case MTypeJoinRequest:
		if len(macPayload) != 18 {
			return nil, errors.New("mac: join-request payload must be 18 bytes")
		}
		p.JoinRequest = &JoinRequestPayload{
			AppEUI:   ids.Eui(binary.BigEndian.Uint64(reverse(macPayload[0:8]))),
			DevEUI:   ids.Eui(binary.BigEndian.Uint64(reverse(macPayload[8:16]))),
			DevNonce: binary.LittleEndian.Uint16(macPayload[16:18]),
		}
		return p, nil
	case MTypeJoinAccept:
		p.JoinAccept = append([]byte(nil), macPayload...)
		return p, nil
	case MTypeUnconfirmedDataUp, MTypeConfirmedDataUp, MTypeUnconfirmedDataDown, MTypeConfirmedDataDown:
		uplink := p.MHDR.MType() == MTypeUnconfirmedDataUp || p.MHDR.MType() == MTypeConfirmedDataUp
		dp, err := decodeDataPayload(macPayload, uplink)
		if err != nil {
			return nil, err
		}
		p.Data = dp
		return p, nil
	default:
		return nil, errors.Errorf("mac: unsupported MType %d", p.MHDR.MType())
	}
}

func decodeDataPayload(b []byte, uplink bool) (*DataPayload, error) {
	if len(b) < 7 {
		return nil, errors.New("mac: data payload too short")
	}
	devAddr := ids.DevAddr(binary.LittleEndian.Uint32(b[0:4]))
	fctrl := decodeFCtrl(b[4], uplink)
	fcnt := binary.LittleEndian.Uint16(b[5:7])

	off := 7
	foptsLen := int(fctrl.FOptsLen)
	if len(b) < off+foptsLen {
		return nil, errors.New("mac: truncated FOpts")
	}
	fopts := append([]byte(nil), b[off:off+foptsLen]...)
	off += foptsLen

	dp := &DataPayload{
		FHDR: FHDR{DevAddr: devAddr, FCtrl: fctrl, FCnt: fcnt, FOpts: fopts},
	}
	if off < len(b) {
		port := b[off]
		dp.FPort = &port
		off++
		dp.FRMPayload = append([]byte(nil), b[off:]...)
	}
	return dp, nil
}

// EncodeDataFrame serialises MHDR||FHDR||FPort||FRMPayload (no MIC) for a data
// uplink or downlink frame. The caller appends the MIC separately since MIC
// computation needs this exact byte slice.
func EncodeDataFrame(mtype MType, dp DataPayload) []byte {
	uplink := mtype == MTypeUnconfirmedDataUp || mtype == MTypeConfirmedDataUp

	buf := make([]byte, 0, 16+len(dp.FOpts)+len(dp.FRMPayload))
	buf = append(buf, byte(NewMHDR(mtype)))

	var addr [4]byte
	binary.LittleEndian.PutUint32(addr[:], uint32(dp.FHDR.DevAddr))
	buf = append(buf, addr[:]...)
	buf = append(buf, dp.FHDR.FCtrl.encode(uplink))

	var fcnt [2]byte
	binary.LittleEndian.PutUint16(fcnt[:], dp.FHDR.FCnt)
	buf = append(buf, fcnt[:]...)
	buf = append(buf, dp.FHDR.FOpts...)

	if dp.FPort != nil {
		buf = append(buf, *dp.FPort)
		buf = append(buf, dp.FRMPayload...)
	}
	return buf
}

// EncodeJoinRequest serialises MHDR||AppEUI||DevEUI||DevNonce (no MIC).
func EncodeJoinRequest(jr JoinRequestPayload) []byte {
	buf := make([]byte, 1+8+8+2)
	buf[0] = byte(NewMHDR(MTypeJoinRequest))
	copy(buf[1:9], reverse(eui64(jr.AppEUI)))
	copy(buf[9:17], reverse(eui64(jr.DevEUI)))
	binary.LittleEndian.PutUint16(buf[17:19], jr.DevNonce)
	return buf
}

func eui64(e ids.Eui) []byte {
	b := e.Bytes()
	return b[:]
}

// reverse returns a reversed copy; LoRaWAN EUIs are transmitted little-endian
// on the wire but ids.Eui is big-endian internally (matching its hex-string
// representation), so the boundary is always crossed with an explicit byte
// reversal rather than a second endianness convention leaking into ids.
func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
