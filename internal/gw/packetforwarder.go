// Package gw implements the Semtech UDP Packet-Forwarder v2 protocol:
// datagram framing, PUSH_DATA/PULL_DATA/TX_ACK parsing, and the
// PUSH_ACK/PULL_ACK/down response frames. The listener itself (socket
// ownership, goroutine wiring) lives in listener.go; this file is the pure
// wire codec.
package gw

import (
	"encoding/binary"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/snapemu/lora-server/internal/ids"
)

// PacketID identifies the Packet-Forwarder datagram kind.
type PacketID byte

const (
	PushData PacketID = 0
	PushAck  PacketID = 1
	PullData PacketID = 2
	PullAck  PacketID = 4
	PullResp PacketID = 3
	TxAck    PacketID = 5
)

// ProtocolVersion is the only version this listener accepts.
const ProtocolVersion = 2

// RXPK is one received-packet record inside a PUSH_DATA JSON body, fields
// named to match the Semtech spec verbatim (lower-case JSON keys).
type RXPK struct {
	Time string  `json:"time,omitempty"`
	Tmst uint32  `json:"tmst"`
	Freq float64 `json:"freq"`
	Chan int     `json:"chan"`
	RFCh int     `json:"rfch"`
	Stat int     `json:"stat"`
	Modu string  `json:"modu"`
	Datr string  `json:"datr"`
	Codr string  `json:"codr"`
	RSSI int     `json:"rssi"`
	LSNR float64 `json:"lsnr"`
	Size int     `json:"size"`
	Data string  `json:"data"`
}

// Stat is the gateway status record inside a PUSH_DATA JSON body.
type Stat struct {
	Time string  `json:"time"`
	Lati float64 `json:"lati,omitempty"`
	Long float64 `json:"long,omitempty"`
	Alti int     `json:"alti,omitempty"`
	RXNb int     `json:"rxnb"`
	RXOK int     `json:"rxok"`
	RXFW int     `json:"rxfw"`
	ACKR float64 `json:"ackr"`
	DWNb int     `json:"dwnb"`
	TXNb int     `json:"txnb"`
}

// TXPK is the downlink packet record wrapped in a `{"txpk": ...}` body.
type TXPK struct {
	Imme bool    `json:"imme"`
	Tmst uint32  `json:"tmst,omitempty"`
	Freq float64 `json:"freq"`
	RFCh int     `json:"rfch"`
	Powe int     `json:"powe"`
	Modu string  `json:"modu"`
	Datr string  `json:"datr"`
	Codr string  `json:"codr"`
	IPol bool    `json:"ipol"`
	NCRC bool    `json:"ncrc"`
	Size int     `json:"size"`
	Data string  `json:"data"`
}

// PushDataBody is the JSON body of a PUSH_DATA datagram.
type PushDataBody struct {
	RXPK []RXPK `json:"rxpk,omitempty"`
	Stat *Stat  `json:"stat,omitempty"`
}

// Event is one parsed inbound datagram, emitted by the listener for the
// engine to route.
type Event struct {
	EUI      ids.Eui
	Version  byte
	Token    uint16
	SourceIP string

	Kind EventKind
	RXPK []RXPK // Kind == EventPushData
	Stat *Stat  // Kind == EventStatus (or additionally populated alongside EventPushData)
}

type EventKind int

const (
	EventStatus EventKind = iota
	EventPushData
	EventPull
	EventTxAck
)

// ParseDatagram parses a raw UDP payload into an Event. The caller (listener)
// is responsible for emitting PUSH_ACK on PushData/EventStatus success.
func ParseDatagram(raw []byte, sourceIP string) (*Event, error) {
	if len(raw) < 4 {
		return nil, errors.New("gw: datagram shorter than header")
	}
	version := raw[0]
	if version != ProtocolVersion {
		return nil, errors.Errorf("gw: unsupported protocol version %d", version)
	}
	token := binary.LittleEndian.Uint16(raw[1:3])
	pid := PacketID(raw[3])

	switch pid {
	case PushData:
		if len(raw) < 12 {
			return nil, errors.New("gw: PUSH_DATA too short for gateway EUI")
		}
		eui := ids.Eui(binary.BigEndian.Uint64(raw[4:12]))
		ev := &Event{EUI: eui, Version: version, Token: token, SourceIP: sourceIP}

		var body PushDataBody
		if len(raw) > 12 {
			if err := json.Unmarshal(raw[12:], &body); err != nil {
				return nil, errors.Wrap(err, "gw: parse PUSH_DATA body")
			}
		}
		// Presence wins over absence; if both are present, status is
		// processed and the rxpk array is also processed.
		if body.Stat != nil {
			ev.Kind = EventStatus
			ev.Stat = body.Stat
		}
		if len(body.RXPK) > 0 {
			ev.Kind = EventPushData
			ev.RXPK = body.RXPK
		}
		return ev, nil
	case PullData:
		if len(raw) < 12 {
			return nil, errors.New("gw: PULL_DATA too short for gateway EUI")
		}
		eui := ids.Eui(binary.BigEndian.Uint64(raw[4:12]))
		return &Event{EUI: eui, Version: version, Token: token, SourceIP: sourceIP, Kind: EventPull}, nil
	case TxAck:
		if len(raw) < 12 {
			return nil, errors.New("gw: TX_ACK too short for gateway EUI")
		}
		eui := ids.Eui(binary.BigEndian.Uint64(raw[4:12]))
		return &Event{EUI: eui, Version: version, Token: token, SourceIP: sourceIP, Kind: EventTxAck}, nil
	default:
		return nil, errors.Errorf("gw: unknown packet identifier %d", pid)
	}
}

// BuildPushAck builds the 4-byte PUSH_ACK frame.
func BuildPushAck(version byte, token uint16) []byte {
	return ackFrame(version, token, PushAck)
}

// BuildPullAck builds the 4-byte PULL_ACK frame: the Semtech v2 PULL_ACK is
// the same version/token/identifier layout as PUSH_ACK. The gateway EUI is
// implicit from the destination address the listener replies to.
func BuildPullAck(version byte, token uint16) []byte {
	return ackFrame(version, token, PullAck)
}

func ackFrame(version byte, token uint16, pid PacketID) []byte {
	buf := make([]byte, 4)
	buf[0] = version
	binary.LittleEndian.PutUint16(buf[1:3], token)
	buf[3] = byte(pid)
	return buf
}

// BuildDown builds a PULL_RESP datagram: 4-byte header + JSON `{"txpk": ...}`.
func BuildDown(version byte, token uint16, txpk TXPK) ([]byte, error) {
	body, err := json.Marshal(struct {
		TXPK TXPK `json:"txpk"`
	}{TXPK: txpk})
	if err != nil {
		return nil, errors.Wrap(err, "gw: marshal txpk body")
	}
	buf := make([]byte, 4, 4+len(body))
	buf[0] = version
	binary.LittleEndian.PutUint16(buf[1:3], token)
	buf[3] = byte(PullResp)
	return append(buf, body...), nil
}
