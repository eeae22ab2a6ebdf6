// Package decode implements the decode dispatcher: the built-in TLV binary
// decoder and a sandboxed JavaScript Evaluator, selected per-device by
// whether a decode script is configured.
package decode

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// ValueKind is the TLV item's low-nibble type tag.
type ValueKind byte

const (
	KindArray ValueKind = iota
	KindF64
	KindF32
	KindBool
	KindI8
	KindU8
	KindI16
	KindU16
	KindI32
	KindU32
)

// Status is the sensor_id==0 device-status record.
type Status struct {
	Battery byte
	Charge  bool
}

// GPIO is one pin's state from the sensor_id==7 snapshot record.
type GPIO struct {
	Pin    int
	Modify bool
	Mode   bool
	Value  bool
}

// Item is one `data` entry: DataID is sensor_id<<4|sub_id, Value is one of
// int64, float64, or bool.
type Item struct {
	DataID uint32
	Value  interface{}
}

// Result is everything one up_data_decode pass can produce.
type Result struct {
	Items  []Item
	Status *Status
	GPIO   []GPIO
}

// DecodeTLV parses the built-in binary TLV format: a sequence of
// sensor_id(2 LE) || data_len(1) || body[data_len] records. It is total:
// malformed input yields an error, never a panic.
func DecodeTLV(b []byte) (Result, error) {
	var r Result
	pos := 0
	for pos < len(b) {
		if pos+3 > len(b) {
			return r, errors.New("decode: truncated record header")
		}
		sensorID := binary.LittleEndian.Uint16(b[pos : pos+2])
		dataLen := int(b[pos+2])
		pos += 3
		if pos+dataLen > len(b) {
			return r, errors.New("decode: record body exceeds buffer")
		}
		body := b[pos : pos+dataLen]
		pos += dataLen

		switch sensorID {
		case 0:
			if dataLen == 2 {
				r.Status = &Status{Battery: body[1]}
			} else if dataLen == 4 {
				r.Status = &Status{Battery: body[1], Charge: body[3] == 1}
			}
		case 7:
			if dataLen == 11 {
				ioNum := int(body[1])
				if ioNum <= 16 {
					modify := uint16(body[3]) | uint16(body[4])<<8
					mode := uint16(body[6]) | uint16(body[7])<<8
					status := uint16(body[9]) | uint16(body[10])<<8
					for i := 0; i < ioNum; i++ {
						bit := uint16(1) << uint(i)
						r.GPIO = append(r.GPIO, GPIO{
							Pin:    i,
							Modify: modify&bit != 0,
							Mode:   mode&bit != 0,
							Value:  status&bit != 0,
						})
					}
				}
			}
		default:
			items, err := decodeItems(uint32(sensorID), body)
			if err != nil {
				return r, err
			}
			r.Items = append(r.Items, items...)
		}
	}
	return r, nil
}

func decodeItems(sensorID uint32, body []byte) ([]Item, error) {
	var items []Item
	pos := 0
	for pos < len(body) {
		tag := body[pos]
		subID := uint32(tag >> 4)
		kind := ValueKind(tag & 0x0F)
		pos++

		var value interface{}
		switch kind {
		case KindArray:
			if pos >= len(body) {
				return nil, errors.New("decode: array missing length byte")
			}
			arrLen := int(body[pos])
			pos++
			if pos+arrLen > len(body) {
				return nil, errors.New("decode: array body exceeds record")
			}
			pos += arrLen
			value = int64(0) // array contents are skipped; the item is listed with value 0
		case KindF64:
			if pos+8 > len(body) {
				return nil, errors.New("decode: truncated f64")
			}
			value = float64FromLE(body[pos : pos+8])
			pos += 8
		case KindF32:
			if pos+4 > len(body) {
				return nil, errors.New("decode: truncated f32")
			}
			value = float64(float32FromLE(body[pos : pos+4]))
			pos += 4
		case KindBool:
			if pos+1 > len(body) {
				return nil, errors.New("decode: truncated bool")
			}
			value = body[pos] != 0
			pos++
		case KindI8:
			if pos+1 > len(body) {
				return nil, errors.New("decode: truncated i8")
			}
			value = int64(int8(body[pos]))
			pos++
		case KindU8:
			if pos+1 > len(body) {
				return nil, errors.New("decode: truncated u8")
			}
			value = int64(body[pos])
			pos++
		case KindI16:
			if pos+2 > len(body) {
				return nil, errors.New("decode: truncated i16")
			}
			value = int64(int16(binary.LittleEndian.Uint16(body[pos : pos+2])))
			pos += 2
		case KindU16:
			if pos+2 > len(body) {
				return nil, errors.New("decode: truncated u16")
			}
			value = int64(binary.LittleEndian.Uint16(body[pos : pos+2]))
			pos += 2
		case KindI32:
			if pos+4 > len(body) {
				return nil, errors.New("decode: truncated i32")
			}
			value = int64(int32(binary.LittleEndian.Uint32(body[pos : pos+4])))
			pos += 4
		case KindU32:
			if pos+4 > len(body) {
				return nil, errors.New("decode: truncated u32")
			}
			value = int64(binary.LittleEndian.Uint32(body[pos : pos+4]))
			pos += 4
		default:
			return nil, errors.Errorf("decode: unknown value kind %d", kind)
		}

		items = append(items, Item{DataID: sensorID<<4 | subID, Value: value})
	}
	return items, nil
}

func float64FromLE(b []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

func float32FromLE(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}
