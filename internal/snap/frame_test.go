package snap

import (
	"bytes"
	"testing"

	"github.com/snapemu/lora-server/internal/ids"
)

func testKey(t *testing.T) ids.AES128Key {
	t.Helper()
	key, err := ids.ParseAES128Key("2B7E151628AED2A6ABF7158809CF4F3C")
	if err != nil {
		t.Fatalf("ParseAES128Key: %v", err)
	}
	return key
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	key := testKey(t)
	devEUI, _ := ids.ParseEui("0011223344556677")

	f := Frame{
		DevEUI:  devEUI,
		PType:   1,
		Port:    5,
		Options: 0,
		Counter: 42,
		Payload: []byte("hello snap"),
	}

	raw, err := Encode(key, f, DirectionUp)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(key, raw, DirectionUp)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.DevEUI != f.DevEUI || decoded.Counter != f.Counter || decoded.Port != f.Port {
		t.Fatalf("decoded header mismatch: %#v", decoded)
	}
	if !bytes.Equal(decoded.Payload, f.Payload) {
		t.Fatalf("expected payload %q, got %q", f.Payload, decoded.Payload)
	}
}

func TestDecodeRejectsWrongDirection(t *testing.T) {
	key := testKey(t)
	devEUI, _ := ids.ParseEui("0011223344556677")
	f := Frame{DevEUI: devEUI, Counter: 1, Payload: []byte("x")}

	raw, err := Encode(key, f, DirectionDown)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(key, raw, DirectionUp); err == nil {
		t.Fatal("expected mic mismatch when direction differs")
	}
}

func TestDecodeRejectsTamperedMIC(t *testing.T) {
	key := testKey(t)
	devEUI, _ := ids.ParseEui("0011223344556677")
	f := Frame{DevEUI: devEUI, Counter: 7, Payload: []byte("payload")}

	raw, err := Encode(key, f, DirectionUp)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	raw[len(raw)-1] ^= 0xFF
	if _, err := Decode(key, raw, DirectionUp); err == nil {
		t.Fatal("expected tampered mic to be rejected")
	}
}

func TestEncodeDecodeLongPayloadUsesExtendedLength(t *testing.T) {
	key := testKey(t)
	devEUI, _ := ids.ParseEui("0011223344556677")
	payload := bytes.Repeat([]byte{0xAB}, 300)
	f := Frame{DevEUI: devEUI, Counter: 9, Payload: payload}

	raw, err := Encode(key, f, DirectionDown)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if raw[14] != 0xFD {
		t.Fatalf("expected 2-byte extended length marker, got %#x", raw[14])
	}

	decoded, err := Decode(key, raw, DirectionDown)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(decoded.Payload, payload) {
		t.Fatal("round trip of long payload failed")
	}
}

func TestACKRequestAndResponseBits(t *testing.T) {
	f := Frame{Options: OptionACKRequest}
	if !f.HasACKRequest() {
		t.Fatal("expected ack-request bit to be set")
	}
	if f.HasACKResponse() {
		t.Fatal("did not expect ack-response bit to be set")
	}

	f2 := Frame{Options: OptionACKResponse}
	if !f2.HasACKResponse() || f2.HasACKRequest() {
		t.Fatal("unexpected ack bit state")
	}
}
