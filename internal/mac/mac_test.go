package mac

import (
	"bytes"
	"testing"

	"github.com/snapemu/lora-server/internal/ids"
)

func TestJoinRequestRoundTrip(t *testing.T) {
	appEUI, _ := ids.ParseEui("0000000000000001")
	devEUI, _ := ids.ParseEui("0000000000000002")
	jr := JoinRequestPayload{AppEUI: appEUI, DevEUI: devEUI, DevNonce: 0x1234}

	raw := EncodeJoinRequest(jr)
	raw = append(raw, 0, 0, 0, 0) // fake MIC for Decode's framing

	p, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if p.MHDR.MType() != MTypeJoinRequest {
		t.Fatalf("got MType %v", p.MHDR.MType())
	}
	if p.JoinRequest == nil {
		t.Fatal("expected JoinRequest payload")
	}
	if p.JoinRequest.AppEUI != appEUI || p.JoinRequest.DevEUI != devEUI || p.JoinRequest.DevNonce != 0x1234 {
		t.Errorf("round trip mismatch: %+v", p.JoinRequest)
	}
}

func TestDataFrameRoundTrip(t *testing.T) {
	port := byte(2)
	dp := DataPayload{
		FHDR: FHDR{
			DevAddr: ids.DevAddr(0x01020304),
			FCtrl:   FCtrl{ADR: true, FOptsLen: 0},
			FCnt:    7,
		},
		FPort:      &port,
		FRMPayload: []byte{0xDE, 0xAD, 0xBE, 0xEF},
	}
	raw := EncodeDataFrame(MTypeConfirmedDataUp, dp)
	raw = append(raw, 0, 0, 0, 0)

	p, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if p.MHDR.MType() != MTypeConfirmedDataUp {
		t.Fatalf("got MType %v", p.MHDR.MType())
	}
	if p.Data == nil {
		t.Fatal("expected data payload")
	}
	if p.Data.FHDR.DevAddr != dp.FHDR.DevAddr {
		t.Errorf("devaddr mismatch: got %v want %v", p.Data.FHDR.DevAddr, dp.FHDR.DevAddr)
	}
	if p.Data.FHDR.FCnt != 7 {
		t.Errorf("fcnt mismatch: got %d", p.Data.FHDR.FCnt)
	}
	if p.Data.FPort == nil || *p.Data.FPort != 2 {
		t.Errorf("fport mismatch: %+v", p.Data.FPort)
	}
	if !bytes.Equal(p.Data.FRMPayload, dp.FRMPayload) {
		t.Errorf("frmpayload mismatch: got %x want %x", p.Data.FRMPayload, dp.FRMPayload)
	}
	if !p.Data.FHDR.FCtrl.ADR {
		t.Error("expected ADR bit preserved")
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	if _, err := Decode([]byte{0x00, 0x01}); err == nil {
		t.Error("expected error on too-short frame")
	}
}

func TestDecodeRejectsUnsupportedMType(t *testing.T) {
	raw := []byte{byte(NewMHDR(MTypeProprietary)), 0, 0, 0, 0}
	if _, err := Decode(raw); err == nil {
		t.Error("expected error for proprietary MType")
	}
}
