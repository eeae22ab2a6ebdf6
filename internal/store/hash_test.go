package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/snapemu/lora-server/internal/ids"
)

func TestSessionHashRoundTrip(t *testing.T) {
	devEUI, _ := ids.ParseEui("0000000000000002")
	appEUI, _ := ids.ParseEui("0000000000000001")
	devAddr, _ := ids.ParseDevAddr("01020304")
	appKey, _ := ids.ParseAES128Key("2B7E151628AED2A6ABF7158809CF4F3C")
	gw, _ := ids.ParseEui("AABBCCDDEEFF0011")

	sess := &Session{
		DeviceID:   42,
		Region:     "EU868",
		JoinType:   JoinTypeOTAA,
		AppEUI:     appEUI,
		DevEUI:     devEUI,
		AppKey:     appKey,
		DevAddr:    devAddr,
		NwkSKey:    appKey,
		AppSKey:    appKey,
		ClassC:     true,
		RX1Delay:   5,
		UpCount:    7,
		DownCount:  3,
		Battery:    80,
		Charge:     true,
		ActiveTime: time.UnixMilli(1700000000000),
		Gateway:    &gw,
	}

	flat := sessionToHash(sess)
	strMap := make(map[string]string, len(flat))
	for k, v := range flat {
		strMap[k] = fmt.Sprintf("%v", v)
	}

	got, err := sessionFromHash(strMap)
	if err != nil {
		t.Fatal(err)
	}
	if got.DevEUI != sess.DevEUI || got.DevAddr != sess.DevAddr || got.AppKey != sess.AppKey {
		t.Errorf("identity fields mismatch: %+v", got)
	}
	if !got.ClassC {
		t.Error("expected class_c true")
	}
	if got.UpCount != 7 || got.DownCount != 3 {
		t.Errorf("counters mismatch: up=%d down=%d", got.UpCount, got.DownCount)
	}
	if got.Gateway == nil || *got.Gateway != gw {
		t.Errorf("gateway mismatch: %+v", got.Gateway)
	}
}
