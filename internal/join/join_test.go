package join

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/snapemu/lora-server/internal/cryptoengine"
	"github.com/snapemu/lora-server/internal/ids"
	"github.com/snapemu/lora-server/internal/mac"
	"github.com/snapemu/lora-server/internal/store"
)

type fakeLookup struct {
	rec *DeviceRecord
}

func (f *fakeLookup) LoadDeviceByEUI(ctx context.Context, devEUI ids.Eui) (*DeviceRecord, error) {
	return f.rec, nil
}

func newTestEngine(t *testing.T, rec *DeviceRecord) *Engine {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(rdb, noopLoader{}, time.Minute)
	log := logrus.NewEntry(logrus.New())
	return New(0x000001, &fakeLookup{rec: rec}, st, log)
}

type noopLoader struct{}

func (noopLoader) LoadSessionByDevEUI(ctx context.Context, devEUI ids.Eui) (*store.Session, error) {
	return nil, nil
}
func (noopLoader) LoadSessionByDevAddr(ctx context.Context, devAddr ids.DevAddr) (*store.Session, error) {
	return nil, nil
}
func (noopLoader) LoadGatewayByEUI(ctx context.Context, eui ids.Eui) (*store.GatewayState, error) {
	return nil, nil
}

func buildJoinRequest(t *testing.T, appKey ids.AES128Key, appEUI, devEUI ids.Eui, devNonce uint16) Accept {
	t.Helper()
	jr := mac.JoinRequestPayload{AppEUI: appEUI, DevEUI: devEUI, DevNonce: devNonce}
	raw := mac.EncodeJoinRequest(jr)
	mic, err := cryptoengine.JoinMIC(appKey, raw)
	if err != nil {
		t.Fatalf("mic: %v", err)
	}
	return Accept{Request: jr, RawWithoutMIC: raw, MIC: mic}
}

func TestHandleJoinRequestAcceptsSingleGateway(t *testing.T) {
	appKey, _ := ids.ParseAES128Key("2B7E151628AED2A6ABF7158809CF4F3C")
	appEUI, _ := ids.ParseEui("0000000000000001")
	devEUI, _ := ids.ParseEui("0000000000000002")

	rec := &DeviceRecord{DeviceID: 1, AppEUI: appEUI, AppKey: appKey, Region: "EU868", RX2DR: 0, RX1Delay: 1}
	e := newTestEngine(t, rec)

	a := buildJoinRequest(t, appKey, appEUI, devEUI, 7)
	gw, _ := ids.ParseEui("AABBCCDDEEFF0011")
	a.Gateway = gw
	a.RSSI = -80

	phy, winner, err := e.HandleJoinRequest(context.Background(), a)
	if err != nil {
		t.Fatalf("HandleJoinRequest: %v", err)
	}
	if winner != gw {
		t.Fatalf("expected winner gateway %v, got %v", gw, winner)
	}
	if len(phy) == 0 {
		t.Fatal("expected a non-empty join-accept payload")
	}
}

func TestHandleJoinRequestRejectsBadMIC(t *testing.T) {
	appKey, _ := ids.ParseAES128Key("2B7E151628AED2A6ABF7158809CF4F3C")
	appEUI, _ := ids.ParseEui("0000000000000001")
	devEUI, _ := ids.ParseEui("0000000000000002")

	rec := &DeviceRecord{DeviceID: 1, AppEUI: appEUI, AppKey: appKey, Region: "EU868"}
	e := newTestEngine(t, rec)

	a := buildJoinRequest(t, appKey, appEUI, devEUI, 7)
	a.MIC[0] ^= 0xFF
	gw, _ := ids.ParseEui("AABBCCDDEEFF0011")
	a.Gateway = gw

	if _, _, err := e.HandleJoinRequest(context.Background(), a); err == nil {
		t.Fatal("expected mic mismatch to be rejected")
	}
}

func TestHandleJoinRequestPicksBestRSSIAcrossGateways(t *testing.T) {
	appKey, _ := ids.ParseAES128Key("2B7E151628AED2A6ABF7158809CF4F3C")
	appEUI, _ := ids.ParseEui("0000000000000001")
	devEUI, _ := ids.ParseEui("0000000000000002")

	rec := &DeviceRecord{DeviceID: 1, AppEUI: appEUI, AppKey: appKey, Region: "EU868"}
	e := newTestEngine(t, rec)

	gwWeak, _ := ids.ParseEui("AABBCCDDEEFF0011")
	gwStrong, _ := ids.ParseEui("0011223344556677")

	results := make(chan ids.Eui, 2)
	errs := make(chan error, 2)

	go func() {
		a := buildJoinRequest(t, appKey, appEUI, devEUI, 9)
		a.Gateway = gwWeak
		a.RSSI = -100
		_, winner, err := e.HandleJoinRequest(context.Background(), a)
		results <- winner
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		a := buildJoinRequest(t, appKey, appEUI, devEUI, 9)
		a.Gateway = gwStrong
		a.RSSI = -50
		_, winner, err := e.HandleJoinRequest(context.Background(), a)
		results <- winner
		errs <- err
	}()

	var winners []ids.Eui
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("HandleJoinRequest: %v", err)
		}
		winners = append(winners, <-results)
	}

	winningCount := 0
	for _, w := range winners {
		if w == gwStrong {
			winningCount++
		} else if w != 0 {
			t.Fatalf("expected only the strong gateway to win, also saw %v", w)
		}
	}
	if winningCount != 1 {
		t.Fatalf("expected exactly one non-zero winner result equal to the strong gateway, got %d", winningCount)
	}
}
