package eventbus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/snapemu/lora-server/internal/band"
	"github.com/snapemu/lora-server/internal/downlink"
	"github.com/snapemu/lora-server/internal/gw"
	"github.com/snapemu/lora-server/internal/ids"
	"github.com/snapemu/lora-server/internal/store"
)

type fakeTransport struct {
	sent []gw.TXPK
}

func (t *fakeTransport) SendDown(ctx context.Context, gateway ids.Eui, txpk gw.TXPK) error {
	t.sent = append(t.sent, txpk)
	return nil
}

type fakeCounter struct {
	counts map[ids.DevAddr]uint32
}

func (f *fakeCounter) IncrDownCount(ctx context.Context, devAddr ids.DevAddr) (uint32, error) {
	if f.counts == nil {
		f.counts = map[ids.DevAddr]uint32{}
	}
	f.counts[devAddr]++
	return f.counts[devAddr], nil
}

type fakeSessions struct {
	byEUI map[ids.Eui]*store.Session
}

func (f fakeSessions) LoadByEUI(ctx context.Context, devEUI ids.Eui) (*store.Session, error) {
	return f.byEUI[devEUI], nil
}

func TestConsumerHandleEnqueuesClassADownlink(t *testing.T) {
	devEUI, _ := ids.ParseEui("0011223344556677")
	devAddr, _ := ids.ParseDevAddr("01020304")
	key, _ := ids.ParseAES128Key("2B7E151628AED2A6ABF7158809CF4F3C")
	sess := &store.Session{DevEUI: devEUI, DevAddr: devAddr, NwkSKey: key, AppSKey: key}

	tx := &fakeTransport{}
	sched := downlink.New(band.EU868, tx, &fakeCounter{}, logrus.NewEntry(logrus.New()))
	c := &Consumer{
		sched:    sched,
		sessions: fakeSessions{byEUI: map[ids.Eui]*store.Session{devEUI: sess}},
		log:      logrus.NewEntry(logrus.New()),
	}

	cmd := DownCommand{DevEUI: devEUI.String(), Port: 3, Data: base64.StdEncoding.EncodeToString([]byte("hi"))}
	raw, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := c.handle(context.Background(), raw); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(tx.sent) != 0 {
		t.Fatalf("expected class-a command to only enqueue, got %d sends", len(tx.sent))
	}
}

func TestConsumerHandleDispatchesClassCImmediately(t *testing.T) {
	devEUI, _ := ids.ParseEui("0011223344556677")
	devAddr, _ := ids.ParseDevAddr("01020304")
	key, _ := ids.ParseAES128Key("2B7E151628AED2A6ABF7158809CF4F3C")
	gateway, _ := ids.ParseEui("AABBCCDDEEFF0011")
	sess := &store.Session{DevEUI: devEUI, DevAddr: devAddr, NwkSKey: key, AppSKey: key, ClassC: true, Gateway: &gateway}

	tx := &fakeTransport{}
	sched := downlink.New(band.EU868, tx, &fakeCounter{}, logrus.NewEntry(logrus.New()))
	c := &Consumer{
		sched:    sched,
		sessions: fakeSessions{byEUI: map[ids.Eui]*store.Session{devEUI: sess}},
		log:      logrus.NewEntry(logrus.New()),
	}

	cmd := DownCommand{DevEUI: devEUI.String(), Port: 3, Data: base64.StdEncoding.EncodeToString([]byte("hi")), ClassC: true}
	raw, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := c.handle(context.Background(), raw); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(tx.sent) != 1 {
		t.Fatalf("expected class-c command to dispatch immediately, got %d sends", len(tx.sent))
	}
}

func TestConsumerHandleRejectsUnknownDevice(t *testing.T) {
	tx := &fakeTransport{}
	sched := downlink.New(band.EU868, tx, &fakeCounter{}, logrus.NewEntry(logrus.New()))
	c := &Consumer{
		sched:    sched,
		sessions: fakeSessions{byEUI: map[ids.Eui]*store.Session{}},
		log:      logrus.NewEntry(logrus.New()),
	}

	cmd := DownCommand{DevEUI: "0011223344556677", Data: base64.StdEncoding.EncodeToString([]byte("hi"))}
	raw, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := c.handle(context.Background(), raw); err == nil {
		t.Fatal("expected unknown device to be rejected")
	}
}
