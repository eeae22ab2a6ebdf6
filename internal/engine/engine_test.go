package engine

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/snapemu/lora-server/internal/band"
	"github.com/snapemu/lora-server/internal/cryptoengine"
	"github.com/snapemu/lora-server/internal/downlink"
	"github.com/snapemu/lora-server/internal/gw"
	"github.com/snapemu/lora-server/internal/ids"
	"github.com/snapemu/lora-server/internal/join"
	"github.com/snapemu/lora-server/internal/mac"
	"github.com/snapemu/lora-server/internal/store"
	"github.com/snapemu/lora-server/internal/uplink"
)

type noopRelationalLoader struct{}

func (noopRelationalLoader) LoadSessionByDevEUI(ctx context.Context, devEUI ids.Eui) (*store.Session, error) {
	return nil, nil
}
func (noopRelationalLoader) LoadSessionByDevAddr(ctx context.Context, devAddr ids.DevAddr) (*store.Session, error) {
	return nil, nil
}
func (noopRelationalLoader) LoadGatewayByEUI(ctx context.Context, eui ids.Eui) (*store.GatewayState, error) {
	return nil, nil
}

type fakeDeviceLookup struct {
	rec *join.DeviceRecord
}

func (f *fakeDeviceLookup) LoadDeviceByEUI(ctx context.Context, devEUI ids.Eui) (*join.DeviceRecord, error) {
	return f.rec, nil
}

type fakeDecoder struct{}

func (fakeDecoder) Decode(ctx context.Context, scriptID *ids.Id, port byte, payload []byte) (map[string]interface{}, error) {
	return map[string]interface{}{"port": port}, nil
}

type capturingPublisher struct {
	events []uplink.Event
}

func (p *capturingPublisher) PublishUp(ctx context.Context, ev uplink.Event) error {
	p.events = append(p.events, ev)
	return nil
}

type capturingTransport struct {
	sent []gw.TXPK
}

func (t *capturingTransport) SendDown(ctx context.Context, gateway ids.Eui, txpk gw.TXPK) error {
	t.sent = append(t.sent, txpk)
	return nil
}

func newTestEngine(t *testing.T, rec *join.DeviceRecord) (*Engine, *store.Store, *capturingPublisher, *capturingTransport) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(rdb, noopRelationalLoader{}, time.Minute)
	log := logrus.NewEntry(logrus.New())

	tx := &capturingTransport{}
	sched := downlink.New(band.EU868, tx, st, log)
	pub := &capturingPublisher{}

	e := &Engine{
		log:      log,
		store:    st,
		join:     join.New(0x000001, &fakeDeviceLookup{rec: rec}, st, log),
		uplink:   uplink.New(st, sched, fakeDecoder{}, pub, log),
		sched:    sched,
		txSender: tx,
	}
	return e, st, pub, tx
}

func buildJoinRequestRXPK(t *testing.T, appKey ids.AES128Key, appEUI, devEUI ids.Eui, devNonce uint16) gw.RXPK {
	t.Helper()
	jr := mac.JoinRequestPayload{AppEUI: appEUI, DevEUI: devEUI, DevNonce: devNonce}
	raw := mac.EncodeJoinRequest(jr)
	mic, err := cryptoengine.JoinMIC(appKey, raw)
	if err != nil {
		t.Fatalf("mic: %v", err)
	}
	full := append(append([]byte{}, raw...), mic[:]...)
	return gw.RXPK{
		Tmst: 1000,
		Freq: 868.1,
		Modu: "LORA",
		Datr: "SF7BW125",
		Codr: "4/5",
		RSSI: -80,
		Size: len(full),
		Data: base64.StdEncoding.EncodeToString(full),
	}
}

func buildUplinkRXPK(t *testing.T, sess *store.Session, fcnt uint16, payload []byte, port byte) gw.RXPK {
	t.Helper()
	cipher, err := cryptoengine.EncryptFRMPayload(sess.AppSKey, true, sess.DevAddr, uint32(fcnt), payload)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	dp := mac.DataPayload{
		FHDR:       mac.FHDR{DevAddr: sess.DevAddr, FCnt: fcnt},
		FPort:      &port,
		FRMPayload: cipher,
	}
	raw := mac.EncodeDataFrame(mac.MTypeUnconfirmedDataUp, dp)
	b0 := cryptoengine.DataMICBlock(0, sess.DevAddr, uint32(fcnt), len(raw))
	mic, err := cryptoengine.ComputeMIC(sess.NwkSKey, append(b0[:], raw...))
	if err != nil {
		t.Fatalf("mic: %v", err)
	}
	full := append(append([]byte{}, raw...), mic[:]...)
	return gw.RXPK{
		Tmst: 2000,
		Freq: 868.3,
		Modu: "LORA",
		Datr: "SF7BW125",
		Codr: "4/5",
		RSSI: -70,
		Size: len(full),
		Data: base64.StdEncoding.EncodeToString(full),
	}
}

func TestHandleGatewayEventRoutesJoinRequestToAccept(t *testing.T) {
	appKey, _ := ids.ParseAES128Key("2B7E151628AED2A6ABF7158809CF4F3C")
	appEUI, _ := ids.ParseEui("0000000000000001")
	devEUI, _ := ids.ParseEui("0000000000000002")
	gateway, _ := ids.ParseEui("AABBCCDDEEFF0011")

	rec := &join.DeviceRecord{DeviceID: 1, AppEUI: appEUI, AppKey: appKey, Region: "EU868", RX2DR: 0, RX1Delay: 1}
	e, _, _, tx := newTestEngine(t, rec)

	rxpk := buildJoinRequestRXPK(t, appKey, appEUI, devEUI, 7)
	e.HandleGatewayEvent(context.Background(), &gw.Event{
		EUI:  gateway,
		Kind: gw.EventPushData,
		RXPK: []gw.RXPK{rxpk},
	})

	require.Len(t, tx.sent, 1)
}

func TestHandleGatewayEventRoutesDataUpToPublisher(t *testing.T) {
	devEUI, _ := ids.ParseEui("0011223344556677")
	devAddr, _ := ids.ParseDevAddr("01020304")
	key, _ := ids.ParseAES128Key("2B7E151628AED2A6ABF7158809CF4F3C")
	gateway, _ := ids.ParseEui("AABBCCDDEEFF0011")

	e, st, pub, _ := newTestEngine(t, nil)
	sess := &store.Session{DeviceID: 1, DevEUI: devEUI, DevAddr: devAddr, NwkSKey: key, AppSKey: key, Region: "EU868"}
	require.NoError(t, st.Register(context.Background(), sess))

	rxpk := buildUplinkRXPK(t, sess, 1, []byte("hello"), 3)
	e.HandleGatewayEvent(context.Background(), &gw.Event{
		EUI:  gateway,
		Kind: gw.EventPushData,
		RXPK: []gw.RXPK{rxpk},
	})

	require.Len(t, pub.events, 1)
	require.Equal(t, devEUI, pub.events[0].DevEUI)
}

func TestHandleGatewayEventRecordsGatewayPullAddress(t *testing.T) {
	gateway, _ := ids.ParseEui("AABBCCDDEEFF0011")
	e, st, _, _ := newTestEngine(t, nil)

	e.HandleGatewayEvent(context.Background(), &gw.Event{
		EUI:      gateway,
		Kind:     gw.EventPull,
		SourceIP: "10.0.0.5:1700",
	})

	gwState, err := st.LoadGateway(context.Background(), gateway)
	require.NoError(t, err)
	require.NotNil(t, gwState)
	require.Equal(t, "10.0.0.5:1700", gwState.Down)
}

func TestAddrFromHostPort(t *testing.T) {
	if got := addrFromHostPort("0.0.0.0", 1700); got != "0.0.0.0:1700" {
		t.Fatalf("expected 0.0.0.0:1700, got %q", got)
	}
	if got := addrFromHostPort("", 1700); got != "0.0.0.0:1700" {
		t.Fatalf("expected default host, got %q", got)
	}
}
