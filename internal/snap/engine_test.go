package snap

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/snapemu/lora-server/internal/ids"
)

type fakeLookup struct {
	rec *DeviceRecord
}

func (f fakeLookup) LoadSnapDeviceByEUI(ctx context.Context, devEUI ids.Eui) (*DeviceRecord, error) {
	return f.rec, nil
}

type fakeCounters struct {
	last map[ids.Eui]uint16
}

func (f *fakeCounters) LoadSnapUpCounter(ctx context.Context, devEUI ids.Eui) (uint16, error) {
	return f.last[devEUI], nil
}

func (f *fakeCounters) SaveSnapUpCounter(ctx context.Context, devEUI ids.Eui, counter uint16) error {
	if f.last == nil {
		f.last = map[ids.Eui]uint16{}
	}
	f.last[devEUI] = counter
	return nil
}

type fakeDecoder struct{}

func (fakeDecoder) Decode(ctx context.Context, scriptID *ids.Id, port byte, payload []byte) (map[string]interface{}, error) {
	return map[string]interface{}{"len": len(payload)}, nil
}

type capturingPublisher struct {
	events []Event
}

func (p *capturingPublisher) PublishSnap(ctx context.Context, ev Event) error {
	p.events = append(p.events, ev)
	return nil
}

type capturingTransport struct {
	topic   string
	payload []byte
}

func (t *capturingTransport) Publish(topic string, payload []byte) error {
	t.topic = topic
	t.payload = payload
	return nil
}

func TestHandleUplinkTopicDecodesAndPublishes(t *testing.T) {
	key := testKey(t)
	devEUI, _ := ids.ParseEui("0011223344556677")
	frame := Frame{DevEUI: devEUI, PType: 1, Port: 3, Counter: 5, Payload: []byte("sensor-data")}
	raw, err := Encode(key, frame, DirectionUp)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env, err := json.Marshal(envelope{Token: 99, Freq: 868.1, Data: base64.StdEncoding.EncodeToString(raw)})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	lookup := fakeLookup{rec: &DeviceRecord{DeviceID: 1, Key: key}}
	counters := &fakeCounters{}
	pub := &capturingPublisher{}
	tx := &capturingTransport{}
	e := New(lookup, counters, fakeDecoder{}, pub, tx, logrus.NewEntry(logrus.New()))

	if err := e.HandleUplinkTopic(context.Background(), "gw/1/up", env); err != nil {
		t.Fatalf("HandleUplinkTopic: %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected one published event, got %d", len(pub.events))
	}
	if pub.events[0].DevEUI != devEUI {
		t.Fatalf("expected dev eui %s, got %s", devEUI, pub.events[0].DevEUI)
	}
	if tx.topic != "" {
		t.Fatalf("expected no ack to be sent without ack-request bit, got publish to %q", tx.topic)
	}
}

func TestHandleUplinkTopicSendsACKOnRequest(t *testing.T) {
	key := testKey(t)
	devEUI, _ := ids.ParseEui("0011223344556677")
	frame := Frame{DevEUI: devEUI, PType: 1, Port: 3, Options: OptionACKRequest, Counter: 5, Payload: []byte("x")}
	raw, err := Encode(key, frame, DirectionUp)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env, err := json.Marshal(envelope{Token: 42, Freq: 868.1, Data: base64.StdEncoding.EncodeToString(raw)})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	lookup := fakeLookup{rec: &DeviceRecord{DeviceID: 1, Key: key}}
	counters := &fakeCounters{}
	pub := &capturingPublisher{}
	tx := &capturingTransport{}
	e := New(lookup, counters, fakeDecoder{}, pub, tx, logrus.NewEntry(logrus.New()))

	if err := e.HandleUplinkTopic(context.Background(), "gw/1/up", env); err != nil {
		t.Fatalf("HandleUplinkTopic: %v", err)
	}
	if tx.topic != "gw/1/down" {
		t.Fatalf("expected ack published to gw/1/down, got %q", tx.topic)
	}

	var out envelope
	if err := json.Unmarshal(tx.payload, &out); err != nil {
		t.Fatalf("unmarshal ack envelope: %v", err)
	}
	ackRaw, err := base64.StdEncoding.DecodeString(out.Data)
	if err != nil {
		t.Fatalf("decode ack base64: %v", err)
	}
	ack, err := Decode(key, ackRaw, DirectionDown)
	if err != nil {
		t.Fatalf("Decode ack: %v", err)
	}
	if !ack.HasACKResponse() {
		t.Fatal("expected ack-response bit set")
	}
	if ack.Counter != frame.Counter {
		t.Fatalf("expected ack counter %d, got %d", frame.Counter, ack.Counter)
	}
}

func TestHandleUplinkTopicRejectsUnknownDevice(t *testing.T) {
	key := testKey(t)
	devEUI, _ := ids.ParseEui("0011223344556677")
	frame := Frame{DevEUI: devEUI, Counter: 1, Payload: []byte("x")}
	raw, err := Encode(key, frame, DirectionUp)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env, err := json.Marshal(envelope{Data: base64.StdEncoding.EncodeToString(raw)})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	e := New(fakeLookup{rec: nil}, &fakeCounters{}, fakeDecoder{}, &capturingPublisher{}, &capturingTransport{}, logrus.NewEntry(logrus.New()))
	if err := e.HandleUplinkTopic(context.Background(), "gw/1/up", env); err == nil {
		t.Fatal("expected unknown device to be rejected")
	}
}
