package snap

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snapemu/lora-server/internal/ids"
	"github.com/snapemu/lora-server/internal/lorerr"
)

// DeviceRecord is what the engine needs to decode frames from one Snap
// device: its AES-128 key and, if a decode script is attached, its ID.
type DeviceRecord struct {
	DeviceID ids.Id
	Key      ids.AES128Key
	ScriptID *ids.Id
}

// DeviceLookup resolves a Snap device's key by its EUI, implemented by
// internal/relational against the device_snap_node table.
type DeviceLookup interface {
	LoadSnapDeviceByEUI(ctx context.Context, devEUI ids.Eui) (*DeviceRecord, error)
}

// CounterStore tracks the last accepted uplink counter per device, so a
// replayed frame can be recognised (implemented by internal/store).
type CounterStore interface {
	LoadSnapUpCounter(ctx context.Context, devEUI ids.Eui) (uint16, error)
	SaveSnapUpCounter(ctx context.Context, devEUI ids.Eui, counter uint16) error
}

// Decoder turns a decoded frame's payload into application fields, shared
// with the uplink pipeline's decode dispatcher.
type Decoder interface {
	Decode(ctx context.Context, scriptID *ids.Id, port byte, payload []byte) (map[string]interface{}, error)
}

// Event is one accepted Snap uplink, handed to the Event Bus Publisher.
type Event struct {
	DeviceID   ids.Id
	DevEUI     ids.Eui
	Port       byte
	RawPayload []byte
	Decoded    map[string]interface{}
	ReceivedAt time.Time
}

// Publisher emits an accepted Snap uplink downstream.
type Publisher interface {
	PublishSnap(ctx context.Context, ev Event) error
}

// Transport publishes a raw MQTT payload to a topic. Implemented by an
// eclipse/paho.mqtt.golang client wrapper in internal/engine.
type Transport interface {
	Publish(topic string, payload []byte) error
}

// envelope is the JSON body Snap gateways publish on "<prefix>/up" and
// expect back on "<prefix>/down": the framed payload plus the radio
// parameters needed to echo a reply on the same channel.
type envelope struct {
	Token uint32  `json:"token"`
	Freq  float32 `json:"freq"`
	Data  string  `json:"data"`
}

// Engine decodes Snap MQTT uplinks, dispatches them to the Decode
// Dispatcher and Event Bus Publisher, and answers ACK-requested downlinks.
type Engine struct {
	lookup   DeviceLookup
	counters CounterStore
	decode   Decoder
	publish  Publisher
	tx       Transport
	log      *logrus.Entry
}

// New constructs a Snap protocol Engine.
func New(lookup DeviceLookup, counters CounterStore, decode Decoder, publish Publisher, tx Transport, log *logrus.Entry) *Engine {
	return &Engine{lookup: lookup, counters: counters, decode: decode, publish: publish, tx: tx, log: log}
}

// HandleUplinkTopic is the MQTT message callback for any topic ending in
// "up": it unwraps the JSON envelope, resolves the device's key from the
// frame's cleartext header, verifies and decrypts the frame, dispatches it
// for decoding and publication, and answers an ACK request on the paired
// "down" topic.
func (e *Engine) HandleUplinkTopic(ctx context.Context, topic string, payload []byte) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return lorerr.Wrap(lorerr.KindMalformed, err, "snap: decode mqtt envelope")
	}
	raw, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return lorerr.Wrap(lorerr.KindMalformed, err, "snap: decode base64 frame")
	}

	devEUI, err := PeekDevEUI(raw)
	if err != nil {
		return lorerr.Wrap(lorerr.KindMalformed, err, "snap: read frame header")
	}
	rec, err := e.lookup.LoadSnapDeviceByEUI(ctx, devEUI)
	if err != nil {
		return err
	}
	if rec == nil {
		return lorerr.New(lorerr.KindUnknownDevice, "snap: unknown device eui")
	}

	frame, err := Decode(rec.Key, raw, DirectionUp)
	if err != nil {
		return lorerr.Wrap(lorerr.KindMICFailure, err, "snap: decode frame")
	}

	last, err := e.counters.LoadSnapUpCounter(ctx, devEUI)
	if err != nil {
		return err
	}
	if frame.Counter == last && last != 0 {
		e.log.WithField("dev_eui", devEUI).Warn("snap: replayed uplink counter, publishing anyway")
	} else if err := e.counters.SaveSnapUpCounter(ctx, devEUI, frame.Counter); err != nil {
		return err
	}

	decoded, err := e.decode.Decode(ctx, rec.ScriptID, frame.Port, frame.Payload)
	if err != nil {
		e.log.WithError(err).WithField("dev_eui", devEUI).Warn("snap: decode failed, publishing raw")
		decoded = map[string]interface{}{}
	}

	if err := e.publish.PublishSnap(ctx, Event{
		DeviceID:   rec.DeviceID,
		DevEUI:     devEUI,
		Port:       frame.Port,
		RawPayload: frame.Payload,
		Decoded:    decoded,
		ReceivedAt: time.Now(),
	}); err != nil {
		return err
	}

	if !frame.HasACKRequest() {
		return nil
	}
	return e.sendACK(topic, rec.Key, frame, env)
}

// sendACK builds a zero-payload ACK-response downlink on frame's counter
// and publishes it to the topic's "down" sibling.
func (e *Engine) sendACK(upTopic string, key ids.AES128Key, frame Frame, env envelope) error {
	ack := Frame{
		DevEUI:  frame.DevEUI,
		PType:   frame.PType,
		Port:    frame.Port,
		Options: OptionACKResponse,
		Counter: frame.Counter,
	}
	down, err := Encode(key, ack, DirectionDown)
	if err != nil {
		return err
	}
	out, err := json.Marshal(envelope{Token: env.Token, Freq: env.Freq, Data: base64.StdEncoding.EncodeToString(down)})
	if err != nil {
		return err
	}
	return e.tx.Publish(downTopic(upTopic), out)
}

// downTopic rewrites a ".../up" topic to its ".../down" sibling.
func downTopic(upTopic string) string {
	if strings.HasSuffix(upTopic, "/up") {
		return strings.TrimSuffix(upTopic, "/up") + "/down"
	}
	return strings.TrimSuffix(upTopic, "up") + "down"
}

// IsUplinkTopic reports whether topic is one the engine should handle as an
// uplink (as opposed to a stat or other sibling topic the gateway may also
// publish on).
func IsUplinkTopic(topic string) bool {
	return strings.HasSuffix(topic, "/up") || strings.HasSuffix(topic, "up")
}
