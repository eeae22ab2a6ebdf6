// Package eventbus implements the Event Bus Publisher and the downlink
// command consumer: accepted uplinks (both LoRaWAN and Snap) are published
// as JSON device events to a Kafka topic, and externally submitted
// downlink commands are consumed from a second topic and handed to the
// Downlink Scheduler.
package eventbus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/snapemu/lora-server/internal/snap"
	"github.com/snapemu/lora-server/internal/uplink"
)

// deviceEvent is the JSON envelope published for both transports; Gateway
// and FCnt are only populated for LoRaWAN uplinks.
type deviceEvent struct {
	Device     string                 `json:"device"`
	DevEUI     string                 `json:"dev_eui"`
	Transport  string                 `json:"transport"`
	Port       byte                   `json:"port"`
	RawPayload string                 `json:"raw_payload"`
	Decoded    map[string]interface{} `json:"decoded"`
	ReceivedAt time.Time              `json:"received_at"`
	Gateway    string                 `json:"gateway,omitempty"`
	FCnt       *uint32                `json:"fcnt,omitempty"`
}

// Producer publishes accepted uplinks to the event topic.
type Producer struct {
	writer *kafka.Writer
	log    *logrus.Entry
}

// NewProducer constructs a Producer writing device events to topic.
func NewProducer(brokers []string, topic string, log *logrus.Entry) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
		log: log,
	}
}

// Close flushes and closes the underlying Kafka writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// PublishUp satisfies uplink.Publisher.
func (p *Producer) PublishUp(ctx context.Context, ev uplink.Event) error {
	fcnt := ev.FCnt
	return p.publish(ctx, deviceEvent{
		Device:     ev.DeviceID.String(),
		DevEUI:     ev.DevEUI.String(),
		Transport:  "lorawan",
		Port:       ev.Port,
		RawPayload: base64.StdEncoding.EncodeToString(ev.RawPayload),
		Decoded:    ev.Decoded,
		ReceivedAt: ev.ReceivedAt,
		Gateway:    ev.Gateway.String(),
		FCnt:       &fcnt,
	})
}

// PublishSnap satisfies snap.Publisher.
func (p *Producer) PublishSnap(ctx context.Context, ev snap.Event) error {
	return p.publish(ctx, deviceEvent{
		Device:     ev.DeviceID.String(),
		DevEUI:     ev.DevEUI.String(),
		Transport:  "snap",
		Port:       ev.Port,
		RawPayload: base64.StdEncoding.EncodeToString(ev.RawPayload),
		Decoded:    ev.Decoded,
		ReceivedAt: ev.ReceivedAt,
	})
}

func (p *Producer) publish(ctx context.Context, ev deviceEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "eventbus: marshal device event")
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.DevEUI), Value: b}); err != nil {
		return errors.Wrap(err, "eventbus: publish device event")
	}
	return nil
}
