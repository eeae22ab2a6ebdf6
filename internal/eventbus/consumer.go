package eventbus

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/snapemu/lora-server/internal/downlink"
	"github.com/snapemu/lora-server/internal/ids"
	"github.com/snapemu/lora-server/internal/store"
)

// DownCommand is one externally submitted downlink, consumed off the down
// topic (e.g. from a management API or integration publishing through
// Kafka rather than calling the scheduler directly). ClientID lets the
// submitter correlate a later delivery confirmation back to its own
// request; if omitted, the consumer mints one so the enqueued Item is
// still addressable.
type DownCommand struct {
	DevEUI    string `json:"dev_eui"`
	Port      byte   `json:"port"`
	Data      string `json:"data"`
	Confirmed bool   `json:"confirmed"`
	ClassC    bool   `json:"class_c"` // accepted but not consulted: dispatch follows the session's ClassC
	ClientID  string `json:"client_id,omitempty"`
}

// SessionLookup resolves a device's current session for the consumer's
// Class-C dispatch path (implemented by internal/store.Store).
type SessionLookup interface {
	LoadByEUI(ctx context.Context, devEUI ids.Eui) (*store.Session, error)
}

// Consumer reads DownCommands off the down topic and feeds them to the
// Downlink Scheduler: Class-A devices are simply enqueued for their next
// RX1 window, Class-C devices are dispatched immediately.
type Consumer struct {
	reader   *kafka.Reader
	sched    *downlink.Scheduler
	sessions SessionLookup
	log      *logrus.Entry
}

// NewConsumer constructs a Consumer reading topic as member of groupID.
func NewConsumer(brokers []string, topic, groupID string, sched *downlink.Scheduler, sessions SessionLookup, log *logrus.Entry) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: groupID,
		}),
		sched:    sched,
		sessions: sessions,
		log:      log,
	}
}

// Close stops the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// Run reads DownCommands until ctx is cancelled. Individual malformed or
// unresolvable commands are logged and dropped; they never stop the loop.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.WithError(err).Warn("eventbus: read down command failed")
			continue
		}
		if err := c.handle(ctx, msg.Value); err != nil {
			c.log.WithError(err).Warn("eventbus: handle down command failed")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, raw []byte) error {
	var cmd DownCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return errors.Wrap(err, "eventbus: decode down command")
	}
	devEUI, err := ids.ParseEui(cmd.DevEUI)
	if err != nil {
		return errors.Wrap(err, "eventbus: parse dev_eui")
	}
	data, err := base64.StdEncoding.DecodeString(cmd.Data)
	if err != nil {
		return errors.Wrap(err, "eventbus: decode payload")
	}

	sess, err := c.sessions.LoadByEUI(ctx, devEUI)
	if err != nil {
		return err
	}
	if sess == nil {
		return errors.Errorf("eventbus: no session for %s", devEUI)
	}

	clientID := cmd.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	c.sched.Enqueue(devEUI, cmd.Port, data, nil, clientID)

	if sess.ClassC && sess.Gateway != nil {
		return c.sched.ScheduleClassC(ctx, sess, *sess.Gateway, cmd.Confirmed)
	}
	return nil
}
