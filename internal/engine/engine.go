// Package engine wires the LoRaWAN network server's components together:
// the Device-State Store, the relational store, the Gateway Listener, the
// Join and Uplink pipelines, the Downlink Scheduler, the Snap protocol
// engine, the Decode Dispatcher, and the Event Bus producer/consumer. It
// owns process lifetime: Start launches every component's goroutines, Stop
// tears them down: the gateway listener and MQTT client first, then the
// Kafka consumer and producer, then the Postgres and Redis clients.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/snapemu/lora-server/internal/band"
	"github.com/snapemu/lora-server/internal/config"
	"github.com/snapemu/lora-server/internal/decode"
	"github.com/snapemu/lora-server/internal/downlink"
	"github.com/snapemu/lora-server/internal/eventbus"
	"github.com/snapemu/lora-server/internal/gw"
	"github.com/snapemu/lora-server/internal/ids"
	"github.com/snapemu/lora-server/internal/join"
	"github.com/snapemu/lora-server/internal/logging"
	"github.com/snapemu/lora-server/internal/mac"
	"github.com/snapemu/lora-server/internal/relational"
	"github.com/snapemu/lora-server/internal/snap"
	"github.com/snapemu/lora-server/internal/store"
	"github.com/snapemu/lora-server/internal/uplink"
)

// otaaEphemeralTTL comfortably outlives RX1 and the Class-C repetition
// window.
const otaaEphemeralTTL = 2 * time.Minute

// Engine owns every long-lived component of a running server.
type Engine struct {
	cfg *config.Config
	log *logrus.Entry

	relDB    *relational.DB
	rdb      *redis.Client
	store    *store.Store
	join     *join.Engine
	uplink   *uplink.Engine
	sched    *downlink.Scheduler
	decode   *decode.Dispatcher
	snap     *snap.Engine
	producer *eventbus.Producer
	consumer *eventbus.Consumer
	listener *gw.Listener
	txSender downlink.Transport
	mqttCli  mqtt.Client

	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// New constructs every component from cfg but does not start any
// goroutines yet; call Start for that.
func New(cfg *config.Config, log *logrus.Logger) (*Engine, error) {
	relDB, err := relational.Open(cfg.Database.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "engine: open relational store")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	st := store.New(rdb, relDB, otaaEphemeralTTL)
	dispatcher := decode.New(relDB)
	producer := eventbus.NewProducer(cfg.Kafka.Brokers, cfg.Topic.Event, logging.For(log, "eventbus"))

	joinEngine := join.New(cfg.LoRaWAN.NetID, relDB, st, logging.For(log, "join")).
		WithPersistHook(relDB.UpsertSession)

	e := &Engine{
		cfg:      cfg,
		log:      logging.For(log, "engine"),
		relDB:    relDB,
		rdb:      rdb,
		store:    st,
		join:     joinEngine,
		decode:   dispatcher,
		producer: producer,
		stopChan: make(chan struct{}),
	}

	listener, err := gw.NewListener(addrFromHostPort(cfg.LoRaWAN.Host, cfg.LoRaWAN.Port), e, logging.For(log, "gw"))
	if err != nil {
		relDB.Close()
		return nil, errors.Wrap(err, "engine: start gateway listener")
	}
	e.listener = listener
	e.txSender = listener

	e.sched = downlink.New(band.Region(cfg.LoRaWAN.Region), listener, st, logging.For(log, "downlink"))
	e.uplink = uplink.New(st, e.sched, dispatcher, producer, logging.For(log, "uplink"))
	e.consumer = eventbus.NewConsumer(cfg.Kafka.Brokers, cfg.Topic.Down, cfg.Kafka.GroupID, e.sched, st, logging.For(log, "eventbus"))

	e.mqttCli = newMQTTClient(cfg.SnapMQTT)
	snapTx := &mqttTransport{client: e.mqttCli}
	e.snap = snap.New(relDB, st, dispatcher, producer, snapTx, logging.For(log, "snap"))

	return e, nil
}

// Start launches every component's background goroutines and blocks until
// ctx is cancelled or a component fails fatally.
func (e *Engine) Start(ctx context.Context) error {
	e.listener.Start()

	if token := e.mqttCli.Connect(); token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "engine: connect snap mqtt broker")
	}
	if token := e.mqttCli.Subscribe("+/up", 1, e.handleSnapMessage); token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "engine: subscribe snap uplink topic")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.consumer.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return e.shutdown()
	})

	return g.Wait()
}

// Stop requests a graceful shutdown and waits for it to complete.
func (e *Engine) Stop() error {
	close(e.stopChan)
	return e.shutdown()
}

func (e *Engine) shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(e.listener.Stop())
	e.mqttCli.Disconnect(250)
	record(e.consumer.Close())
	record(e.producer.Close())
	record(e.relDB.Close())
	record(e.rdb.Close())
	return firstErr
}

// HandleGatewayEvent satisfies gw.Handler: it routes a parsed datagram to
// gateway-state bookkeeping (stat/pull) or to the Join/Uplink pipelines
// (push-data rxpk).
func (e *Engine) HandleGatewayEvent(ctx context.Context, ev *gw.Event) {
	switch ev.Kind {
	case gw.EventPull:
		if err := e.store.UpdateGatewayDown(ctx, ev.EUI, ev.SourceIP); err != nil {
			e.log.WithError(err).WithField("gateway", ev.EUI).Warn("failed to record gateway pull address")
		}
		return
	case gw.EventStatus:
		if err := e.store.UpdateGatewayTmst(ctx, ev.EUI, 0, time.Now()); err != nil {
			e.log.WithError(err).WithField("gateway", ev.EUI).Warn("failed to record gateway status")
		}
		return
	case gw.EventPushData:
		for _, rxpk := range ev.RXPK {
			e.handleRXPK(ctx, ev.EUI, rxpk)
		}
	}
}

func (e *Engine) handleRXPK(ctx context.Context, gateway ids.Eui, rxpk gw.RXPK) {
	if err := e.store.UpdateGatewayTmst(ctx, gateway, rxpk.Tmst, time.Now()); err != nil {
		e.log.WithError(err).WithField("gateway", gateway).Warn("failed to record gateway tmst")
	}

	phy, err := mac.DecodeBase64(rxpk.Data)
	if err != nil {
		e.log.WithError(err).WithField("gateway", gateway).Warn("dropping malformed rxpk")
		return
	}

	switch phy.MHDR.MType() {
	case mac.MTypeJoinRequest:
		e.handleJoinRequest(ctx, gateway, rxpk, phy)
	case mac.MTypeUnconfirmedDataUp, mac.MTypeConfirmedDataUp:
		e.handleUplink(ctx, gateway, rxpk, phy)
	default:
		e.log.WithField("gateway", gateway).Warn("dropping rxpk with unsupported mtype")
	}
}

func (e *Engine) handleJoinRequest(ctx context.Context, gateway ids.Eui, rxpk gw.RXPK, phy *mac.PHYPayload) {
	a := join.Accept{
		Gateway:       gateway,
		RSSI:          rxpk.RSSI,
		Request:       *phy.JoinRequest,
		RawWithoutMIC: phy.RawWithoutMIC,
		MIC:           phy.MIC,
	}
	downPHY, winGateway, err := e.join.HandleJoinRequest(ctx, a)
	if err != nil {
		e.log.WithError(err).WithField("dev_eui", phy.JoinRequest.DevEUI).Warn("join-request rejected")
		return
	}
	if downPHY == nil {
		return // this gateway's submission lost the dedup window
	}

	txpk := gw.TXPK{
		Imme: false,
		Tmst: rxpk.Tmst + uint32(5*time.Second/time.Microsecond), // JOIN_ACCEPT_DELAY1
		Freq: rxpk.Freq,
		RFCh: 0,
		Powe: 14,
		Modu: rxpk.Modu,
		Datr: rxpk.Datr,
		Codr: rxpk.Codr,
		Size: len(downPHY),
		Data: downlink.EncodeBase64(downPHY),
	}
	if err := e.txSender.SendDown(ctx, winGateway, txpk); err != nil {
		e.log.WithError(err).WithField("gateway", winGateway).Warn("failed to send join-accept")
	}
}

func (e *Engine) handleUplink(ctx context.Context, gateway ids.Eui, rxpk gw.RXPK, phy *mac.PHYPayload) {
	r := uplink.Report{
		Gateway:    gateway,
		RSSI:       rxpk.RSSI,
		Frame:      phy,
		ReceivedAt: time.Now(),
		Tmst:       rxpk.Tmst,
		FreqMHz:    rxpk.Freq,
		DataRate:   rxpk.Datr,
	}
	if _, err := e.uplink.HandleUplink(ctx, r); err != nil {
		e.log.WithError(err).WithField("gateway", gateway).Warn("uplink rejected")
	}
}

func (e *Engine) handleSnapMessage(client mqtt.Client, msg mqtt.Message) {
	if err := e.snap.HandleUplinkTopic(context.Background(), msg.Topic(), msg.Payload()); err != nil {
		e.log.WithError(err).WithField("topic", msg.Topic()).Warn("snap uplink rejected")
	}
}

// mqttTransport adapts a paho client to snap.Transport.
type mqttTransport struct {
	client mqtt.Client
}

func (t *mqttTransport) Publish(topic string, payload []byte) error {
	token := t.client.Publish(topic, 1, false, payload)
	token.Wait()
	return token.Error()
}

func newMQTTClient(cfg config.MQTTConfig) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true)
	return mqtt.NewClient(opts)
}

func addrFromHostPort(host string, port int) string {
	if host == "" {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", host, port)
}
