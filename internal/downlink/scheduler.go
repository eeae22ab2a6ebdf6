// Package downlink implements the downlink scheduler: RX1/RX2 Class-A
// windows, the Class-C immediate-send path, the per-gateway 2-second
// dispatch spacing, and the Class-C repetition task that keeps resending an
// unacknowledged downlink until an uplink pops it off the queue or the retry
// cap is reached.
package downlink

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snapemu/lora-server/internal/band"
	"github.com/snapemu/lora-server/internal/gw"
	"github.com/snapemu/lora-server/internal/ids"
	"github.com/snapemu/lora-server/internal/store"
)

// Transport is the one capability the scheduler needs from the gateway
// listener: hand a txpk to a specific gateway. The listener owns the socket,
// the gateway's last-known source address, and token generation.
type Transport interface {
	SendDown(ctx context.Context, gateway ids.Eui, txpk gw.TXPK) error
}

// DownCounter persists the device's down-frame counter, so a retried or
// repeated downlink is never signed with a counter value that was already
// used (implemented by internal/store).
type DownCounter interface {
	IncrDownCount(ctx context.Context, devAddr ids.DevAddr) (uint32, error)
}

// UplinkContext is the subset of an accepted uplink the scheduler needs to
// plan an RX1 window, carried in from the Uplink Pipeline.
type UplinkContext struct {
	Gateway      ids.Eui
	Tmst         uint32
	FreqMHz      float64
	DataRate     string
	ReceivedAt   time.Time
}

const (
	rx1WindowDefault = 1 * time.Second
	repetitionPeriod = 6 * time.Second
	repetitionCap    = 10
)

// Scheduler ties the pending-downlink Queue, the per-gateway Timeline, and a
// Transport together into the RX1/RX2/Class-C dispatch paths.
type Scheduler struct {
	queue    *Queue
	timeline *GatewayTimeline
	region   band.Region
	tx       Transport
	counters DownCounter
	log      *logrus.Entry
}

// New constructs a Scheduler for region using tx to emit frames and counters
// to persist each device's down-frame counter across restarts and retries.
func New(region band.Region, tx Transport, counters DownCounter, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		queue:    NewQueue(),
		timeline: NewGatewayTimeline(),
		region:   region,
		tx:       tx,
		counters: counters,
		log:      log,
	}
}

// Enqueue stages a downlink for devEUI, to be sent at the next opportunity
// (RX1 on the next uplink, or immediately for Class-C).
func (s *Scheduler) Enqueue(devEUI ids.Eui, port byte, data []byte, upCountSnapshot *uint32, clientID string) Item {
	return s.queue.Push(devEUI, port, data, upCountSnapshot, clientID)
}

// ScheduleRX1 builds and sends a Class-A RX1 downlink for the head of devEUI's
// queue, if any is pending, in response to uplink uc from sess. It pops the
// head item: Class-A windows are a one-shot opportunity, not retried by the
// scheduler itself (an ACK failure is surfaced by the next uplink's FCnt not
// advancing, which is the uplink pipeline's concern, not this one's).
func (s *Scheduler) ScheduleRX1(ctx context.Context, sess *store.Session, uc UplinkContext, confirmed bool) error {
	item, ok := s.queue.Pop(sess.DevEUI)
	if !ok {
		return nil
	}

	plan, err := band.PlanRX1(s.region, uc.FreqMHz, uc.DataRate)
	if err != nil {
		return err
	}

	fCntDown, err := s.counters.IncrDownCount(ctx, sess.DevAddr)
	if err != nil {
		return err
	}

	phy, err := BuildDataFrame(sess, item, fCntDown, confirmed, false)
	if err != nil {
		return err
	}

	rx1Delay := rx1WindowDefault
	if sess.RX1Delay > 0 {
		rx1Delay = time.Duration(sess.RX1Delay) * time.Second
	}
	tmst := uc.Tmst + uint32(rx1Delay/time.Microsecond)

	txpk := gw.TXPK{
		Imme: false,
		Tmst: tmst,
		Freq: plan.FrequencyMHz,
		RFCh: 0,
		Powe: plan.TXPowerDBm,
		Modu: "LORA",
		Datr: plan.DataRate.String(),
		Codr: plan.CodingRate,
		Size: len(phy),
		Data: EncodeBase64(phy),
	}

	wait := s.timeline.Reserve(uc.Gateway)
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.tx.SendDown(ctx, uc.Gateway, txpk)
}

// ScheduleClassC sends the head of devEUI's queue immediately through gateway,
// using RX2 parameters, and starts the repetition task if confirmed is set.
// This is the dispatch_task_now path: no RX1 wait, straight to the gateway
// timeline slot. Unlike ScheduleRX1, the item is not popped here: a
// confirmed Class-C downlink must stay at the head of the queue so the
// repetition task can keep identifying it across resends. It is only
// removed once an acknowledging uplink arrives and ScheduleRX1 pops it.
func (s *Scheduler) ScheduleClassC(ctx context.Context, sess *store.Session, gateway ids.Eui, confirmed bool) error {
	item, ok := s.queue.Peek(sess.DevEUI)
	if !ok {
		return nil
	}

	fCntDown, err := s.counters.IncrDownCount(ctx, sess.DevAddr)
	if err != nil {
		return err
	}
	phy, err := BuildDataFrame(sess, item, fCntDown, confirmed, false)
	if err != nil {
		return err
	}

	txpk := gw.TXPK{
		Imme: true,
		Freq: float64(sess.RX2Freq) / 10000.0,
		RFCh: 0,
		Powe: 17,
		Modu: "LORA",
		Datr: rx2DataRateString(sess.RX2DR),
		Codr: "4/5",
		Size: len(phy),
		Data: EncodeBase64(phy),
	}

	wait := s.timeline.Reserve(gateway)
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := s.tx.SendDown(ctx, gateway, txpk); err != nil {
		return err
	}

	if confirmed {
		go s.runRepetition(sess.DevEUI, item.Counter, gateway, txpk)
	}
	return nil
}

// runRepetition resends a pending Class-C downlink on a timer: every
// repetitionPeriod, check whether counter is still the head of the queue
// (meaning no acknowledging uplink has consumed it yet) and, if so, resend
// the same txpk. ScheduleClassC's immediate send counts as attempt 1, so
// this loop accounts for the remaining repetitionCap-1 attempts before
// giving up and evicting the head unconditionally.
func (s *Scheduler) runRepetition(devEUI ids.Eui, counter uint64, gateway ids.Eui, txpk gw.TXPK) {
	ticker := time.NewTicker(repetitionPeriod)
	defer ticker.Stop()

	for attempt := 0; attempt < repetitionCap-1; attempt++ {
		<-ticker.C
		head, ok := s.queue.HeadCounter(devEUI)
		if !ok || head != counter {
			return
		}

		wait := s.timeline.Reserve(gateway)
		if wait > 0 {
			time.Sleep(wait)
		}
		if err := s.tx.SendDown(context.Background(), gateway, txpk); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{"dev_eui": devEUI, "attempt": attempt}).
				Warn("class-c repetition resend failed")
			continue
		}
		s.log.WithFields(logrus.Fields{"dev_eui": devEUI, "attempt": attempt}).
			Warn("class-c downlink unacknowledged, resent")
	}
	s.log.WithField("dev_eui", devEUI).Warn("class-c repetition exhausted, evicting downlink")
	s.queue.EvictHead(devEUI)
}
