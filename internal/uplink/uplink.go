// Package uplink implements the uplink pipeline: frame counter resync,
// cross-gateway dedup, MIC verification, FRMPayload decryption, session
// persistence, decode dispatch, and event publication.
package uplink

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snapemu/lora-server/internal/cryptoengine"
	"github.com/snapemu/lora-server/internal/downlink"
	"github.com/snapemu/lora-server/internal/ids"
	"github.com/snapemu/lora-server/internal/lorerr"
	"github.com/snapemu/lora-server/internal/mac"
	"github.com/snapemu/lora-server/internal/store"
)

// dedupWindow mirrors the Join Engine's: gather a frame's reports from every
// gateway that heard it before committing to one.
const dedupWindow = 200 * time.Millisecond

// Decoder turns a decrypted FRMPayload into application fields. Implemented
// by internal/decode; a decode failure must not drop the uplink: it
// publishes with an empty decoded list instead.
type Decoder interface {
	Decode(ctx context.Context, scriptID *ids.Id, port byte, payload []byte) (map[string]interface{}, error)
}

// Event is what gets handed to the Event Bus Publisher for one accepted
// uplink.
type Event struct {
	DeviceID   ids.Id
	DevEUI     ids.Eui
	Gateway    ids.Eui
	FCnt       uint32
	Port       byte
	RawPayload []byte
	Decoded    map[string]interface{}
	ReceivedAt time.Time
}

// Publisher emits an accepted uplink downstream. Implemented by
// internal/eventbus.
type Publisher interface {
	PublishUp(ctx context.Context, ev Event) error
}

// Report is one gateway's reception of a single over-the-air frame.
type Report struct {
	Gateway    ids.Eui
	RSSI       int
	Frame      *mac.PHYPayload
	ReceivedAt time.Time
	Tmst       uint32
	FreqMHz    float64
	DataRate   string
}

type dedupKey struct {
	devAddr ids.DevAddr
	fcnt16  uint16
}

type pendingUplink struct {
	mu         sync.Mutex
	candidates []Report
	done       chan struct{}
	winner     Report
}

// Engine runs the uplink pipeline.
type Engine struct {
	store     *store.Store
	scheduler *downlink.Scheduler
	decode    Decoder
	publish   Publisher
	log       *logrus.Entry

	mu      sync.Mutex
	pending map[dedupKey]*pendingUplink
}

// New constructs an uplink pipeline Engine.
func New(st *store.Store, sched *downlink.Scheduler, decode Decoder, publish Publisher, log *logrus.Entry) *Engine {
	return &Engine{
		store:     st,
		scheduler: sched,
		decode:    decode,
		publish:   publish,
		log:       log,
		pending:   make(map[dedupKey]*pendingUplink),
	}
}

// HandleUplink enters r into the dedup window for its DevAddr+FCnt pair and,
// once the window decides a winner, processes the frame fully if the caller
// supplied the winning report. Non-winning reports return (false, nil).
func (e *Engine) HandleUplink(ctx context.Context, r Report) (bool, error) {
	if r.Frame.Data == nil {
		return false, lorerr.New(lorerr.KindMalformed, "uplink: frame is not a data frame")
	}
	key := dedupKey{devAddr: r.Frame.Data.FHDR.DevAddr, fcnt16: r.Frame.Data.FHDR.FCnt}

	e.mu.Lock()
	pu, exists := e.pending[key]
	if !exists {
		pu = &pendingUplink{done: make(chan struct{})}
		e.pending[key] = pu
		time.AfterFunc(dedupWindow, func() { e.finalize(key) })
	}
	e.mu.Unlock()

	pu.mu.Lock()
	pu.candidates = append(pu.candidates, r)
	pu.mu.Unlock()

	<-pu.done

	if pu.winner.Gateway != r.Gateway {
		return false, nil
	}
	return true, e.process(ctx, pu.winner)
}

func (e *Engine) finalize(key dedupKey) {
	e.mu.Lock()
	pu, ok := e.pending[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.pending, key)
	e.mu.Unlock()

	pu.mu.Lock()
	best := pu.candidates[0]
	for _, c := range pu.candidates[1:] {
		if c.RSSI > best.RSSI {
			best = c
		}
	}
	pu.mu.Unlock()

	pu.winner = best
	close(pu.done)
}

// process runs the winning report through MIC verification, resync,
// decryption, persistence, decode, and publish.
func (e *Engine) process(ctx context.Context, r Report) error {
	devAddr := r.Frame.Data.FHDR.DevAddr
	wireFCnt := r.Frame.Data.FHDR.FCnt

	sess, err := e.store.LoadByAddr(ctx, devAddr)
	if err != nil {
		return err
	}
	if sess == nil {
		return lorerr.New(lorerr.KindUnknownDevice, "uplink: no session for devaddr")
	}

	var candidate uint32
	promoted, err := e.tryPromoteOTAA(ctx, sess, devAddr, r, wireFCnt)
	if err != nil {
		return err
	}
	switch {
	case promoted:
		// tryPromoteOTAA already verified the MIC under the ephemeral keys.
		candidate = uint32(wireFCnt)
	case sess.UpCount == 0 && wireFCnt == 0:
		// First uplink of a freshly provisioned ABP session: Resync would
		// compute candidate==prev==0 and reject it as a non-advancing replay.
		candidate = 0
		if err := verifyUplinkMIC(sess.NwkSKey, devAddr, candidate, r); err != nil {
			return err
		}
	default:
		var branch Branch
		candidate, branch = Resync(sess.UpCount, wireFCnt)

		// The wire value exactly reproducing prev32's low 16 bits is usually a
		// genuine retransmit of the last accepted frame, but an ABP device
		// that reset its own counter back to a value sharing those same low
		// bits (e.g. prev=0x10000, wire=0) looks identical at the counter
		// level. MIC is the only way to tell them apart: confirm the
		// duplicate under the unchanged candidate first, and only fall
		// through to the reset retry below if that fails.
		if branch == BranchReplay && verifyUplinkMIC(sess.NwkSKey, devAddr, candidate, r) == nil {
			return lorerr.New(lorerr.KindPolicy, "uplink: frame counter did not advance")
		}

		if branch != BranchReplay {
			if err := verifyUplinkMIC(sess.NwkSKey, devAddr, candidate, r); err == nil {
				break
			}
		}

		// The resync candidate (or the replay candidate above) failed MIC. A
		// device that rebooted and reset its own counter will never verify
		// under a candidate built from the stale high word, so retry once
		// against the wire value alone, treated as a fresh ABP reset.
		resetCandidate := uint32(wireFCnt)
		if err := verifyUplinkMIC(sess.NwkSKey, devAddr, resetCandidate, r); err != nil {
			return err
		}
		if err := e.store.ResetCounters(ctx, devAddr, resetCandidate); err != nil {
			return err
		}
		candidate = resetCandidate
		sess.DownCount = 0
		e.log.WithField("dev_eui", sess.DevEUI).Warn("uplink: accepted as abp counter reset")
	}

	var port byte
	var plaintext []byte
	if r.Frame.Data.FPort != nil {
		port = *r.Frame.Data.FPort
		plaintext, err = cryptoengine.EncryptFRMPayload(sess.AppSKey, true, devAddr, candidate, r.Frame.Data.FRMPayload)
		if err != nil {
			return err
		}
	}

	if err := e.store.UpdateSessionAfterUplink(ctx, devAddr, candidate, r.Gateway, r.ReceivedAt); err != nil {
		return err
	}
	sess.UpCount = candidate
	sess.Gateway = &r.Gateway

	decoded := map[string]interface{}{}
	if r.Frame.Data.FPort != nil {
		decoded, err = e.decode.Decode(ctx, sess.ScriptID, port, plaintext)
		if err != nil {
			e.log.WithError(err).WithField("dev_eui", sess.DevEUI).Warn("decode failed, publishing raw")
			decoded = map[string]interface{}{}
		}
	}

	if err := e.publish.PublishUp(ctx, Event{
		DeviceID:   sess.DeviceID,
		DevEUI:     sess.DevEUI,
		Gateway:    r.Gateway,
		FCnt:       candidate,
		Port:       port,
		RawPayload: plaintext,
		Decoded:    decoded,
		ReceivedAt: r.ReceivedAt,
	}); err != nil {
		return err
	}

	confirmed := r.Frame.MHDR.MType() == mac.MTypeConfirmedDataUp
	uc := downlink.UplinkContext{
		Gateway:    r.Gateway,
		Tmst:       r.Tmst,
		FreqMHz:    r.FreqMHz,
		DataRate:   r.DataRate,
		ReceivedAt: r.ReceivedAt,
	}
	return e.scheduler.ScheduleRX1(ctx, sess, uc, confirmed)
}

// verifyUplinkMIC checks r's MIC against the 32-bit candidate frame counter
// under nwkSKey, returning a classified MIC-failure error on mismatch.
func verifyUplinkMIC(nwkSKey ids.AES128Key, devAddr ids.DevAddr, candidate uint32, r Report) error {
	mic, err := cryptoengine.UplinkDataMIC(nwkSKey, devAddr, candidate, r.Frame.RawWithoutMIC)
	if err != nil {
		return err
	}
	if mic != r.Frame.MIC {
		return lorerr.New(lorerr.KindMICFailure, "uplink: mic mismatch")
	}
	return nil
}

// tryPromoteOTAA handles a device's first uplink after OTAA join: when the
// wire frame counter is still low and an OTAA ephemeral session is stashed
// for this
// DevAddr, attempt MIC verification under the ephemeral keys before falling
// back to the session's permanent (possibly still-zero) keys. On success it
// atomically promotes the ephemeral pair into the permanent session and
// updates sess in place so the rest of process() uses the promoted keys.
func (e *Engine) tryPromoteOTAA(ctx context.Context, sess *store.Session, devAddr ids.DevAddr, r Report, wireFCnt uint16) (bool, error) {
	if wireFCnt >= 5 {
		return false, nil
	}
	eph, err := e.store.PeekOTAA(ctx, devAddr)
	if err != nil {
		return false, err
	}
	if eph == nil {
		return false, nil
	}
	if err := verifyUplinkMIC(eph.NwkSKey, devAddr, uint32(wireFCnt), r); err != nil {
		return false, nil // ephemeral keys didn't verify; fall through to the permanent path
	}
	if err := e.store.PromoteOTAA(ctx, devAddr, eph.NwkSKey, eph.AppSKey); err != nil {
		return false, err
	}
	sess.NwkSKey = eph.NwkSKey
	sess.AppSKey = eph.AppSKey
	e.log.WithField("dev_eui", sess.DevEUI).Info("otaa session keys promoted on first uplink")
	return true, nil
}
