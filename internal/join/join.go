// Package join implements the Join Engine: OTAA join-request verification,
// cross-gateway dedup, nonce/DevAddr assignment, session-key derivation,
// and JoinAccept scheduling.
package join

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snapemu/lora-server/internal/cryptoengine"
	"github.com/snapemu/lora-server/internal/ids"
	"github.com/snapemu/lora-server/internal/lorerr"
	"github.com/snapemu/lora-server/internal/mac"
	"github.com/snapemu/lora-server/internal/store"
)

// dedupWindow is how long the engine waits for join-requests for the same
// DevEUI+DevNonce to arrive from other gateways before picking a winner.
const dedupWindow = 200 * time.Millisecond

// replayTTL is how long a DevEUI+DevNonce pair is remembered after being
// processed, so a retransmitted join-request does not mint a second session.
const replayTTL = 10 * time.Second

// DeviceRecord is the static provisioning row the Join Engine needs before a
// session exists: AppKey and the region/class defaults a new session starts
// with. Supplied by internal/relational.
type DeviceRecord struct {
	DeviceID ids.Id
	AppEUI   ids.Eui
	AppKey   ids.AES128Key
	Region   string
	ClassB   bool
	ClassC   bool
	ADR      bool
	RX1Delay int
	RX1DRO   int
	RX2DR    int
	RX2Freq  int
}

// DeviceLookup resolves the provisioning record for a DevEUI.
type DeviceLookup interface {
	LoadDeviceByEUI(ctx context.Context, devEUI ids.Eui) (*DeviceRecord, error)
}

// Accept is everything the engine learned about a join-request candidate
// from one gateway, passed in by the Gateway Listener / Uplink Pipeline.
type Accept struct {
	Gateway       ids.Eui
	RSSI          int
	Request       mac.JoinRequestPayload
	RawWithoutMIC []byte
	MIC           [4]byte
}

type candidate struct {
	Accept
}

type pendingJoin struct {
	mu         sync.Mutex
	candidates []candidate
	done       chan struct{}
	winner     candidate
}

type joinKey struct {
	devEUI   ids.Eui
	devNonce uint16
}

// Engine runs the dedup window and builds JoinAccept payloads.
type Engine struct {
	netID    uint32
	lookup   DeviceLookup
	store    *store.Store
	sessions func(ctx context.Context, sess *store.Session) error // persist hook, set by the caller wiring the relational store
	log      *logrus.Entry

	mu        sync.Mutex
	pending   map[joinKey]*pendingJoin
	processed map[joinKey]time.Time

	nonceMu  sync.Mutex
	appNonce uint32
}

// New constructs a join Engine for the given 24-bit NetID.
func New(netID uint32, lookup DeviceLookup, st *store.Store, log *logrus.Entry) *Engine {
	return &Engine{
		netID:     netID & 0xFFFFFF,
		lookup:    lookup,
		store:     st,
		log:       log,
		pending:   make(map[joinKey]*pendingJoin),
		processed: make(map[joinKey]time.Time),
	}
}

// WithPersistHook registers a callback invoked after a session is written to
// the state store, so the relational store can write through the new
// session too. Optional: a nil hook (the default) leaves relational
// persistence to whatever process provisioned the device row in the first
// place.
func (e *Engine) WithPersistHook(fn func(ctx context.Context, sess *store.Session) error) *Engine {
	e.sessions = fn
	return e
}

// HandleJoinRequest verifies a is from a known device and enters it into the
// dedup window for its DevEUI+DevNonce pair. It returns the JoinAccept PHY
// payload to send back through a's gateway only when the caller's submission
// is the window's winner; otherwise it returns (nil, 0, nil).
func (e *Engine) HandleJoinRequest(ctx context.Context, a Accept) ([]byte, ids.Eui, error) {
	rec, err := e.lookup.LoadDeviceByEUI(ctx, a.Request.DevEUI)
	if err != nil {
		return nil, 0, err
	}
	if rec == nil {
		return nil, 0, lorerr.New(lorerr.KindUnknownDevice, "join: unknown device EUI")
	}

	wantMIC, err := cryptoengine.JoinMIC(rec.AppKey, a.RawWithoutMIC)
	if err != nil {
		return nil, 0, err
	}
	if wantMIC != a.MIC {
		return nil, 0, lorerr.New(lorerr.KindMICFailure, "join: join-request mic mismatch")
	}

	key := joinKey{devEUI: a.Request.DevEUI, devNonce: a.Request.DevNonce}

	e.mu.Lock()
	if seenAt, ok := e.processed[key]; ok && time.Since(seenAt) < replayTTL {
		e.mu.Unlock()
		return nil, 0, lorerr.New(lorerr.KindPolicy, "join: replayed devnonce")
	}
	pj, exists := e.pending[key]
	if !exists {
		pj = &pendingJoin{done: make(chan struct{})}
		e.pending[key] = pj
		time.AfterFunc(dedupWindow, func() { e.finalize(key) })
	}
	e.mu.Unlock()

	pj.mu.Lock()
	pj.candidates = append(pj.candidates, candidate{a})
	pj.mu.Unlock()

	<-pj.done

	if pj.winner.Gateway != a.Gateway {
		return nil, 0, nil
	}

	return e.buildAndRegister(ctx, rec, pj.winner)
}

// finalize picks the best-RSSI candidate for key and broadcasts it.
func (e *Engine) finalize(key joinKey) {
	e.mu.Lock()
	pj, ok := e.pending[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.pending, key)
	e.processed[key] = time.Now()
	e.sweepProcessed()
	e.mu.Unlock()

	pj.mu.Lock()
	best := pj.candidates[0]
	for _, c := range pj.candidates[1:] {
		if c.RSSI > best.RSSI {
			best = c
		}
	}
	pj.mu.Unlock()

	pj.winner = best
	close(pj.done)
}

// sweepProcessed drops replay-cache entries older than replayTTL. Called
// with e.mu held.
func (e *Engine) sweepProcessed() {
	cutoff := time.Now().Add(-replayTTL)
	for k, t := range e.processed {
		if t.Before(cutoff) {
			delete(e.processed, k)
		}
	}
}

// buildAndRegister derives session keys, assigns a DevAddr, persists the new
// session, and returns the encrypted JoinAccept PHY payload.
func (e *Engine) buildAndRegister(ctx context.Context, rec *DeviceRecord, win candidate) ([]byte, ids.Eui, error) {
	appNonce := e.nextAppNonce()
	devAddr, err := randomDevAddr()
	if err != nil {
		return nil, 0, err
	}

	nwkSKey, err := cryptoengine.DeriveSessionKey(rec.AppKey, cryptoengine.NwkSKeyType, appNonce, e.netID, win.Request.DevNonce)
	if err != nil {
		return nil, 0, err
	}
	appSKey, err := cryptoengine.DeriveSessionKey(rec.AppKey, cryptoengine.AppSKeyType, appNonce, e.netID, win.Request.DevNonce)
	if err != nil {
		return nil, 0, err
	}

	dlSettings := byte(rec.RX1DRO&0x07)<<4 | byte(rec.RX2DR&0x0F)
	phy, err := encodeJoinAccept(rec.AppKey, appNonce, e.netID, devAddr, dlSettings, byte(rec.RX1Delay))
	if err != nil {
		return nil, 0, err
	}

	// Session keys stay zero until the first uplink verifies under the
	// ephemeral pair and promotes them: the permanent record must never
	// carry unconfirmed keys.
	sess := &store.Session{
		DeviceID: rec.DeviceID,
		Region:   rec.Region,
		JoinType: store.JoinTypeOTAA,
		AppEUI:   rec.AppEUI,
		DevEUI:   win.Request.DevEUI,
		AppKey:   rec.AppKey,
		DevAddr:  devAddr,
		ClassB:   rec.ClassB,
		ClassC:   rec.ClassC,
		ADR:      rec.ADR,
		RX1Delay: rec.RX1Delay,
		RX1DRO:   rec.RX1DRO,
		RX2DR:    rec.RX2DR,
		RX2Freq:  rec.RX2Freq,
		Gateway:  &win.Gateway,
	}
	if err := e.store.Register(ctx, sess); err != nil {
		return nil, 0, err
	}
	if err := e.store.StashOTAA(ctx, devAddr, store.OTAAEphemeral{
		NwkSKey:  nwkSKey,
		AppSKey:  appSKey,
		DevNonce: win.Request.DevNonce,
		AppNonce: appNonce,
		NetID:    e.netID,
	}); err != nil {
		return nil, 0, err
	}
	if e.sessions != nil {
		if err := e.sessions(ctx, sess); err != nil {
			return nil, 0, err
		}
	}

	e.log.WithFields(logrus.Fields{
		"dev_eui":  win.Request.DevEUI,
		"dev_addr": devAddr,
		"gateway":  win.Gateway,
	}).Info("join accepted")

	return phy, win.Gateway, nil
}

func (e *Engine) nextAppNonce() uint32 {
	e.nonceMu.Lock()
	defer e.nonceMu.Unlock()
	e.appNonce = (e.appNonce + 1) & 0xFFFFFF
	return e.appNonce
}

func randomDevAddr() (ids.DevAddr, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	addr := binary.BigEndian.Uint32(b[:])
	addr &^= 0x80000000 // clear the ABP bit: network-assigned addresses only
	return ids.DevAddr(addr), nil
}

// encodeJoinAccept builds and encrypts a JoinAccept PHYPayload: MHDR ||
// Encrypt(AppNonce(3LE) || NetID(3LE) || DevAddr(4LE) || DLSettings ||
// RxDelay || MIC).
func encodeJoinAccept(appKey ids.AES128Key, appNonce, netID uint32, devAddr ids.DevAddr, dlSettings, rxDelay byte) ([]byte, error) {
	plaintext := make([]byte, 0, 16)
	plaintext = append(plaintext, byte(appNonce), byte(appNonce>>8), byte(appNonce>>16))
	plaintext = append(plaintext, byte(netID), byte(netID>>8), byte(netID>>16))
	var addrLE [4]byte
	binary.LittleEndian.PutUint32(addrLE[:], uint32(devAddr))
	plaintext = append(plaintext, addrLE[:]...)
	plaintext = append(plaintext, dlSettings, rxDelay)

	mhdr := byte(mac.NewMHDR(mac.MTypeJoinAccept))
	mic, err := cryptoengine.JoinMIC(appKey, append([]byte{mhdr}, plaintext...))
	if err != nil {
		return nil, err
	}
	plaintext = append(plaintext, mic[:]...)

	cipher, err := cryptoengine.EncryptJoinAccept(appKey, plaintext)
	if err != nil {
		return nil, err
	}
	return append([]byte{mhdr}, cipher...), nil
}
