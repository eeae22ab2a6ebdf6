// Package store implements the Device-State Store: a Redis-backed cache in
// front of the relational store, keyed by DevEUI (pointer) and DevAddr
// (record), plus gateway state and OTAA ephemeral session keys. Misses are
// filled from the relational store; writes go to Redis only. The
// per-device pending-downlink queue lives in internal/downlink.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/pkg/errors"

	"github.com/snapemu/lora-server/internal/ids"
	"github.com/snapemu/lora-server/internal/lorerr"
)

// JoinType distinguishes an OTAA join from an ABP-provisioned device.
type JoinType string

const (
	JoinTypeOTAA JoinType = "OTAA"
	JoinTypeABP  JoinType = "ABP"
)

// Session is the per-device record held under info:node:<DevAddr>.
type Session struct {
	DeviceID ids.Id
	Region   string
	JoinType JoinType
	AppEUI   ids.Eui
	DevEUI   ids.Eui
	AppKey   ids.AES128Key
	DevAddr  ids.DevAddr

	NwkSKey ids.AES128Key
	AppSKey ids.AES128Key

	ClassB    bool
	ClassC    bool
	ADR       bool
	UpConfirm bool

	RX1Delay int
	RX1DRO   int
	RX2DR    int
	RX2Freq  int // x10^-4 MHz

	UpCount   uint32
	DownCount uint32

	Battery    int
	Charge     bool
	ActiveTime time.Time
	Firmware   string

	Gateway *ids.Eui

	ScriptID *ids.Id
}

// GatewayState is the per-gateway record held under info:gateway:<EUI>.
type GatewayState struct {
	DeviceID ids.Id
	Tmst     uint32
	Time     time.Time
	Version  uint8
	Down     string // "ip:port", empty if never pulled
}

// OTAAEphemeral is the ephemeral session stashed under lora:otaa:<DevAddr>.
type OTAAEphemeral struct {
	NwkSKey  ids.AES128Key
	AppSKey  ids.AES128Key
	DevNonce uint16
	AppNonce uint32
	NetID    uint32
}

// RelationalLoader is the source-of-truth lookup the store falls back to on
// a cache miss (implemented by internal/relational).
type RelationalLoader interface {
	LoadSessionByDevEUI(ctx context.Context, devEUI ids.Eui) (*Session, error)
	LoadSessionByDevAddr(ctx context.Context, devAddr ids.DevAddr) (*Session, error)
	LoadGatewayByEUI(ctx context.Context, eui ids.Eui) (*GatewayState, error)
}

// Store is the Redis-backed write-through cache.
type Store struct {
	rdb      *redis.Client
	backing  RelationalLoader
	otaaTTL  time.Duration
}

// New constructs a Store. otaaTTL should comfortably outlive RX1 plus the
// Class-C repetition window: short enough to not accumulate abandoned
// joins, long enough to survive RX1 and its retries.
func New(rdb *redis.Client, backing RelationalLoader, otaaTTL time.Duration) *Store {
	if otaaTTL <= 0 {
		otaaTTL = 2 * time.Minute
	}
	return &Store{rdb: rdb, backing: backing, otaaTTL: otaaTTL}
}

func euiPointerKey(devEUI ids.Eui) string  { return fmt.Sprintf("info:eui:node:%s", devEUI) }
func addrRecordKey(devAddr ids.DevAddr) string { return fmt.Sprintf("info:node:%s", devAddr) }
func gatewayKey(eui ids.Eui) string         { return fmt.Sprintf("info:gateway:%s", eui) }
func otaaKey(devAddr ids.DevAddr) string    { return fmt.Sprintf("lora:otaa:%s", devAddr) }
func snapKey(devEUI ids.Eui) string         { return fmt.Sprintf("info:snap:%s", devEUI) }

// LoadByEUI resolves the pointer then fetches the record; on a miss it loads
// from the relational store and writes both keys back.
func (s *Store) LoadByEUI(ctx context.Context, devEUI ids.Eui) (*Session, error) {
	addrStr, err := s.rdb.Get(ctx, euiPointerKey(devEUI)).Result()
	if err == nil {
		sess, err := s.loadRecordByKey(ctx, "info:node:"+addrStr)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			return sess, nil
		}
		// stale pointer; fall through to relational reload
	} else if !errors.Is(err, redis.Nil) {
		return nil, lorerr.Wrap(lorerr.KindTransient, err, "store: get eui pointer")
	}

	sess, err := s.backing.LoadSessionByDevEUI(ctx, devEUI)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}
	if err := s.Register(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// LoadByAddr fetches the record directly; a miss returns (nil, nil) without
// falling back to the relational store: the reverse index only exists on
// EUI-keyed loads.
func (s *Store) LoadByAddr(ctx context.Context, devAddr ids.DevAddr) (*Session, error) {
	return s.loadRecordByKey(ctx, addrRecordKey(devAddr))
}

func (s *Store) loadRecordByKey(ctx context.Context, key string) (*Session, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, lorerr.Wrap(lorerr.KindTransient, err, "store: hgetall session")
	}
	if len(m) == 0 {
		return nil, nil
	}
	return sessionFromHash(m)
}

// Register writes both the pointer and record keys. Caller guarantees
// freshness.
func (s *Store) Register(ctx context.Context, sess *Session) error {
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, euiPointerKey(sess.DevEUI), sess.DevAddr.String(), 0)
	pipe.HSet(ctx, addrRecordKey(sess.DevAddr), sessionToHash(sess))
	if _, err := pipe.Exec(ctx); err != nil {
		return lorerr.Wrap(lorerr.KindTransient, err, "store: register session")
	}
	return nil
}

// Unregister removes both keys for a device.
func (s *Store) Unregister(ctx context.Context, devEUI ids.Eui, devAddr ids.DevAddr) error {
	if err := s.rdb.Del(ctx, euiPointerKey(devEUI), addrRecordKey(devAddr)).Err(); err != nil {
		return lorerr.Wrap(lorerr.KindTransient, err, "store: unregister")
	}
	return nil
}

// UpdateByAddr writes a single field atomically.
func (s *Store) UpdateByAddr(ctx context.Context, devAddr ids.DevAddr, field string, value interface{}) error {
	if err := s.rdb.HSet(ctx, addrRecordKey(devAddr), field, value).Err(); err != nil {
		return lorerr.Wrap(lorerr.KindTransient, err, "store: update by addr")
	}
	return nil
}

// UpdateByEUI resolves the pointer and delegates to UpdateByAddr.
func (s *Store) UpdateByEUI(ctx context.Context, devEUI ids.Eui, field string, value interface{}) error {
	addrStr, err := s.rdb.Get(ctx, euiPointerKey(devEUI)).Result()
	if err != nil {
		return lorerr.Wrap(lorerr.KindUnknownDevice, err, "store: resolve eui pointer")
	}
	if err := s.rdb.HSet(ctx, "info:node:"+addrStr, field, value).Err(); err != nil {
		return lorerr.Wrap(lorerr.KindTransient, err, "store: update by eui")
	}
	return nil
}

// UpdateSessionAfterUplink writes the fields an accepted uplink advances —
// up_count, the serving gateway, and the last-active timestamp — in one
// HSET call so a concurrent reader never observes a stale gateway paired
// with a fresh counter.
func (s *Store) UpdateSessionAfterUplink(ctx context.Context, devAddr ids.DevAddr, upCount uint32, gateway ids.Eui, activeTime time.Time) error {
	err := s.rdb.HSet(ctx, addrRecordKey(devAddr), map[string]interface{}{
		"up_count":    upCount,
		"gateway":     gateway.String(),
		"active_time": activeTime.UnixMilli(),
	}).Err()
	if err != nil {
		return lorerr.Wrap(lorerr.KindTransient, err, "store: update session after uplink")
	}
	return nil
}

// IncrDownCount atomically increments down_count with HINCRBY (never a
// read-modify-write), so a retried or repeated downlink can never reuse a
// counter value.
func (s *Store) IncrDownCount(ctx context.Context, devAddr ids.DevAddr) (uint32, error) {
	v, err := s.rdb.HIncrBy(ctx, addrRecordKey(devAddr), "down_count", 1).Result()
	if err != nil {
		return 0, lorerr.Wrap(lorerr.KindTransient, err, "store: incr down_count")
	}
	return uint32(v), nil
}

// ResetCounters sets up_count and down_count to upCount/0, used when an ABP
// device's reboot-triggered counter reset is detected and accepted.
func (s *Store) ResetCounters(ctx context.Context, devAddr ids.DevAddr, upCount uint32) error {
	err := s.rdb.HSet(ctx, addrRecordKey(devAddr), map[string]interface{}{
		"up_count":   upCount,
		"down_count": 0,
	}).Err()
	if err != nil {
		return lorerr.Wrap(lorerr.KindTransient, err, "store: reset counters")
	}
	return nil
}

// StashOTAA stores the ephemeral session keys under lora:otaa:<DevAddr>.
func (s *Store) StashOTAA(ctx context.Context, devAddr ids.DevAddr, eph OTAAEphemeral) error {
	b, err := json.Marshal(eph)
	if err != nil {
		return errors.Wrap(err, "store: marshal otaa ephemeral")
	}
	if err := s.rdb.Set(ctx, otaaKey(devAddr), b, s.otaaTTL).Err(); err != nil {
		return lorerr.Wrap(lorerr.KindTransient, err, "store: stash otaa")
	}
	return nil
}

// PeekOTAA reads the ephemeral entry without deleting it, returning nil if
// none exists. Used by the uplink pipeline to attempt MIC verification under
// the ephemeral keys without consuming them on a failed attempt (a retried
// uplink must still find the ephemeral entry).
func (s *Store) PeekOTAA(ctx context.Context, devAddr ids.DevAddr) (*OTAAEphemeral, error) {
	raw, err := s.rdb.Get(ctx, otaaKey(devAddr)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, lorerr.Wrap(lorerr.KindTransient, err, "store: get otaa ephemeral")
	}
	var eph OTAAEphemeral
	if err := json.Unmarshal([]byte(raw), &eph); err != nil {
		return nil, errors.Wrap(err, "store: unmarshal otaa ephemeral")
	}
	return &eph, nil
}

// PromoteOTAA realises invariant 5: on a verified first uplink, it atomically
// overwrites the session's permanent NwkSKey/AppSKey with the ephemeral pair
// and deletes the ephemeral entry, so it is never observed present *and*
// already promoted.
func (s *Store) PromoteOTAA(ctx context.Context, devAddr ids.DevAddr, nwkSKey, appSKey ids.AES128Key) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, addrRecordKey(devAddr), map[string]interface{}{
		"nwk_skey": nwkSKey.String(),
		"app_skey": appSKey.String(),
	})
	pipe.Del(ctx, otaaKey(devAddr))
	if _, err := pipe.Exec(ctx); err != nil {
		return lorerr.Wrap(lorerr.KindTransient, err, "store: promote otaa keys")
	}
	return nil
}

// LoadGateway resolves gateway state, lazily registering it from the
// relational store on a miss.
func (s *Store) LoadGateway(ctx context.Context, eui ids.Eui) (*GatewayState, error) {
	m, err := s.rdb.HGetAll(ctx, gatewayKey(eui)).Result()
	if err != nil {
		return nil, lorerr.Wrap(lorerr.KindTransient, err, "store: hgetall gateway")
	}
	if len(m) > 0 {
		return gatewayFromHash(m)
	}
	gw, err := s.backing.LoadGatewayByEUI(ctx, eui)
	if err != nil {
		return nil, err
	}
	if gw == nil {
		return nil, lorerr.New(lorerr.KindPolicy, "store: gateway not registered")
	}
	if err := s.rdb.HSet(ctx, gatewayKey(eui), gatewayToHash(gw)).Err(); err != nil {
		return nil, lorerr.Wrap(lorerr.KindTransient, err, "store: register gateway")
	}
	return gw, nil
}

// UpdateGatewayTmst updates the gateway's last-seen tmst and sample time.
func (s *Store) UpdateGatewayTmst(ctx context.Context, eui ids.Eui, tmst uint32, sampledAt time.Time) error {
	if err := s.rdb.HSet(ctx, gatewayKey(eui), map[string]interface{}{
		"tmst": tmst,
		"time": sampledAt.UnixMilli(),
	}).Err(); err != nil {
		return lorerr.Wrap(lorerr.KindTransient, err, "store: update gateway tmst")
	}
	return nil
}

// UpdateGatewayDown records the IP:port the gateway last PULLed from.
func (s *Store) UpdateGatewayDown(ctx context.Context, eui ids.Eui, addr string) error {
	if err := s.rdb.HSet(ctx, gatewayKey(eui), "down", addr).Err(); err != nil {
		return lorerr.Wrap(lorerr.KindTransient, err, "store: update gateway down addr")
	}
	return nil
}

// LoadSnapUpCounter returns the last accepted Snap uplink counter for a
// device, or 0 if none has been recorded yet (info:snap:<DevEUI>).
func (s *Store) LoadSnapUpCounter(ctx context.Context, devEUI ids.Eui) (uint16, error) {
	v, err := s.rdb.HGet(ctx, snapKey(devEUI), "up_counter").Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, lorerr.Wrap(lorerr.KindTransient, err, "store: load snap up counter")
	}
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, errors.Wrap(err, "store: parse snap up counter")
	}
	return uint16(n), nil
}

// SaveSnapUpCounter records the counter of the most recently accepted Snap
// uplink, so a later replay of the same counter can be recognised.
func (s *Store) SaveSnapUpCounter(ctx context.Context, devEUI ids.Eui, counter uint16) error {
	if err := s.rdb.HSet(ctx, snapKey(devEUI), "up_counter", counter).Err(); err != nil {
		return lorerr.Wrap(lorerr.KindTransient, err, "store: save snap up counter")
	}
	return nil
}
