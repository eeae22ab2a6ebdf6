// Package relational implements the Postgres-backed source-of-truth store:
// device provisioning records, LoRa/Snap per-transport rows, gateway
// registrations, decoded device data, and decode scripts. The Device-State
// Store falls back here on a cache miss; the Join Engine reads provisioning
// rows from here directly.
package relational

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/snapemu/lora-server/internal/ids"
	"github.com/snapemu/lora-server/internal/join"
	"github.com/snapemu/lora-server/internal/snap"
	"github.com/snapemu/lora-server/internal/store"
)

// DB wraps the Postgres connection pool.
type DB struct {
	conn *sqlx.DB
}

// Open connects to dsn and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "relational: connect")
	}
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "relational: migrate")
	}
	return db, nil
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		id          BIGINT PRIMARY KEY,
		name        TEXT NOT NULL,
		transport   TEXT NOT NULL, -- 'lora' or 'snap'
		script_id   BIGINT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS device_lora_node (
		device_id    BIGINT PRIMARY KEY REFERENCES devices(id),
		app_eui      TEXT NOT NULL,
		dev_eui      TEXT NOT NULL UNIQUE,
		app_key      TEXT NOT NULL,
		region       TEXT NOT NULL,
		join_type    TEXT NOT NULL,
		dev_addr     TEXT,
		nwk_s_key    TEXT,
		app_s_key    TEXT,
		class_b      BOOLEAN NOT NULL DEFAULT false,
		class_c      BOOLEAN NOT NULL DEFAULT false,
		adr          BOOLEAN NOT NULL DEFAULT true,
		rx1_delay    INTEGER NOT NULL DEFAULT 1,
		rx1_dro      INTEGER NOT NULL DEFAULT 0,
		rx2_dr       INTEGER NOT NULL DEFAULT 0,
		rx2_freq     INTEGER NOT NULL DEFAULT 8695250,
		up_count     BIGINT NOT NULL DEFAULT 0,
		down_count   BIGINT NOT NULL DEFAULT 0,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS device_lora_gate (
		eui          TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		last_tmst    BIGINT,
		last_seen    TIMESTAMPTZ,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS device_snap_node (
		device_id    BIGINT PRIMARY KEY REFERENCES devices(id),
		node_id      TEXT NOT NULL UNIQUE,
		key          TEXT NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS device_data (
		id           BIGSERIAL PRIMARY KEY,
		device_id    BIGINT NOT NULL REFERENCES devices(id),
		received_at  TIMESTAMPTZ NOT NULL,
		port         INTEGER,
		raw          BYTEA NOT NULL,
		decoded      JSONB
	);

	CREATE TABLE IF NOT EXISTS scripts (
		id           BIGINT PRIMARY KEY,
		name         TEXT NOT NULL,
		source       TEXT NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	`
	_, err := db.conn.Exec(schema)
	return err
}

type loraNodeRow struct {
	DeviceID  int64          `db:"device_id"`
	AppEUI    string         `db:"app_eui"`
	DevEUI    string         `db:"dev_eui"`
	AppKey    string         `db:"app_key"`
	Region    string         `db:"region"`
	JoinType  string         `db:"join_type"`
	DevAddr   sql.NullString `db:"dev_addr"`
	NwkSKey   sql.NullString `db:"nwk_s_key"`
	AppSKey   sql.NullString `db:"app_s_key"`
	ClassB    bool           `db:"class_b"`
	ClassC    bool           `db:"class_c"`
	ADR       bool           `db:"adr"`
	RX1Delay  int            `db:"rx1_delay"`
	RX1DRO    int            `db:"rx1_dro"`
	RX2DR     int            `db:"rx2_dr"`
	RX2Freq   int            `db:"rx2_freq"`
	UpCount   int64          `db:"up_count"`
	DownCount int64          `db:"down_count"`
}

// LoadDeviceByEUI satisfies join.DeviceLookup: the provisioning record a
// brand-new OTAA session is built from.
func (db *DB) LoadDeviceByEUI(ctx context.Context, devEUI ids.Eui) (*join.DeviceRecord, error) {
	var row loraNodeRow
	err := db.conn.GetContext(ctx, &row, `SELECT device_id, app_eui, dev_eui, app_key, region,
		join_type, dev_addr, nwk_s_key, app_s_key, class_b, class_c, adr,
		rx1_delay, rx1_dro, rx2_dr, rx2_freq, up_count, down_count
		FROM device_lora_node WHERE dev_eui = $1`, devEUI.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "relational: load device by eui")
	}

	appEUI, err := ids.ParseEui(row.AppEUI)
	if err != nil {
		return nil, err
	}
	appKey, err := ids.ParseAES128Key(row.AppKey)
	if err != nil {
		return nil, err
	}

	return &join.DeviceRecord{
		DeviceID: ids.Id(row.DeviceID),
		AppEUI:   appEUI,
		AppKey:   appKey,
		Region:   row.Region,
		ClassB:   row.ClassB,
		ClassC:   row.ClassC,
		ADR:      row.ADR,
		RX1Delay: row.RX1Delay,
		RX1DRO:   row.RX1DRO,
		RX2DR:    row.RX2DR,
		RX2Freq:  row.RX2Freq,
	}, nil
}

// LoadSessionByDevEUI satisfies store.RelationalLoader.
func (db *DB) LoadSessionByDevEUI(ctx context.Context, devEUI ids.Eui) (*store.Session, error) {
	var row loraNodeRow
	err := db.conn.GetContext(ctx, &row, `SELECT device_id, app_eui, dev_eui, app_key, region,
		join_type, dev_addr, nwk_s_key, app_s_key, class_b, class_c, adr,
		rx1_delay, rx1_dro, rx2_dr, rx2_freq, up_count, down_count
		FROM device_lora_node WHERE dev_eui = $1`, devEUI.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "relational: load session by eui")
	}
	return sessionFromRow(row)
}

// LoadSessionByDevAddr satisfies store.RelationalLoader.
func (db *DB) LoadSessionByDevAddr(ctx context.Context, devAddr ids.DevAddr) (*store.Session, error) {
	var row loraNodeRow
	err := db.conn.GetContext(ctx, &row, `SELECT device_id, app_eui, dev_eui, app_key, region,
		join_type, dev_addr, nwk_s_key, app_s_key, class_b, class_c, adr,
		rx1_delay, rx1_dro, rx2_dr, rx2_freq, up_count, down_count
		FROM device_lora_node WHERE dev_addr = $1`, devAddr.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "relational: load session by devaddr")
	}
	return sessionFromRow(row)
}

func sessionFromRow(row loraNodeRow) (*store.Session, error) {
	devEUI, err := ids.ParseEui(row.DevEUI)
	if err != nil {
		return nil, err
	}
	appEUI, err := ids.ParseEui(row.AppEUI)
	if err != nil {
		return nil, err
	}
	appKey, err := ids.ParseAES128Key(row.AppKey)
	if err != nil {
		return nil, err
	}
	sess := &store.Session{
		DeviceID:  ids.Id(row.DeviceID),
		Region:    row.Region,
		JoinType:  store.JoinType(row.JoinType),
		AppEUI:    appEUI,
		DevEUI:    devEUI,
		AppKey:    appKey,
		ClassB:    row.ClassB,
		ClassC:    row.ClassC,
		ADR:       row.ADR,
		RX1Delay:  row.RX1Delay,
		RX1DRO:    row.RX1DRO,
		RX2DR:     row.RX2DR,
		RX2Freq:   row.RX2Freq,
		UpCount:   uint32(row.UpCount),
		DownCount: uint32(row.DownCount),
	}
	if row.DevAddr.Valid {
		addr, err := ids.ParseDevAddr(row.DevAddr.String)
		if err != nil {
			return nil, err
		}
		sess.DevAddr = addr
	}
	if row.NwkSKey.Valid {
		k, err := ids.ParseAES128Key(row.NwkSKey.String)
		if err != nil {
			return nil, err
		}
		sess.NwkSKey = k
	}
	if row.AppSKey.Valid {
		k, err := ids.ParseAES128Key(row.AppSKey.String)
		if err != nil {
			return nil, err
		}
		sess.AppSKey = k
	}
	return sess, nil
}

// LoadGatewayByEUI satisfies store.RelationalLoader.
func (db *DB) LoadGatewayByEUI(ctx context.Context, eui ids.Eui) (*store.GatewayState, error) {
	var row struct {
		LastTmst sql.NullInt64 `db:"last_tmst"`
		LastSeen sql.NullTime  `db:"last_seen"`
	}
	err := db.conn.GetContext(ctx, &row,
		`SELECT last_tmst, last_seen FROM device_lora_gate WHERE eui = $1`, eui.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "relational: load gateway")
	}
	gw := &store.GatewayState{}
	if row.LastTmst.Valid {
		gw.Tmst = uint32(row.LastTmst.Int64)
	}
	if row.LastSeen.Valid {
		gw.Time = row.LastSeen.Time
	}
	return gw, nil
}

// UpsertSession writes the dynamic per-session fields back to Postgres. It
// is wired in as the Join Engine's persist hook, so it runs once per newly
// joined session; the Device-State Store's own writes never reach it.
func (db *DB) UpsertSession(ctx context.Context, sess *store.Session) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO device_lora_node (device_id, app_eui, dev_eui, app_key, region,
			join_type, dev_addr, nwk_s_key, app_s_key, class_b, class_c, adr,
			rx1_delay, rx1_dro, rx2_dr, rx2_freq, up_count, down_count, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18, now())
		ON CONFLICT (device_id) DO UPDATE SET
			dev_addr = excluded.dev_addr,
			nwk_s_key = excluded.nwk_s_key,
			app_s_key = excluded.app_s_key,
			join_type = excluded.join_type,
			up_count = excluded.up_count,
			down_count = excluded.down_count,
			updated_at = now()`,
		int64(sess.DeviceID), sess.AppEUI.String(), sess.DevEUI.String(), sess.AppKey.String(), sess.Region,
		string(sess.JoinType), sess.DevAddr.String(), sess.NwkSKey.String(), sess.AppSKey.String(),
		sess.ClassB, sess.ClassC, sess.ADR, sess.RX1Delay, sess.RX1DRO, sess.RX2DR, sess.RX2Freq,
		sess.UpCount, sess.DownCount)
	if err != nil {
		return errors.Wrap(err, "relational: upsert session")
	}
	return nil
}

// UpsertGateway records a gateway's most recent tmst/timestamp, lazily
// creating the row the first time a gateway is seen (mirrors
// internal/store.LoadGateway's lazy-registration fallback).
func (db *DB) UpsertGateway(ctx context.Context, eui ids.Eui, name string, tmst uint32, seenAt time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO device_lora_gate (eui, name, last_tmst, last_seen, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (eui) DO UPDATE SET
			last_tmst = excluded.last_tmst,
			last_seen = excluded.last_seen,
			updated_at = now()`,
		eui.String(), name, tmst, seenAt)
	if err != nil {
		return errors.Wrap(err, "relational: upsert gateway")
	}
	return nil
}

// InsertDeviceData records one decoded (or decode-failed, decoded=NULL)
// uplink payload. Nothing in the server calls it: accepted uplinks are
// published to the event bus and are not written to device_data.
func (db *DB) InsertDeviceData(ctx context.Context, deviceID ids.Id, receivedAt time.Time, port *byte, raw []byte, decodedJSON []byte) error {
	var portVal interface{}
	if port != nil {
		portVal = int(*port)
	}
	var decodedVal interface{}
	if len(decodedJSON) > 0 {
		decodedVal = decodedJSON
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO device_data (device_id, received_at, port, raw, decoded) VALUES ($1,$2,$3,$4,$5)`,
		int64(deviceID), receivedAt, portVal, raw, decodedVal)
	if err != nil {
		return errors.Wrap(err, "relational: insert device data")
	}
	return nil
}

// LoadSnapDeviceByEUI satisfies snap.DeviceLookup, joining the device's
// decode-script assignment in from devices.
func (db *DB) LoadSnapDeviceByEUI(ctx context.Context, devEUI ids.Eui) (*snap.DeviceRecord, error) {
	var row struct {
		DeviceID int64         `db:"device_id"`
		Key      string        `db:"key"`
		ScriptID sql.NullInt64 `db:"script_id"`
	}
	err := db.conn.GetContext(ctx, &row, `
		SELECT s.device_id, s.key, d.script_id
		FROM device_snap_node s JOIN devices d ON d.id = s.device_id
		WHERE s.node_id = $1`, devEUI.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "relational: load snap device")
	}
	key, err := ids.ParseAES128Key(row.Key)
	if err != nil {
		return nil, err
	}
	rec := &snap.DeviceRecord{DeviceID: ids.Id(row.DeviceID), Key: key}
	if row.ScriptID.Valid {
		sid := ids.Id(row.ScriptID.Int64)
		rec.ScriptID = &sid
	}
	return rec, nil
}

// LoadScript fetches a decode script's source by id.
func (db *DB) LoadScript(ctx context.Context, id ids.Id) (string, error) {
	var source string
	err := db.conn.GetContext(ctx, &source, `SELECT source FROM scripts WHERE id = $1`, int64(id))
	if err != nil {
		return "", errors.Wrap(err, "relational: load script")
	}
	return source, nil
}
