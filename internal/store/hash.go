package store

import (
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/snapemu/lora-server/internal/ids"
)

// sessionToHash flattens a Session into the field map written by HSET. Every
// field is a named hash field so per-field helpers (UpdateByAddr,
// IncrDownCount, ...) can target them without a read-modify-write.
func sessionToHash(s *Session) map[string]interface{} {
	m := map[string]interface{}{
		"device_id":  s.DeviceID.String(),
		"region":     s.Region,
		"join_type":  string(s.JoinType),
		"app_eui":    s.AppEUI.String(),
		"dev_eui":    s.DevEUI.String(),
		"app_key":    s.AppKey.String(),
		"dev_addr":   s.DevAddr.String(),
		"nwk_skey":   s.NwkSKey.String(),
		"app_skey":   s.AppSKey.String(),
		"class_b":    boolToInt(s.ClassB),
		"class_c":    boolToInt(s.ClassC),
		"adr":        boolToInt(s.ADR),
		"up_confirm": boolToInt(s.UpConfirm),
		"rx1_delay":  s.RX1Delay,
		"rx1_dro":    s.RX1DRO,
		"rx2_dr":     s.RX2DR,
		"rx2_freq":   s.RX2Freq,
		"up_count":   s.UpCount,
		"down_count": s.DownCount,
		"battery":    s.Battery,
		"charge":     boolToInt(s.Charge),
		"firmware":   s.Firmware,
	}
	if !s.ActiveTime.IsZero() {
		m["active_time"] = s.ActiveTime.UnixMilli()
	}
	if s.Gateway != nil {
		m["gateway"] = s.Gateway.String()
	}
	if s.ScriptID != nil {
		m["script"] = s.ScriptID.String()
	}
	return m
}

func sessionFromHash(m map[string]string) (*Session, error) {
	s := &Session{}
	var err error

	if s.DeviceID, err = ids.ParseId(m["device_id"]); err != nil {
		return nil, errors.Wrap(err, "store: decode device_id")
	}
	s.Region = m["region"]
	s.JoinType = JoinType(m["join_type"])
	if s.AppEUI, err = ids.ParseEui(m["app_eui"]); err != nil {
		return nil, errors.Wrap(err, "store: decode app_eui")
	}
	if s.DevEUI, err = ids.ParseEui(m["dev_eui"]); err != nil {
		return nil, errors.Wrap(err, "store: decode dev_eui")
	}
	if s.AppKey, err = ids.ParseAES128Key(m["app_key"]); err != nil {
		return nil, errors.Wrap(err, "store: decode app_key")
	}
	if s.DevAddr, err = ids.ParseDevAddr(m["dev_addr"]); err != nil {
		return nil, errors.Wrap(err, "store: decode dev_addr")
	}
	if m["nwk_skey"] != "" {
		if s.NwkSKey, err = ids.ParseAES128Key(m["nwk_skey"]); err != nil {
			return nil, errors.Wrap(err, "store: decode nwk_skey")
		}
	}
	if m["app_skey"] != "" {
		if s.AppSKey, err = ids.ParseAES128Key(m["app_skey"]); err != nil {
			return nil, errors.Wrap(err, "store: decode app_skey")
		}
	}
	s.ClassB = m["class_b"] == "1"
	s.ClassC = m["class_c"] == "1"
	s.ADR = m["adr"] == "1"
	s.UpConfirm = m["up_confirm"] == "1"
	s.RX1Delay = atoiDefault(m["rx1_delay"], 0)
	s.RX1DRO = atoiDefault(m["rx1_dro"], 0)
	s.RX2DR = atoiDefault(m["rx2_dr"], 0)
	s.RX2Freq = atoiDefault(m["rx2_freq"], 0)
	s.UpCount = uint32(atoiDefault(m["up_count"], 0))
	s.DownCount = uint32(atoiDefault(m["down_count"], 0))
	s.Battery = atoiDefault(m["battery"], 0)
	s.Charge = m["charge"] == "1"
	s.Firmware = m["firmware"]

	if v, ok := m["active_time"]; ok && v != "" {
		ms, _ := strconv.ParseInt(v, 10, 64)
		s.ActiveTime = time.UnixMilli(ms)
	}
	if v, ok := m["gateway"]; ok && v != "" {
		g, err := ids.ParseEui(v)
		if err != nil {
			return nil, errors.Wrap(err, "store: decode gateway")
		}
		s.Gateway = &g
	}
	if v, ok := m["script"]; ok && v != "" {
		sid, err := ids.ParseId(v)
		if err != nil {
			return nil, errors.Wrap(err, "store: decode script")
		}
		s.ScriptID = &sid
	}
	return s, nil
}

func gatewayToHash(g *GatewayState) map[string]interface{} {
	return map[string]interface{}{
		"device_id": g.DeviceID.String(),
		"tmst":      g.Tmst,
		"time":      g.Time.UnixMilli(),
		"version":   g.Version,
		"down":      g.Down,
	}
}

func gatewayFromHash(m map[string]string) (*GatewayState, error) {
	g := &GatewayState{}
	var err error
	if g.DeviceID, err = ids.ParseId(m["device_id"]); err != nil {
		return nil, errors.Wrap(err, "store: decode gateway device_id")
	}
	g.Tmst = uint32(atoiDefault(m["tmst"], 0))
	if v, ok := m["time"]; ok && v != "" {
		ms, _ := strconv.ParseInt(v, 10, 64)
		g.Time = time.UnixMilli(ms)
	}
	g.Version = uint8(atoiDefault(m["version"], 2))
	g.Down = m["down"]
	return g, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
