package decode

import (
	"context"

	"github.com/snapemu/lora-server/internal/ids"
	"github.com/snapemu/lora-server/internal/lorerr"
)

// ScriptLoader fetches a device's decode-script source by id. Implemented by
// internal/relational.
type ScriptLoader interface {
	LoadScript(ctx context.Context, id ids.Id) (string, error)
}

// Dispatcher routes a device's raw uplink payload to either the built-in TLV
// decoder or a per-device JavaScript script, matching the Uplink Pipeline's
// Decoder interface.
type Dispatcher struct {
	scripts   ScriptLoader
	evaluator *Evaluator
}

// New constructs a Dispatcher. scripts may be nil if no devices in this
// deployment use custom scripts; Decode then always falls back to TLV.
func New(scripts ScriptLoader) *Dispatcher {
	return &Dispatcher{scripts: scripts, evaluator: NewEvaluator()}
}

// Decode satisfies uplink.Decoder. scriptID == nil selects the built-in TLV
// decoder; otherwise the device's JS script is loaded and evaluated.
func (d *Dispatcher) Decode(ctx context.Context, scriptID *ids.Id, port byte, payload []byte) (map[string]interface{}, error) {
	if scriptID == nil {
		r, err := DecodeTLV(payload)
		if err != nil {
			return nil, lorerr.Wrap(lorerr.KindDecode, err, "decode: tlv")
		}
		return resultToMap(r), nil
	}

	if d.scripts == nil {
		return nil, lorerr.New(lorerr.KindDecode, "decode: no script loader configured")
	}
	source, err := d.scripts.LoadScript(ctx, *scriptID)
	if err != nil {
		return nil, lorerr.Wrap(lorerr.KindDecode, err, "decode: load script")
	}
	items, err := d.evaluator.Eval(scriptID.String(), source, payload)
	if err != nil {
		return nil, lorerr.Wrap(lorerr.KindDecode, err, "decode: js eval")
	}
	return itemsToMap(items), nil
}

func resultToMap(r Result) map[string]interface{} {
	out := map[string]interface{}{"data": itemList(r.Items)}
	if r.Status != nil {
		out["status"] = map[string]interface{}{
			"battery": r.Status.Battery,
			"charge":  r.Status.Charge,
		}
	}
	if len(r.GPIO) > 0 {
		io := make([]map[string]interface{}, 0, len(r.GPIO))
		for _, g := range r.GPIO {
			io = append(io, map[string]interface{}{
				"pin":    g.Pin,
				"modify": g.Modify,
				"mode":   g.Mode,
				"value":  g.Value,
			})
		}
		out["io"] = io
	}
	return out
}

func itemsToMap(items []Item) map[string]interface{} {
	return map[string]interface{}{"data": itemList(items)}
}

func itemList(items []Item) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(items))
	for _, it := range items {
		out = append(out, map[string]interface{}{"id": it.DataID, "value": it.Value})
	}
	return out
}
