package decode

import (
	"strconv"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/pkg/errors"
)

// evalTimeout bounds a single decodeUplink call's wall-clock time to a 1s
// interrupt budget.
const evalTimeout = time.Second

const jsFunctionName = "decodeUplink"

// compiledScript caches a parsed goja.Program by script id so repeat decodes
// of the same script skip re-parsing.
type compiledScript struct {
	program *goja.Program
	source  string
}

// Evaluator runs a user-supplied JavaScript decodeUplink(data) function. Each
// call gets a fresh goja.Runtime so no state or timer leaks between devices;
// only the compiled bytecode is shared across calls.
//
// goja has no byte-accounted heap limit like a quickjs-style
// set_memory_limit, so no heap cap is enforced here; only the wall-clock
// budget is (see DESIGN.md).
type Evaluator struct {
	mu    sync.Mutex
	cache map[string]*compiledScript
}

// NewEvaluator constructs an empty Evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*compiledScript)}
}

func (e *Evaluator) compile(scriptID, source string) (*goja.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cs, ok := e.cache[scriptID]; ok && cs.source == source {
		return cs.program, nil
	}
	program, err := goja.Compile(scriptID, source, false)
	if err != nil {
		return nil, errors.Wrap(err, "decode: script compile failed")
	}
	e.cache[scriptID] = &compiledScript{program: program, source: source}
	return program, nil
}

// Eval runs decodeUplink({bytes: payload}) from the compiled script and
// returns the decoded {id, data} pairs. A script that exceeds evalTimeout,
// omits the export, or returns a malformed shape is reported as an error.
func (e *Evaluator) Eval(scriptID, source string, payload []byte) ([]Item, error) {
	program, err := e.compile(scriptID, source)
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	timer := time.AfterFunc(evalTimeout, func() {
		vm.Interrupt("decode: script exceeded time budget")
	})
	defer timer.Stop()

	if _, err := vm.RunProgram(program); err != nil {
		return nil, interruptAwareWrap(err, "decode: script execution failed")
	}

	fn, ok := goja.AssertFunction(vm.Get(jsFunctionName))
	if !ok {
		return nil, errors.Errorf("decode: script does not export %s", jsFunctionName)
	}

	bytes := make([]interface{}, len(payload))
	for i, b := range payload {
		bytes[i] = int(b)
	}
	input := vm.NewObject()
	if err := input.Set("bytes", bytes); err != nil {
		return nil, errors.Wrap(err, "decode: failed to build script input")
	}

	result, err := fn(goja.Undefined(), input)
	if err != nil {
		return nil, interruptAwareWrap(err, "decode: decodeUplink threw")
	}

	return parseJSResult(result)
}

func interruptAwareWrap(err error, msg string) error {
	if ie, ok := err.(*goja.InterruptedError); ok {
		return errors.Wrap(ie, msg)
	}
	return errors.Wrap(err, msg)
}

// parseJSResult converts the script's exported {data: [{id, data}, ...]}
// value into Items using goja's plain-Go Export rather than walking the
// runtime's object model by hand.
func parseJSResult(v goja.Value) ([]Item, error) {
	exported, ok := v.Export().(map[string]interface{})
	if !ok {
		return nil, errors.New("decode: decodeUplink did not return an object")
	}
	rawList, ok := exported["data"].([]interface{})
	if !ok {
		return nil, errors.New("decode: decodeUplink result missing a data array")
	}

	items := make([]Item, 0, len(rawList))
	for i, rawEntry := range rawList {
		entry, ok := rawEntry.(map[string]interface{})
		if !ok {
			return nil, errors.Errorf("decode: data[%s] is not an object", strconv.Itoa(i))
		}
		idVal, hasID := entry["id"]
		dataVal, hasData := entry["data"]
		if !hasID || !hasData {
			return nil, errors.Errorf("decode: data[%s] missing id or data", strconv.Itoa(i))
		}
		id, err := toUint32(idVal)
		if err != nil {
			return nil, errors.Wrapf(err, "decode: data[%s].id", strconv.Itoa(i))
		}
		items = append(items, Item{DataID: id, Value: dataVal})
	}
	return items, nil
}

func toUint32(v interface{}) (uint32, error) {
	switch n := v.(type) {
	case int64:
		return uint32(n), nil
	case float64:
		return uint32(n), nil
	default:
		return 0, errors.Errorf("unsupported id type %T", v)
	}
}
