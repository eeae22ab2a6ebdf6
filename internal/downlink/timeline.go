package downlink

import (
	"sync"
	"time"

	"github.com/snapemu/lora-server/internal/ids"
)

// slotSpacing is the minimum gap enforced between two downlinks dispatched
// to the same gateway: a 2-second floor on gateway duty cycle.
const slotSpacing = 2 * time.Second

// GatewayTimeline hands out dispatch slots per gateway EUI, guaranteeing
// slotSpacing between any two slots for the same gateway. It is a process-
// wide, mutex-guarded shared resource.
type GatewayTimeline struct {
	mu      sync.Mutex
	nextAt  map[ids.Eui]time.Time
	nowFunc func() time.Time
}

// NewGatewayTimeline constructs an empty timeline.
func NewGatewayTimeline() *GatewayTimeline {
	return &GatewayTimeline{
		nextAt:  make(map[ids.Eui]time.Time),
		nowFunc: time.Now,
	}
}

// Reserve returns the duration the caller must sleep before its downlink to
// gateway may be sent, and advances the gateway's cursor by slotSpacing.
func (t *GatewayTimeline) Reserve(gateway ids.Eui) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFunc()
	cursor, ok := t.nextAt[gateway]
	if !ok || cursor.Before(now) {
		t.nextAt[gateway] = now.Add(slotSpacing)
		return 0
	}
	t.nextAt[gateway] = cursor.Add(slotSpacing)
	return cursor.Sub(now)
}
