package capture

import (
	"strconv"
	"sync"
	"time"
)

// unixEpochTicks is 1970-01-01 expressed in 100ns ticks since 0001-01-01 UTC,
// the tick scale the backend uses for attempt instants.
const unixEpochTicks int64 = 621_355_968_000_000_000

// Ticks converts t to 100ns ticks since 0001-01-01 UTC.
func Ticks(t time.Time) int64 {
	return unixEpochTicks + t.UnixNano()/100
}

// KeyMinter produces confirmation idempotency keys of the form
// "{entityId}-{attemptInstantTicks}". Keys for one entity are strictly
// increasing, so two attempts never share a key even when their instants
// fall in the same tick.
type KeyMinter struct {
	mu   sync.Mutex
	last map[string]int64
}

// NewKeyMinter creates an empty KeyMinter.
func NewKeyMinter() *KeyMinter {
	return &KeyMinter{last: make(map[string]int64)}
}

// Mint returns a fresh key for entityID at the attempt instant.
func (k *KeyMinter) Mint(entityID string, instant time.Time) string {
	k.mu.Lock()
	defer k.mu.Unlock()

	ticks := Ticks(instant)
	if prev, ok := k.last[entityID]; ok && ticks <= prev {
		ticks = prev + 1
	}
	k.last[entityID] = ticks
	return entityID + "-" + strconv.FormatInt(ticks, 10)
}
