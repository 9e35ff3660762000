package policy

import (
	"sync"
	"sync/atomic"
	"time"
)

// limitKey identifies one capability of one context for one agent.
type limitKey struct {
	agentID string
	context string
	index   int
	pattern string
}

// window is a fixed-window counter. The high 32 bits of state hold the
// window number and the low 32 bits the calls counted in it.
type window struct {
	state      atomic.Uint64
	perSeconds uint32
}

// detached marks a window removed by Prune. Callers holding a detached
// window must look the key up again.
const detached = ^uint64(0)

// take counts one call in windowID if the limit allows it. It returns the
// count after the attempt, whether the call was admitted, and false for
// live when the window has been detached.
func (w *window) take(windowID, limit uint32) (count uint32, admitted, live bool) {
	for {
		old := w.state.Load()
		if old == detached {
			return 0, false, false
		}
		id, count := uint32(old>>32), uint32(old)
		if id != windowID {
			count = 0
		}
		if count >= limit {
			return count, false, true
		}
		next := uint64(windowID)<<32 | uint64(count+1)
		if w.state.CompareAndSwap(old, next) {
			return count + 1, true, true
		}
	}
}

// detach retires w when its last counted window ended at least one full
// period before current. A call racing with detach either lands first, and
// keeps the window, or observes the detached state and retries.
func (w *window) detach(current uint32) bool {
	for {
		old := w.state.Load()
		if old == detached || uint32(old>>32)+1 >= current {
			return false
		}
		if w.state.CompareAndSwap(old, detached) {
			return true
		}
	}
}

// RateLimiter tracks per-agent, per-capability fixed windows.
// Safe for concurrent use.
type RateLimiter struct {
	windows sync.Map // limitKey -> *window
}

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{}
}

// Allow counts a call against rl for key at time now.
func (r *RateLimiter) Allow(key limitKey, rl RateLimit, now time.Time) (uint32, bool) {
	id := windowNumber(now, rl.PerSeconds)
	for {
		v, ok := r.windows.Load(key)
		if !ok {
			v, _ = r.windows.LoadOrStore(key, &window{perSeconds: rl.PerSeconds})
		}
		w := v.(*window)
		count, admitted, live := w.take(id, rl.Calls)
		if live {
			return count, admitted
		}
		r.windows.CompareAndDelete(key, w)
	}
}

// Prune drops counters whose window closed more than one period ago.
func (r *RateLimiter) Prune(now time.Time) int {
	removed := 0
	r.windows.Range(func(k, v any) bool {
		w := v.(*window)
		if w.detach(windowNumber(now, w.perSeconds)) {
			r.windows.CompareAndDelete(k, w)
			removed++
		}
		return true
	})
	return removed
}

// Len returns the number of tracked counters.
func (r *RateLimiter) Len() int {
	n := 0
	r.windows.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func windowNumber(now time.Time, perSeconds uint32) uint32 {
	if perSeconds == 0 {
		perSeconds = 1
	}
	return uint32(now.Unix() / int64(perSeconds))
}
