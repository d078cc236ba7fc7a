package lifecycle

import "sync/atomic"

// Lifecycle holds process-wide shutdown state shared across handlers.
// While draining, new sessions are refused and readiness reports not-ready
// so the load balancer stops routing here.
type Lifecycle struct {
	draining atomic.Bool
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
