package health

import (
	"context"
	"sync"
	"time"
)

// Monitor probes one session's round-trip latency. It emits a ping on a
// fixed interval and expects the peer to echo the timestamp back; several
// consecutive unanswered pings flag the session degraded without closing
// it.
type Monitor struct {
	interval time.Duration
	missMax  int

	sendPing   func(ts time.Time)
	onRTT      func(rtt time.Duration)
	onDegraded func(degraded bool)

	mu          sync.Mutex
	outstanding int
	degraded    bool
	lastRTT     time.Duration
}

func NewMonitor(interval time.Duration, missMax int, sendPing func(time.Time), onRTT func(time.Duration), onDegraded func(bool)) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if missMax <= 0 {
		missMax = 3
	}
	return &Monitor{
		interval:   interval,
		missMax:    missMax,
		sendPing:   sendPing,
		onRTT:      onRTT,
		onDegraded: onDegraded,
	}
}

// Run emits pings until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	m.mu.Lock()
	m.outstanding++
	flag := false
	if m.outstanding > m.missMax && !m.degraded {
		m.degraded = true
		flag = true
	}
	m.mu.Unlock()

	if flag && m.onDegraded != nil {
		m.onDegraded(true)
	}
	m.sendPing(time.Now())
}

// HandlePong records the echoed timestamp. A non-positive computed RTT is
// clamped to zero; clock skew must never produce a negative latency.
func (m *Monitor) HandlePong(echoed time.Time) {
	rtt := time.Since(echoed)
	if rtt < 0 {
		rtt = 0
	}

	m.mu.Lock()
	m.outstanding = 0
	m.lastRTT = rtt
	cleared := m.degraded
	m.degraded = false
	m.mu.Unlock()

	if m.onRTT != nil {
		m.onRTT(rtt)
	}
	if cleared && m.onDegraded != nil {
		m.onDegraded(false)
	}
}

func (m *Monitor) LastRTT() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRTT
}

func (m *Monitor) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}
