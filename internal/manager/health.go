// ABOUTME: Background health monitor: periodic ping probes against Ready and
// ABOUTME: Degraded connections, feeding outcomes into their miss counters.

package manager

import (
	"context"
	"sync"
	"time"

	"github.com/2389/mcpmux/internal/conn"
)

// monitor probes connections on a fixed tick. Ready servers are probed at
// the normal interval; Degraded servers at the shorter recovery interval so
// they promote back quickly once the server responds again.
type monitor struct {
	m *Manager

	mu        sync.Mutex
	inflight  map[string]bool
	lastProbe map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newMonitor(m *Manager) *monitor {
	return &monitor{
		m:         m,
		inflight:  make(map[string]bool),
		lastProbe: make(map[string]time.Time),
	}
}

func (mon *monitor) start() {
	mon.stopCh = make(chan struct{})
	mon.wg.Add(1)
	go mon.run()
}

func (mon *monitor) stop() {
	close(mon.stopCh)
	mon.wg.Wait()
}

func (mon *monitor) run() {
	defer mon.wg.Done()

	tick := mon.m.opts.DegradedInterval
	if mon.m.opts.ProbeInterval < tick {
		tick = mon.m.opts.ProbeInterval
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-mon.stopCh:
			return
		case <-ticker.C:
			mon.sweep()
		}
	}
}

// sweep launches a probe for every connection that is due. A server with a
// probe already in flight is skipped so slow servers never accumulate
// concurrent probes.
func (mon *monitor) sweep() {
	m := mon.m
	m.mu.RLock()
	conns := make([]*conn.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	now := time.Now()
	for _, c := range conns {
		var interval time.Duration
		switch c.State() {
		case conn.StateReady:
			interval = m.opts.ProbeInterval
		case conn.StateDegraded:
			interval = m.opts.DegradedInterval
		default:
			continue
		}

		id := c.ServerID()
		mon.mu.Lock()
		if mon.inflight[id] || now.Sub(mon.lastProbe[id]) < interval {
			mon.mu.Unlock()
			continue
		}
		mon.inflight[id] = true
		mon.lastProbe[id] = now
		mon.mu.Unlock()

		mon.wg.Add(1)
		go mon.probe(c)
	}
}

func (mon *monitor) probe(c *conn.Connection) {
	defer mon.wg.Done()
	defer func() {
		mon.mu.Lock()
		delete(mon.inflight, c.ServerID())
		mon.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), mon.m.opts.ProbeTimeout)
	defer cancel()

	err := c.Ping(ctx)
	c.RecordProbe(err == nil)
	if err != nil {
		mon.m.logger.Debug("probe missed",
			"server_id", c.ServerID(), "error", err)
	}
}
