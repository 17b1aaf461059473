// ABOUTME: Per-server tool schema cache with atomic snapshot replacement.
// ABOUTME: Snapshots go stale on degradation and are cleared on disconnect.

package manager

import (
	"sort"
	"sync"

	"github.com/2389/mcpmux/internal/protocol"
)

// toolSnapshot is one server's discovered tool list. A stale snapshot is
// still readable; callers needing freshness re-trigger discovery.
type toolSnapshot struct {
	tools []protocol.ToolSchema
	stale bool
}

func (s *toolSnapshot) has(name string) bool {
	for _, t := range s.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// toolCache maps server ids to their latest tool snapshot.
type toolCache struct {
	mu    sync.RWMutex
	snaps map[string]*toolSnapshot
}

func newToolCache() *toolCache {
	return &toolCache{snaps: make(map[string]*toolSnapshot)}
}

// set replaces the server's snapshot atomically with a fresh one.
func (c *toolCache) set(serverID string, tools []protocol.ToolSchema) {
	copied := make([]protocol.ToolSchema, len(tools))
	copy(copied, tools)
	c.mu.Lock()
	c.snaps[serverID] = &toolSnapshot{tools: copied}
	c.mu.Unlock()
}

// markStale flags the snapshot as possibly out of date without dropping it.
func (c *toolCache) markStale(serverID string) {
	c.mu.Lock()
	if snap, ok := c.snaps[serverID]; ok {
		snap.stale = true
	}
	c.mu.Unlock()
}

// invalidate drops the snapshot entirely; used when the connection is lost.
func (c *toolCache) invalidate(serverID string) {
	c.mu.Lock()
	delete(c.snaps, serverID)
	c.mu.Unlock()
}

// get returns a copy of the snapshot's tools and whether one exists.
func (c *toolCache) get(serverID string) ([]protocol.ToolSchema, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snaps[serverID]
	if !ok {
		return nil, false, false
	}
	tools := make([]protocol.ToolSchema, len(snap.tools))
	copy(tools, snap.tools)
	return tools, snap.stale, true
}

// hasFresh reports whether the server has a non-stale snapshot containing the
// tool. Used to pre-reject calls for tools the server is known not to have.
func (c *toolCache) hasFresh(serverID, tool string) (known, present bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snaps[serverID]
	if !ok || snap.stale {
		return false, false
	}
	return true, snap.has(tool)
}

// all returns every cached tool across servers, grouped by sorted server id.
func (c *toolCache) all() []protocol.ToolSchema {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.snaps))
	for id := range c.snaps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []protocol.ToolSchema
	for _, id := range ids {
		out = append(out, c.snaps[id].tools...)
	}
	return out
}

// find locates a tool by name across all servers, scanning in sorted server
// id order so lookups are deterministic.
func (c *toolCache) find(name string) (string, protocol.ToolSchema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.snaps))
	for id := range c.snaps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		for _, t := range c.snaps[id].tools {
			if t.Name == name {
				return id, t, true
			}
		}
	}
	return "", protocol.ToolSchema{}, false
}
