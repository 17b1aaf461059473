// Package manager owns the set of MCP server connections and routes tool calls.
//
// # Overview
//
// The Manager is the public surface of the module: callers connect servers by
// id, discover tools, invoke them, and subscribe to sandbox-state changes.
// Each server gets exactly one Connection, created at Connect and destroyed
// at Disconnect or after the reconnection policy gives up.
//
//	mgr := manager.New(manager.Options{Logger: logger})
//	defer mgr.Shutdown()
//
//	err := mgr.Connect(ctx, manager.ServerConfig{
//	    ID:        "files",
//	    Transport: transport.Descriptor{Kind: transport.KindStdio, Command: "file-server"},
//	})
//	tools, stale, err := mgr.ListTools("files")
//	result, err := mgr.CallTool(ctx, "files", "read_file", args)
//
// A Manager is an explicit instance with its own lifecycle, not a process
// singleton; embedding applications create one and tear it down.
//
// # Tool cache
//
// Discovered tool schemas are cached per server and replaced atomically on
// every successful discovery. The snapshot goes stale when a connection
// degrades (still readable, best effort) and is cleared when the connection
// drops; it is repopulated before the connection accepts calls again.
// A tools/list_changed notification triggers immediate re-discovery.
//
// # Health monitoring
//
// A background monitor pings every Ready connection at a fixed interval,
// probing Degraded connections more frequently until they recover or the
// failure threshold forces a reconnect. Probe outcomes feed each
// connection's state machine; the monitor never blocks tool calls.
//
// # Concurrency
//
// The registry lock only guards map mutation; dispatch lookups proceed
// concurrently. Per-connection work is isolated: a stalled server never
// blocks calls to another.
package manager
