// ABOUTME: MCP method names and payload structures for handshake, discovery and tool calls.
// ABOUTME: Mirrors the 2024-11-05 protocol revision spoken by stdio tool servers.

package protocol

import "encoding/json"

// ProtocolVersion is the MCP revision advertised during initialize.
const ProtocolVersion = "2024-11-05"

// MCP method names.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodListTools   = "tools/list"
	MethodCallTool    = "tools/call"

	// MethodPing is the reserved liveness-probe method. Any response,
	// including a protocol-level error, counts as liveness.
	MethodPing = "ping"

	MethodToolListChanged = "notifications/tools/list_changed"
	MethodSandboxState    = "notifications/sandbox_state"
)

// ToolSchema describes a callable tool exposed by a server. The input schema
// is an opaque JSON Schema document, not interpreted here.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ServerInfo is returned by a server in its initialize result.
type ServerInfo struct {
	Name            string             `json:"name"`
	Version         string             `json:"version,omitempty"`
	ProtocolVersion string             `json:"protocolVersion,omitempty"`
	Capabilities    ServerCapabilities `json:"capabilities,omitempty"`
}

// ServerCapabilities advertises the optional feature sets a server supports.
type ServerCapabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Sampling  *SamplingCapability  `json:"sampling,omitempty"`
}

// ToolsCapability covers tool listing and change notifications.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability covers resource subscription and change notifications.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// PromptsCapability covers prompt listing change notifications.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability is an empty marker object.
type SamplingCapability struct{}

// InitializeParams are the params sent with the initialize request.
type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ClientInfo      ClientInfo      `json:"clientInfo"`
}

// ClientInfo identifies this client to the server.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the initialize response payload. Servers differ on
// whether serverInfo is nested or flattened, so both layouts are accepted.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion,omitempty"`
	Capabilities    ServerCapabilities `json:"capabilities,omitempty"`
	ServerInfo      *ClientInfo        `json:"serverInfo,omitempty"`

	// Flattened layout (older servers put name/version at the top level).
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Info normalizes an InitializeResult into a ServerInfo.
func (r *InitializeResult) Info() ServerInfo {
	info := ServerInfo{
		Name:            r.Name,
		Version:         r.Version,
		ProtocolVersion: r.ProtocolVersion,
		Capabilities:    r.Capabilities,
	}
	if r.ServerInfo != nil {
		info.Name = r.ServerInfo.Name
		info.Version = r.ServerInfo.Version
	}
	return info
}

// ListToolsResult is the tools/list response payload.
type ListToolsResult struct {
	Tools []ToolSchema `json:"tools"`
}

// CallToolParams are the params for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the tools/call response payload.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content is one element of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// SandboxStateParams carry a sandbox-state notification in either direction.
type SandboxStateParams struct {
	Enabled bool   `json:"enabled"`
	Policy  string `json:"policy,omitempty"`
}
