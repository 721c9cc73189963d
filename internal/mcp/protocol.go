// Package mcp implements the client side of the Model Context Protocol:
// JSON-RPC 2.0 over newline-delimited JSON on a child process's stdio.
package mcp

import "encoding/json"

// Message represents a JSON-RPC 2.0 message
type Message struct {
	Jsonrpc string          `json:"jsonrpc"`
	Id      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  interface{}     `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// NewRequest creates a request message
func NewRequest(id int64, method string, params interface{}) *Message {
	return &Message{
		Jsonrpc: "2.0",
		Id:      id,
		Method:  method,
		Params:  params,
	}
}

// NewNotification creates a notification message (no id)
func NewNotification(method string, params interface{}) *Message {
	return &Message{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  params,
	}
}

// IsResponse checks if the message is a response to some request
func (m *Message) IsResponse() bool {
	return m.Id != nil && m.Method == ""
}

// MCP method names
const (
	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodListTools   = "tools/list"
	methodCallTool    = "tools/call"
)

// protocolVersion is the MCP revision this client speaks
const protocolVersion = "2024-11-05"

// initializeParams is sent in the capability handshake
type initializeParams struct {
	ProtocolVersion string           `json:"protocolVersion"`
	Capabilities    struct{}         `json:"capabilities"`
	ClientInfo      clientInfoParams `json:"clientInfo"`
}

type clientInfoParams struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the server's half of the handshake
type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

// ToolInfo describes one tool as reported by a server
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// listToolsResult is the tools/list response payload
type listToolsResult struct {
	Tools []ToolInfo `json:"tools"`
}

// callToolParams is the tools/call request payload
type callToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// contentPart is one block of a tool result
type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// callToolResult is the tools/call response payload
type callToolResult struct {
	Content []contentPart `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}
