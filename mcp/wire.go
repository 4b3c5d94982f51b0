// Package mcp serves task packs over the Model Context Protocol on stdio.
// Every loaded pack becomes a run_<packId> tool and a readable manifest
// resource, and the result store is exposed through query_results and
// list_results, so an MCP client can trigger flows and page through stored
// collectibles without touching the CLI.
package mcp

import "encoding/json"

// mcpVersion is the protocol revision this server implements. Transport is
// newline-delimited JSON-RPC 2.0 over stdin/stdout.
const mcpVersion = "2025-03-26"

// JSON-RPC 2.0 error codes the dispatcher emits.
const (
	codeParse          = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// inbound is one decoded client frame: a request when it carries an id, a
// notification when it does not.
type inbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (m *inbound) wantsReply() bool {
	return len(m.ID) > 0 && string(m.ID) != "null"
}

// outbound is one server frame, written as a single line.
type outbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// peerInfo names one side of the session, in both directions of the
// initialize handshake.
type peerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// clientHello is the slice of the initialize params the server cares
// about; the client's declared capabilities are ignored.
type clientHello struct {
	ProtocolVersion string   `json:"protocolVersion"`
	ClientInfo      peerInfo `json:"clientInfo"`
}

// helloResult answers initialize. A capability is advertised only when at
// least one tool or resource is registered.
type helloResult struct {
	ProtocolVersion string   `json:"protocolVersion"`
	Capabilities    caps     `json:"capabilities"`
	ServerInfo      peerInfo `json:"serverInfo"`
}

type caps struct {
	Tools     *capFlags `json:"tools,omitempty"`
	Resources *capFlags `json:"resources,omitempty"`
}

type capFlags struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolDefinition describes one callable tool in tools/list.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"inputSchema"`
}

type toolList struct {
	Tools []ToolDefinition `json:"tools"`
}

// toolCall is the tools/call request payload.
type toolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallResult is the tools/call answer. Tool failures travel inside the
// result with IsError set, not as JSON-RPC errors, so clients can show the
// (already redacted) message to the model.
type ToolCallResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextResult wraps text in a successful ToolCallResult.
func TextResult(text string) ToolCallResult {
	return ToolCallResult{Content: []contentBlock{{Type: "text", Text: text}}}
}

// ErrorResult wraps text in a failed ToolCallResult.
func ErrorResult(text string) ToolCallResult {
	return ToolCallResult{Content: []contentBlock{{Type: "text", Text: text}}, IsError: true}
}

// resourceMeta describes one resource in resources/list.
type resourceMeta struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type resourceList struct {
	Resources []resourceMeta `json:"resources"`
}

// resourceRef is the resources/read request payload.
type resourceRef struct {
	URI string `json:"uri"`
}

type resourceBody struct {
	Contents []resourceText `json:"contents"`
}

type resourceText struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}
