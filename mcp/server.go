package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// maxFrame bounds one stdin line. Run inputs are small JSON objects; the
// headroom is for resource reads of large pack manifests.
const maxFrame = 8 << 20

// ToolHandler pairs a tool definition with its implementation.
type ToolHandler struct {
	Definition ToolDefinition
	// Execute runs the tool. It receives the raw tools/call arguments and
	// the Serve context, which is cancelled on shutdown.
	Execute func(ctx context.Context, args json.RawMessage) ToolCallResult
}

// Resource is a readable document, re-read on every resources/read.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
	Read        func() string
}

// Server speaks MCP over stdio. Register tools and resources, then call
// Serve; registration is not safe once Serve is running.
//
// Tool calls execute inline on the read loop. A run_<packId> call can take
// minutes, and running calls one at a time keeps a single stdio client's
// ordering intact while the engine's limiter bounds cross-client load.
type Server struct {
	info      peerInfo
	tools     []ToolHandler
	resources []Resource

	in  io.Reader
	out io.Writer
	wmu sync.Mutex // one frame per write
}

// New creates a Server bound to stdin/stdout.
func New(name, version string) *Server {
	return &Server{
		info: peerInfo{Name: name, Version: version},
		in:   os.Stdin,
		out:  os.Stdout,
	}
}

// AddTool registers a tool. Listing order follows registration order.
func (s *Server) AddTool(h ToolHandler) { s.tools = append(s.tools, h) }

// AddResource registers a resource.
func (s *Server) AddResource(r Resource) { s.resources = append(s.resources, r) }

// Serve reads frames until stdin closes or ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	sc := bufio.NewScanner(s.in)
	sc.Buffer(make([]byte, 0, 64<<10), maxFrame)

	for sc.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		frame := sc.Bytes()
		if len(frame) == 0 {
			continue
		}
		s.accept(ctx, frame)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("mcp: read stdin: %w", err)
	}
	return nil
}

// accept splits JSON-RPC batches; everything else is a single message.
func (s *Server) accept(ctx context.Context, frame []byte) {
	if frame[0] != '[' {
		s.one(ctx, frame)
		return
	}
	var batch []json.RawMessage
	if err := json.Unmarshal(frame, &batch); err != nil {
		s.fail(json.RawMessage("null"), codeParse, "parse error")
		return
	}
	for _, raw := range batch {
		s.one(ctx, raw)
	}
}

func (s *Server) one(ctx context.Context, raw []byte) {
	var m inbound
	if err := json.Unmarshal(raw, &m); err != nil {
		s.fail(json.RawMessage("null"), codeParse, "parse error")
		return
	}
	if strings.HasPrefix(m.Method, "notifications/") {
		return
	}

	switch m.Method {
	case "initialize":
		s.hello(&m)
	case "ping":
		s.reply(m.ID, struct{}{})
	case "tools/list":
		s.reply(m.ID, toolList{Tools: s.definitions()})
	case "tools/call":
		s.callTool(ctx, &m)
	case "resources/list":
		s.reply(m.ID, resourceList{Resources: s.resourceMetas()})
	case "resources/read":
		s.readResource(&m)
	default:
		if m.wantsReply() {
			s.fail(m.ID, codeMethodNotFound, "method not found: "+m.Method)
		}
	}
}

func (s *Server) hello(m *inbound) {
	var client clientHello
	if len(m.Params) > 0 {
		if err := json.Unmarshal(m.Params, &client); err == nil && client.ClientInfo.Name != "" {
			log.Printf("[mcp] client connected: %s %s", client.ClientInfo.Name, client.ClientInfo.Version)
		}
	}

	var c caps
	if len(s.tools) > 0 {
		c.Tools = &capFlags{}
	}
	if len(s.resources) > 0 {
		c.Resources = &capFlags{}
	}
	s.reply(m.ID, helloResult{
		ProtocolVersion: mcpVersion,
		Capabilities:    c,
		ServerInfo:      s.info,
	})
}

func (s *Server) callTool(ctx context.Context, m *inbound) {
	var call toolCall
	if err := json.Unmarshal(m.Params, &call); err != nil {
		s.fail(m.ID, codeInvalidParams, "invalid params: "+err.Error())
		return
	}
	for _, t := range s.tools {
		if t.Definition.Name == call.Name {
			s.reply(m.ID, t.Execute(ctx, call.Arguments))
			return
		}
	}
	s.reply(m.ID, ErrorResult("unknown tool: "+call.Name))
}

func (s *Server) readResource(m *inbound) {
	var ref resourceRef
	if err := json.Unmarshal(m.Params, &ref); err != nil {
		s.fail(m.ID, codeInvalidParams, "invalid params: "+err.Error())
		return
	}
	for _, r := range s.resources {
		if r.URI == ref.URI {
			s.reply(m.ID, resourceBody{Contents: []resourceText{{
				URI:      r.URI,
				MimeType: r.MimeType,
				Text:     r.Read(),
			}}})
			return
		}
	}
	s.fail(m.ID, codeInvalidParams, "resource not found: "+ref.URI)
}

func (s *Server) definitions() []ToolDefinition {
	defs := make([]ToolDefinition, len(s.tools))
	for i, t := range s.tools {
		defs[i] = t.Definition
	}
	return defs
}

func (s *Server) resourceMetas() []resourceMeta {
	metas := make([]resourceMeta, len(s.resources))
	for i, r := range s.resources {
		metas[i] = resourceMeta{URI: r.URI, Name: r.Name, Description: r.Description, MimeType: r.MimeType}
	}
	return metas
}

func (s *Server) reply(id json.RawMessage, result any) {
	s.send(outbound{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) fail(id json.RawMessage, code int, message string) {
	s.send(outbound{JSONRPC: "2.0", ID: id, Error: &wireError{Code: code, Message: message}})
}

func (s *Server) send(frame outbound) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("[mcp] encode frame: %v", err)
		return
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	data = append(data, '\n')
	if _, err := s.out.Write(data); err != nil {
		log.Printf("[mcp] write frame: %v", err)
	}
}
