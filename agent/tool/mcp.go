package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"
)

const mcpClientName = "moneta-advisor"

// MCPConfig lists external MCP servers and the agents that may use their tools.
// Servers entries are "name=command args..." or "name=https://host/mcp".
// Agents entries are "server=agent-id".
type MCPConfig struct {
	Servers        []string      `envconfig:"SERVERS" split_words:"true"`
	Agents         []string      `envconfig:"AGENTS" split_words:"true"`
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" split_words:"true" default:"30s"`
}

type MCPServer struct {
	Name    string
	Command string
	Args    []string
	URL     string
}

func (c MCPConfig) ParseServers() ([]MCPServer, error) {
	out := make([]MCPServer, 0, len(c.Servers))
	for _, entry := range c.Servers {
		name, target, ok := strings.Cut(entry, "=")
		name, target = strings.TrimSpace(name), strings.TrimSpace(target)
		if !ok || name == "" || target == "" {
			return nil, fmt.Errorf("invalid mcp server entry %q", entry)
		}
		if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
			out = append(out, MCPServer{Name: name, URL: target})
			continue
		}
		fields := strings.Fields(target)
		out = append(out, MCPServer{Name: name, Command: fields[0], Args: fields[1:]})
	}
	return out, nil
}

// AgentBindings maps server names to the agent ids allowed to call them.
func (c MCPConfig) AgentBindings() (map[string][]string, error) {
	out := make(map[string][]string)
	for _, entry := range c.Agents {
		server, agent, ok := strings.Cut(entry, "=")
		server, agent = strings.TrimSpace(server), strings.TrimSpace(agent)
		if !ok || server == "" || agent == "" {
			return nil, fmt.Errorf("invalid mcp agent entry %q", entry)
		}
		out[server] = append(out[server], agent)
	}
	return out, nil
}

// MCPSession is the subset of *sdkmcp.ClientSession used by MCP tools.
type MCPSession interface {
	ListTools(ctx context.Context, params *sdkmcp.ListToolsParams) (*sdkmcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *sdkmcp.CallToolParams) (*sdkmcp.CallToolResult, error)
	Close() error
}

func ConnectMCP(ctx context.Context, server MCPServer) (*sdkmcp.ClientSession, error) {
	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: mcpClientName, Version: "1.0.0"}, nil)

	var transport sdkmcp.Transport
	if server.URL != "" {
		transport = &sdkmcp.StreamableClientTransport{
			Endpoint:   server.URL,
			HTTPClient: &http.Client{},
		}
	} else {
		transport = &sdkmcp.CommandTransport{Command: exec.Command(server.Command, server.Args...)}
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect mcp server %q: %w", server.Name, err)
	}
	return session, nil
}

// MCPTool forwards calls to one tool of a connected MCP server.
type MCPTool struct {
	session MCPSession
	server  string
	remote  string
	info    *schema.ToolInfo
	params  map[string]any
}

var _ Tool = (*MCPTool)(nil)

func NewMCPTool(session MCPSession, server string, remote *sdkmcp.Tool) *MCPTool {
	params := schemaMap(remote.InputSchema)
	desc := remote.Description
	if desc == "" {
		desc = fmt.Sprintf("MCP tool from %s server", server)
	}
	return &MCPTool{
		session: session,
		server:  server,
		remote:  remote.Name,
		info: &schema.ToolInfo{
			Name:        MCPToolName(server, remote.Name),
			Desc:        desc,
			ParamsOneOf: schema.NewParamsOneOfByParams(ParamsFromSchema(params)),
		},
		params: params,
	}
}

func (t *MCPTool) Info() *schema.ToolInfo { return t.info }

func (t *MCPTool) Parameters() map[string]any { return t.params }

func (t *MCPTool) Invoke(ctx context.Context, arguments string) (string, error) {
	args, err := DecodeArguments(arguments)
	if err != nil {
		return "", err
	}
	result, err := t.session.CallTool(ctx, &sdkmcp.CallToolParams{Name: t.remote, Arguments: args})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &Error{Code: CodeTimeout, Message: "mcp call timed out", Err: err}
		}
		return "", &Error{Code: CodeUnavailable, Message: fmt.Sprintf("mcp server %s", t.server), Err: err}
	}
	if result == nil {
		return "", NewError(CodeExecution, "mcp tool returned no result")
	}
	text := mcpText(result)
	if result.IsError {
		return "", NewError(CodeExecution, "mcp tool error: %s", text)
	}
	return text, nil
}

// MCPToolName is "mcp_<server>_<tool>" with both parts reduced to [a-z0-9_-].
func MCPToolName(server, remote string) string {
	name := "mcp_" + sanitizeName(server) + "_" + sanitizeName(remote)
	if len(name) > 64 {
		name = strings.TrimRight(name[:64], "_")
	}
	return name
}

func sanitizeName(s string) string {
	var b strings.Builder
	prevUnderscore := false
	for _, r := range strings.ToLower(s) {
		allowed := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-'
		if !allowed {
			if !prevUnderscore {
				b.WriteByte('_')
				prevUnderscore = true
			}
			continue
		}
		prevUnderscore = false
		b.WriteRune(r)
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "unnamed"
	}
	return out
}

func schemaMap(inputSchema any) map[string]any {
	empty := map[string]any{"type": "object", "properties": map[string]any{}, "required": []string{}}
	if inputSchema == nil {
		return empty
	}
	if m, ok := inputSchema.(map[string]any); ok {
		return m
	}
	raw, err := json.Marshal(inputSchema)
	if err != nil {
		return empty
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return empty
	}
	return out
}

func mcpText(result *sdkmcp.CallToolResult) string {
	parts := make([]string, 0, len(result.Content)+1)
	for _, c := range result.Content {
		switch v := c.(type) {
		case *sdkmcp.TextContent:
			parts = append(parts, v.Text)
		case *sdkmcp.ImageContent:
			parts = append(parts, fmt.Sprintf("[image: %s]", v.MIMEType))
		default:
			parts = append(parts, fmt.Sprintf("[content: %T]", v))
		}
	}
	if len(parts) == 0 && result.StructuredContent != nil {
		if raw, err := json.Marshal(result.StructuredContent); err == nil {
			parts = append(parts, string(raw))
		}
	}
	return strings.Join(parts, "\n")
}

// MCPToolset holds the sessions and discovered tools of every configured server.
type MCPToolset struct {
	sessions map[string]MCPSession
	tools    map[string][]Tool
	bindings map[string][]string
}

func (s *MCPToolset) Add(ctx context.Context, server string, session MCPSession) error {
	result, err := session.ListTools(ctx, nil)
	if err != nil {
		return fmt.Errorf("list tools of mcp server %q: %w", server, err)
	}
	tools := make([]Tool, 0, len(result.Tools))
	for _, remote := range result.Tools {
		tools = append(tools, NewMCPTool(session, server, remote))
	}
	s.sessions[server] = session
	s.tools[server] = tools
	log.Info().Str("component", "mcp").Str("server", server).Int("tools", len(tools)).Msg("mcp tools loaded")
	return nil
}

func NewMCPToolset(bindings map[string][]string) *MCPToolset {
	if bindings == nil {
		bindings = map[string][]string{}
	}
	return &MCPToolset{
		sessions: make(map[string]MCPSession),
		tools:    make(map[string][]Tool),
		bindings: bindings,
	}
}

// OpenMCPToolset connects every configured server. A server that fails to
// connect aborts startup.
func OpenMCPToolset(ctx context.Context, cfg MCPConfig) (*MCPToolset, error) {
	servers, err := cfg.ParseServers()
	if err != nil {
		return nil, err
	}
	bindings, err := cfg.AgentBindings()
	if err != nil {
		return nil, err
	}
	set := NewMCPToolset(bindings)
	for _, server := range servers {
		connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		session, err := ConnectMCP(connectCtx, server)
		if err == nil {
			err = set.Add(connectCtx, server.Name, session)
		}
		cancel()
		if err != nil {
			_ = set.Close()
			return nil, err
		}
	}
	return set, nil
}

func (s *MCPToolset) Tools() []Tool {
	var out []Tool
	for _, tools := range s.tools {
		out = append(out, tools...)
	}
	return out
}

// ToolNamesFor returns the MCP tool names bound to agentID.
func (s *MCPToolset) ToolNamesFor(agentID string) []string {
	var out []string
	for server, agents := range s.bindings {
		for _, a := range agents {
			if a != agentID {
				continue
			}
			for _, t := range s.tools[server] {
				out = append(out, t.Info().Name)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (s *MCPToolset) Close() error {
	var errs []error
	for name, session := range s.sessions {
		if err := session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close mcp server %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
