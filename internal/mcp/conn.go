package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"codeask/internal/errors"
	"codeask/internal/logging"
	"codeask/internal/version"
)

// MaxMessageSize is the maximum size for a single protocol message (1MB).
// This accommodates large tool responses.
const MaxMessageSize = 1024 * 1024

// State is a tool server connection state
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// session is the transport surface the registry depends on. The production
// implementation is *Conn; tests substitute fakes.
type session interface {
	CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error)
	State() State
	Close() error
}

// Conn is one stdio connection to an external tool server process
type Conn struct {
	serverID string
	logger   *logging.Logger

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner

	// callMu serializes calls: the stdio transport carries one request and
	// one response at a time, so concurrent dispatches queue here.
	callMu sync.Mutex
	nextID atomic.Int64

	// pending holds the channel awaiting each in-flight request id. The
	// read loop delivers responses here and drops responses whose caller
	// already gave up waiting.
	pendingMu sync.Mutex
	pending   map[int64]chan *Message
	readErr   error

	stateMu sync.Mutex
	state   State
}

// newConn wraps an established stdio pair and starts the read loop
func newConn(serverID string, stdin io.WriteCloser, stdout io.Reader, logger *logging.Logger) *Conn {
	c := &Conn{
		serverID: serverID,
		logger:   logger,
		stdin:    stdin,
		pending:  make(map[int64]chan *Message),
		state:    StateConnecting,
	}
	c.scanner = bufio.NewScanner(stdout)
	c.scanner.Buffer(make([]byte, MaxMessageSize), MaxMessageSize)
	go c.readLoop()
	return c
}

// dial spawns the server process and performs the capability handshake,
// returning the connection and the server's tool list.
func dial(ctx context.Context, spec ServerSpec, logger *logging.Logger) (*Conn, []ToolInfo, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Tool server stderr is noise for us; discard it like the reference
	// clients do rather than interleaving it with our own output.
	cmd.Stderr = io.Discard

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start %q: %w", spec.Command, err)
	}

	c := newConn(spec.ID, stdin, stdout, logger)
	c.cmd = cmd

	tools, err := c.handshake(ctx)
	if err != nil {
		c.teardown()
		c.setState(StateFailed)
		return nil, nil, err
	}

	c.setState(StateConnected)
	return c, tools, nil
}

// handshake runs initialize / initialized / tools/list
func (c *Conn) handshake(ctx context.Context) ([]ToolInfo, error) {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo: clientInfoParams{
			Name:    "codeask",
			Version: version.Version,
		},
	}
	var initRes initializeResult
	if err := c.call(ctx, methodInitialize, params, &initRes); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if err := c.notify(methodInitialized, struct{}{}); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}

	var toolsRes listToolsResult
	if err := c.call(ctx, methodListTools, struct{}{}, &toolsRes); err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	c.logger.Info("Tool server connected", map[string]interface{}{
		"server":  c.serverID,
		"name":    initRes.ServerInfo.Name,
		"version": initRes.ServerInfo.Version,
		"tools":   len(toolsRes.Tools),
	})
	return toolsRes.Tools, nil
}

// CallTool invokes one tool and returns the concatenated text content.
// A caller abandoning the call (context cancelled) leaves the connection
// usable: the in-flight request completes server-side and the read loop
// drops its late response. Timeouts and transport failures move the
// connection to Failed.
func (c *Conn) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	if s := c.State(); s != StateConnected {
		return "", errors.Newf(errors.ToolExecutionFailed, "server %q is %s", c.serverID, s)
	}

	var res callToolResult
	err := c.call(ctx, methodCallTool, callToolParams{Name: name, Arguments: args}, &res)
	if err != nil {
		if _, ok := err.(*RPCError); ok {
			// The server answered; the connection itself is fine.
			return "", errors.New(errors.ToolExecutionFailed, "tool call rejected", err)
		}
		if ctx.Err() == context.Canceled {
			return "", errors.Newf(errors.Cancelled, "tool %q on server %q abandoned by caller", name, c.serverID)
		}
		c.setState(StateFailed)
		if ctx.Err() == context.DeadlineExceeded {
			return "", errors.Newf(errors.Timeout, "tool %q on server %q timed out", name, c.serverID)
		}
		return "", errors.New(errors.ToolExecutionFailed, "transport failure", err)
	}

	text := joinTextContent(res.Content)
	if res.IsError {
		return "", errors.Newf(errors.ToolExecutionFailed, "tool error: %s", text)
	}
	if text == "" {
		return "(empty response)", nil
	}
	return text, nil
}

// call sends a request and blocks for the response matching its id. One
// call is in flight per connection at a time; if the caller gives up, the
// pending slot is dropped and the read loop discards the late response.
func (c *Conn) call(ctx context.Context, method string, params, result interface{}) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	id := c.nextID.Add(1)
	ch, err := c.addPending(id)
	if err != nil {
		return err
	}
	if err := c.writeMessage(NewRequest(id, method, params)); err != nil {
		c.dropPending(id)
		return err
	}

	select {
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	case msg, ok := <-ch:
		if !ok {
			return c.readFailure()
		}
		if msg.Error != nil {
			return msg.Error
		}
		if result != nil && msg.Result != nil {
			if err := json.Unmarshal(msg.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// notify sends a notification (no response expected)
func (c *Conn) notify(method string, params interface{}) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	return c.writeMessage(NewNotification(method, params))
}

func (c *Conn) writeMessage(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := fmt.Fprintf(c.stdin, "%s\n", data); err != nil {
		return fmt.Errorf("write to server: %w", err)
	}
	return nil
}

// readLoop owns the stdout side for the connection's whole life. Responses
// are routed to their pending caller by id; responses nobody is waiting
// for and server-initiated notifications are skipped. A read error closes
// every pending channel and ends the loop.
func (c *Conn) readLoop() {
	for {
		msg, err := c.readMessage()
		if err != nil {
			c.failPending(err)
			return
		}
		if !msg.IsResponse() {
			continue
		}
		id, ok := responseID(msg)
		if !ok {
			continue
		}

		c.pendingMu.Lock()
		ch, waiting := c.pending[id]
		delete(c.pending, id)
		c.pendingMu.Unlock()

		if !waiting {
			c.logger.Debug("Dropping response to abandoned request", map[string]interface{}{
				"server": c.serverID,
				"id":     id,
			})
			continue
		}
		ch <- msg
	}
}

func (c *Conn) addPending(id int64) (chan *Message, error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}
	ch := make(chan *Message, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *Conn) dropPending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Conn) failPending(err error) {
	c.pendingMu.Lock()
	c.readErr = err
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.pendingMu.Unlock()
}

func (c *Conn) readFailure() error {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return io.EOF
}

func (c *Conn) readMessage() (*Message, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, fmt.Errorf("read from server: %w", err)
		}
		return nil, io.EOF
	}

	var msg Message
	if err := json.Unmarshal(c.scanner.Bytes(), &msg); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	return &msg, nil
}

// responseID extracts the numeric request id of a response. JSON numbers
// decode as float64.
func responseID(m *Message) (int64, bool) {
	switch v := m.Id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}

// State returns the current connection state
func (c *Conn) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	// Failed and Closed are terminal.
	if c.state == StateFailed || c.state == StateClosed {
		return
	}
	c.state = s
}

// Close tears the connection down: close stdin so a well-behaved server
// exits, then make sure the process is gone. The read loop ends when the
// server's stdout closes.
func (c *Conn) Close() error {
	err := c.teardown()
	c.setState(StateClosed)
	return err
}

func (c *Conn) teardown() error {
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil && !strings.Contains(err.Error(), "signal") {
			return err
		}
		return nil
	case <-time.After(5 * time.Second):
		_ = c.cmd.Process.Kill()
		<-done
		return fmt.Errorf("server %q did not exit, killed", c.serverID)
	}
}

func joinTextContent(parts []contentPart) string {
	var texts []string
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}
