package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"codeask/internal/errors"
	"codeask/internal/logging"
)

// NamePrefix is the namespace prefix for every tool exposed to the model
const NamePrefix = "mcp__"

// NamespacedName derives the globally unique tool identifier from a server
// ID and the server's own tool name. Server IDs cannot contain underscores
// (enforced at manifest load), so the mapping is injective.
func NamespacedName(serverID, toolName string) string {
	return NamePrefix + serverID + "__" + toolName
}

// metaToolNames are setup/meta tools some servers expose. They are invoked
// or ignored at connect time and never offered to the model.
var metaToolNames = map[string]bool{
	"onboarding":                   true,
	"check_onboarding_performed":   true,
	"initial_instructions":         true,
	"prepare_for_new_conversation": true,
}

var serverIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// ToolDescriptor is one catalog entry
type ToolDescriptor struct {
	// Name is the namespaced identifier exposed to the model
	Name string `json:"name"`
	// ServerID and OriginalName identify the tool on its server
	ServerID     string `json:"serverId"`
	OriginalName string `json:"originalName"`
	Description  string `json:"description"`
	// InputSchema is the server-reported JSON schema, passed through opaque
	InputSchema json.RawMessage `json:"inputSchema"`
	// Hidden descriptors never appear in Catalog()
	Hidden bool `json:"hidden"`
}

// Config contains registry configuration
type Config struct {
	CallTimeout    time.Duration
	ConnectTimeout time.Duration
}

// Registry connects to tool servers, catalogs their tools under namespaced
// identities, and dispatches calls with per-server failure isolation.
type Registry struct {
	logger         *logging.Logger
	callTimeout    time.Duration
	connectTimeout time.Duration

	mu          sync.RWMutex
	order       []string // connect order, drives catalog stability and shutdown
	sessions    map[string]session
	connecting  map[string]bool // IDs reserved by an in-flight Connect
	descriptors []ToolDescriptor
	byName      map[string]int // namespaced name -> index into descriptors

	// dialFn is swapped out in tests
	dialFn func(ctx context.Context, spec ServerSpec, logger *logging.Logger) (session, []ToolInfo, error)
}

// NewRegistry creates an empty registry
func NewRegistry(cfg Config, logger *logging.Logger) *Registry {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = time.Minute
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &Registry{
		logger:         logger,
		callTimeout:    cfg.CallTimeout,
		connectTimeout: cfg.ConnectTimeout,
		sessions:       make(map[string]session),
		connecting:     make(map[string]bool),
		byName:         make(map[string]int),
		dialFn: func(ctx context.Context, spec ServerSpec, logger *logging.Logger) (session, []ToolInfo, error) {
			conn, tools, err := dial(ctx, spec, logger)
			if err != nil {
				return nil, nil, err
			}
			return conn, tools, nil
		},
	}
}

// ConnectAll connects every server in the manifest. A failure on the
// essential server is fatal; optional servers are skipped with a warning.
func (r *Registry) ConnectAll(ctx context.Context, specs []ServerSpec) error {
	essentials := 0
	for _, spec := range specs {
		if spec.Essential {
			essentials++
		}
	}
	if essentials != 1 {
		return errors.Newf(errors.ConfigInvalid, "manifest must mark exactly one server essential, found %d", essentials)
	}

	for _, spec := range specs {
		if err := r.Connect(ctx, spec); err != nil {
			if spec.Essential {
				return errors.New(errors.ServerConnectFailed,
					fmt.Sprintf("essential server %q failed to connect", spec.ID), err)
			}
			r.logger.Warn("Optional tool server unavailable", map[string]interface{}{
				"server": spec.ID,
				"error":  err.Error(),
			})
		}
	}
	return nil
}

// Connect establishes one server session and materializes its descriptors
func (r *Registry) Connect(ctx context.Context, spec ServerSpec) error {
	if !serverIDPattern.MatchString(spec.ID) {
		return errors.Newf(errors.ConfigInvalid,
			"server ID %q is invalid: lowercase letters, digits, and hyphens only", spec.ID)
	}

	// Reserve the ID before dialing so a concurrent Connect with the same ID
	// is rejected even while the dial is still in flight.
	r.mu.Lock()
	_, exists := r.sessions[spec.ID]
	if exists || r.connecting[spec.ID] {
		r.mu.Unlock()
		return errors.Newf(errors.ConfigInvalid, "duplicate server ID %q", spec.ID)
	}
	r.connecting[spec.ID] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.connecting, spec.ID)
		r.mu.Unlock()
	}()

	dialCtx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()

	sess, tools, err := r.dialFn(dialCtx, spec, r.logger)
	if err != nil {
		return err
	}

	hidden := make(map[string]bool, len(spec.HiddenTools))
	for _, name := range spec.HiddenTools {
		hidden[name] = true
	}

	descriptors := make([]ToolDescriptor, 0, len(tools))
	hasOnboarding := false
	for _, tool := range tools {
		if tool.Name == "onboarding" {
			hasOnboarding = true
		}
		descriptors = append(descriptors, ToolDescriptor{
			Name:         NamespacedName(spec.ID, tool.Name),
			ServerID:     spec.ID,
			OriginalName: tool.Name,
			Description:  tool.Description,
			InputSchema:  tool.InputSchema,
			Hidden:       metaToolNames[tool.Name] || hidden[tool.Name],
		})
	}

	r.mu.Lock()
	r.order = append(r.order, spec.ID)
	r.sessions[spec.ID] = sess
	for _, d := range descriptors {
		if _, dup := r.byName[d.Name]; dup {
			// Same server reporting a tool twice; keep the first.
			continue
		}
		r.byName[d.Name] = len(r.descriptors)
		r.descriptors = append(r.descriptors, d)
	}
	r.mu.Unlock()

	// Run the server's onboarding once so it has its project context ready
	// before the first real question.
	if hasOnboarding {
		onboardCtx, cancelOnboard := context.WithTimeout(ctx, r.callTimeout)
		if _, err := sess.CallTool(onboardCtx, "onboarding", map[string]interface{}{}); err != nil {
			r.logger.Warn("Onboarding failed", map[string]interface{}{
				"server": spec.ID,
				"error":  err.Error(),
			})
		}
		cancelOnboard()
	}

	return nil
}

// Catalog returns the non-hidden descriptors of all connected servers,
// in connect order then server-reported tool order.
func (r *Registry) Catalog() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolDescriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		if d.Hidden {
			continue
		}
		if sess, ok := r.sessions[d.ServerID]; !ok || sess.State() != StateConnected {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Resolve maps a namespaced name back to the (serverID, originalName) pair
// that produced it
func (r *Registry) Resolve(name string) (serverID, originalName string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, found := r.byName[name]
	if !found {
		return "", "", false
	}
	d := r.descriptors[idx]
	return d.ServerID, d.OriginalName, true
}

// Dispatch forwards one tool call to the owning server. Unknown names and
// execution failures come back as typed errors; neither is fatal to callers,
// which surface them to the model as tool-result error text.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	r.mu.RLock()
	idx, found := r.byName[name]
	var sess session
	var desc ToolDescriptor
	if found {
		desc = r.descriptors[idx]
		sess = r.sessions[desc.ServerID]
	}
	r.mu.RUnlock()

	if !found || sess == nil {
		return "", errors.Newf(errors.UnknownTool, "unknown tool %q", name)
	}
	if s := sess.State(); s != StateConnected {
		// No inline reconnects: a failed connection stays failed.
		return "", errors.Newf(errors.ToolExecutionFailed, "server %q is %s", desc.ServerID, s)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	start := time.Now()
	result, err := sess.CallTool(callCtx, desc.OriginalName, args)
	if err != nil {
		r.logger.Warn("Tool dispatch failed", map[string]interface{}{
			"tool":   name,
			"server": desc.ServerID,
			"error":  err.Error(),
		})
		return "", err
	}

	r.logger.Debug("Tool dispatched", map[string]interface{}{
		"tool":     name,
		"server":   desc.ServerID,
		"duration": time.Since(start).String(),
		"chars":    len(result),
	})
	return result, nil
}

// ServerState reports the connection state for one server ID
func (r *Registry) ServerState(serverID string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[serverID]
	if !ok {
		return StateDisconnected, false
	}
	return sess.State(), true
}

// Shutdown tears down all sessions in reverse connection order.
// Individual teardown errors are logged and swallowed.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.order) - 1; i >= 0; i-- {
		id := r.order[i]
		if sess, ok := r.sessions[id]; ok {
			if err := sess.Close(); err != nil {
				r.logger.Warn("Tool server shutdown error", map[string]interface{}{
					"server": id,
					"error":  err.Error(),
				})
			}
		}
	}
	r.order = nil
	r.sessions = make(map[string]session)
	r.descriptors = nil
	r.byName = make(map[string]int)
}
