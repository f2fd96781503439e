package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/config"
)

// Manager runs registered extensions through the hook pipeline in
// registration order. Each hook call is sandboxed: it runs in its own
// goroutine with a deadline and panic recovery, and any failure
// (error, panic, or timeout) leaves the in-flight value untouched.
type Manager struct {
	mu          sync.Mutex
	exts        []Extension
	health      map[string]*extHealth
	enabled     bool
	timeout     time.Duration
	maxFailures int
	logger      *slog.Logger
}

// extHealth tracks consecutive failures per hook for one extension.
// The failure budget is shared across hooks: the extension is
// disabled when the counters sum to the budget. A successful call
// clears only that hook's counter.
type extHealth struct {
	failures map[Hook]int
	disabled bool
}

func (h *extHealth) total() int {
	n := 0
	for _, c := range h.failures {
		n += c
	}
	return n
}

// Status is a point-in-time health snapshot for one extension.
type Status struct {
	Name     string
	Failures int
	Disabled bool
}

func NewManager(cfg config.PluginConfig, logger *slog.Logger) *Manager {
	if !cfg.Enabled {
		logger.Info("extensions disabled by config")
	}
	return &Manager{
		health:      make(map[string]*extHealth),
		enabled:     cfg.Enabled,
		timeout:     time.Duration(cfg.TimeoutSec * float64(time.Second)),
		maxFailures: cfg.MaxFailures,
		logger:      logger,
	}
}

// Register adds an extension to the end of the pipeline. A nil
// extension is rejected, and registration is a no-op when extensions
// are disabled by config.
func (m *Manager) Register(ext Extension) {
	if ext == nil {
		m.logger.Error("rejecting nil extension")
		return
	}
	if !m.enabled {
		m.logger.Debug("skipping extension registration", "extension", ext.Name())
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exts = append(m.exts, ext)
	m.health[ext.Name()] = &extHealth{failures: make(map[Hook]int)}
}

func (m *Manager) extensions() []Extension {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Extension(nil), m.exts...)
}

func (m *Manager) isDisabled(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[name]
	return ok && h.disabled
}

func (m *Manager) recordSuccess(name string, hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.health[name]; ok {
		h.failures[hook] = 0
	}
}

func (m *Manager) recordFailure(name string, hook Hook, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[name]
	if !ok || h.disabled {
		return
	}
	h.failures[hook]++
	m.logger.Warn("extension hook failed",
		"extension", name, "hook", string(hook),
		"failures", h.total(), "maxFailures", m.maxFailures,
		"error", cause,
	)
	if m.maxFailures > 0 && h.total() >= m.maxFailures {
		// Disabled for the life of the process; there is no revival
		// short of a restart.
		h.disabled = true
		m.logger.Error("extension disabled after repeated failures", "extension", name)
	}
}

// Health reports every extension's failure count and disabled state,
// sorted by name.
func (m *Manager) Health() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.exts))
	for _, ext := range m.exts {
		h := m.health[ext.Name()]
		out = append(out, Status{Name: ext.Name(), Failures: h.total(), Disabled: h.disabled})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// sandbox runs one hook call with a deadline and panic recovery.
// Ok is false when the value should be discarded.
func sandbox[T any](ctx context.Context, timeout time.Duration, call func(context.Context) (T, error)) (v T, err error) {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := call(hctx)
		ch <- outcome{v, err}
	}()

	select {
	case o := <-ch:
		return o.v, o.err
	case <-hctx.Done():
		// The goroutine is abandoned; it holds no manager locks.
		return v, fmt.Errorf("hook timed out after %s", timeout)
	}
}

// RunText pushes text through the named hook of every healthy
// extension in order. A failing extension's output is skipped and the
// previous value carries forward.
func (m *Manager) RunText(ctx context.Context, hook Hook, env *Env, text string) string {
	for _, ext := range m.extensions() {
		if m.isDisabled(ext.Name()) {
			continue
		}
		fn := textHook(ext, hook)
		if fn == nil {
			continue
		}
		v, err := sandbox(ctx, m.timeout, func(hctx context.Context) (string, error) {
			return fn(hctx, env, text)
		})
		if err != nil {
			m.recordFailure(ext.Name(), hook, err)
			continue
		}
		m.recordSuccess(ext.Name(), hook)
		text = v
	}
	return text
}

// RunImages is RunText for image lists.
func (m *Manager) RunImages(ctx context.Context, hook Hook, env *Env, imgs []*chat.Image) []*chat.Image {
	for _, ext := range m.extensions() {
		if m.isDisabled(ext.Name()) {
			continue
		}
		fn := imageHook(ext, hook)
		if fn == nil {
			continue
		}
		v, err := sandbox(ctx, m.timeout, func(hctx context.Context) ([]*chat.Image, error) {
			return fn(hctx, env, imgs)
		})
		if err != nil {
			m.recordFailure(ext.Name(), hook, err)
			continue
		}
		m.recordSuccess(ext.Name(), hook)
		imgs = v
	}
	return imgs
}

// SessionStart notifies every healthy extension of a fresh session.
func (m *Manager) SessionStart(ctx context.Context, env *Env) {
	m.runEvent(ctx, HookSessionStart, func(ext Extension, hctx context.Context) error {
		return ext.OnSessionStart(hctx, env)
	})
}

// MessageComplete notifies every healthy extension after a reply has
// been delivered.
func (m *Manager) MessageComplete(ctx context.Context, env *Env, reply string) {
	m.runEvent(ctx, HookMessageComplete, func(ext Extension, hctx context.Context) error {
		return ext.OnMessageComplete(hctx, env, reply)
	})
}

func (m *Manager) runEvent(ctx context.Context, hook Hook, call func(Extension, context.Context) error) {
	for _, ext := range m.extensions() {
		if m.isDisabled(ext.Name()) {
			continue
		}
		_, err := sandbox(ctx, m.timeout, func(hctx context.Context) (struct{}, error) {
			return struct{}{}, call(ext, hctx)
		})
		if err != nil {
			m.recordFailure(ext.Name(), hook, err)
			continue
		}
		m.recordSuccess(ext.Name(), hook)
	}
}

// boundCommand pairs a command with the extension that registered it,
// so command failures land on that extension's budget.
type boundCommand struct {
	Command
	owner string
}

func (m *Manager) commandOwners() map[string]boundCommand {
	out := make(map[string]boundCommand)
	for _, ext := range m.extensions() {
		for _, cmd := range ext.Commands() {
			if cmd.Handler == nil {
				m.logger.Warn("ignoring command with nil handler",
					"extension", ext.Name(), "command", cmd.Name)
				continue
			}
			if _, taken := out[cmd.Name]; !taken {
				out[cmd.Name] = boundCommand{Command: cmd, owner: ext.Name()}
			}
		}
	}
	return out
}

// Commands collects the chat commands of all extensions, including
// disabled ones so help output stays stable. Later registrations do
// not shadow earlier command names.
func (m *Manager) Commands() map[string]Command {
	out := make(map[string]Command)
	for name, bc := range m.commandOwners() {
		out[name] = bc.Command
	}
	return out
}

// RunCommand executes an extension command under the same sandbox and
// failure budget as hooks. Unknown names return ok=false; a disabled
// owner makes the command fail without running its handler.
func (m *Manager) RunCommand(ctx context.Context, env *Env, name, args string) (string, bool, error) {
	cmd, ok := m.commandOwners()[name]
	if !ok {
		return "", false, nil
	}
	if m.isDisabled(cmd.owner) {
		return "", true, fmt.Errorf("extension %s is disabled", cmd.owner)
	}
	hook := Hook("command_" + name)
	reply, err := sandbox(ctx, m.timeout, func(hctx context.Context) (string, error) {
		return cmd.Handler(hctx, env, args)
	})
	if err != nil {
		m.recordFailure(cmd.owner, hook, err)
		return "", true, err
	}
	m.recordSuccess(cmd.owner, hook)
	return reply, true, nil
}
