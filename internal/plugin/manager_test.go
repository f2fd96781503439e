package plugin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/config"
	"github.com/parleybot/parley/internal/provider"
)

// fakeExt overrides just the hooks a test cares about.
type fakeExt struct {
	Base
	name     string
	preText  func(context.Context, *Env, string) (string, error)
	postText func(context.Context, *Env, string) (string, error)
	images   func(context.Context, *Env, []*chat.Image) ([]*chat.Image, error)
	start    func(context.Context, *Env) error
	commands []Command
}

func (f *fakeExt) Name() string { return f.name }

func (f *fakeExt) PreUserText(ctx context.Context, env *Env, s string) (string, error) {
	if f.preText != nil {
		return f.preText(ctx, env, s)
	}
	return s, nil
}

func (f *fakeExt) PostAssistantText(ctx context.Context, env *Env, s string) (string, error) {
	if f.postText != nil {
		return f.postText(ctx, env, s)
	}
	return s, nil
}

func (f *fakeExt) PreUserImages(ctx context.Context, env *Env, imgs []*chat.Image) ([]*chat.Image, error) {
	if f.images != nil {
		return f.images(ctx, env, imgs)
	}
	return imgs, nil
}

func (f *fakeExt) OnSessionStart(ctx context.Context, env *Env) error {
	if f.start != nil {
		return f.start(ctx, env)
	}
	return nil
}

func (f *fakeExt) Commands() []Command { return f.commands }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(config.PluginConfig{Enabled: true, TimeoutSec: 1, MaxFailures: 3}, logger)
}

func TestRunText_OrderAndChaining(t *testing.T) {
	m := newTestManager(t)
	m.Register(&fakeExt{name: "a", preText: func(_ context.Context, _ *Env, s string) (string, error) {
		return s + "+a", nil
	}})
	m.Register(&fakeExt{name: "b", preText: func(_ context.Context, _ *Env, s string) (string, error) {
		return s + "+b", nil
	}})

	got := m.RunText(context.Background(), HookPreUserText, &Env{}, "in")
	if got != "in+a+b" {
		t.Errorf("pipeline output = %q, want registration order chaining", got)
	}
}

func TestRunText_FailureKeepsPreviousValue(t *testing.T) {
	m := newTestManager(t)
	m.Register(&fakeExt{name: "bad", preText: func(_ context.Context, _ *Env, s string) (string, error) {
		return "garbage", errors.New("boom")
	}})
	m.Register(&fakeExt{name: "good", preText: func(_ context.Context, _ *Env, s string) (string, error) {
		return s + "+ok", nil
	}})

	got := m.RunText(context.Background(), HookPreUserText, &Env{}, "in")
	if got != "in+ok" {
		t.Errorf("got %q; failing extension's output must be discarded", got)
	}
}

func TestRunText_PanicIsContained(t *testing.T) {
	m := newTestManager(t)
	m.Register(&fakeExt{name: "panicky", preText: func(_ context.Context, _ *Env, s string) (string, error) {
		panic("unhinged")
	}})

	got := m.RunText(context.Background(), HookPreUserText, &Env{}, "in")
	if got != "in" {
		t.Errorf("got %q, want input preserved", got)
	}
	if h := m.Health()[0]; h.Failures != 1 {
		t.Errorf("panic not counted as failure: %+v", h)
	}
}

func TestRunText_TimeoutCountsAsFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(config.PluginConfig{Enabled: true, TimeoutSec: 0, MaxFailures: 3}, logger)
	m.timeout = 20 * time.Millisecond
	m.Register(&fakeExt{name: "slow", preText: func(ctx context.Context, _ *Env, s string) (string, error) {
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
		return s + "+late", nil
	}})

	got := m.RunText(context.Background(), HookPreUserText, &Env{}, "in")
	if got != "in" {
		t.Errorf("got %q, want slow extension skipped", got)
	}
	if h := m.Health()[0]; h.Failures != 1 {
		t.Errorf("timeout not counted as failure: %+v", h)
	}
}

func TestDisableAfterMaxFailures(t *testing.T) {
	m := newTestManager(t)
	calls := 0
	m.Register(&fakeExt{name: "flaky", preText: func(_ context.Context, _ *Env, s string) (string, error) {
		calls++
		return "", errors.New("boom")
	}})

	for i := 0; i < 5; i++ {
		m.RunText(context.Background(), HookPreUserText, &Env{}, "in")
	}
	if calls != 3 {
		t.Errorf("extension called %d times, want exactly maxFailures=3 before disable", calls)
	}
	h := m.Health()[0]
	if !h.Disabled || h.Failures != 3 {
		t.Errorf("health = %+v, want disabled at 3 failures", h)
	}
}

func TestFailureBudgetSpansHooks(t *testing.T) {
	m := newTestManager(t)
	ext := &fakeExt{name: "multi"}
	ext.preText = func(_ context.Context, _ *Env, s string) (string, error) {
		return "", errors.New("boom")
	}
	ext.images = func(_ context.Context, _ *Env, imgs []*chat.Image) ([]*chat.Image, error) {
		return nil, errors.New("boom")
	}
	ext.start = func(context.Context, *Env) error { return errors.New("boom") }
	m.Register(ext)

	ctx := context.Background()
	m.RunText(ctx, HookPreUserText, &Env{}, "in")
	m.RunImages(ctx, HookPreUserImages, &Env{}, nil)
	m.SessionStart(ctx, &Env{})

	if h := m.Health()[0]; !h.Disabled {
		t.Errorf("health = %+v, want disabled: failures on different hooks share the budget", h)
	}
}

func TestSuccessResetsThatHooksCounter(t *testing.T) {
	m := newTestManager(t)
	fail := true
	m.Register(&fakeExt{name: "recovers", preText: func(_ context.Context, _ *Env, s string) (string, error) {
		if fail {
			return "", errors.New("boom")
		}
		return s, nil
	}})

	ctx := context.Background()
	m.RunText(ctx, HookPreUserText, &Env{}, "in") // 1
	m.RunText(ctx, HookPreUserText, &Env{}, "in") // 2
	fail = false
	m.RunText(ctx, HookPreUserText, &Env{}, "in") // resets to 0
	fail = true
	m.RunText(ctx, HookPreUserText, &Env{}, "in") // 1
	m.RunText(ctx, HookPreUserText, &Env{}, "in") // 2

	if h := m.Health()[0]; h.Disabled {
		t.Errorf("health = %+v; a success must clear the hook's counter", h)
	}
}

func TestCommands(t *testing.T) {
	m := newTestManager(t)
	m.Register(&fakeExt{name: "first", commands: []Command{{
		Name: "roll",
		Handler: func(_ context.Context, _ *Env, args string) (string, error) {
			return "rolled " + args, nil
		},
	}}})
	m.Register(&fakeExt{name: "second", commands: []Command{{
		Name: "roll", // must not shadow the earlier registration
		Handler: func(context.Context, *Env, string) (string, error) {
			return "shadowed", nil
		},
	}}})

	reply, ok, err := m.RunCommand(context.Background(), &Env{}, "roll", "2d6")
	if err != nil || !ok {
		t.Fatalf("RunCommand: ok=%v err=%v", ok, err)
	}
	if reply != "rolled 2d6" {
		t.Errorf("reply = %q, want the first registration to win", reply)
	}

	if _, ok, _ := m.RunCommand(context.Background(), &Env{}, "nosuch", ""); ok {
		t.Error("unknown command reported as handled")
	}
}

func TestCommandFailuresDisableExtension(t *testing.T) {
	m := newTestManager(t)
	calls := 0
	m.Register(&fakeExt{name: "broken", commands: []Command{{
		Name: "crash",
		Handler: func(context.Context, *Env, string) (string, error) {
			calls++
			return "", errors.New("boom")
		},
	}}})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, ok, err := m.RunCommand(ctx, &Env{}, "crash", "")
		if !ok || err == nil {
			t.Fatalf("run %d: ok=%v err=%v, want handled with error", i, ok, err)
		}
	}
	if calls != 3 {
		t.Errorf("handler called %d times, want exactly maxFailures=3 before disable", calls)
	}
	h := m.Health()[0]
	if !h.Disabled || h.Failures != 3 {
		t.Errorf("health = %+v, want disabled at 3 failures", h)
	}
}

func TestCommandSharesBudgetWithHooks(t *testing.T) {
	m := newTestManager(t)
	ext := &fakeExt{name: "mixed"}
	ext.preText = func(_ context.Context, _ *Env, s string) (string, error) {
		return "", errors.New("boom")
	}
	ext.commands = []Command{{
		Name: "zap",
		Handler: func(context.Context, *Env, string) (string, error) {
			return "", errors.New("boom")
		},
	}}
	m.Register(ext)

	ctx := context.Background()
	m.RunText(ctx, HookPreUserText, &Env{}, "in")
	m.RunText(ctx, HookPreUserText, &Env{}, "in")
	m.RunCommand(ctx, &Env{}, "zap", "")

	if h := m.Health()[0]; !h.Disabled {
		t.Errorf("health = %+v, want disabled: command failures share the hook budget", h)
	}
}

func TestRegisterRejectsNil(t *testing.T) {
	m := newTestManager(t)
	m.Register(nil) // must not panic
	if got := m.Health(); len(got) != 0 {
		t.Errorf("health = %+v, want empty after nil registration", got)
	}

	m.Register(&fakeExt{name: "holey", commands: []Command{{Name: "ghost"}}})
	if _, ok, _ := m.RunCommand(context.Background(), &Env{}, "ghost", ""); ok {
		t.Error("command with nil handler must not be invocable")
	}
}

func TestDisabledManagerIgnoresRegistration(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(config.PluginConfig{Enabled: false, TimeoutSec: 1, MaxFailures: 3}, logger)
	m.Register(&fakeExt{name: "noop", preText: func(_ context.Context, _ *Env, s string) (string, error) {
		return s + "+touched", nil
	}})

	if got := m.RunText(context.Background(), HookPreUserText, &Env{}, "in"); got != "in" {
		t.Errorf("got %q, want input untouched when extensions are disabled", got)
	}
	if got := m.Health(); len(got) != 0 {
		t.Errorf("health = %+v, want empty", got)
	}
}

type helperAdapter struct {
	gotConv []chat.Message
	gotMax  int
}

func (h *helperAdapter) Name() chat.Provider { return chat.ProviderOpenRouter }

func (h *helperAdapter) Complete(_ context.Context, _ string, conv []chat.Message, maxTokens int) (*provider.Result, error) {
	h.gotConv = conv
	h.gotMax = maxTokens
	return &provider.Result{Text: "helper says hi"}, nil
}

func TestAIHelper(t *testing.T) {
	ad := &helperAdapter{}
	h := NewAIHelper(ad, "openai/gpt-4o-mini", 500)

	out, err := h.Call(context.Background(), "be terse", "hello", "")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out != "helper says hi" {
		t.Errorf("out = %q", out)
	}
	if len(ad.gotConv) != 2 || ad.gotConv[0].Role != chat.RoleSystem {
		t.Errorf("conv = %+v, want system+user", ad.gotConv)
	}
	if ad.gotMax != 500 {
		t.Errorf("maxTokens = %d", ad.gotMax)
	}

	if _, err := h.QuickCall(context.Background(), "hi"); err != nil {
		t.Errorf("quick call: %v", err)
	}
	if len(ad.gotConv) != 1 {
		t.Errorf("quick call conv = %+v, want user only", ad.gotConv)
	}

	var unset *AIHelper
	if _, err := unset.QuickCall(context.Background(), "hi"); err == nil {
		t.Error("nil helper should error, not crash")
	}
}
