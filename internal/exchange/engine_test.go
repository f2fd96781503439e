package exchange

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/config"
	"github.com/parleybot/parley/internal/media"
	"github.com/parleybot/parley/internal/plugin"
	"github.com/parleybot/parley/internal/provider"
	"github.com/parleybot/parley/internal/session"
	"github.com/parleybot/parley/internal/usage"

	_ "modernc.org/sqlite"
)

// stubAdapter scripts the provider side of an exchange.
type stubAdapter struct {
	res     *provider.Result
	err     error
	gotConv []chat.Message
	calls   int
}

func (s *stubAdapter) Name() chat.Provider { return chat.ProviderOpenAI }

func (s *stubAdapter) Complete(_ context.Context, _ string, conv []chat.Message, _ int) (*provider.Result, error) {
	s.calls++
	s.gotConv = conv
	if s.err != nil {
		return nil, s.err
	}
	return s.res, nil
}

// traceExt records hook invocation order.
type traceExt struct {
	plugin.Base
	order *[]string
}

func (t *traceExt) Name() string { return "trace" }

func (t *traceExt) note(hook string) { *t.order = append(*t.order, hook) }

func (t *traceExt) OnSessionStart(context.Context, *plugin.Env) error {
	t.note("on_session_start")
	return nil
}

func (t *traceExt) OnMessageComplete(context.Context, *plugin.Env, string) error {
	t.note("on_message_complete")
	return nil
}

func (t *traceExt) PreUserText(_ context.Context, _ *plugin.Env, s string) (string, error) {
	t.note("pre_user_text")
	return s, nil
}

func (t *traceExt) PostUserText(_ context.Context, _ *plugin.Env, s string) (string, error) {
	t.note("post_user_text")
	return s, nil
}

func (t *traceExt) PreUserImages(_ context.Context, _ *plugin.Env, imgs []*chat.Image) ([]*chat.Image, error) {
	t.note("pre_user_images")
	return imgs, nil
}

func (t *traceExt) PostUserImages(_ context.Context, _ *plugin.Env, imgs []*chat.Image) ([]*chat.Image, error) {
	t.note("post_user_images")
	return imgs, nil
}

func (t *traceExt) PreAssistantText(_ context.Context, _ *plugin.Env, s string) (string, error) {
	t.note("pre_assistant_text")
	return s, nil
}

func (t *traceExt) PostAssistantText(_ context.Context, _ *plugin.Env, s string) (string, error) {
	t.note("post_assistant_text")
	return s, nil
}

func (t *traceExt) PreAssistantImages(_ context.Context, _ *plugin.Env, imgs []*chat.Image) ([]*chat.Image, error) {
	t.note("pre_assistant_images")
	return imgs, nil
}

func (t *traceExt) PostAssistantImages(_ context.Context, _ *plugin.Env, imgs []*chat.Image) ([]*chat.Image, error) {
	t.note("post_assistant_images")
	return imgs, nil
}

func testEngine(t *testing.T, ad provider.Adapter, defaults session.Defaults) (*Engine, *usage.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	store, err := usage.NewStore(db)
	if err != nil {
		t.Fatalf("usage store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := provider.NewRegistry()
	reg.Register(ad)

	plugins := plugin.NewManager(config.PluginConfig{Enabled: true, TimeoutSec: 1, MaxFailures: 3}, logger)
	sessions := session.NewStore(defaults)
	return NewEngine(sessions, reg, plugins, store, nil, 3000, logger), store
}

func openAIDefaults() session.Defaults {
	return session.Defaults{
		Model:        chat.ModelSelector{Provider: chat.ProviderOpenAI, ModelID: "gpt-4-turbo"},
		MaxRounds:    4,
		SystemPrompt: "be helpful",
	}
}

func TestExchange_Success(t *testing.T) {
	ad := &stubAdapter{res: &provider.Result{Text: "hello back", Usage: 21}}
	e, store := testEngine(t, ad, openAIDefaults())

	reply := e.Exchange(context.Background(), "chat-1", "hello", nil)
	if reply.Text != "hello back" {
		t.Errorf("reply = %q", reply.Text)
	}

	// The adapter saw system + user; the session now also holds the
	// assistant turn with tokens counted.
	if len(ad.gotConv) != 2 || ad.gotConv[0].Role != chat.RoleSystem {
		t.Errorf("adapter conversation = %+v", ad.gotConv)
	}
	e.Sessions().With("chat-1", func(sess *session.Session) {
		if len(sess.Conversation) != 3 {
			t.Errorf("conversation length = %d, want system+user+assistant", len(sess.Conversation))
		}
		if sess.Conversation[2].Role != chat.RoleAssistant {
			t.Errorf("last turn role = %s", sess.Conversation[2].Role)
		}
		if sess.TokensUsed != 21 {
			t.Errorf("tokens = %d, want 21", sess.TokensUsed)
		}
	})

	total, err := store.ChatTotal(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("ChatTotal: %v", err)
	}
	if total != 21 {
		t.Errorf("persisted usage = %d, want 21", total)
	}
}

func TestExchange_HookOrder(t *testing.T) {
	ad := &stubAdapter{res: &provider.Result{Text: "ok"}}
	e, _ := testEngine(t, ad, openAIDefaults())

	var order []string
	e.Plugins().Register(&traceExt{order: &order})

	e.Exchange(context.Background(), "chat-1", "hi", nil)

	want := []string{
		"on_session_start",
		"pre_user_text", "post_user_text",
		"pre_user_images", "post_user_images",
		"pre_assistant_text", "post_assistant_text",
		"pre_assistant_images", "post_assistant_images",
		"on_message_complete",
	}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("hook order:\n got %v\nwant %v", order, want)
	}

	// Second exchange on the same chat: no session start again.
	order = nil
	e.Exchange(context.Background(), "chat-1", "again", nil)
	if len(order) == 0 || order[0] == "on_session_start" {
		t.Errorf("repeat exchange order = %v, want no on_session_start", order)
	}
}

func TestExchange_ProviderErrorEnvelope(t *testing.T) {
	ad := &stubAdapter{err: &provider.Error{
		Provider: chat.ProviderOpenAI, Status: 429, Message: "rate limited", Type: "rate_limit_error",
	}}
	e, store := testEngine(t, ad, openAIDefaults())

	reply := e.Exchange(context.Background(), "chat-1", "hi", nil)
	if reply.Text != "API Error: rate limited" {
		t.Errorf("reply = %q", reply.Text)
	}

	e.Sessions().With("chat-1", func(sess *session.Session) {
		if len(sess.Conversation) != 2 {
			t.Errorf("conversation = %d turns, want system+user only", len(sess.Conversation))
		}
		if sess.Conversation[len(sess.Conversation)-1].Role != chat.RoleUser {
			t.Error("user turn missing after failed call")
		}
		if sess.TokensUsed != 0 {
			t.Errorf("tokens = %d, want 0 for failed call", sess.TokensUsed)
		}
	})

	if total, _ := store.ChatTotal(context.Background(), "chat-1"); total != 0 {
		t.Errorf("persisted usage = %d, want none", total)
	}
}

func TestExchange_SchemaError(t *testing.T) {
	ad := &stubAdapter{err: fmt.Errorf("openai: %w: no choices", provider.ErrSchema)}
	e, _ := testEngine(t, ad, openAIDefaults())

	reply := e.Exchange(context.Background(), "chat-1", "hi", nil)
	if reply.Text != "API error occurred." {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestExchange_NetworkError(t *testing.T) {
	ad := &stubAdapter{err: errors.New("dial tcp: connection refused")}
	e, _ := testEngine(t, ad, openAIDefaults())

	reply := e.Exchange(context.Background(), "chat-1", "hi", nil)
	if !strings.Contains(reply.Text, "temporarily unavailable") {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestExchange_DedupsDualPathImages(t *testing.T) {
	// The same bytes arrive via the side array and inline content;
	// only one image may reach the reply.
	payload := base64.StdEncoding.EncodeToString([]byte{0x89, 'P', 'N', 'G', 0, 1, 2, 3})
	dataURL := "data:image/png;base64," + payload
	ad := &stubAdapter{res: &provider.Result{
		Text:   "a picture",
		Side:   []media.Candidate{{URL: dataURL}},
		Inline: []media.Candidate{{URL: dataURL}},
	}}
	e, _ := testEngine(t, ad, openAIDefaults())

	reply := e.Exchange(context.Background(), "chat-1", "draw", nil)
	if len(reply.Images) != 1 {
		t.Errorf("got %d images, want 1 after dedup", len(reply.Images))
	}
}

func TestExchange_RemoteURLMarker(t *testing.T) {
	ad := &stubAdapter{res: &provider.Result{
		Text: "see this",
		Side: []media.Candidate{{URL: "https://example.com/out.png"}},
	}}
	e, _ := testEngine(t, ad, openAIDefaults())

	reply := e.Exchange(context.Background(), "chat-1", "hi", nil)
	if !strings.Contains(reply.Text, "[Image URL: https://example.com/out.png]") {
		t.Errorf("reply = %q, want URL marker appended", reply.Text)
	}
	if len(reply.Images) != 0 {
		t.Errorf("unresolvable URL produced %d images", len(reply.Images))
	}
}

func TestExchange_MaxRoundsOne(t *testing.T) {
	ad := &stubAdapter{res: &provider.Result{Text: "r"}}
	defaults := openAIDefaults()
	defaults.MaxRounds = 1
	e, _ := testEngine(t, ad, defaults)

	ctx := context.Background()
	e.Exchange(ctx, "chat-1", "first", nil)
	e.Exchange(ctx, "chat-1", "second", nil)

	e.Sessions().With("chat-1", func(sess *session.Session) {
		// system + latest user/assistant pair only
		if len(sess.Conversation) != 3 {
			t.Fatalf("conversation = %d turns, want 3", len(sess.Conversation))
		}
		if sess.Conversation[0].Role != chat.RoleSystem {
			t.Error("system prompt lost during trim")
		}
		if got := sess.Conversation[1].FirstText(); got != "second" {
			t.Errorf("oldest kept user turn = %q, want %q", got, "second")
		}
	})
}

func TestExchange_FormatFilter(t *testing.T) {
	ad := &stubAdapter{res: &provider.Result{Text: "words only"}}
	e, _ := testEngine(t, ad, openAIDefaults())

	e.Sessions().With("chat-1", func(sess *session.Session) {
		sess.Format = session.FormatImage
	})
	reply := e.Exchange(context.Background(), "chat-1", "draw me", nil)
	if !strings.Contains(reply.Text, "no image") || !strings.Contains(reply.Text, "words only") {
		t.Errorf("reply = %q, want format-filter explanation with original text", reply.Text)
	}
}

func TestExchange_NoteAppended(t *testing.T) {
	ad := &stubAdapter{res: &provider.Result{Text: "text", Note: "Note: images were not sent."}}
	e, _ := testEngine(t, ad, openAIDefaults())

	reply := e.Exchange(context.Background(), "chat-1", "hi", nil)
	if !strings.HasSuffix(reply.Text, "Note: images were not sent.") {
		t.Errorf("reply = %q", reply.Text)
	}
}
