// Package exchange orchestrates one full conversation turn: extension
// hooks around user input, the provider call, image normalization,
// extension hooks around assistant output, the session format filter,
// and usage accounting. Failures inside the turn map to user-visible
// reply text; the engine never lets a backend or extension problem
// escape as a panic or an empty reply.
package exchange

import (
	"context"
	"errors"
	"log/slog"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/media"
	"github.com/parleybot/parley/internal/plugin"
	"github.com/parleybot/parley/internal/provider"
	"github.com/parleybot/parley/internal/session"
	"github.com/parleybot/parley/internal/usage"
)

// User-visible failure replies. Backend error envelopes get their
// message echoed; everything else stays generic.
const (
	replyUnavailable = "The model backend is temporarily unavailable. Please try again shortly."
	replySchemaErr   = "API error occurred."
)

// Reply is the outcome of one exchange, ready for delivery.
type Reply struct {
	Text   string
	Images []*chat.Image
}

// Engine wires the session store, provider registry, extension
// pipeline, and usage store into the exchange flow.
type Engine struct {
	sessions  *session.Store
	providers *provider.Registry
	plugins   *plugin.Manager
	usage     *usage.Store // nil disables usage persistence
	ai        *plugin.AIHelper
	maxTokens int
	logger    *slog.Logger
}

func NewEngine(
	sessions *session.Store,
	providers *provider.Registry,
	plugins *plugin.Manager,
	usageStore *usage.Store,
	ai *plugin.AIHelper,
	maxTokens int,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		sessions:  sessions,
		providers: providers,
		plugins:   plugins,
		usage:     usageStore,
		ai:        ai,
		maxTokens: maxTokens,
		logger:    logger,
	}
}

// Sessions exposes the session store for command handling.
func (e *Engine) Sessions() *session.Store { return e.sessions }

// Plugins exposes the extension manager for command handling.
func (e *Engine) Plugins() *plugin.Manager { return e.plugins }

// Env builds the extension environment for one chat. The session lock
// need not be held; Meta is shared by reference for the session's life.
func (e *Engine) Env(sess *session.Session) *plugin.Env {
	return &plugin.Env{
		ChatID: sess.ChatID,
		Model:  sess.Model.String(),
		Meta:   sess.Meta,
		AI:     e.ai,
		Logger: e.logger,
	}
}

// Exchange runs one full turn for chatID. The per-session lock is held
// for the duration, so a second message in the same chat waits for
// this one; other chats proceed concurrently.
func (e *Engine) Exchange(ctx context.Context, chatID, text string, images []*chat.Image) *Reply {
	sess, created := e.sessions.GetOrCreate(chatID)
	env := e.Env(sess)
	if created {
		e.plugins.SessionStart(ctx, env)
	}

	var reply *Reply
	e.sessions.With(chatID, func(sess *session.Session) {
		reply = e.exchangeLocked(ctx, sess, env, text, images)
	})
	return reply
}

func (e *Engine) exchangeLocked(ctx context.Context, sess *session.Session, env *plugin.Env, text string, images []*chat.Image) *Reply {
	log := e.logger.With("chatID", sess.ChatID, "model", sess.Model.String())

	// Inbound hooks run before the user turn is recorded so the
	// conversation holds what the model will actually see.
	env.History = sess.Snapshot()
	text = e.plugins.RunText(ctx, plugin.HookPreUserText, env, text)
	text = e.plugins.RunText(ctx, plugin.HookPostUserText, env, text)
	images = e.plugins.RunImages(ctx, plugin.HookPreUserImages, env, images)
	images = e.plugins.RunImages(ctx, plugin.HookPostUserImages, env, images)

	sess.Conversation = append(sess.Conversation, chat.UserMessage(text, images))
	sess.Trim()

	res, err := e.providers.Complete(ctx, sess.Model, sess.Snapshot(), e.maxTokens)
	if err != nil {
		// The user turn stays in the conversation; no assistant turn
		// is recorded for a failed call and no usage is counted.
		return &Reply{Text: failureReply(log, err)}
	}

	norm := media.Normalize(res.Side, res.Inline, media.NewDeduper(media.DefaultSizeRatio))
	outText := res.Text
	for _, marker := range norm.Markers {
		if outText != "" {
			outText += "\n"
		}
		outText += marker
	}
	outImages := norm.Images

	env.History = sess.Snapshot()
	outText = e.plugins.RunText(ctx, plugin.HookPreAssistantText, env, outText)
	outText = e.plugins.RunText(ctx, plugin.HookPostAssistantText, env, outText)
	outImages = e.plugins.RunImages(ctx, plugin.HookPreAssistantImages, env, outImages)
	outImages = e.plugins.RunImages(ctx, plugin.HookPostAssistantImages, env, outImages)

	outText, outImages = session.ApplyFormat(outText, outImages, sess.Format)

	if res.Note != "" {
		if outText != "" {
			outText += "\n\n"
		}
		outText += res.Note
	}

	parts := []chat.Part{}
	if outText != "" {
		parts = append(parts, chat.TextPart(outText))
	}
	for _, img := range outImages {
		parts = append(parts, chat.ImagePart(img))
	}
	if len(parts) > 0 {
		sess.Conversation = append(sess.Conversation, chat.Message{Role: chat.RoleAssistant, Content: parts})
		sess.Trim()
	}

	sess.TokensUsed += res.Usage
	e.recordUsage(ctx, sess, res.Usage)

	e.plugins.MessageComplete(ctx, env, outText)

	return &Reply{Text: outText, Images: outImages}
}

func (e *Engine) recordUsage(ctx context.Context, sess *session.Session, tokens int) {
	if e.usage == nil || tokens == 0 {
		return
	}
	rec := usage.Record{
		ChatID:   sess.ChatID,
		Provider: string(sess.Model.Provider),
		Model:    sess.Model.ModelID,
		Tokens:   tokens,
	}
	if err := e.usage.Add(ctx, rec); err != nil {
		e.logger.Warn("usage record failed", "chatID", sess.ChatID, "error", err)
	}
}

// failureReply maps a provider call failure onto the text shown to
// the user. Backend envelopes are echoed; malformed responses and
// transport failures stay generic.
func failureReply(log *slog.Logger, err error) string {
	var pe *provider.Error
	switch {
	case errors.As(err, &pe):
		log.Warn("backend rejected request", "status", pe.Status, "type", pe.Type, "error", pe.Message)
		return "API Error: " + pe.Message
	case errors.Is(err, provider.ErrSchema):
		log.Error("backend response unreadable", "error", err)
		return replySchemaErr
	default:
		log.Warn("backend unreachable", "error", err)
		return replyUnavailable
	}
}
