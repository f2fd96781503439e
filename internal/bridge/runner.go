package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/exchange"
	"github.com/parleybot/parley/internal/provider"
	"github.com/parleybot/parley/internal/session"
)

// handleTimeout bounds how long a single inbound message may be
// processed (exchange + delivery).
const handleTimeout = 5 * time.Minute

// listModelsCap keeps catalog replies within a few message splits.
const listModelsCap = 50

// Catalog lists selectable models, implemented by the OpenRouter
// adapter.
type Catalog interface {
	ListModels(ctx context.Context) ([]provider.Model, error)
}

// Runner pulls inbound messages from the poller, dispatches commands
// or runs exchanges, and delivers replies.
type Runner struct {
	poller   Poller
	delivery Delivery
	engine   *exchange.Engine
	catalog  Catalog // nil disables /listmodels
	logger   *slog.Logger
}

func NewRunner(poller Poller, delivery Delivery, engine *exchange.Engine, catalog Catalog, logger *slog.Logger) *Runner {
	return &Runner{
		poller:   poller,
		delivery: delivery,
		engine:   engine,
		catalog:  catalog,
		logger:   logger,
	}
}

// Start polls for messages until ctx is cancelled. Poll errors are
// logged and retried after a short pause; they never stop the runner.
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("bridge runner started")
	for {
		if ctx.Err() != nil {
			r.logger.Info("bridge runner shutting down")
			return
		}
		batch, err := r.poller.Poll(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			r.logger.Warn("poll failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
			continue
		}
		for _, in := range batch {
			r.Handle(ctx, in)
		}
	}
}

// Handle processes one inbound message end to end.
func (r *Runner) Handle(ctx context.Context, in Inbound) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	log := r.logger.With("chatID", in.ChatID)
	log.Info("message received", "textLen", len(in.Text), "images", len(in.Images))

	if strings.HasPrefix(in.Text, "/") {
		reply := r.command(ctx, in.ChatID, in.Text)
		if reply != "" {
			if err := r.delivery.SendText(ctx, in.ChatID, reply); err != nil {
				log.Error("command reply send failed", "error", err)
			}
		}
		return
	}

	reply := r.engine.Exchange(ctx, in.ChatID, in.Text, in.Images)
	r.deliver(ctx, in.ChatID, reply, log)
}

func (r *Runner) deliver(ctx context.Context, chatID string, reply *exchange.Reply, log *slog.Logger) {
	if reply.Text != "" {
		if err := r.delivery.SendText(ctx, chatID, reply.Text); err != nil {
			log.Error("reply send failed", "error", err)
			return
		}
	}
	for _, img := range reply.Images {
		if err := r.delivery.SendPhoto(ctx, chatID, img, ""); err != nil {
			log.Error("photo send failed", "error", err)
		}
	}
}

// command dispatches a built-in or extension command and returns the
// reply text.
func (r *Runner) command(ctx context.Context, chatID, text string) string {
	name, args := splitCommand(text)
	sessions := r.engine.Sessions()

	switch name {
	case "clear":
		sessions.Clear(chatID)
		return "Conversation cleared."

	case "model":
		if args == "" {
			var current string
			sessions.With(chatID, func(sess *session.Session) { current = sess.Model.String() })
			return "Current model: " + current
		}
		sel, err := chat.ParseModel(args)
		if err != nil {
			return "Unknown model: " + args
		}
		sessions.With(chatID, func(sess *session.Session) { sess.Model = sel })
		return "Model set to " + sel.String()

	case "maxrounds":
		n, err := strconv.Atoi(args)
		if err != nil || n < 1 {
			return "Usage: /maxrounds <n> with n >= 1"
		}
		sessions.With(chatID, func(sess *session.Session) {
			sess.MaxRounds = n
			sess.Trim()
		})
		return fmt.Sprintf("History now keeps %d rounds.", n)

	case "format":
		f, ok := session.ParseFormat(args)
		if !ok {
			return "Usage: /format auto|text|image|both"
		}
		sessions.With(chatID, func(sess *session.Session) { sess.Format = f })
		return "Response format set to " + string(f) + "."

	case "status":
		return r.status(ctx, chatID)

	case "help":
		return r.help()

	case "listmodels":
		return r.listModels(ctx, args)
	}

	sess, _ := sessions.GetOrCreate(chatID)
	reply, handled, err := r.engine.Plugins().RunCommand(ctx, r.engine.Env(sess), name, args)
	if err != nil {
		r.logger.Warn("extension command failed", "command", name, "error", err)
		return "Command failed."
	}
	if handled {
		return reply
	}
	return "Unknown command. Try /help."
}

func (r *Runner) status(ctx context.Context, chatID string) string {
	var sb strings.Builder
	r.engine.Sessions().With(chatID, func(sess *session.Session) {
		fmt.Fprintf(&sb, "Model: %s\n", sess.Model.String())
		fmt.Fprintf(&sb, "Format: %s\n", sess.Format)
		fmt.Fprintf(&sb, "History: %d messages (max %d rounds)\n", len(sess.Conversation), sess.MaxRounds)
		fmt.Fprintf(&sb, "Tokens used: %d\n", sess.TokensUsed)
	})
	health := r.engine.Plugins().Health()
	if len(health) > 0 {
		sb.WriteString("Extensions:\n")
		for _, h := range health {
			state := "ok"
			if h.Disabled {
				state = "disabled"
			} else if h.Failures > 0 {
				state = fmt.Sprintf("%d failures", h.Failures)
			}
			fmt.Fprintf(&sb, "  %s: %s\n", h.Name, state)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (r *Runner) help() string {
	lines := []string{
		"/clear — forget the conversation",
		"/model [id] — show or switch the model",
		"/maxrounds <n> — history rounds to keep",
		"/format auto|text|image|both — reply filtering",
		"/status — session and extension state",
		"/listmodels [filter] — browse the model catalog",
	}
	cmds := r.engine.Plugins().Commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("/%s — %s", name, cmds[name].Description))
	}
	return strings.Join(lines, "\n")
}

func (r *Runner) listModels(ctx context.Context, filter string) string {
	if r.catalog == nil {
		return "Model catalog is not configured."
	}
	models, err := r.catalog.ListModels(ctx)
	if err != nil {
		r.logger.Warn("model catalog fetch failed", "error", err)
		return "Could not fetch the model catalog."
	}
	models = provider.FilterModels(models, filter)
	if len(models) == 0 {
		return "No models match " + strconv.Quote(filter) + "."
	}
	truncated := false
	if len(models) > listModelsCap {
		models = models[:listModelsCap]
		truncated = true
	}
	var sb strings.Builder
	for _, m := range models {
		fmt.Fprintf(&sb, "openrouter:%s\n", m.ID)
	}
	if truncated {
		sb.WriteString("…narrow the filter to see more.")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// splitCommand separates "/name arg text" into name and args, dropping
// an optional @botname suffix.
func splitCommand(text string) (string, string) {
	text = strings.TrimPrefix(text, "/")
	name, args, _ := strings.Cut(text, " ")
	if at := strings.Index(name, "@"); at >= 0 {
		name = name[:at]
	}
	return strings.ToLower(name), strings.TrimSpace(args)
}
