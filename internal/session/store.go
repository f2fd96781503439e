// Package session owns the mutable per-chat state: the canonical
// conversation, model selection, token counter, round limit, response
// format preference, and plugin metadata. The store is pure state
// management — it never performs network or plugin calls.
package session

import (
	"sync"

	"github.com/parleybot/parley/internal/chat"
)

// Defaults applied to newly created sessions.
type Defaults struct {
	Model        chat.ModelSelector
	MaxRounds    int
	SystemPrompt string // optional leading system message
}

// Session is one chat identity's mutable record. Callers must hold the
// session's lock (via Store.With) while reading or mutating it.
type Session struct {
	ChatID       string
	Conversation []chat.Message
	Model        chat.ModelSelector
	TokensUsed   int
	MaxRounds    int
	Format       Format
	Meta         map[string]any // plugin metadata, scoped to this session

	mu sync.Mutex
}

// Store maps chat identities to sessions. The map itself is guarded by
// mu; each session carries its own lock so distinct chats proceed
// concurrently while operations on one chat are serialized.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	defaults Defaults
}

// NewStore creates a session store with the given defaults.
func NewStore(defaults Defaults) *Store {
	if defaults.MaxRounds < 1 {
		defaults.MaxRounds = 4
	}
	return &Store{
		sessions: make(map[string]*Session),
		defaults: defaults,
	}
}

// GetOrCreate returns the session for chatID, creating a default one if
// none exists. Creation is idempotent and never fails. The second return
// reports whether the session was created by this call.
func (s *Store) GetOrCreate(chatID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[chatID]; ok {
		return sess, false
	}

	sess := &Session{
		ChatID:    chatID,
		Model:     s.defaults.Model,
		MaxRounds: s.defaults.MaxRounds,
		Format:    FormatAuto,
		Meta:      make(map[string]any),
	}
	if s.defaults.SystemPrompt != "" {
		sess.Conversation = []chat.Message{chat.Text(chat.RoleSystem, s.defaults.SystemPrompt)}
	}
	s.sessions[chatID] = sess
	return sess, true
}

// With runs fn while holding chatID's session lock, creating the session
// first if needed. This is the single-writer discipline for one chat:
// an exchange runs to completion before the next one starts for the same
// session, while other sessions proceed concurrently.
func (s *Store) With(chatID string, fn func(*Session)) {
	sess, _ := s.GetOrCreate(chatID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	fn(sess)
}

// Clear resets chatID's conversation, preserving the leading system
// message when the store was configured with one.
func (s *Store) Clear(chatID string) {
	prompt := s.defaults.SystemPrompt
	s.With(chatID, func(sess *Session) {
		if prompt != "" {
			sess.Conversation = []chat.Message{chat.Text(chat.RoleSystem, prompt)}
		} else {
			sess.Conversation = nil
		}
	})
}

// Trim drops the oldest messages beyond 2*MaxRounds. A leading system
// message is not counted against the cap and is re-prepended after the
// cut. Callers inside With should use sess.Trim directly.
func (s *Store) Trim(chatID string) {
	s.With(chatID, func(sess *Session) { sess.Trim() })
}

// Trim enforces the round cap on the session's conversation. The caller
// must hold the session lock.
func (sess *Session) Trim() {
	conv := sess.Conversation
	var system *chat.Message
	if len(conv) > 0 && conv[0].Role == chat.RoleSystem {
		system = &conv[0]
		conv = conv[1:]
	}

	limit := 2 * sess.MaxRounds
	if len(conv) > limit {
		conv = conv[len(conv)-limit:]
	}

	if system != nil {
		sess.Conversation = append([]chat.Message{*system}, conv...)
	} else {
		sess.Conversation = conv
	}
}

// Snapshot returns a shallow copy of the conversation slice, safe to
// hand to plugin hooks without exposing the live backing array to
// appends. The caller must hold the session lock.
func (sess *Session) Snapshot() []chat.Message {
	out := make([]chat.Message, len(sess.Conversation))
	copy(out, sess.Conversation)
	return out
}
