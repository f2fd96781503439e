package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/parleybot/parley/internal/chat"
)

func testDefaults(systemPrompt string) Defaults {
	return Defaults{
		Model:        chat.ModelSelector{Provider: chat.ProviderOpenAI, ModelID: "gpt-4-turbo"},
		MaxRounds:    4,
		SystemPrompt: systemPrompt,
	}
}

func TestGetOrCreate_Defaults(t *testing.T) {
	s := NewStore(testDefaults(""))

	sess, created := s.GetOrCreate("chat-1")
	if !created {
		t.Fatal("expected creation on first access")
	}
	if sess.Model.ModelID != "gpt-4-turbo" {
		t.Errorf("model = %q", sess.Model.ModelID)
	}
	if sess.MaxRounds != 4 {
		t.Errorf("max rounds = %d", sess.MaxRounds)
	}
	if sess.Format != FormatAuto {
		t.Errorf("format = %q, want auto", sess.Format)
	}
	if len(sess.Conversation) != 0 {
		t.Errorf("new conversation has %d messages", len(sess.Conversation))
	}

	again, created := s.GetOrCreate("chat-1")
	if created {
		t.Error("second access should not create")
	}
	if again != sess {
		t.Error("second access returned a different session")
	}
}

func TestGetOrCreate_SystemPrompt(t *testing.T) {
	s := NewStore(testDefaults("You are a tutor."))
	sess, _ := s.GetOrCreate("chat-1")

	if len(sess.Conversation) != 1 || sess.Conversation[0].Role != chat.RoleSystem {
		t.Fatalf("expected single leading system message, got %d messages", len(sess.Conversation))
	}
	if sess.Conversation[0].FirstText() != "You are a tutor." {
		t.Errorf("system text = %q", sess.Conversation[0].FirstText())
	}
}

func TestClear(t *testing.T) {
	s := NewStore(testDefaults("system here"))
	s.With("chat-1", func(sess *Session) {
		sess.Conversation = append(sess.Conversation,
			chat.Text(chat.RoleUser, "hi"),
			chat.Text(chat.RoleAssistant, "hello"),
		)
	})

	s.Clear("chat-1")

	s.With("chat-1", func(sess *Session) {
		if len(sess.Conversation) != 1 {
			t.Fatalf("after clear: %d messages, want 1 (system)", len(sess.Conversation))
		}
		if sess.Conversation[0].Role != chat.RoleSystem {
			t.Errorf("surviving message role = %q", sess.Conversation[0].Role)
		}
	})
}

func TestClear_NoSystemPrompt(t *testing.T) {
	s := NewStore(testDefaults(""))
	s.With("chat-1", func(sess *Session) {
		sess.Conversation = append(sess.Conversation, chat.Text(chat.RoleUser, "hi"))
	})

	s.Clear("chat-1")

	s.With("chat-1", func(sess *Session) {
		if len(sess.Conversation) != 0 {
			t.Errorf("after clear: %d messages, want 0", len(sess.Conversation))
		}
	})
}

func TestTrim_Bound(t *testing.T) {
	s := NewStore(testDefaults("sys"))
	s.With("chat-1", func(sess *Session) {
		sess.MaxRounds = 2
		for i := 0; i < 10; i++ {
			sess.Conversation = append(sess.Conversation,
				chat.Text(chat.RoleUser, fmt.Sprintf("u%d", i)),
				chat.Text(chat.RoleAssistant, fmt.Sprintf("a%d", i)),
			)
		}
		sess.Trim()

		// System message survives and does not count against the cap.
		if len(sess.Conversation) != 1+2*sess.MaxRounds {
			t.Fatalf("after trim: %d messages, want %d", len(sess.Conversation), 1+2*sess.MaxRounds)
		}
		if sess.Conversation[0].Role != chat.RoleSystem {
			t.Error("trim dropped the leading system message")
		}
		// Newest messages are kept.
		last := sess.Conversation[len(sess.Conversation)-1]
		if last.FirstText() != "a9" {
			t.Errorf("newest message = %q, want a9", last.FirstText())
		}
	})
}

func TestTrim_MaxRoundsOne(t *testing.T) {
	// Session with max_rounds=1, two prior exchanges, system message
	// present; after a third user turn plus assistant turn, conversation
	// is system + latest user + latest assistant.
	s := NewStore(testDefaults("sys"))
	s.With("c", func(sess *Session) {
		sess.MaxRounds = 1
		sess.Conversation = append(sess.Conversation,
			chat.Text(chat.RoleUser, "u1"), chat.Text(chat.RoleAssistant, "a1"),
			chat.Text(chat.RoleUser, "u2"), chat.Text(chat.RoleAssistant, "a2"),
			chat.Text(chat.RoleUser, "u3"), chat.Text(chat.RoleAssistant, "a3"),
		)
		sess.Trim()

		if len(sess.Conversation) != 3 {
			t.Fatalf("got %d messages, want 3", len(sess.Conversation))
		}
		if sess.Conversation[0].Role != chat.RoleSystem {
			t.Error("first message is not system")
		}
		if sess.Conversation[1].FirstText() != "u3" || sess.Conversation[2].FirstText() != "a3" {
			t.Errorf("kept %q/%q, want u3/a3",
				sess.Conversation[1].FirstText(), sess.Conversation[2].FirstText())
		}
	})
}

func TestTrim_NoopUnderLimit(t *testing.T) {
	s := NewStore(testDefaults(""))
	s.With("c", func(sess *Session) {
		sess.Conversation = append(sess.Conversation,
			chat.Text(chat.RoleUser, "u1"), chat.Text(chat.RoleAssistant, "a1"),
		)
		sess.Trim()
		if len(sess.Conversation) != 2 {
			t.Errorf("trim under limit changed length to %d", len(sess.Conversation))
		}
	})
}

func TestWith_SerializesPerSession(t *testing.T) {
	s := NewStore(testDefaults(""))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.With("same-chat", func(sess *Session) {
				sess.TokensUsed++
			})
		}()
	}
	wg.Wait()

	s.With("same-chat", func(sess *Session) {
		if sess.TokensUsed != 50 {
			t.Errorf("TokensUsed = %d, want 50", sess.TokensUsed)
		}
	})
}

func TestApplyFormat(t *testing.T) {
	img := chat.NewImage([]byte("fake"), "image/png")

	tests := []struct {
		name       string
		format     Format
		text       string
		images     []*chat.Image
		wantText   string
		wantImages int
	}{
		{"auto passes through", FormatAuto, "hi", []*chat.Image{img}, "hi", 1},
		{"text strips images", FormatText, "hi", []*chat.Image{img}, "hi", 0},
		{"image strips text", FormatImage, "hi", []*chat.Image{img}, "", 1},
		{"unknown behaves as auto", Format("bogus"), "hi", []*chat.Image{img}, "hi", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotText, gotImages := ApplyFormat(tt.text, tt.images, tt.format)
			if gotText != tt.wantText {
				t.Errorf("text = %q, want %q", gotText, tt.wantText)
			}
			if len(gotImages) != tt.wantImages {
				t.Errorf("images = %d, want %d", len(gotImages), tt.wantImages)
			}
		})
	}
}

func TestApplyFormat_ImageMissing(t *testing.T) {
	text, images := ApplyFormat("explanation", nil, FormatImage)
	if images != nil {
		t.Error("expected no images")
	}
	if text == "" || text == "explanation" {
		t.Errorf("expected an informative no-image note, got %q", text)
	}
}

func TestApplyFormat_Both(t *testing.T) {
	img := chat.NewImage([]byte("fake"), "image/png")

	text, images := ApplyFormat("", []*chat.Image{img}, FormatBoth)
	if len(images) != 1 {
		t.Error("both: images dropped")
	}
	if text == "" {
		t.Error("both: expected note when text is missing")
	}

	text, images = ApplyFormat("only text", nil, FormatBoth)
	if len(images) != 0 {
		t.Error("both: phantom images")
	}
	if text == "only text" {
		t.Error("both: expected a no-image note appended")
	}
}

func TestParseFormat(t *testing.T) {
	for _, ok := range []string{"auto", "text", "image", "both"} {
		if _, valid := ParseFormat(ok); !valid {
			t.Errorf("ParseFormat(%q) invalid, want valid", ok)
		}
	}
	if _, valid := ParseFormat("markdown"); valid {
		t.Error("ParseFormat(markdown) valid, want invalid")
	}
}
