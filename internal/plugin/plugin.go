// Package plugin hosts the extension pipeline that wraps every
// exchange. Extensions observe and rewrite user input and assistant
// output at fixed hook points; the manager isolates them so a slow,
// panicking, or persistently failing extension degrades to a no-op
// instead of taking the exchange down with it.
package plugin

import (
	"context"
	"log/slog"

	"github.com/parleybot/parley/internal/chat"
)

// Hook identifies one pipeline stage. Text and image hooks transform
// their value; the two event hooks only observe.
type Hook string

const (
	HookPreUserText         Hook = "pre_user_text"
	HookPostUserText        Hook = "post_user_text"
	HookPreUserImages       Hook = "pre_user_images"
	HookPostUserImages      Hook = "post_user_images"
	HookPreAssistantText    Hook = "pre_assistant_text"
	HookPostAssistantText   Hook = "post_assistant_text"
	HookPreAssistantImages  Hook = "pre_assistant_images"
	HookPostAssistantImages Hook = "post_assistant_images"
	HookSessionStart        Hook = "on_session_start"
	HookMessageComplete     Hook = "on_message_complete"
)

// Env is the per-exchange state handed to every hook and command.
// History is a snapshot of the conversation at the time the hook
// fires; extensions must not retain it beyond the call.
type Env struct {
	ChatID  string
	Model   string
	History []chat.Message
	Meta    map[string]any
	AI      *AIHelper
	Logger  *slog.Logger
}

// Command is a chat command contributed by an extension.
type Command struct {
	Name        string
	Description string
	Handler     func(ctx context.Context, env *Env, args string) (string, error)
}

// Extension is the full hook surface. Embed Base to implement only
// the hooks an extension cares about.
type Extension interface {
	Name() string

	OnSessionStart(ctx context.Context, env *Env) error
	OnMessageComplete(ctx context.Context, env *Env, reply string) error

	PreUserText(ctx context.Context, env *Env, text string) (string, error)
	PostUserText(ctx context.Context, env *Env, text string) (string, error)
	PreUserImages(ctx context.Context, env *Env, imgs []*chat.Image) ([]*chat.Image, error)
	PostUserImages(ctx context.Context, env *Env, imgs []*chat.Image) ([]*chat.Image, error)

	PreAssistantText(ctx context.Context, env *Env, text string) (string, error)
	PostAssistantText(ctx context.Context, env *Env, text string) (string, error)
	PreAssistantImages(ctx context.Context, env *Env, imgs []*chat.Image) ([]*chat.Image, error)
	PostAssistantImages(ctx context.Context, env *Env, imgs []*chat.Image) ([]*chat.Image, error)

	Commands() []Command
}

// Base is a no-op Extension for embedding. Every hook passes its
// value through unchanged.
type Base struct{}

func (Base) OnSessionStart(context.Context, *Env) error            { return nil }
func (Base) OnMessageComplete(context.Context, *Env, string) error { return nil }
func (Base) PreUserText(_ context.Context, _ *Env, s string) (string, error) { return s, nil }
func (Base) PostUserText(_ context.Context, _ *Env, s string) (string, error) { return s, nil }
func (Base) PreUserImages(_ context.Context, _ *Env, imgs []*chat.Image) ([]*chat.Image, error) {
	return imgs, nil
}
func (Base) PostUserImages(_ context.Context, _ *Env, imgs []*chat.Image) ([]*chat.Image, error) {
	return imgs, nil
}
func (Base) PreAssistantText(_ context.Context, _ *Env, s string) (string, error) { return s, nil }
func (Base) PostAssistantText(_ context.Context, _ *Env, s string) (string, error) {
	return s, nil
}
func (Base) PreAssistantImages(_ context.Context, _ *Env, imgs []*chat.Image) ([]*chat.Image, error) {
	return imgs, nil
}
func (Base) PostAssistantImages(_ context.Context, _ *Env, imgs []*chat.Image) ([]*chat.Image, error) {
	return imgs, nil
}
func (Base) Commands() []Command { return nil }

// textHook maps a Hook constant to the extension method it names.
func textHook(ext Extension, h Hook) func(context.Context, *Env, string) (string, error) {
	switch h {
	case HookPreUserText:
		return ext.PreUserText
	case HookPostUserText:
		return ext.PostUserText
	case HookPreAssistantText:
		return ext.PreAssistantText
	case HookPostAssistantText:
		return ext.PostAssistantText
	}
	return nil
}

func imageHook(ext Extension, h Hook) func(context.Context, *Env, []*chat.Image) ([]*chat.Image, error) {
	switch h {
	case HookPreUserImages:
		return ext.PreUserImages
	case HookPostUserImages:
		return ext.PostUserImages
	case HookPreAssistantImages:
		return ext.PreAssistantImages
	case HookPostAssistantImages:
		return ext.PostAssistantImages
	}
	return nil
}
