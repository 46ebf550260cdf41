// Package llm is the chat-completion boundary. A Generator turns a message
// list into a Result; failures are carried in the Result instead of an
// error so callers can tell a timeout from a refusal without unwrapping.
package llm

import (
	"context"
	"errors"
	"strings"
)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Result is the outcome of one generation.
type Result struct {
	Content string
	Err     string // non-empty on failure
	Timeout bool   // the call ran past its deadline
}

// OK reports whether the generation produced usable content.
func (r Result) OK() bool { return r.Err == "" && !r.Timeout }

// Error returns the failure as an error, or nil.
func (r Result) Error() error {
	switch {
	case r.Timeout:
		return ErrTimeout
	case r.Err != "":
		return errors.New(r.Err)
	}
	return nil
}

// ErrTimeout is returned by Result.Error for timed-out calls.
var ErrTimeout = errors.New("llm: request timed out")

// Generator produces a completion for a conversation.
type Generator interface {
	Generate(ctx context.Context, messages []Message) Result
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, messages []Message) Result

func (f GeneratorFunc) Generate(ctx context.Context, messages []Message) Result {
	return f(ctx, messages)
}

// StripCodeFence removes a surrounding ```lang ... ``` block, which models
// often wrap JSON answers in.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
