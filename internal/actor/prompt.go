package actor

import (
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/memclaw/internal/llm"
)

// DefaultSystemPrompt is the persona used when none is configured.
const DefaultSystemPrompt = "你是一个温暖、耐心的对话伙伴。回答简洁自然，遵守用户设定的规则，并结合你对用户的记忆作答。"

const memoryPreamble = "以下是你对用户的记忆，请在回答时参考：\n"

// BuildPrompt assembles the generation request: persona, then the memory
// context, then the user's message.
func BuildPrompt(systemPrompt, memoryContext, userMessage string) []llm.Message {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	system := systemPrompt
	if c := strings.TrimSpace(memoryContext); c != "" {
		system += "\n\n" + memoryPreamble + c
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: userMessage},
	}
}

var stageDirection = regexp.MustCompile(`[（(][^）)]*[）)]`)

// CleanReply strips parenthesised stage directions such as "（微笑）" and
// collapses whitespace. A reply that is nothing but directions is kept
// as-is (trimmed) rather than emptied.
func CleanReply(s string) string {
	cleaned := strings.Join(strings.Fields(stageDirection.ReplaceAllString(s, "")), " ")
	if cleaned == "" {
		return strings.TrimSpace(s)
	}
	return cleaned
}
