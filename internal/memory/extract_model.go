package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/memclaw/internal/llm"
)

const extractPrompt = `从用户的话中抽取结构化信息，只输出 JSON，不要解释。格式：
{"entities":[],"relations":[{"subject":"","predicate":"","object":""}],"tags":[],"interests":[],"events":[]}
喜欢的事物在 tags 中加 "liked"，讨厌的事物加 "disliked"。`

// ModelExtractor asks a language model for the extraction.
type ModelExtractor struct {
	Generator llm.Generator
}

func (m ModelExtractor) Extract(ctx context.Context, text string) (Extraction, error) {
	res := m.Generator.Generate(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: extractPrompt},
		{Role: llm.RoleUser, Content: text},
	})
	if !res.OK() {
		return Extraction{}, fmt.Errorf("extract: %w", res.Error())
	}

	var ex Extraction
	if err := json.Unmarshal([]byte(llm.StripCodeFence(res.Content)), &ex); err != nil {
		return Extraction{}, fmt.Errorf("extract: decode model output: %w", err)
	}
	if ex.Empty() {
		return Extraction{}, errors.New("extract: model returned nothing")
	}
	return ex, nil
}
