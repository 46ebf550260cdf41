package executive

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/memclaw/internal/llm"
	"github.com/nextlevelbuilder/memclaw/internal/memory"
)

// Utterance is one user statement submitted for memory processing.
type Utterance struct {
	Text      string
	SourceID  string
	Timestamp time.Time
	Priority  *float64 // overrides the classifier's priority when set
	Emotion   string
}

// Classification is the tier and priority assigned to an utterance.
type Classification struct {
	Category memory.Category `json:"category"`
	Priority float64         `json:"priority"`
}

// Classifier assigns a memory tier to text.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// Default priorities per tier.
const (
	RulePriority     = 0.9
	LongTermPriority = 0.7
	WorkingPriority  = 0.5
)

var (
	ruleMarkers     = []string{"请记住", "记住", "以后", "必须", "不要", "禁止", "务必", "永远", "每次", "不准", "不许"}
	longTermMarkers = []string{"我喜欢", "我不喜欢", "我讨厌", "我爱", "我是", "我叫", "我住", "我的生日", "生日", "我在", "我有", "我养"}
)

// HeuristicClassifier routes by marker phrases: standing instructions are
// rules, first-person facts are long-term, everything else is working.
type HeuristicClassifier struct{}

func (HeuristicClassifier) Classify(_ context.Context, text string) (Classification, error) {
	switch {
	case containsAny(text, ruleMarkers):
		return Classification{Category: memory.CategoryRule, Priority: RulePriority}, nil
	case containsAny(text, longTermMarkers):
		return Classification{Category: memory.CategoryLongTerm, Priority: LongTermPriority}, nil
	}
	return Classification{Category: memory.CategoryWorking, Priority: WorkingPriority}, nil
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

const classifyPrompt = `判断用户这句话应该存入哪一类记忆，只输出 JSON：{"category":"rule|longterm|working","priority":0到1之间的小数}
rule：用户要求助手长期遵守的规则或偏好指令；longterm：关于用户本人的持久事实；working：普通对话。`

// ModelClassifier asks a language model for the tier.
type ModelClassifier struct {
	Generator llm.Generator
}

func (m ModelClassifier) Classify(ctx context.Context, text string) (Classification, error) {
	res := m.Generator.Generate(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: classifyPrompt},
		{Role: llm.RoleUser, Content: text},
	})
	if !res.OK() {
		return Classification{}, fmt.Errorf("classify: %w", res.Error())
	}

	var raw struct {
		Category string  `json:"category"`
		Priority float64 `json:"priority"`
	}
	if err := json.Unmarshal([]byte(llm.StripCodeFence(res.Content)), &raw); err != nil {
		return Classification{}, fmt.Errorf("classify: decode model output: %w", err)
	}
	cat, err := memory.ParseCategory(raw.Category)
	if err != nil {
		return Classification{}, fmt.Errorf("classify: %w", err)
	}
	p := raw.Priority
	if p <= 0 || p > 1 {
		p = defaultPriority(cat)
	}
	return Classification{Category: cat, Priority: p}, nil
}

func defaultPriority(c memory.Category) float64 {
	switch c {
	case memory.CategoryRule:
		return RulePriority
	case memory.CategoryLongTerm:
		return LongTermPriority
	}
	return WorkingPriority
}
