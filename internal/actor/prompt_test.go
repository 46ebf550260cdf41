package actor

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/memclaw/internal/llm"
)

func TestCleanReply(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"（微笑）你好呀", "你好呀"},
		{"好的(点头)，我明白了 (停顿)。", "好的，我明白了 。"},
		{"  多个   空格\n换行  ", "多个 空格 换行"},
		{"（沉默）", "（沉默）"},
		{"没有括号", "没有括号"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := CleanReply(tt.in); got != tt.want {
				t.Errorf("CleanReply(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	msgs := BuildPrompt("", "【规则列表】\n- 用中文", "你好")
	if len(msgs) != 2 || msgs[0].Role != llm.RoleSystem || msgs[1].Content != "你好" {
		t.Fatalf("messages = %+v", msgs)
	}
	if !strings.HasPrefix(msgs[0].Content, DefaultSystemPrompt) || !strings.Contains(msgs[0].Content, "- 用中文") {
		t.Errorf("system = %q", msgs[0].Content)
	}

	msgs = BuildPrompt("persona", "  ", "hi")
	if msgs[0].Content != "persona" {
		t.Errorf("blank context should not add a preamble: %q", msgs[0].Content)
	}
}
