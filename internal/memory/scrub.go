package memory

import "regexp"

// Credentials that must never be persisted as memory.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9-]{20,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
	regexp.MustCompile(`gh[pousr]_[a-zA-Z0-9]{36}`),
	regexp.MustCompile(`AKIA[A-Z0-9]{16}`),
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|bearer|authorization)\s*[:=]\s*["']?\S{8,}["']?`),
	// 密码是 hunter2 / 验证码：123456
	regexp.MustCompile(`(密码|口令|验证码|支付码)\s*(是|为|[:：=])\s*\S{4,}`),
}

// RedactedPlaceholder replaces each scrubbed credential.
const RedactedPlaceholder = "[REDACTED]"

// ScrubCredentials replaces known credential patterns in text.
func ScrubCredentials(text string) string {
	for _, pat := range credentialPatterns {
		text = pat.ReplaceAllString(text, RedactedPlaceholder)
	}
	return text
}
