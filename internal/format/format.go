// Package format sanitizes assistant-produced text before it reaches the
// chat surface. The chat window is a narration channel: code lands in the
// project files, never in prose, so anything that looks like a file dump
// is rejected or replaced.
package format

import (
	"regexp"
	"strings"
)

// CodeOmittedNotice replaces fenced blocks in conversational replies.
const CodeOmittedNotice = "[Code omitted - changes are applied via project files.]"

const (
	// maxSummaryLen is the hard cap for build summaries; anything longer
	// reads as a dump, not a summary.
	maxSummaryLen = 900
	// maxChatReplyLen is the hard cap for conversational replies.
	maxChatReplyLen = 1400
	// codeyLineThreshold is how many code-like lines mark a summary as
	// code rather than prose.
	codeyLineThreshold = 3
)

var (
	fenceRe      = regexp.MustCompile("(?s)```.*?```")
	fileHeaderRe = regexp.MustCompile(`(?m)^---\s+.+\s+---`)
	codeyLineRe  = regexp.MustCompile(`(?m)^\s*(import\s+|export\s+|const\s+|function\s+|class\s+|<\w+|\{\s*$)`)
)

// SanitizeSummary validates a generator's human summary. Candidates
// containing a code fence, a "--- filename ---" header, three or more
// code-like lines, or more than 900 characters are replaced wholesale by
// the fallback; otherwise residual fenced blocks are stripped and the
// remainder returned trimmed.
func SanitizeSummary(text, fallback string) string {
	t := strings.TrimSpace(text)
	if t == "" {
		return fallback
	}

	hasFence := strings.Contains(t, "```")
	hasFileHeader := fileHeaderRe.MatchString(t)
	codeyLines := len(codeyLineRe.FindAllString(t, -1))

	if hasFence || hasFileHeader || codeyLines >= codeyLineThreshold || len(t) > maxSummaryLen {
		return fallback
	}

	withoutFences := strings.TrimSpace(fenceRe.ReplaceAllString(t, ""))
	if withoutFences == "" {
		return fallback
	}
	return withoutFences
}

// SanitizeChatReply cleans a conversational reply. Fenced blocks are
// replaced with an explicit omission notice rather than rejecting the
// whole reply, and the result is hard-truncated with an ellipsis.
func SanitizeChatReply(text, fallback string) string {
	t := strings.TrimSpace(text)
	if t == "" {
		return fallback
	}

	cleaned := strings.TrimSpace(fenceRe.ReplaceAllString(t, CodeOmittedNotice))
	if cleaned == "" {
		return fallback
	}
	if r := []rune(cleaned); len(r) > maxChatReplyLen {
		return string(r[:maxChatReplyLen]) + "…"
	}
	return cleaned
}
