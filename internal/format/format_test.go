package format

import (
	"strings"
	"testing"
)

const fallback = "Updated your app."

func TestSanitizeSummaryPassesProse(t *testing.T) {
	in := "Added a calendar page and wired it into the navigation."
	if got := SanitizeSummary(in, fallback); got != in {
		t.Errorf("got %q", got)
	}
}

func TestSanitizeSummaryRejectsCode(t *testing.T) {
	cases := map[string]string{
		"fence":        "Done!\n```js\nconst x = 1\n```",
		"file header":  "--- app/page.tsx ---\nexport default ...",
		"codey lines":  "import React\nconst a = 1\nfunction b() {\nplus prose",
		"too long":     strings.Repeat("w", 901),
		"empty":        "",
		"only a fence": "```\nstuff\n```",
	}
	for name, in := range cases {
		if got := SanitizeSummary(in, fallback); got != fallback {
			t.Errorf("%s: got %q, want fallback", name, got)
		}
	}
}

func TestSanitizeSummaryBoundary(t *testing.T) {
	// Exactly 900 characters is still a summary.
	in := strings.Repeat("w", 900)
	if got := SanitizeSummary(in, fallback); got != in {
		t.Errorf("900-char summary rejected")
	}
	// Two code-like lines are tolerated; three are not.
	two := "Here: \nimport a\nimport b\nall good"
	if got := SanitizeSummary(two, fallback); got == fallback {
		t.Errorf("two codey lines should pass")
	}
}

func TestSanitizeChatReplyReplacesFences(t *testing.T) {
	in := "Sure!\n```js\nconst x = 1\n```\nThat's how."
	got := SanitizeChatReply(in, fallback)
	if strings.Contains(got, "const x") || strings.Contains(got, "```") {
		t.Errorf("code leaked: %q", got)
	}
	if !strings.Contains(got, CodeOmittedNotice) {
		t.Errorf("missing omission notice: %q", got)
	}
}

func TestSanitizeChatReplyTruncates(t *testing.T) {
	in := strings.Repeat("héllo ", 400)
	got := SanitizeChatReply(in, fallback)
	r := []rune(got)
	if len(r) != 1401 {
		t.Errorf("len = %d runes, want 1400 plus ellipsis", len(r))
	}
	if r[len(r)-1] != '…' {
		t.Errorf("missing ellipsis: %q", string(r[len(r)-10:]))
	}
}

func TestSanitizeChatReplyFallbacks(t *testing.T) {
	if got := SanitizeChatReply("   ", fallback); got != fallback {
		t.Errorf("blank reply: got %q", got)
	}
	if got := SanitizeChatReply("```\nonly code\n```", fallback); got != CodeOmittedNotice {
		t.Errorf("all-code reply should become the notice, got %q", got)
	}
}
