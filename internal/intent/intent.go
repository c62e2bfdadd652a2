// Package intent classifies user messages into one of four actions:
// request a mockup image, write project files (build), edit existing
// files (change), or hold a plain conversation.
//
// Classification is lexical and deterministic -- an ordered rule table,
// first match wins, no model call. Image is checked before everything
// else because mockup requests must never fall into the build path.
package intent

import (
	"regexp"
	"strings"
)

// Intent is the classified action for a message.
type Intent int

const (
	// Chat is the default when no other rule matches.
	Chat Intent = iota
	// Image requests a UI mockup image.
	Image
	// Build requests files to be written into the project.
	Build
	// Change requests an edit to an already-built project. The
	// orchestrator promotes Change to Build once built is true, so
	// post-build edits always land as file changes, never as prose.
	Change
)

func (i Intent) String() string {
	switch i {
	case Image:
		return "image"
	case Build:
		return "build"
	case Change:
		return "change"
	}
	return "chat"
}

// imagePhrases are substring matches checked first; image intent preempts
// build and chat regardless of build state.
var imagePhrases = []string{
	"mockup",
	"mock up",
	"wireframe",
	"ui design",
	"ui mockup",
	"design image",
	"screen design",
	"dashboard ui",
	"create a ui",
	"ui image",
}

// buildPhrases are explicit build verbs and builder-ish phrasing.
var buildPhrases = []string{
	"build",
	"generate code",
	"write code",
	"set up",
	"implement",
	"update the app",
	"modify the app",
	"change the app",
	"create an app",
	"create a project",
	"create a",
	"add a",
	"make this",
	"app that",
	"scaffold",
}

var (
	// Target-the-files phrasing: "write/update the project files".
	fileVerbRe   = regexp.MustCompile(`\b(write|save|store|persist|populate|update)\b`)
	fileTargetRe = regexp.MustCompile(`\b(project\s+files?|file\s+tree|workspace\s+files?)\b`)

	// An app-spec description: platform/stack mention plus enough
	// requirement verbs reads as a build request.
	platformOrStackRe = regexp.MustCompile(`\b(it is|it's)\s+(an?\s+)?app\b|\b(ios|android|iphone|ipad|react\s*native|expo|next\.?js|web app|saas)\b`)
	requirementRe     = regexp.MustCompile(`\b(use|support|include|should|must|need|with|add)\b`)
	fileSignalRe      = regexp.MustCompile(`\b(readme|package\.json|app\.js|index\.html|src/|\.env|endpoint|api key)\b`)

	// Edit verbs that mark a change request.
	editVerbRe  = regexp.MustCompile(`\b(update|change|modify|refactor|improve|fix|debug|repair|moderni[sz]e|redesign|restyle|polish|cleanup|optimi[sz]e)\b`)
	makeThingRe = regexp.MustCompile(`\bmake\b`)
	uiNounRe    = regexp.MustCompile(`\b(ui|design|layout|styling|style|theme|colors?|responsive|mobile|button|header|footer|nav|sidebar)\b`)
	featureRe   = regexp.MustCompile(`\b(add|remove|implement|wire up|connect|integrate)\b`)
)

// Classify returns the intent for a message. built reflects whether the
// project has at least one successful build commit; it only affects the
// change-promotion rule, never image detection.
func Classify(text string, built bool) Intent {
	t := strings.ToLower(text)

	if isImageRequest(t) {
		return Image
	}
	if isBuildRequest(t) {
		return Build
	}
	if built && isChangeRequest(text, t) {
		return Change
	}
	return Chat
}

func isImageRequest(t string) bool {
	for _, p := range imagePhrases {
		if strings.Contains(t, p) {
			return true
		}
	}
	return false
}

func isBuildRequest(t string) bool {
	if fileVerbRe.MatchString(t) && fileTargetRe.MatchString(t) {
		return true
	}
	for _, p := range buildPhrases {
		if strings.Contains(t, p) {
			return true
		}
	}
	if fileSignalRe.MatchString(t) {
		return true
	}
	if platformOrStackRe.MatchString(t) && len(requirementRe.FindAllString(t, -1)) >= 2 {
		return true
	}
	return false
}

func isChangeRequest(raw, t string) bool {
	if editVerbRe.MatchString(t) {
		return true
	}
	if makeThingRe.MatchString(t) && uiNounRe.MatchString(t) {
		return true
	}
	if featureRe.MatchString(t) {
		return true
	}
	// Pasted code plus an adjust verb is an edit even without other cues.
	if strings.Contains(raw, "```") && editVerbRe.MatchString(t) {
		return true
	}
	return false
}
