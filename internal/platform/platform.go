// Package platform infers the target platform from free-form user text.
//
// Both entry points are pure functions over fixed keyword sets, so routing
// stays deterministic: the same message always resolves to the same
// platform. Infer is used on first contact; ParseAnswer interprets the
// reply to the one clarification question.
package platform

import (
	"regexp"

	"appforge/internal/model"
)

var (
	webRe     = regexp.MustCompile(`(?i)\b(web|website|saas|dashboard|landing page|next\.?js|browser|frontend)\b`)
	iosRe     = regexp.MustCompile(`(?i)\b(ios|iphone|ipad|apple)\b`)
	androidRe = regexp.MustCompile(`(?i)\b(android)\b`)
	bothRe    = regexp.MustCompile(`(?i)\b(both|ios and android|iphone and android|android and iphone)\b`)
	answerWeb = regexp.MustCompile(`(?i)\b(web|website|browser|saas)\b`)
)

// Infer maps a message to a platform. An iOS cue plus an Android cue means
// ios_android; a generic "app" mention with no platform cue yields
// PlatformUnknown, which triggers the clarification question.
func Infer(text string) model.Platform {
	hasIOS := iosRe.MatchString(text)
	hasAndroid := androidRe.MatchString(text)

	switch {
	case hasIOS && hasAndroid:
		return model.PlatformIOSAndroid
	case hasIOS:
		return model.PlatformIOS
	case hasAndroid:
		return model.PlatformAndroid
	case webRe.MatchString(text):
		return model.PlatformWeb
	}
	return model.PlatformUnknown
}

// ParseAnswer interprets the reply to the clarification question. It
// additionally recognizes explicit "both" phrasing. PlatformUnknown means
// the answer was itself ambiguous; callers default to web rather than ask
// again.
func ParseAnswer(text string) model.Platform {
	switch {
	case bothRe.MatchString(text):
		return model.PlatformIOSAndroid
	case answerWeb.MatchString(text):
		return model.PlatformWeb
	case iosRe.MatchString(text):
		return model.PlatformIOS
	case androidRe.MatchString(text):
		return model.PlatformAndroid
	}
	return model.PlatformUnknown
}

// Defaults derives the framework and language for a platform. The mapping
// is 1:1 and fixed; once stored on BuildInfo it is never recomputed.
func Defaults(p model.Platform) (framework, language string) {
	switch p {
	case model.PlatformWeb:
		return "nextjs", "javascript"
	case model.PlatformIOSAndroid:
		return "shared_mobile", "javascript"
	case model.PlatformIOS:
		return "swift", "swift"
	case model.PlatformAndroid:
		return "kotlin", "kotlin"
	}
	return "", ""
}

// Question is the single clarification prompt shown when the platform
// cannot be inferred. Asked at most once per project.
const Question = "Is this a web app, an iPhone app, an Android app, or both iPhone and Android?"
