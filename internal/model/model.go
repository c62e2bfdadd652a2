// Package model defines the core domain types shared across all AppForge packages.
// It has zero dependencies on other AppForge packages.
package model

import (
	"strings"
	"time"
)

// Platform identifies the target platform a project is built for.
type Platform string

const (
	PlatformWeb        Platform = "web"
	PlatformIOS        Platform = "ios"
	PlatformAndroid    Platform = "android"
	PlatformIOSAndroid Platform = "ios_android"
	// PlatformUnknown means the message carried no platform cue and the
	// clarification question must be asked.
	PlatformUnknown Platform = ""
)

// MaxCoreFeatures caps the rolling feature list kept on BuildInfo.
const MaxCoreFeatures = 8

// MaxImages caps the generated-image gallery kept on ProjectMeta.
const MaxImages = 20

// ChatRetention is the global chat log cap: only the most recent turns
// are retained, enforced on write.
const ChatRetention = 200

// BuildInfo is the immutable-once-set record of platform/framework/language
// and app identity used as the authoritative constraint for all generation
// calls. Only CoreFeatures evolves after it is first established.
type BuildInfo struct {
	Platform     Platform `json:"platform"`
	Framework    string   `json:"framework"`
	Language     string   `json:"language"`
	AppName      string   `json:"appName"`
	OneLiner     string   `json:"oneLiner"`
	CoreFeatures []string `json:"coreFeatures"`
}

// MergeFeature pushes a new feature line to the front of CoreFeatures,
// dropping case-insensitive duplicates and capping the list. A blank
// suggestion leaves the list unchanged (beyond the cap).
func (b *BuildInfo) MergeFeature(suggestion string) {
	suggestion = strings.TrimSpace(suggestion)
	if suggestion == "" {
		if len(b.CoreFeatures) > MaxCoreFeatures {
			b.CoreFeatures = b.CoreFeatures[:MaxCoreFeatures]
		}
		return
	}

	merged := make([]string, 0, len(b.CoreFeatures)+1)
	merged = append(merged, suggestion)
	for _, f := range b.CoreFeatures {
		dup := false
		for _, m := range merged {
			if strings.EqualFold(m, f) {
				dup = true
				break
			}
		}
		if !dup {
			merged = append(merged, f)
		}
	}
	if len(merged) > MaxCoreFeatures {
		merged = merged[:MaxCoreFeatures]
	}
	b.CoreFeatures = merged
}

// ImageRecord is one entry in a project's generated-image gallery. The
// heavy payload lives here, never in the chat log.
type ImageRecord struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Prompt    string    `json:"prompt"`
	URL       string    `json:"url,omitempty"`
	DataURL   string    `json:"dataUrl,omitempty"`
}

// ProjectMeta is the durable per-project record of build metadata. It is
// owned by the Project State Store and mutated only by the orchestrator
// and project-lifecycle operations.
type ProjectMeta struct {
	ID    string `json:"id"`
	Title string `json:"title"`

	BuildInfo *BuildInfo `json:"buildInfo,omitempty"`

	// PendingPlatformPrompt holds the message that triggered the platform
	// clarification question. Present only in the single-turn window
	// before BuildInfo is first set.
	PendingPlatformPrompt string `json:"pendingPlatformPrompt,omitempty"`

	// Memory is the rolling conversation digest. Advisory context for
	// generation prompts, never authoritative over BuildInfo.
	Memory string `json:"memory,omitempty"`

	Built   bool   `json:"built"`
	Version int    `json:"version"`
	Entry   string `json:"entry,omitempty"`

	// Files is the last-known snapshot of file paths on disk. A live
	// listing from the sandbox supersedes it.
	Files []string `json:"files,omitempty"`

	Images    []ImageRecord `json:"images,omitempty"`
	LastImage *ImageRecord  `json:"lastImage,omitempty"`

	UpdatedAt   time.Time  `json:"updatedAt"`
	LastBuildAt *time.Time `json:"lastBuildAt,omitempty"`
}

// PushImage prepends an image record to the gallery, capping its size,
// and updates the LastImage pointer.
func (m *ProjectMeta) PushImage(img ImageRecord) {
	m.Images = append([]ImageRecord{img}, m.Images...)
	if len(m.Images) > MaxImages {
		m.Images = m.Images[:MaxImages]
	}
	m.LastImage = &m.Images[0]
}

// ChatTurn is a single entry in a project's append-only chat log.
type ChatTurn struct {
	ID           int64     `json:"id,omitempty"`
	ProjectID    string    `json:"project_id,omitempty"`
	Role         string    `json:"role"` // "user" or "assistant"
	Content      string    `json:"content"`
	ImageURL     string    `json:"imageUrl,omitempty"`
	ImageDataURL string    `json:"imageDataUrl,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// GeneratedFile is one (path, content) pair produced by the Content
// Generator and committed through the sandbox file store.
type GeneratedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Truncate shortens a string to maxLen runes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 3 {
		r := []rune(s)
		if len(r) <= maxLen {
			return s
		}
		return string(r[:maxLen])
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

// FirstLine returns the first line of s, trimmed and capped at max runes.
func FirstLine(s string, max int) string {
	line := s
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		line = s[:idx]
	}
	line = strings.TrimSpace(line)
	r := []rune(line)
	if len(r) > max {
		return string(r[:max])
	}
	return line
}
