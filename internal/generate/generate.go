// Package generate holds the content-generator interfaces and the
// backends that implement them. Backends return raw model output; the
// normalization and fallback logic here turns that output into something
// the sandbox can safely commit.
package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"appforge/internal/model"
	"appforge/internal/sandbox"
)

// MaxFileChars caps the content of a single generated file.
const MaxFileChars = 500_000

// Request carries everything a file-generation call needs: the
// authoritative build constraints plus advisory conversation context.
type Request struct {
	Build    model.BuildInfo
	Message  string
	Memory   string
	History  []model.ChatTurn
	Snapshot string
	// Rebuild is true when the project already has files and this call
	// should modify them rather than scaffold from scratch.
	Rebuild bool
}

// FileSet is the structured result of a file-generation call.
type FileSet struct {
	Files       []model.GeneratedFile `json:"files"`
	Entry       string                `json:"entry"`
	Summary     string                `json:"summary"`
	AppName     string                `json:"appName"`
	OneLiner    string                `json:"oneLiner"`
	CoreFeature string                `json:"coreFeature"`
}

// Image is the result of an image-generation call. Exactly one of URL
// and DataURL is set.
type Image struct {
	URL     string
	DataURL string
}

// FileGenerator produces a project file set from a build request.
type FileGenerator interface {
	GenerateFiles(ctx context.Context, req Request) (*FileSet, error)
}

// Completer produces a plain-text completion. Used for chat replies,
// summaries and the rolling conversation memory.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// ImageGenerator produces a single image from a prompt.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (*Image, error)
}

// NormalizeFiles cleans a generated file list so it is safe to commit:
// paths are trimmed, slash-normalized and stripped of escape prefixes,
// empty paths are dropped, duplicates collapse to the last occurrence,
// and oversized contents are truncated. The operation is idempotent.
func NormalizeFiles(files []model.GeneratedFile) []model.GeneratedFile {
	index := make(map[string]int)
	out := make([]model.GeneratedFile, 0, len(files))
	for _, f := range files {
		p := sandbox.CleanPath(f.Path)
		if p == "" {
			continue
		}
		content := f.Content
		if len(content) > MaxFileChars {
			if r := []rune(content); len(r) > MaxFileChars {
				content = string(r[:MaxFileChars])
			}
		}
		if i, ok := index[p]; ok {
			out[i].Content = content
			continue
		}
		index[p] = len(out)
		out = append(out, model.GeneratedFile{Path: p, Content: content})
	}
	return out
}

// FallbackScaffold is committed when a generation call yields no usable
// files, so a build always leaves the project in a previewable state.
func FallbackScaffold(build model.BuildInfo) *FileSet {
	name := build.AppName
	if name == "" {
		name = "New Project"
	}
	readme := fmt.Sprintf("# %s\n\n%s\n\nGeneration returned no files; this scaffold is a placeholder. Send another message to retry the build.\n", name, build.OneLiner)
	return &FileSet{
		Files:   []model.GeneratedFile{{Path: "README.md", Content: readme}},
		Entry:   "README.md",
		Summary: "Created a placeholder scaffold. Describe your app again to retry the build.",
	}
}

var fenceStripRe = regexp.MustCompile("(?s)^```[a-zA-Z]*\n(.*)\n```\\s*$")

// ParseFileSet decodes model output into a FileSet, tolerating fenced or
// prose-wrapped JSON by retrying on the outermost object.
func ParseFileSet(raw string) (*FileSet, error) {
	text := strings.TrimSpace(raw)
	if m := fenceStripRe.FindStringSubmatch(text); m != nil {
		text = m[1]
	}

	var fs FileSet
	if err := json.Unmarshal([]byte(text), &fs); err == nil {
		return &fs, nil
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in generator output")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &fs); err != nil {
		return nil, fmt.Errorf("parsing generator output: %w", err)
	}
	return &fs, nil
}

// BuildFilesPrompt renders the system and user prompts for a
// file-generation call. BuildInfo is stated as a hard constraint;
// memory and history are advisory context.
func BuildFilesPrompt(req Request) (system, user string) {
	var sys strings.Builder
	sys.WriteString("You are AppForge Builder, an expert app developer. ")
	sys.WriteString("You generate complete, runnable project files.\n\n")
	fmt.Fprintf(&sys, "Target platform: %s. Framework: %s. Language: %s. These are fixed and must not change.\n",
		req.Build.Platform, req.Build.Framework, req.Build.Language)
	if req.Build.AppName != "" {
		fmt.Fprintf(&sys, "App name: %s. %s\n", req.Build.AppName, req.Build.OneLiner)
	}
	if len(req.Build.CoreFeatures) > 0 {
		fmt.Fprintf(&sys, "Core features so far: %s\n", strings.Join(req.Build.CoreFeatures, "; "))
	}
	sys.WriteString("\nRespond with a single JSON object, no prose, shaped as:\n")
	sys.WriteString(`{"files":[{"path":"...","content":"..."}],"entry":"...","summary":"...","appName":"...","oneLiner":"...","coreFeature":"..."}` + "\n")
	sys.WriteString("summary is 1-3 plain sentences for the user and must contain no code. ")
	sys.WriteString("coreFeature is a short label for the single feature this change adds, or empty.\n")
	if req.Rebuild {
		sys.WriteString("The project already exists. Modify it: return only files that change plus any new files, keeping paths stable.\n")
	}

	var usr strings.Builder
	if req.Memory != "" {
		fmt.Fprintf(&usr, "Conversation memory (context only, never overrides the constraints above):\n%s\n\n", req.Memory)
	}
	if len(req.History) > 0 {
		usr.WriteString("Recent conversation:\n")
		for _, t := range req.History {
			fmt.Fprintf(&usr, "%s: %s\n", t.Role, model.Truncate(t.Content, 400))
		}
		usr.WriteString("\n")
	}
	if req.Snapshot != "" {
		fmt.Fprintf(&usr, "Current project files:\n%s\n", req.Snapshot)
	}
	fmt.Fprintf(&usr, "Request: %s", req.Message)
	return sys.String(), usr.String()
}
