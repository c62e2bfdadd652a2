// Package orchestrator routes incoming project messages between platform
// clarification, image generation, file builds and plain chat, and owns
// every mutation of the per-project build state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"appforge/internal/format"
	"appforge/internal/generate"
	"appforge/internal/intent"
	"appforge/internal/model"
	"appforge/internal/platform"
	"appforge/internal/sandbox"
	"appforge/internal/store"
)

// MaxMessageRunes caps a single incoming message.
const MaxMessageRunes = 10000

var (
	// ErrMissingCredential means the operation needs a generation backend
	// that has no API key configured. Returned before any state changes.
	ErrMissingCredential = errors.New("no generator API key configured")

	// ErrInvalidMessage means the message is empty or too long. Nothing
	// is appended to the chat log.
	ErrInvalidMessage = errors.New("invalid message")
)

// Notifier receives build-commit events. Implementations must not block
// the request path; failures are logged and swallowed.
type Notifier interface {
	BuildCommitted(projectID, title string, version int)
}

// Result is the outcome of routing one message.
type Result struct {
	// Intent names the route taken: "clarify", "image", "build" or "chat".
	Intent string `json:"intent"`
	// OK is false when a generation call failed; Reply then carries the
	// user-facing failure text and Error the underlying reason.
	OK    bool   `json:"ok"`
	Reply string `json:"reply"`
	Error string `json:"error,omitempty"`

	Built   bool `json:"built"`
	Version int  `json:"version"`

	// FilesWritten is the full project listing after a build commit.
	FilesWritten []string `json:"filesWritten,omitempty"`

	// AwaitingPlatform is true when the reply is the platform question.
	AwaitingPlatform bool `json:"awaitingPlatform,omitempty"`

	// Image is set when this message produced a design image. The
	// payload lives here and in project metadata, never in the chat log.
	Image *model.ImageRecord `json:"image,omitempty"`
}

// Options configures an Orchestrator.
type Options struct {
	Store    *store.Store
	Files    *sandbox.Store
	Gen      generate.FileGenerator
	Chat     generate.Completer
	Images   generate.ImageGenerator
	Notifier Notifier
	Logger   zerolog.Logger

	// HistoryLimit is how many recent turns feed generation prompts.
	HistoryLimit int
	// SnapshotMaxChars budgets the file snapshot in rebuild prompts.
	SnapshotMaxChars int
}

// Orchestrator serializes message handling per project and applies the
// routing policy.
type Orchestrator struct {
	store    *store.Store
	files    *sandbox.Store
	gen      generate.FileGenerator
	chat     generate.Completer
	images   generate.ImageGenerator
	notifier Notifier
	log      zerolog.Logger

	historyLimit     int
	snapshotMaxChars int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an orchestrator. Generator fields may be nil when the
// corresponding backend is unconfigured; affected routes then fail with
// ErrMissingCredential.
func New(opts Options) *Orchestrator {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 80
	}
	if opts.SnapshotMaxChars <= 0 {
		opts.SnapshotMaxChars = 120_000
	}
	return &Orchestrator{
		store:            opts.Store,
		files:            opts.Files,
		gen:              opts.Gen,
		chat:             opts.Chat,
		images:           opts.Images,
		notifier:         opts.Notifier,
		log:              opts.Logger,
		historyLimit:     opts.HistoryLimit,
		snapshotMaxChars: opts.SnapshotMaxChars,
		locks:            make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) projectLock(id string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[id]
	if !ok {
		l = &sync.Mutex{}
		o.locks[id] = l
	}
	return l
}

// Run routes one user message for a project. Messages for the same
// project are handled strictly one at a time.
func (o *Orchestrator) Run(ctx context.Context, projectID, message string) (*Result, error) {
	message = strings.TrimSpace(message)
	if message == "" || len([]rune(message)) > MaxMessageRunes {
		return nil, ErrInvalidMessage
	}

	lock := o.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	meta, err := o.store.GetMeta(projectID)
	if err != nil {
		return nil, err
	}

	// While a platform answer is pending, the stored original request is
	// what gets routed, not the answer.
	effective := message
	answering := meta.BuildInfo == nil && meta.PendingPlatformPrompt != ""
	if answering {
		effective = meta.PendingPlatformPrompt
	}

	// The platform gate runs before intent routing: until build info
	// exists, every message either carries a recognizable platform or
	// triggers the one clarifying question. No generator is involved.
	if meta.BuildInfo == nil && !answering && platform.Infer(message) == model.PlatformUnknown {
		if err := o.appendTurn(projectID, "user", message); err != nil {
			return nil, err
		}
		meta.PendingPlatformPrompt = message
		if err := o.store.PutMeta(meta); err != nil {
			return nil, err
		}
		if err := o.appendTurn(projectID, "assistant", platform.Question); err != nil {
			return nil, err
		}
		return &Result{
			Intent:           "clarify",
			OK:               true,
			Reply:            platform.Question,
			AwaitingPlatform: true,
			Version:          meta.Version,
		}, nil
	}

	// Resolve the route next so missing credentials fail before any
	// turn or metadata is written.
	route := intent.Classify(effective, meta.Built)

	switch route {
	case intent.Image:
		if o.images == nil {
			return nil, ErrMissingCredential
		}
	case intent.Build, intent.Change:
		if o.gen == nil {
			return nil, ErrMissingCredential
		}
	default:
		if o.chat == nil {
			return nil, ErrMissingCredential
		}
	}

	if err := o.appendTurn(projectID, "user", message); err != nil {
		return nil, err
	}

	if meta.BuildInfo == nil {
		var p model.Platform
		if answering {
			p = platform.ParseAnswer(message)
			if p == model.PlatformUnknown {
				p = model.PlatformWeb
			}
			meta.PendingPlatformPrompt = ""
		} else {
			p = platform.Infer(message)
		}
		o.initBuildInfo(meta, p, effective)
		if err := o.store.PutMeta(meta); err != nil {
			return nil, err
		}
		o.log.Info().Str("project", projectID).Str("platform", string(p)).Msg("platform resolved")
	}

	switch route {
	case intent.Image:
		return o.runImage(ctx, meta, effective)
	case intent.Build, intent.Change:
		return o.runBuild(ctx, meta, effective)
	default:
		return o.runChat(ctx, meta, effective)
	}
}

// initBuildInfo pins the build identity the moment the platform is
// known. The request is the message that started the build, so its
// first 140 chars become the one-liner.
func (o *Orchestrator) initBuildInfo(meta *model.ProjectMeta, p model.Platform, request string) {
	framework, language := platform.Defaults(p)
	appName := strings.TrimSpace(meta.Title)
	if appName == "" {
		appName = "Project " + meta.ID
	}
	oneLiner := model.Truncate(strings.TrimSpace(request), 140)
	if oneLiner == "" {
		oneLiner = "App build in progress."
	}
	meta.BuildInfo = &model.BuildInfo{
		Platform:     p,
		Framework:    framework,
		Language:     language,
		AppName:      appName,
		OneLiner:     oneLiner,
		CoreFeatures: []string{},
	}
}

func (o *Orchestrator) runImage(ctx context.Context, meta *model.ProjectMeta, message string) (*Result, error) {
	img, err := o.images.GenerateImage(ctx, imagePrompt(meta, message))
	if err != nil {
		o.log.Warn().Err(err).Str("project", meta.ID).Msg("image generation failed")
		// The failure reason is the assistant turn, so the thread shows
		// what went wrong.
		reply := err.Error()
		if aerr := o.appendTurn(meta.ID, "assistant", reply); aerr != nil {
			return nil, aerr
		}
		return &Result{Intent: "image", OK: false, Reply: reply, Error: err.Error(), Built: meta.Built, Version: meta.Version}, nil
	}

	record := model.ImageRecord{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Prompt:    model.Truncate(message, 300),
		URL:       img.URL,
		DataURL:   img.DataURL,
	}
	meta.PushImage(record)
	if err := o.store.PutMeta(meta); err != nil {
		return nil, err
	}

	// The chat log carries only the announcement; the payload stays in
	// project metadata.
	reply := "Mockup image generated."
	if err := o.appendTurn(meta.ID, "assistant", reply); err != nil {
		return nil, err
	}
	return &Result{Intent: "image", OK: true, Reply: reply, Built: meta.Built, Version: meta.Version, Image: &record}, nil
}

// imagePrompt grounds the mockup request in what is known about the
// project so the image matches the app being built.
func imagePrompt(meta *model.ProjectMeta, message string) string {
	var b strings.Builder
	b.WriteString("App design mockup. ")
	b.WriteString(message)
	if meta.BuildInfo != nil {
		fmt.Fprintf(&b, "\nTarget platform: %s (%s, %s).", meta.BuildInfo.Platform, meta.BuildInfo.Framework, meta.BuildInfo.Language)
		if meta.BuildInfo.AppName != "" {
			fmt.Fprintf(&b, " App: %s.", meta.BuildInfo.AppName)
		}
	}
	if meta.Memory != "" {
		b.WriteString("\nProject context: ")
		b.WriteString(model.Truncate(meta.Memory, 500))
	}
	return b.String()
}

func (o *Orchestrator) runBuild(ctx context.Context, meta *model.ProjectMeta, message string) (*Result, error) {
	// Refresh the rolling memory first so the build prompt sees the
	// current turn, not the digest from one message ago.
	o.updateMemory(ctx, meta)

	history, err := o.store.Turns(meta.ID, o.historyLimit)
	if err != nil {
		return nil, err
	}

	req := generate.Request{
		Build:   *meta.BuildInfo,
		Message: message,
		Memory:  meta.Memory,
		History: history,
		Rebuild: meta.Built,
	}
	if meta.Built {
		paths, err := o.files.List(meta.ID)
		if err != nil {
			return nil, err
		}
		if len(paths) > 200 {
			paths = paths[:200]
		}
		req.Snapshot = o.files.Snapshot(meta.ID, paths, o.snapshotMaxChars)
	}

	fs, err := o.gen.GenerateFiles(ctx, req)
	if err != nil {
		o.log.Warn().Err(err).Str("project", meta.ID).Msg("build generation failed")
		reply := err.Error()
		if aerr := o.appendTurn(meta.ID, "assistant", reply); aerr != nil {
			return nil, aerr
		}
		return &Result{Intent: "build", OK: false, Reply: reply, Error: err.Error(), Built: meta.Built, Version: meta.Version}, nil
	}

	files := generate.NormalizeFiles(fs.Files)
	if len(files) == 0 {
		fallback := generate.FallbackScaffold(*meta.BuildInfo)
		files = fallback.Files
		if fs.Entry == "" {
			fs.Entry = fallback.Entry
		}
		if strings.TrimSpace(fs.Summary) == "" {
			fs.Summary = fallback.Summary
		}
		o.log.Warn().Str("project", meta.ID).Msg("generation returned no files, committing fallback scaffold")
	}

	if err := o.files.WriteFiles(meta.ID, files); err != nil {
		return nil, fmt.Errorf("committing files: %w", err)
	}

	if fs.AppName != "" && meta.BuildInfo.AppName == "" {
		meta.BuildInfo.AppName = fs.AppName
	}
	if fs.OneLiner != "" && meta.BuildInfo.OneLiner == "" {
		meta.BuildInfo.OneLiner = fs.OneLiner
	}
	feature := fs.CoreFeature
	if feature == "" {
		feature = model.FirstLine(message, 80)
	}
	meta.BuildInfo.MergeFeature(feature)

	if paths, err := o.files.List(meta.ID); err == nil {
		meta.Files = paths
	}
	if fs.Entry != "" {
		meta.Entry = sandbox.CleanPath(fs.Entry)
	}
	if meta.Entry == "" {
		meta.Entry = "index.html"
	}
	meta.Built = true
	meta.Version++
	now := time.Now().UTC()
	meta.LastBuildAt = &now
	if err := o.store.PutMeta(meta); err != nil {
		return nil, err
	}

	summary := format.SanitizeSummary(fs.Summary, buildFallbackSummary(meta))
	if err := o.appendTurn(meta.ID, "assistant", summary); err != nil {
		return nil, err
	}

	o.log.Info().Str("project", meta.ID).Int("version", meta.Version).Int("files", len(files)).Msg("build committed")
	if o.notifier != nil {
		o.notifier.BuildCommitted(meta.ID, meta.Title, meta.Version)
	}

	return &Result{Intent: "build", OK: true, Reply: summary, Built: true, Version: meta.Version, FilesWritten: meta.Files}, nil
}

func buildFallbackSummary(meta *model.ProjectMeta) string {
	name := meta.BuildInfo.AppName
	if name == "" {
		name = meta.Title
	}
	return fmt.Sprintf("Updated %s. The project files have been written; open the preview to see the result.", name)
}

const chatSystemPrompt = "You are AppForge, a friendly app-building assistant. " +
	"Answer briefly and in plain language. Never include code in your reply; " +
	"changes happen through project files, not chat."

func (o *Orchestrator) runChat(ctx context.Context, meta *model.ProjectMeta, message string) (*Result, error) {
	o.updateMemory(ctx, meta)

	history, err := o.store.Turns(meta.ID, o.historyLimit)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	if meta.Memory != "" {
		fmt.Fprintf(&b, "Conversation memory:\n%s\n\n", meta.Memory)
	}
	if meta.BuildInfo != nil {
		fmt.Fprintf(&b, "Project: %s (%s, %s).\n", meta.Title, meta.BuildInfo.Platform, meta.BuildInfo.Framework)
	}
	if len(history) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, t := range history {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, model.Truncate(t.Content, 400))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "User: %s", message)

	raw, err := o.chat.Complete(ctx, chatSystemPrompt, b.String())
	if err != nil {
		o.log.Warn().Err(err).Str("project", meta.ID).Msg("chat completion failed")
		reply := err.Error()
		if aerr := o.appendTurn(meta.ID, "assistant", reply); aerr != nil {
			return nil, aerr
		}
		return &Result{Intent: "chat", OK: false, Reply: reply, Error: err.Error(), Built: meta.Built, Version: meta.Version}, nil
	}

	reply := format.SanitizeChatReply(raw, "Happy to help. What would you like to do with your app?")
	if err := o.appendTurn(meta.ID, "assistant", reply); err != nil {
		return nil, err
	}

	return &Result{Intent: "chat", OK: true, Reply: reply, Built: meta.Built, Version: meta.Version}, nil
}

func (o *Orchestrator) appendTurn(projectID, role, content string) error {
	return o.store.AppendTurn(&model.ChatTurn{ProjectID: projectID, Role: role, Content: content})
}
