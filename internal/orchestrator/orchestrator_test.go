package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"appforge/internal/generate"
	"appforge/internal/model"
	"appforge/internal/platform"
	"appforge/internal/sandbox"
	"appforge/internal/store"
)

// stubGen is a scripted FileGenerator that records the requests it sees.
type stubGen struct {
	mu   sync.Mutex
	reqs []generate.Request
	fs   *generate.FileSet
	err  error
}

func (g *stubGen) GenerateFiles(_ context.Context, req generate.Request) (*generate.FileSet, error) {
	g.mu.Lock()
	g.reqs = append(g.reqs, req)
	g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return g.fs, nil
}

type stubCompleter struct {
	reply string
	err   error
	calls int
}

func (c *stubCompleter) Complete(_ context.Context, _, _ string) (string, error) {
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	return c.reply, nil
}

type stubImages struct {
	img *generate.Image
	err error
}

func (s *stubImages) GenerateImage(_ context.Context, _ string) (*generate.Image, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.img, nil
}

type stubNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *stubNotifier) BuildCommitted(projectID, title string, version int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, fmt.Sprintf("%s@%d", projectID, version))
}

type fixture struct {
	orch   *Orchestrator
	store  *store.Store
	files  *sandbox.Store
	gen    *stubGen
	chat   *stubCompleter
	images *stubImages
	notes  *stubNotifier
}

func goodFileSet() *generate.FileSet {
	return &generate.FileSet{
		Files: []model.GeneratedFile{
			{Path: "app/page.tsx", Content: "export default function Page() {}"},
			{Path: "package.json", Content: "{}"},
		},
		Entry:       "app/page.tsx",
		Summary:     "Built your app with a home page.",
		AppName:     "FitTrack",
		OneLiner:    "Track your workouts",
		CoreFeature: "workout logging",
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	fs, err := sandbox.New(filepath.Join(dir, "sandbox"))
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}

	f := &fixture{
		store:  st,
		files:  fs,
		gen:    &stubGen{fs: goodFileSet()},
		chat:   &stubCompleter{reply: "Sure, happy to help."},
		images: &stubImages{img: &generate.Image{DataURL: "data:image/png;base64,AAAA"}},
		notes:  &stubNotifier{},
	}
	f.orch = New(Options{
		Store:    st,
		Files:    fs,
		Gen:      f.gen,
		Chat:     f.chat,
		Images:   f.images,
		Notifier: f.notes,
		Logger:   zerolog.Nop(),
	})
	if err := st.CreateProject(&model.ProjectMeta{ID: "p1", Title: "My Project"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return f
}

func (f *fixture) meta(t *testing.T) *model.ProjectMeta {
	t.Helper()
	m, err := f.store.GetMeta("p1")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	return m
}

func (f *fixture) turns(t *testing.T) []model.ChatTurn {
	t.Helper()
	turns, err := f.store.Turns("p1", 0)
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	return turns
}

func TestBuildWithPlatformCue(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.Run(context.Background(), "p1", "build me a todo web app")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Intent != "build" || !res.OK {
		t.Fatalf("intent=%q ok=%v", res.Intent, res.OK)
	}
	if !res.Built || res.Version != 1 {
		t.Errorf("built=%v version=%d, want true/1", res.Built, res.Version)
	}

	meta := f.meta(t)
	if meta.BuildInfo == nil {
		t.Fatal("BuildInfo not set")
	}
	if meta.BuildInfo.Platform != model.PlatformWeb || meta.BuildInfo.Framework != "nextjs" {
		t.Errorf("platform=%q framework=%q", meta.BuildInfo.Platform, meta.BuildInfo.Framework)
	}
	if meta.BuildInfo.AppName != "My Project" {
		t.Errorf("appName = %q, want the project title", meta.BuildInfo.AppName)
	}
	if meta.BuildInfo.OneLiner != "build me a todo web app" {
		t.Errorf("oneLiner = %q", meta.BuildInfo.OneLiner)
	}
	if meta.Entry != "app/page.tsx" {
		t.Errorf("entry = %q", meta.Entry)
	}
	if meta.LastBuildAt == nil {
		t.Errorf("LastBuildAt not set")
	}
	if len(meta.BuildInfo.CoreFeatures) == 0 || meta.BuildInfo.CoreFeatures[0] != "workout logging" {
		t.Errorf("coreFeatures = %v", meta.BuildInfo.CoreFeatures)
	}

	list, err := f.files.List("p1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("files on disk = %v", list)
	}
	if len(res.FilesWritten) != 2 || res.FilesWritten[0] != list[0] {
		t.Errorf("filesWritten = %v, want disk listing %v", res.FilesWritten, list)
	}

	turns := f.turns(t)
	if len(turns) != 2 || turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Fatalf("turns = %+v", turns)
	}
	if turns[1].Content != "Built your app with a home page." {
		t.Errorf("assistant turn = %q", turns[1].Content)
	}

	if len(f.notes.events) != 1 || f.notes.events[0] != "p1@1" {
		t.Errorf("notifier events = %v", f.notes.events)
	}
}

func TestClarifyThenAmbiguousAnswerDefaultsWeb(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.Run(context.Background(), "p1", "build me a todo app")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Intent != "clarify" || !res.AwaitingPlatform {
		t.Fatalf("intent=%q awaiting=%v", res.Intent, res.AwaitingPlatform)
	}
	if res.Reply != platform.Question {
		t.Errorf("reply = %q", res.Reply)
	}
	meta := f.meta(t)
	if meta.PendingPlatformPrompt != "build me a todo app" {
		t.Errorf("pending = %q", meta.PendingPlatformPrompt)
	}
	if len(f.gen.reqs) != 0 {
		t.Fatalf("no generation should happen while clarifying")
	}

	// An answer with no recognizable platform defaults to web and builds
	// the original request.
	res, err = f.orch.Run(context.Background(), "p1", "whatever you think is best")
	if err != nil {
		t.Fatalf("Run answer: %v", err)
	}
	if res.Intent != "build" || !res.OK || res.Version != 1 {
		t.Fatalf("intent=%q ok=%v version=%d", res.Intent, res.OK, res.Version)
	}
	meta = f.meta(t)
	if meta.PendingPlatformPrompt != "" {
		t.Errorf("pending prompt should clear, got %q", meta.PendingPlatformPrompt)
	}
	if meta.BuildInfo.Platform != model.PlatformWeb {
		t.Errorf("ambiguous answer should default to web, got %q", meta.BuildInfo.Platform)
	}
	if len(f.gen.reqs) != 1 || f.gen.reqs[0].Message != "build me a todo app" {
		t.Fatalf("generation should run on the original request, got %+v", f.gen.reqs)
	}
}

func TestClarifyAnswerIPhone(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orch.Run(context.Background(), "p1", "build me a todo app"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	res, err := f.orch.Run(context.Background(), "p1", "an iphone app please")
	if err != nil {
		t.Fatalf("Run answer: %v", err)
	}
	if !res.OK || res.Intent != "build" {
		t.Fatalf("intent=%q ok=%v", res.Intent, res.OK)
	}
	meta := f.meta(t)
	if meta.BuildInfo.Platform != model.PlatformIOS || meta.BuildInfo.Framework != "swift" || meta.BuildInfo.Language != "swift" {
		t.Errorf("BuildInfo = %+v", meta.BuildInfo)
	}
}

func TestAnyMessageClarifiesBeforePlatformKnown(t *testing.T) {
	// Until the platform is known, every message without a platform cue
	// gets the one clarifying question, whatever its intent looks like.
	for _, msg := range []string{"hello there", "make me a mockup of the login screen"} {
		f := newFixture(t)
		res, err := f.orch.Run(context.Background(), "p1", msg)
		if err != nil {
			t.Fatalf("Run(%q): %v", msg, err)
		}
		if res.Intent != "clarify" || !res.AwaitingPlatform {
			t.Fatalf("Run(%q): intent=%q awaiting=%v", msg, res.Intent, res.AwaitingPlatform)
		}
		if f.chat.calls != 0 || len(f.gen.reqs) != 0 {
			t.Errorf("Run(%q): clarification must not invoke a generator (chat=%d gen=%d)", msg, f.chat.calls, len(f.gen.reqs))
		}
		if meta := f.meta(t); meta.PendingPlatformPrompt != msg {
			t.Errorf("Run(%q): pending = %q", msg, meta.PendingPlatformPrompt)
		}
	}
}

func TestChatAfterPlatformKnown(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orch.Run(context.Background(), "p1", "build me a todo web app"); err != nil {
		t.Fatalf("build: %v", err)
	}

	res, err := f.orch.Run(context.Background(), "p1", "what does my app do?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Intent != "chat" || !res.OK {
		t.Fatalf("intent=%q ok=%v", res.Intent, res.OK)
	}
	if res.Reply != "Sure, happy to help." {
		t.Errorf("reply = %q", res.Reply)
	}
	meta := f.meta(t)
	if !meta.Built || meta.Version != 1 {
		t.Errorf("chat must not touch build state: built=%v version=%d", meta.Built, meta.Version)
	}
	if len(f.gen.reqs) != 1 {
		t.Errorf("chat must not call the file generator")
	}
}

func TestImageRequest(t *testing.T) {
	f := newFixture(t)

	// The mockup request itself has no platform cue, so it waits for the
	// answer and runs once the platform is resolved.
	if _, err := f.orch.Run(context.Background(), "p1", "make me a mockup of the login screen"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	res, err := f.orch.Run(context.Background(), "p1", "it's a web app")
	if err != nil {
		t.Fatalf("Run answer: %v", err)
	}
	if res.Intent != "image" || !res.OK || res.Image == nil {
		t.Fatalf("intent=%q ok=%v image=%v", res.Intent, res.OK, res.Image)
	}
	if res.Image.DataURL == "" {
		t.Errorf("image payload missing")
	}

	meta := f.meta(t)
	if len(meta.Images) != 1 || meta.LastImage == nil {
		t.Fatalf("gallery = %+v lastImage = %v", meta.Images, meta.LastImage)
	}
	if meta.Images[0].ID == "" || meta.Images[0].Prompt == "" {
		t.Errorf("image record incomplete: %+v", meta.Images[0])
	}

	// The chat log must never carry the image payload.
	for _, turn := range f.turns(t) {
		if strings.Contains(turn.Content, "base64") || turn.ImageDataURL != "" {
			t.Errorf("payload leaked into chat log: %+v", turn)
		}
	}
	if len(f.gen.reqs) != 0 {
		t.Errorf("image request must not trigger a build")
	}
}

func TestImageGalleryCap(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orch.Run(context.Background(), "p1", "build me a todo web app"); err != nil {
		t.Fatalf("build: %v", err)
	}
	for i := 0; i < model.MaxImages+3; i++ {
		if _, err := f.orch.Run(context.Background(), "p1", fmt.Sprintf("mockup of screen %d", i)); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
	}
	meta := f.meta(t)
	if len(meta.Images) != model.MaxImages {
		t.Errorf("gallery = %d images, want %d", len(meta.Images), model.MaxImages)
	}
	if !strings.Contains(meta.Images[0].Prompt, fmt.Sprintf("screen %d", model.MaxImages+2)) {
		t.Errorf("newest image should sort first, got %q", meta.Images[0].Prompt)
	}
}

func TestChangePromotedToBuildAfterFirstBuild(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orch.Run(context.Background(), "p1", "build me a todo web app"); err != nil {
		t.Fatalf("first build: %v", err)
	}

	res, err := f.orch.Run(context.Background(), "p1", "change the header color to blue")
	if err != nil {
		t.Fatalf("change: %v", err)
	}
	if res.Intent != "build" || !res.OK || res.Version != 2 {
		t.Fatalf("intent=%q ok=%v version=%d", res.Intent, res.OK, res.Version)
	}
	if len(f.gen.reqs) != 2 {
		t.Fatalf("reqs = %d", len(f.gen.reqs))
	}
	second := f.gen.reqs[1]
	if !second.Rebuild {
		t.Errorf("second generation should be a rebuild")
	}
	if !strings.Contains(second.Snapshot, "--- app/page.tsx ---") {
		t.Errorf("rebuild prompt missing file snapshot:\n%s", second.Snapshot)
	}
}

func TestGeneratorFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	f.gen.err = errors.New("rate limited")

	res, err := f.orch.Run(context.Background(), "p1", "build me a todo web app")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.OK {
		t.Fatal("expected ok=false")
	}
	if res.Error == "" || res.Reply == "" {
		t.Errorf("failure result incomplete: %+v", res)
	}

	meta := f.meta(t)
	if meta.Built || meta.Version != 0 {
		t.Errorf("failed build must not commit: built=%v version=%d", meta.Built, meta.Version)
	}
	list, err := f.files.List("p1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("failed build must not write files: %v", list)
	}

	turns := f.turns(t)
	if len(turns) != 2 || turns[1].Role != "assistant" {
		t.Fatalf("failure must still append an assistant turn: %+v", turns)
	}
	// The thread records the actual reason, not a canned apology.
	if turns[1].Content != "rate limited" || res.Reply != "rate limited" {
		t.Errorf("failure turn = %q reply = %q, want the generator's reason", turns[1].Content, res.Reply)
	}
}

func TestImageFailureRecordsReason(t *testing.T) {
	f := newFixture(t)
	f.images.err = errors.New("no image returned")

	res, err := f.orch.Run(context.Background(), "p1", "mockup of the login screen for my web app")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.OK || res.Reply != "no image returned" {
		t.Fatalf("result = %+v", res)
	}
	turns := f.turns(t)
	if len(turns) != 2 || turns[1].Content != "no image returned" {
		t.Errorf("failure turn = %+v", turns)
	}
	if meta := f.meta(t); len(meta.Images) != 0 {
		t.Errorf("failed generation must not store an image: %+v", meta.Images)
	}
}

func TestEmptyGenerationCommitsFallbackScaffold(t *testing.T) {
	f := newFixture(t)
	f.gen.fs = &generate.FileSet{Summary: "did nothing"}

	res, err := f.orch.Run(context.Background(), "p1", "build me a todo web app")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.OK || res.Version != 1 || !res.Built {
		t.Fatalf("fallback build should still commit: %+v", res)
	}
	list, err := f.files.List("p1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0] != "README.md" {
		t.Errorf("files = %v, want fallback README.md", list)
	}
}

func TestSummarySanitized(t *testing.T) {
	f := newFixture(t)
	f.gen.fs = goodFileSet()
	f.gen.fs.Summary = "Done!\n```js\nconst x = 1\n```"

	res, err := f.orch.Run(context.Background(), "p1", "build me a todo web app")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Contains(res.Reply, "```") || strings.Contains(res.Reply, "const x") {
		t.Errorf("summary leaked code: %q", res.Reply)
	}
}

func TestInvalidMessage(t *testing.T) {
	f := newFixture(t)

	for _, msg := range []string{"", "   ", strings.Repeat("x", MaxMessageRunes+1)} {
		if _, err := f.orch.Run(context.Background(), "p1", msg); !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("message %q: expected ErrInvalidMessage, got %v", model.Truncate(msg, 10), err)
		}
	}
	if turns := f.turns(t); len(turns) != 0 {
		t.Errorf("invalid messages must not be logged: %+v", turns)
	}
}

func TestMissingCredentialBeforeMutation(t *testing.T) {
	f := newFixture(t)
	f.orch = New(Options{
		Store:  f.store,
		Files:  f.files,
		Logger: zerolog.Nop(),
	})

	if _, err := f.orch.Run(context.Background(), "p1", "build me a todo web app"); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
	if turns := f.turns(t); len(turns) != 0 {
		t.Errorf("credential failure must precede chat log writes: %+v", turns)
	}
	meta := f.meta(t)
	if meta.BuildInfo != nil || meta.PendingPlatformPrompt != "" {
		t.Errorf("credential failure must precede metadata writes: %+v", meta)
	}
}

func TestProjectNotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orch.Run(context.Background(), "missing", "hello"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected store.ErrNotFound, got %v", err)
	}
}

func TestMemoryRefreshedBeforeGeneration(t *testing.T) {
	f := newFixture(t)
	f.chat.reply = "User is building a fitness app."

	if _, err := f.orch.Run(context.Background(), "p1", "build me a todo web app"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	meta := f.meta(t)
	if meta.Memory != "User is building a fitness app." {
		t.Errorf("memory digest not stored: %q", meta.Memory)
	}
	// The digest must be refreshed before the build prompt is assembled.
	if len(f.gen.reqs) != 1 || f.gen.reqs[0].Memory != meta.Memory {
		t.Errorf("build prompt saw stale memory: %q", f.gen.reqs[0].Memory)
	}
}

func TestMemoryFailureSwallowed(t *testing.T) {
	f := newFixture(t)
	// The memory refresh fails before the build; the build still runs.
	f.gen.fs = goodFileSet()
	f.chat.err = errors.New("boom")

	res, err := f.orch.Run(context.Background(), "p1", "build me a todo web app")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.OK || res.Version != 1 {
		t.Errorf("memory failure must not affect the build result: %+v", res)
	}
}

func TestBuildInfoInitializedAtResolution(t *testing.T) {
	f := newFixture(t)
	// The generator offers no app identity; resolution must still pin
	// name, one-liner and an empty feature list deterministically.
	f.gen.fs = &generate.FileSet{
		Files:   []model.GeneratedFile{{Path: "index.html", Content: "<html></html>"}},
		Summary: "Done.",
	}
	if err := f.store.CreateProject(&model.ProjectMeta{ID: "p2"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	if _, err := f.orch.Run(context.Background(), "p2", "Build me a recipe app"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := f.orch.Run(context.Background(), "p2", "it's a web app"); err != nil {
		t.Fatalf("Run answer: %v", err)
	}

	meta, err := f.store.GetMeta("p2")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if meta.BuildInfo == nil {
		t.Fatal("BuildInfo not set")
	}
	if meta.BuildInfo.AppName != "Project p2" {
		t.Errorf("appName = %q, want the untitled default", meta.BuildInfo.AppName)
	}
	if meta.BuildInfo.OneLiner != "Build me a recipe app" {
		t.Errorf("oneLiner = %q, want the original request", meta.BuildInfo.OneLiner)
	}
}

func TestEntryDefaultsToIndexHTML(t *testing.T) {
	f := newFixture(t)
	f.gen.fs = &generate.FileSet{
		Files:   []model.GeneratedFile{{Path: "main.js", Content: "console.log(1)"}},
		Summary: "Done.",
	}

	if _, err := f.orch.Run(context.Background(), "p1", "build me a todo web app"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if meta := f.meta(t); meta.Entry != "index.html" {
		t.Errorf("entry = %q, want the index.html default", meta.Entry)
	}
}

func TestPlatformAskedAtMostOnce(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orch.Run(context.Background(), "p1", "build me a todo app"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := f.orch.Run(context.Background(), "p1", "android please"); err != nil {
		t.Fatalf("Run answer: %v", err)
	}

	// Nothing after resolution may re-ask.
	res, err := f.orch.Run(context.Background(), "p1", "add a calendar screen")
	if err != nil {
		t.Fatalf("Run followup: %v", err)
	}
	if res.AwaitingPlatform || res.Reply == platform.Question {
		t.Errorf("platform question repeated: %+v", res)
	}
	meta := f.meta(t)
	if meta.BuildInfo.Platform != model.PlatformAndroid || meta.BuildInfo.Framework != "kotlin" {
		t.Errorf("BuildInfo = %+v", meta.BuildInfo)
	}
}
