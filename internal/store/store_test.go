package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"appforge/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProjectRoundTrip(t *testing.T) {
	s := newTestStore(t)

	meta := &model.ProjectMeta{
		ID:    "p1",
		Title: "Fitness tracker",
	}
	if err := s.CreateProject(meta); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	got, err := s.GetMeta("p1")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if got.Title != "Fitness tracker" {
		t.Errorf("title = %q, want %q", got.Title, "Fitness tracker")
	}
	if got.BuildInfo != nil {
		t.Errorf("expected nil BuildInfo before platform is resolved")
	}
	if got.Built || got.Version != 0 {
		t.Errorf("new project should be unbuilt at version 0, got built=%v version=%d", got.Built, got.Version)
	}

	now := time.Now().UTC()
	got.BuildInfo = &model.BuildInfo{
		Platform:     model.PlatformWeb,
		Framework:    "nextjs",
		Language:     "javascript",
		AppName:      "FitTrack",
		OneLiner:     "Track your workouts",
		CoreFeatures: []string{"workout logging"},
	}
	got.Built = true
	got.Version = 1
	got.Entry = "app/page.tsx"
	got.Files = []string{"app/page.tsx", "package.json"}
	got.LastBuildAt = &now
	if err := s.PutMeta(got); err != nil {
		t.Fatalf("PutMeta: %v", err)
	}

	got2, err := s.GetMeta("p1")
	if err != nil {
		t.Fatalf("GetMeta after update: %v", err)
	}
	if got2.BuildInfo == nil || got2.BuildInfo.Framework != "nextjs" {
		t.Fatalf("BuildInfo not persisted: %+v", got2.BuildInfo)
	}
	if !got2.Built || got2.Version != 1 {
		t.Errorf("built=%v version=%d, want true/1", got2.Built, got2.Version)
	}
	if len(got2.Files) != 2 {
		t.Errorf("files = %v", got2.Files)
	}
	if got2.LastBuildAt == nil {
		t.Errorf("LastBuildAt not persisted")
	}
}

func TestGetMetaNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetMeta("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.PutMeta(&model.ProjectMeta{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("PutMeta on missing project: expected ErrNotFound, got %v", err)
	}
	if err := s.RenameProject("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RenameProject on missing project: expected ErrNotFound, got %v", err)
	}
	if err := s.DeleteProject("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteProject on missing project: expected ErrNotFound, got %v", err)
	}
}

func TestListProjectsOrder(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := s.CreateProject(&model.ProjectMeta{ID: id, Title: id}); err != nil {
			t.Fatalf("CreateProject %s: %v", id, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Touching "a" should move it to the top.
	meta, err := s.GetMeta("a")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := s.PutMeta(meta); err != nil {
		t.Fatalf("PutMeta: %v", err)
	}

	list, err := s.ListProjects()
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	if list[0].ID != "a" {
		t.Errorf("most recently updated should sort first, got %q", list[0].ID)
	}
}

func TestRenameProject(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateProject(&model.ProjectMeta{ID: "p1", Title: "old"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if err := s.RenameProject("p1", "new title"); err != nil {
		t.Fatalf("RenameProject: %v", err)
	}
	got, err := s.GetMeta("p1")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if got.Title != "new title" {
		t.Errorf("title = %q", got.Title)
	}
}

func TestDeleteProjectRemovesTurns(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateProject(&model.ProjectMeta{ID: "p1", Title: "t"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if err := s.AppendTurn(&model.ChatTurn{ProjectID: "p1", Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if err := s.DeleteProject("p1"); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}
	turns, err := s.Turns("p1", 0)
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("expected no turns after delete, got %d", len(turns))
	}
}

func TestTurnsChronologicalAndLimited(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateProject(&model.ProjectMeta{ID: "p1", Title: "t"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	for i := 0; i < 5; i++ {
		turn := &model.ChatTurn{ProjectID: "p1", Role: "user", Content: fmt.Sprintf("msg %d", i)}
		if err := s.AppendTurn(turn); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
	}

	turns, err := s.Turns("p1", 3)
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("len = %d, want 3", len(turns))
	}
	if turns[0].Content != "msg 2" || turns[2].Content != "msg 4" {
		t.Errorf("turns out of order: %q .. %q", turns[0].Content, turns[2].Content)
	}
}

func TestChatRetentionCap(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateProject(&model.ProjectMeta{ID: "p1", Title: "t"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	for i := 0; i < model.ChatRetention+10; i++ {
		turn := &model.ChatTurn{ProjectID: "p1", Role: "user", Content: fmt.Sprintf("msg %d", i)}
		if err := s.AppendTurn(turn); err != nil {
			t.Fatalf("AppendTurn %d: %v", i, err)
		}
	}

	turns, err := s.Turns("p1", 0)
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(turns) != model.ChatRetention {
		t.Fatalf("retained %d turns, want %d", len(turns), model.ChatRetention)
	}
	// The oldest retained turn is the 10th appended.
	if turns[0].Content != "msg 10" {
		t.Errorf("oldest retained = %q, want %q", turns[0].Content, "msg 10")
	}
}
