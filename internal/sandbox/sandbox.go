// Package sandbox is the path-confined file store for generated project
// trees. Every project gets its own directory under the sandbox root and
// no operation may read or write outside it.
package sandbox

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"appforge/internal/model"
)

// ErrPathEscape is returned when a requested path would resolve outside
// the project's file tree.
var ErrPathEscape = errors.New("path escapes project sandbox")

// ErrFileNotFound is returned when a requested file does not exist.
var ErrFileNotFound = errors.New("file not found")

// skipDirs are heavy or derived directories excluded from listings,
// snapshots and archives.
var skipDirs = map[string]bool{
	"node_modules": true,
	".next":        true,
	".git":         true,
	".turbo":       true,
	"dist":         true,
	"build":        true,
	".cache":       true,
}

// Store manages per-project file trees under a single root directory.
type Store struct {
	root string
}

// New creates a sandbox store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sandbox root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the sandbox root directory.
func (s *Store) Root() string {
	return s.root
}

// ProjectDir returns the absolute directory holding a project's files.
func (s *Store) ProjectDir(projectID string) string {
	return filepath.Join(s.root, projectID, "files")
}

// resolve maps a project-relative path to an absolute one, rejecting
// anything that would land outside the project's file tree.
func (s *Store) resolve(projectID, rel string) (string, error) {
	rel = CleanPath(rel)
	if rel == "" {
		return "", ErrPathEscape
	}
	base := s.ProjectDir(projectID)
	abs := filepath.Join(base, filepath.FromSlash(rel))
	if abs != base && !strings.HasPrefix(abs, base+string(filepath.Separator)) {
		return "", ErrPathEscape
	}
	return abs, nil
}

// CleanPath normalizes a project-relative path: backslashes become
// slashes, leading slashes and ../ prefixes are stripped, and the result
// is slash-cleaned. An empty or still-escaping result returns "".
func CleanPath(rel string) string {
	rel = strings.TrimSpace(rel)
	rel = strings.ReplaceAll(rel, "\\", "/")
	for {
		switch {
		case strings.HasPrefix(rel, "/"):
			rel = strings.TrimPrefix(rel, "/")
		case strings.HasPrefix(rel, "../"):
			rel = strings.TrimPrefix(rel, "../")
		case strings.HasPrefix(rel, "./"):
			rel = strings.TrimPrefix(rel, "./")
		default:
			rel = path.Clean(rel)
			if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
				return ""
			}
			return rel
		}
	}
}

// WriteFiles commits a set of generated files into a project's tree,
// creating parent directories as needed. Paths are assumed already
// normalized by the generator layer; anything escaping is rejected.
func (s *Store) WriteFiles(projectID string, files []model.GeneratedFile) error {
	for _, f := range files {
		abs, err := s.resolve(projectID, f.Path)
		if err != nil {
			return fmt.Errorf("file %q: %w", f.Path, err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return fmt.Errorf("creating directory for %q: %w", f.Path, err)
		}
		if err := os.WriteFile(abs, []byte(f.Content), 0o644); err != nil {
			return fmt.Errorf("writing %q: %w", f.Path, err)
		}
	}
	return nil
}

// List walks a project's tree and returns all file paths, slash-separated
// and sorted, skipping heavy derived directories. A project with no files
// yet returns an empty list, not an error.
func (s *Store) List(projectID string) ([]string, error) {
	base := s.ProjectDir(projectID)
	var paths []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == base && os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// Read returns the content of one project file.
func (s *Store) Read(projectID, rel string) (string, error) {
	abs, err := s.resolve(projectID, rel)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(abs)
	if os.IsNotExist(err) {
		return "", ErrFileNotFound
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Snapshot renders up to maxChars of the given files as a prompt-ready
// text block, each file prefixed with a "--- path ---" header. Files past
// the budget are listed by name only.
func (s *Store) Snapshot(projectID string, paths []string, maxChars int) string {
	var b strings.Builder
	var omitted []string
	for _, p := range paths {
		content, err := s.Read(projectID, p)
		if err != nil {
			continue
		}
		block := fmt.Sprintf("--- %s ---\n%s\n\n", p, content)
		if b.Len()+len(block) > maxChars {
			omitted = append(omitted, p)
			continue
		}
		b.WriteString(block)
	}
	if len(omitted) > 0 {
		b.WriteString("Files present but omitted for length: ")
		b.WriteString(strings.Join(omitted, ", "))
		b.WriteString("\n")
	}
	return b.String()
}

// Remove deletes a project's entire sandbox directory.
func (s *Store) Remove(projectID string) error {
	return os.RemoveAll(filepath.Join(s.root, projectID))
}

// Archive streams a project's file tree as a zip, skipping heavy derived
// directories. Entry names are slash-separated relative paths.
func (s *Store) Archive(projectID string, w io.Writer) error {
	base := s.ProjectDir(projectID)
	zw := zip.NewWriter(w)
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == base && os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		entry, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		_, err = io.Copy(entry, f)
		return err
	})
	if err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}
