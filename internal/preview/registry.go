// Package preview runs live dev-server previews of built projects. A
// registry owns one preview process per project, assigns each project a
// stable local port, and reports a coarse lifecycle state to the UI.
package preview

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"appforge/internal/sandbox"
)

// State is the coarse preview lifecycle reported to clients.
type State string

const (
	// StateLoading means dependencies are installing or the server is
	// still starting.
	StateLoading State = "loading"
	StateRunning State = "running"
	StateError   State = "error"
)

// Status is a point-in-time snapshot of a project's preview.
type Status struct {
	State State  `json:"state"`
	Port  int    `json:"port,omitempty"`
	URL   string `json:"url,omitempty"`
	Error string `json:"error,omitempty"`
}

type proc struct {
	state  State
	errMsg string
	port   int

	cmd    *exec.Cmd
	static *http.Server
	cancel context.CancelFunc
}

// Registry manages preview processes. All methods are safe for
// concurrent use.
type Registry struct {
	files    *sandbox.Store
	basePort int
	log      zerolog.Logger

	mu    sync.Mutex
	procs map[string]*proc
	ports map[string]int
}

// NewRegistry creates a process registry. Ports are assigned from
// basePort upward, one per project, stable for the registry's lifetime.
func NewRegistry(files *sandbox.Store, basePort int, log zerolog.Logger) *Registry {
	if basePort <= 0 {
		basePort = 4300
	}
	return &Registry{
		files:    files,
		basePort: basePort,
		log:      log,
		procs:    make(map[string]*proc),
		ports:    make(map[string]int),
	}
}

func (r *Registry) portFor(projectID string) int {
	if p, ok := r.ports[projectID]; ok {
		return p
	}
	p := r.basePort + len(r.ports)
	r.ports[projectID] = p
	return p
}

func (p *proc) status() Status {
	s := Status{State: p.state, Port: p.port}
	if p.state == StateRunning || p.state == StateLoading {
		s.URL = fmt.Sprintf("http://localhost:%d", p.port)
	}
	if p.state == StateError {
		s.Error = p.errMsg
	}
	return s
}

// Status reports the current preview state without starting anything.
// A project with no preview process reports loading with no port.
func (r *Registry) Status(projectID string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.procs[projectID]; ok {
		return p.status()
	}
	return Status{State: StateLoading}
}

// EnsureRunning starts a preview for the project if one is not already
// up, and returns the current status. Errored previews are restarted.
func (r *Registry) EnsureRunning(projectID string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.procs[projectID]; ok && p.state != StateError {
		return p.status()
	}

	dir := r.files.ProjectDir(projectID)
	if _, err := os.Stat(dir); err != nil {
		return Status{State: StateError, Error: "project has no files yet"}
	}

	port := r.portFor(projectID)
	p := &proc{state: StateLoading, port: port}
	r.procs[projectID] = p

	if hasPackageJSON(dir) {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		go r.runDevServer(ctx, projectID, p, dir, port)
	} else {
		// A tree without a package.json is a static bundle; serve it
		// directly.
		r.serveStatic(projectID, p, dir, port)
	}
	return p.status()
}

func hasPackageJSON(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "package.json"))
	return err == nil
}

func (r *Registry) setState(projectID string, p *proc, state State, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.state = state
	p.errMsg = errMsg
}

// runDevServer installs dependencies and starts the project's dev server,
// moving the proc from loading to running (or error).
func (r *Registry) runDevServer(ctx context.Context, projectID string, p *proc, dir string, port int) {
	install := exec.CommandContext(ctx, "npm", "install", "--no-audit", "--no-fund")
	install.Dir = dir
	if out, err := install.CombinedOutput(); err != nil {
		r.log.Warn().Err(err).Str("project", projectID).Msg("preview install failed")
		r.setState(projectID, p, StateError, fmt.Sprintf("npm install failed: %s", tail(string(out), 500)))
		return
	}

	dev := exec.CommandContext(ctx, "npm", "run", "dev", "--", "--port", fmt.Sprint(port))
	dev.Dir = dir
	dev.Env = append(os.Environ(), fmt.Sprintf("PORT=%d", port))
	if err := dev.Start(); err != nil {
		r.setState(projectID, p, StateError, fmt.Sprintf("dev server failed to start: %v", err))
		return
	}

	r.mu.Lock()
	p.cmd = dev
	r.mu.Unlock()

	// Give the server a moment to bind before reporting running.
	time.Sleep(2 * time.Second)
	r.setState(projectID, p, StateRunning, "")
	r.log.Info().Str("project", projectID).Int("port", port).Msg("preview running")

	if err := dev.Wait(); err != nil && ctx.Err() == nil {
		r.log.Warn().Err(err).Str("project", projectID).Msg("preview exited")
		r.setState(projectID, p, StateError, fmt.Sprintf("dev server exited: %v", err))
	}
}

func (r *Registry) serveStatic(projectID string, p *proc, dir string, port int) {
	srv := &http.Server{
		Addr:    fmt.Sprintf("localhost:%d", port),
		Handler: http.FileServer(http.Dir(dir)),
	}
	p.static = srv
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.setState(projectID, p, StateError, fmt.Sprintf("static server: %v", err))
		}
	}()
	p.state = StateRunning
	r.log.Info().Str("project", projectID).Int("port", port).Msg("static preview running")
}

// Stop tears down a project's preview process, if any.
func (r *Registry) Stop(projectID string) {
	r.mu.Lock()
	p, ok := r.procs[projectID]
	if ok {
		delete(r.procs, projectID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.teardown(p)
}

// StopAll tears down every preview. Called on shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	procs := r.procs
	r.procs = make(map[string]*proc)
	r.mu.Unlock()
	for _, p := range procs {
		r.teardown(p)
	}
}

func (r *Registry) teardown(p *proc) {
	if p.cancel != nil {
		p.cancel()
	}
	if p.static != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		p.static.Shutdown(ctx)
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
