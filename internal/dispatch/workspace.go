package dispatch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Workspaces owns the workspace root. Every invocation gets a directory named
// by a fresh uuid; directories of in-flight invocations are tracked so the
// retention sweep never touches them.
type Workspaces struct {
	root string

	mu     sync.Mutex
	active map[string]struct{}
}

// NewWorkspaces creates the workspace root if needed.
func NewWorkspaces(root string) (*Workspaces, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Workspaces{root: abs, active: make(map[string]struct{})}, nil
}

// Root returns the absolute workspace root.
func (w *Workspaces) Root() string {
	return w.root
}

// Workspace is one invocation-private directory.
type Workspace struct {
	ID  string
	Dir string

	owner *Workspaces
}

// Create makes a new, empty workspace.
func (w *Workspaces) Create() (*Workspace, error) {
	for attempt := 0; attempt < 3; attempt++ {
		id := strings.ReplaceAll(uuid.New().String(), "-", "")
		dir := filepath.Join(w.root, id)

		// Marked active before it exists so a concurrent sweep cannot see it
		// as retained.
		w.mu.Lock()
		w.active[id] = struct{}{}
		w.mu.Unlock()

		// Mkdir fails on an existing name, so two invocations never share one.
		err := os.Mkdir(dir, 0o700)
		if err != nil {
			w.release(id)
			if errors.Is(err, os.ErrExist) {
				continue
			}
			return nil, fmt.Errorf("create workspace: %w", err)
		}
		return &Workspace{ID: id, Dir: dir, owner: w}, nil
	}
	return nil, errors.New("create workspace: could not allocate a unique name")
}

// Path returns the path of name inside the workspace.
func (ws *Workspace) Path(name string) string {
	return filepath.Join(ws.Dir, name)
}

// Remove deletes the workspace.
func (ws *Workspace) Remove() error {
	defer ws.owner.release(ws.ID)
	return os.RemoveAll(ws.Dir)
}

// Retain keeps the workspace on disk and hands it to the retention sweep.
func (ws *Workspace) Retain() {
	now := time.Now()
	// The sweep ages workspaces by mtime; stamp the moment of failure.
	_ = os.Chtimes(ws.Dir, now, now)
	ws.owner.release(ws.ID)
}

func (w *Workspaces) release(id string) {
	w.mu.Lock()
	delete(w.active, id)
	w.mu.Unlock()
}

// ActiveCount returns the number of in-flight workspaces.
func (w *Workspaces) ActiveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// RetainedWorkspace describes a workspace left behind by a failed run.
type RetainedWorkspace struct {
	ID         string    `json:"id"`
	Dir        string    `json:"dir"`
	RetainedAt time.Time `json:"retained_at"`
}

// Retained lists retained workspaces, oldest first.
func (w *Workspaces) Retained() ([]RetainedWorkspace, error) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return nil, fmt.Errorf("read workspace root: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var out []RetainedWorkspace
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, busy := w.active[e.Name()]; busy {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, RetainedWorkspace{
			ID:         e.Name(),
			Dir:        filepath.Join(w.root, e.Name()),
			RetainedAt: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RetainedAt.Before(out[j].RetainedAt)
	})
	return out, nil
}

// Sweep removes retained workspaces older than maxAge and, beyond that, the
// oldest ones until at most maxCount remain. Zero disables either bound.
func (w *Workspaces) Sweep(now time.Time, maxAge time.Duration, maxCount int) ([]RetainedWorkspace, error) {
	retained, err := w.Retained()
	if err != nil {
		return nil, err
	}

	var doomed []RetainedWorkspace
	keep := retained[:0:0]
	for _, r := range retained {
		if maxAge > 0 && now.Sub(r.RetainedAt) > maxAge {
			doomed = append(doomed, r)
			continue
		}
		keep = append(keep, r)
	}
	if maxCount > 0 && len(keep) > maxCount {
		doomed = append(doomed, keep[:len(keep)-maxCount]...)
	}

	var errs []error
	removed := make([]RetainedWorkspace, 0, len(doomed))
	for _, r := range doomed {
		if err := os.RemoveAll(r.Dir); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, r)
	}
	return removed, errors.Join(errs...)
}
