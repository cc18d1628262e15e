// Package bundle maps function ids to their on-disk bundles and resolves the
// private interpreter and entry script of each bundle.
package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	ErrBundleNotFound = errors.New("function bundle not found")
	ErrInvalidID      = errors.New("function id must contain only letters, digits and underscores")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidID reports whether id may be used as a function id (and therefore as
// a directory name under the functions root).
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Layout describes where the runtime pieces live inside a bundle. Paths are
// slash separated and relative to the bundle root.
type Layout struct {
	EnvDir      string `yaml:"env_dir" toml:"env_dir"`
	Interpreter string `yaml:"interpreter" toml:"interpreter"`
	EntryScript string `yaml:"entry_script" toml:"entry_script"`
}

// DefaultLayout returns the layout for the current OS family.
func DefaultLayout() Layout {
	return Layout{
		EnvDir:      "env",
		Interpreter: defaultInterpreter,
		EntryScript: "program/run.py",
	}
}

func (l Layout) withDefaults() Layout {
	def := DefaultLayout()
	if strings.TrimSpace(l.EnvDir) == "" {
		l.EnvDir = def.EnvDir
	}
	if strings.TrimSpace(l.Interpreter) == "" {
		l.Interpreter = def.Interpreter
	}
	if strings.TrimSpace(l.EntryScript) == "" {
		l.EntryScript = def.EntryScript
	}
	l.EnvDir = strings.Trim(l.EnvDir, "/")
	return l
}

// Runtime is the resolved runtime of one function.
type Runtime struct {
	FunctionID  string
	BundleDir   string
	Interpreter string
	EntryScript string
}

// Root is the functions root directory: <root>/<id>/ per function.
type Root struct {
	dir    string
	layout Layout
}

// NewRoot creates the functions root if needed.
func NewRoot(dir string, layout Layout) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create functions root: %w", err)
	}
	return &Root{dir: filepath.Clean(abs), layout: layout.withDefaults()}, nil
}

// Dir returns the absolute functions root.
func (r *Root) Dir() string {
	return r.dir
}

// Layout returns the bundle layout in effect.
func (r *Root) Layout() Layout {
	return r.layout
}

// BundleDir maps a function id to its bundle directory.
func (r *Root) BundleDir(id string) (string, error) {
	if !ValidID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	dir := filepath.Join(r.dir, id)
	if !IsWithin(dir, r.dir) || dir == r.dir {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return dir, nil
}

// Exists reports whether a bundle directory exists for id.
func (r *Root) Exists(id string) (bool, error) {
	dir, err := r.BundleDir(id)
	if err != nil {
		return false, err
	}
	_, err = os.Lstat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Resolve returns the interpreter and entry script of function id.
func (r *Root) Resolve(id string) (Runtime, error) {
	dir, err := r.BundleDir(id)
	if err != nil {
		return Runtime{}, err
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return Runtime{}, fmt.Errorf("%w: %s", ErrBundleNotFound, id)
	}
	rt, err := r.Inspect(dir)
	if err != nil {
		return Runtime{}, fmt.Errorf("%s: %w", id, err)
	}
	rt.FunctionID = id
	return rt, nil
}

// Inspect checks that dir holds a complete bundle and returns its runtime
// paths. It is used on staged bundles before they are published.
func (r *Root) Inspect(dir string) (Runtime, error) {
	rt := Runtime{
		BundleDir:   dir,
		Interpreter: filepath.Join(dir, filepath.FromSlash(r.layout.Interpreter)),
		EntryScript: filepath.Join(dir, filepath.FromSlash(r.layout.EntryScript)),
	}
	for _, p := range []string{rt.Interpreter, rt.EntryScript} {
		info, err := os.Stat(p)
		if err != nil {
			return Runtime{}, fmt.Errorf("%w: missing %s", ErrBundleNotFound, relOrBase(dir, p))
		}
		if info.IsDir() {
			return Runtime{}, fmt.Errorf("%w: %s is a directory", ErrBundleNotFound, relOrBase(dir, p))
		}
	}
	return rt, nil
}

func relOrBase(dir, p string) string {
	if rel, err := filepath.Rel(dir, p); err == nil {
		return filepath.ToSlash(rel)
	}
	return filepath.Base(p)
}

// IsWithin reports whether path is root or lies beneath it.
func IsWithin(path string, root string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(os.PathSeparator)) && rel != "..")
}
