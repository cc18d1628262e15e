// Package registry installs new functions: it validates the descriptor,
// unpacks the uploaded bundle into a staging directory, publishes it under
// the functions root and appends the descriptor to the catalog.
package registry

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/fentz26/fnbox/internal/bundle"
	"github.com/fentz26/fnbox/internal/catalog"
	"github.com/fentz26/fnbox/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// stagingPrefix names bundle directories that are still being unpacked.
	// It cannot collide with a function id.
	stagingPrefix = ".staging-"
	uploadSuffix  = ".upload"
)

// Catalog is the subset of the function catalog the installer needs.
type Catalog interface {
	Contains(id string) bool
	Append(d models.FunctionDescriptor) error
}

// Request is one registration attempt.
type Request struct {
	ID                 string
	Name               string
	Description        string
	Inputs             []string
	Outputs            []string
	InputDescriptions  []string
	OutputDescriptions []string

	ArchiveName string
	Archive     io.Reader
}

// trimmed strips surrounding whitespace from the free-text form fields.
func (r Request) trimmed() Request {
	r.ID = strings.TrimSpace(r.ID)
	r.Name = strings.TrimSpace(r.Name)
	r.Description = strings.TrimSpace(r.Description)
	return r
}

// Descriptor returns the catalog record the request would create.
func (r Request) Descriptor() models.FunctionDescriptor {
	r = r.trimmed()
	return models.FunctionDescriptor{
		ID:                 r.ID,
		Name:               r.Name,
		Description:        r.Description,
		Inputs:             nonNil(r.Inputs),
		Outputs:            nonNil(r.Outputs),
		InputDescriptions:  nonNil(r.InputDescriptions),
		OutputDescriptions: nonNil(r.OutputDescriptions),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Options configure uploads.
type Options struct {
	UploadTmpDir      string
	AllowedExtensions []string
	// MaxUploadBytes rejects larger archives. Zero disables the limit.
	MaxUploadBytes int64
	// MaxExtractedBytes caps the total size of the unpacked bundle. Zero
	// disables the limit.
	MaxExtractedBytes int64
}

// Registry installs functions.
type Registry struct {
	catalog Catalog
	root    *bundle.Root
	opts    Options

	// One registration at a time: reserve, publish and append must not
	// interleave for the same id.
	mu sync.Mutex
}

// New creates a registry, creating the upload staging directory.
func New(cat Catalog, root *bundle.Root, opts Options) (*Registry, error) {
	if opts.UploadTmpDir == "" {
		opts.UploadTmpDir = filepath.Join(os.TempDir(), "fnbox-uploads")
	}
	if len(opts.AllowedExtensions) == 0 {
		opts.AllowedExtensions = []string{"zip"}
	}
	if err := os.MkdirAll(opts.UploadTmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	r := &Registry{catalog: cat, root: root, opts: opts}
	if err := r.removeStale(); err != nil {
		log.Warn().Err(err).Msg("leftovers of interrupted registrations not fully removed")
	}
	return r, nil
}

// removeStale deletes staging directories and staged uploads left behind by
// a process that died mid-registration. No registration is in flight while
// the registry is being constructed.
func (r *Registry) removeStale() error {
	var errs []error
	sweep := func(dir string, match func(name string) bool) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			errs = append(errs, err)
			return
		}
		for _, e := range entries {
			if !match(e.Name()) {
				continue
			}
			p := filepath.Join(dir, e.Name())
			if err := os.RemoveAll(p); err != nil {
				errs = append(errs, err)
				continue
			}
			log.Info().Str("path", p).Msg("removed stale registration leftover")
		}
	}
	sweep(r.root.Dir(), func(name string) bool {
		return strings.HasPrefix(name, stagingPrefix)
	})
	sweep(r.opts.UploadTmpDir, func(name string) bool {
		return strings.HasSuffix(name, uploadSuffix)
	})
	return errors.Join(errs...)
}

// ParseList splits a delimited form field, trimming items and dropping
// empty ones.
func ParseList(raw string, sep string) []string {
	out := []string{}
	for _, item := range strings.Split(raw, sep) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate checks the descriptor fields and the upload metadata without
// touching the filesystem.
func (r *Registry) Validate(req Request) error {
	req = req.trimmed()
	if strings.TrimSpace(req.ID) == "" {
		return invalid("id", "id is required")
	}
	if !bundle.ValidID(req.ID) {
		return invalid("id", "id may contain only letters, digits and underscores")
	}
	if strings.TrimSpace(req.Name) == "" {
		return invalid("name", "name is required")
	}
	if len(req.Inputs) == 0 {
		return invalid("input_list", "at least one input is required")
	}
	if len(req.Outputs) == 0 {
		return invalid("output_list", "at least one output is required")
	}
	if err := uniqueSlots("input_list", req.Inputs); err != nil {
		return err
	}
	if err := uniqueSlots("output_list", req.Outputs); err != nil {
		return err
	}
	if n := len(req.InputDescriptions); n != 0 && n != len(req.Inputs) {
		return invalid("input_list_description", "%d descriptions for %d inputs", n, len(req.Inputs))
	}
	if n := len(req.OutputDescriptions); n != 0 && n != len(req.Outputs) {
		return invalid("output_list_description", "%d descriptions for %d outputs", n, len(req.Outputs))
	}

	if req.Archive == nil || strings.TrimSpace(req.ArchiveName) == "" {
		return invalid("zip_file", "a bundle archive is required")
	}
	if !r.allowedExtension(req.ArchiveName) {
		return invalid("zip_file", "archive must have one of the extensions %s", strings.Join(r.opts.AllowedExtensions, ", "))
	}
	return nil
}

func uniqueSlots(field string, slots []string) error {
	seen := make(map[string]bool, len(slots))
	for _, s := range slots {
		if seen[s] {
			return invalid(field, "duplicate slot %q", s)
		}
		seen[s] = true
	}
	return nil
}

func (r *Registry) allowedExtension(name string) bool {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return false
	}
	ext := strings.ToLower(name[i+1:])
	for _, allowed := range r.opts.AllowedExtensions {
		if ext == strings.ToLower(strings.TrimPrefix(allowed, ".")) {
			return true
		}
	}
	return false
}

// Register installs the function described by req. On any error no
// catalog entry and no bundle directory are left behind.
func (r *Registry) Register(ctx context.Context, req Request) (models.FunctionDescriptor, error) {
	req = req.trimmed()
	if err := r.Validate(req); err != nil {
		return models.FunctionDescriptor{}, err
	}
	desc := req.Descriptor()
	logger := log.With().Str("function_id", desc.ID).Logger()

	tmpZip, err := r.stageUpload(req.Archive)
	if err != nil {
		return models.FunctionDescriptor{}, err
	}
	defer os.Remove(tmpZip)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.reserve(desc.ID); err != nil {
		return models.FunctionDescriptor{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.FunctionDescriptor{}, err
	}

	staging := filepath.Join(r.root.Dir(), stagingPrefix+uuid.New().String())
	defer os.RemoveAll(staging)

	if err := r.extract(tmpZip, staging); err != nil {
		logger.Warn().Err(err).Msg("bundle rejected")
		return models.FunctionDescriptor{}, err
	}

	final, err := r.root.BundleDir(desc.ID)
	if err != nil {
		return models.FunctionDescriptor{}, invalid("id", "%v", err)
	}
	if err := os.Rename(staging, final); err != nil {
		return models.FunctionDescriptor{}, fmt.Errorf("publish bundle: %w", err)
	}
	if err := r.catalog.Append(desc); err != nil {
		if rmErr := os.RemoveAll(final); rmErr != nil {
			logger.Error().Err(rmErr).Str("dir", final).Msg("rollback of published bundle failed")
		}
		return models.FunctionDescriptor{}, fmt.Errorf("record function: %w", err)
	}

	logger.Info().Strs("inputs", desc.Inputs).Strs("outputs", desc.Outputs).Msg("function registered")
	return desc, nil
}

func (r *Registry) stageUpload(src io.Reader) (string, error) {
	tmp := filepath.Join(r.opts.UploadTmpDir, uuid.New().String()+uploadSuffix)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("stage upload: %w", err)
	}

	reader := src
	if r.opts.MaxUploadBytes > 0 {
		reader = io.LimitReader(src, r.opts.MaxUploadBytes+1)
	}
	n, err := io.Copy(f, reader)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("stage upload: %w", err)
	}
	if n == 0 {
		os.Remove(tmp)
		return "", invalid("zip_file", "archive is empty")
	}
	if r.opts.MaxUploadBytes > 0 && n > r.opts.MaxUploadBytes {
		os.Remove(tmp)
		return "", invalid("zip_file", "archive exceeds %d bytes", r.opts.MaxUploadBytes)
	}
	return tmp, nil
}

func (r *Registry) reserve(id string) error {
	if r.catalog.Contains(id) {
		return fmt.Errorf("%w: %s", catalog.ErrDuplicateID, id)
	}
	exists, err := r.root.Exists(id)
	if err != nil {
		return fmt.Errorf("check bundle dir: %w", err)
	}
	if exists {
		return fmt.Errorf("%w: %s (directory exists)", catalog.ErrDuplicateID, id)
	}
	return nil
}

func (r *Registry) extract(zipPath, dest string) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return badBundle("not a zip archive: %v", err)
	}
	defer zr.Close()

	layout := r.root.Layout()
	envPrefix := layout.EnvDir + "/"
	hasEnv, hasEntry := false, false
	for _, f := range zr.File {
		name := f.Name
		if strings.HasPrefix(name, envPrefix) {
			hasEnv = true
		}
		if name == layout.EntryScript {
			hasEntry = true
		}
	}
	if !hasEnv || !hasEntry {
		return badBundle("archive must contain %s and %s", envPrefix, layout.EntryScript)
	}
	if err := checkCollisions(zr.File); err != nil {
		return err
	}

	if err := os.Mkdir(dest, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	x := &extractor{dest: dest, remaining: -1, links: map[string]bool{}}
	if r.opts.MaxExtractedBytes > 0 {
		x.remaining = r.opts.MaxExtractedBytes
	}
	for _, f := range zr.File {
		if err := x.member(f); err != nil {
			return err
		}
	}
	if err := x.verifyLinks(); err != nil {
		return err
	}

	rt, err := r.root.Inspect(dest)
	if err != nil {
		return badBundle("%v", err)
	}
	if runtime.GOOS != "windows" {
		info, err := os.Stat(rt.Interpreter)
		if err != nil {
			return badBundle("%v", err)
		}
		if err := os.Chmod(rt.Interpreter, info.Mode().Perm()|0o111); err != nil {
			return fmt.Errorf("mark interpreter executable: %w", err)
		}
	}
	return nil
}

// checkCollisions rejects archives in which a file member is also used as
// a parent directory of another member, or a name appears twice.
func checkCollisions(files []*zip.File) error {
	kinds := make(map[string]bool, len(files)) // name -> is directory
	for _, f := range files {
		name := strings.TrimSuffix(f.Name, "/")
		isDir := f.Mode().IsDir()
		if prev, seen := kinds[name]; seen && !(prev && isDir) {
			return badBundle("duplicate member %q", name)
		}
		kinds[name] = isDir
	}
	for name := range kinds {
		for dir := path.Dir(name); dir != "." && dir != "/"; dir = path.Dir(dir) {
			if isDir, ok := kinds[dir]; ok && !isDir {
				return badBundle("member %q is a file but %q lies beneath it", dir, name)
			}
		}
	}
	return nil
}

// maxLinkTarget bounds the stored target of a symlink member.
const maxLinkTarget = 4096

type extractor struct {
	dest string
	// remaining is the decompressed byte budget; negative means unlimited.
	remaining int64
	// links holds the member names extracted as symlinks.
	links map[string]bool
}

func (x *extractor) member(f *zip.File) error {
	name := f.Name
	if name == "" || strings.Contains(name, "\\") || path.IsAbs(name) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return badBundle("illegal member path %q", name)
	}
	target := filepath.Join(x.dest, filepath.FromSlash(name))
	if !bundle.IsWithin(target, x.dest) {
		return badBundle("member %q escapes the bundle", name)
	}
	clean := strings.TrimSuffix(path.Clean(name), "/")
	for dir := path.Dir(clean); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if x.links[dir] {
			return badBundle("member %q lies beneath symlink %q", name, dir)
		}
	}

	mode := f.Mode()
	switch {
	case mode&os.ModeSymlink != 0:
		return x.symlink(f, clean, target)
	case mode.IsDir():
		if err := os.MkdirAll(target, 0o755); err != nil {
			return badBundle("create directory %q: %v", name, err)
		}
		return nil
	case !mode.IsRegular():
		return badBundle("member %q is not a regular file", name)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return badBundle("create parent of %q: %v", name, err)
	}
	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm|0o600)
	if err != nil {
		return badBundle("create member %q: %v", name, err)
	}
	rc, err := f.Open()
	if err != nil {
		out.Close()
		return badBundle("read member %q: %v", name, err)
	}
	err = x.copy(out, rc, name)
	rc.Close()
	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("extract member %q: %w", name, cerr)
	}
	return err
}

func (x *extractor) copy(dst io.Writer, src io.Reader, name string) error {
	if x.remaining < 0 {
		if _, err := io.Copy(dst, src); err != nil {
			return badBundle("extract member %q: %v", name, err)
		}
		return nil
	}
	n, err := io.Copy(dst, io.LimitReader(src, x.remaining+1))
	if err != nil {
		return badBundle("extract member %q: %v", name, err)
	}
	if n > x.remaining {
		return badBundle("bundle expands beyond %d bytes", x.remaining)
	}
	x.remaining -= n
	return nil
}

// symlink accepts only relative links that resolve inside the bundle, such
// as the lib64 -> lib link of a Linux virtualenv.
func (x *extractor) symlink(f *zip.File, name, target string) error {
	rc, err := f.Open()
	if err != nil {
		return badBundle("read member %q: %v", name, err)
	}
	raw, err := io.ReadAll(io.LimitReader(rc, maxLinkTarget+1))
	rc.Close()
	if err != nil {
		return badBundle("read member %q: %v", name, err)
	}
	link := string(raw)
	if link == "" || len(raw) > maxLinkTarget || strings.Contains(link, "\\") || path.IsAbs(link) || filepath.IsAbs(link) || filepath.VolumeName(link) != "" {
		return badBundle("symlink %q has illegal target %q", name, link)
	}
	resolved := filepath.Join(filepath.Dir(target), filepath.FromSlash(link))
	if !bundle.IsWithin(resolved, x.dest) {
		return badBundle("symlink %q points outside the bundle", name)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return badBundle("create parent of %q: %v", name, err)
	}
	if err := os.Symlink(link, target); err != nil {
		return badBundle("create symlink %q: %v", name, err)
	}
	x.links[name] = true
	return nil
}

// verifyLinks resolves every extracted symlink on disk. The lexical check in
// symlink does not see through chains such as a -> .. and b -> a/../x.
func (x *extractor) verifyLinks() error {
	if len(x.links) == 0 {
		return nil
	}
	root, err := filepath.EvalSymlinks(x.dest)
	if err != nil {
		return fmt.Errorf("resolve staging dir: %w", err)
	}
	for name := range x.links {
		resolved, err := filepath.EvalSymlinks(filepath.Join(x.dest, filepath.FromSlash(name)))
		if err != nil {
			return badBundle("symlink %q does not resolve: %v", name, err)
		}
		if !bundle.IsWithin(resolved, root) {
			return badBundle("symlink %q points outside the bundle", name)
		}
	}
	return nil
}
