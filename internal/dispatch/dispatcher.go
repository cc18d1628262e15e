// Package dispatch executes registered functions: it stages uploaded inputs
// into a private workspace, runs the bundle's entry script with the
// positional argument contract and packages the declared outputs.
package dispatch

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/fnbox/internal/bundle"
	"github.com/fentz26/fnbox/internal/catalog"
	"github.com/fentz26/fnbox/internal/connectors"
	"github.com/fentz26/fnbox/internal/models"
	"github.com/rs/zerolog/log"
)

const (
	// SingleOutputName is the download name when a function declares one output.
	SingleOutputName = "output_0.bin"
	// ArchiveName is the download name when several outputs are zipped.
	ArchiveName = "outputs.zip"

	ContentTypeBinary = "application/octet-stream"
	ContentTypeZip    = "application/zip"

	// DefaultTimeout bounds a single invocation when none is configured.
	DefaultTimeout = 5 * time.Minute
)

// Lookup finds function descriptors.
type Lookup interface {
	Lookup(id string) (models.FunctionDescriptor, error)
}

// Resolver maps a function id to its runtime.
type Resolver interface {
	Resolve(id string) (bundle.Runtime, error)
}

// Runner admits work onto the worker pool.
type Runner interface {
	Run(ctx context.Context, functionID string, fn func(ctx context.Context) error) error
}

// Input is one uploaded file for an input slot.
type Input struct {
	Filename string
	Reader   io.Reader
}

// Result is the packaged output of a successful invocation.
type Result struct {
	Filename    string
	ContentType string
	Data        []byte

	ExitCode    int
	Stdout      string
	Stderr      string
	Duration    time.Duration
	WorkspaceID string
}

// Options tune the dispatcher.
type Options struct {
	// Timeout bounds each subprocess. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Dispatcher runs functions.
type Dispatcher struct {
	catalog    Lookup
	resolver   Resolver
	connector  connectors.Connector
	runner     Runner
	workspaces *Workspaces
	timeout    time.Duration
}

// New creates a dispatcher.
func New(cat Lookup, resolver Resolver, conn connectors.Connector, runner Runner, ws *Workspaces, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Dispatcher{
		catalog:    cat,
		resolver:   resolver,
		connector:  conn,
		runner:     runner,
		workspaces: ws,
		timeout:    opts.Timeout,
	}
}

// Timeout returns the per-invocation time budget.
func (d *Dispatcher) Timeout() time.Duration {
	return d.timeout
}

// Execute runs functionID with inputs keyed by input slot name.
func (d *Dispatcher) Execute(ctx context.Context, functionID string, inputs map[string]Input) (*Result, error) {
	desc, err := d.catalog.Lookup(functionID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, functionID)
		}
		return nil, err
	}

	ordered := make([]Input, len(desc.Inputs))
	for i, slot := range desc.Inputs {
		in, ok := inputs[slot]
		if !ok || in.Reader == nil {
			return nil, &MissingInputError{Index: i, Slot: slot, Label: desc.InputLabel(i)}
		}
		ordered[i] = in
	}

	rt, err := d.resolver.Resolve(functionID)
	if err != nil {
		return nil, err
	}

	var result *Result
	err = d.runner.Run(ctx, functionID, func(ctx context.Context) error {
		var runErr error
		result, runErr = d.run(ctx, desc, rt, ordered)
		return runErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *Dispatcher) run(ctx context.Context, desc models.FunctionDescriptor, rt bundle.Runtime, inputs []Input) (*Result, error) {
	ws, err := d.workspaces.Create()
	if err != nil {
		return nil, err
	}
	logger := log.With().Str("function_id", desc.ID).Str("workspace", ws.ID).Logger()

	args := make([]string, 0, 1+len(inputs)+len(desc.Outputs))
	args = append(args, rt.EntryScript)
	for i, in := range inputs {
		path := ws.Path(fmt.Sprintf("input_%d_%s", i, SafeFilename(in.Filename)))
		if err := stageInput(path, in.Reader); err != nil {
			removeWorkspace(ws)
			return nil, fmt.Errorf("stage input %d (%s): %w", i, desc.Inputs[i], err)
		}
		args = append(args, path)
	}
	outputs := make([]string, len(desc.Outputs))
	for j := range desc.Outputs {
		outputs[j] = ws.Path(fmt.Sprintf("output_%d.bin", j))
	}
	args = append(args, outputs...)

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	logger.Debug().Str("interpreter", rt.Interpreter).Strs("args", args).Msg("starting function")
	res, err := d.connector.Execute(runCtx, ws.Dir, rt.Interpreter, args)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			// The caller went away; nobody will look at this workspace.
			removeWorkspace(ws)
			logger.Info().Err(ctx.Err()).Msg("invocation canceled")
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			ws.Retain()
			logger.Warn().Dur("timeout", d.timeout).Msg("invocation timed out, workspace retained")
			stderr := ""
			if res != nil {
				stderr = res.Stderr
			}
			return nil, &TimeoutError{Timeout: d.timeout, Stderr: stderr, Workspace: ws.Dir}
		default:
			removeWorkspace(ws)
			return nil, err
		}
	}

	if res.ExitCode != 0 {
		ws.Retain()
		logger.Warn().Int("exit_code", res.ExitCode).Msg("function failed, workspace retained")
		return nil, &ExecutionError{ExitCode: res.ExitCode, Stderr: res.Stderr, Workspace: ws.Dir}
	}

	for j, p := range outputs {
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			ws.Retain()
			logger.Warn().Str("slot", desc.Outputs[j]).Msg("declared output missing, workspace retained")
			return nil, &OutputMissingError{Index: j, Slot: desc.Outputs[j], Workspace: ws.Dir}
		}
	}

	result, err := packageOutputs(outputs)
	if err != nil {
		ws.Retain()
		return nil, fmt.Errorf("package outputs: %w", err)
	}
	result.ExitCode = res.ExitCode
	result.Stdout = res.Stdout
	result.Stderr = res.Stderr
	result.Duration = res.Duration
	result.WorkspaceID = ws.ID

	removeWorkspace(ws)
	logger.Info().Dur("duration", res.Duration).Int("bytes", len(result.Data)).Msg("function succeeded")
	return result, nil
}

func removeWorkspace(ws *Workspace) {
	if err := ws.Remove(); err != nil {
		log.Error().Err(err).Str("workspace", ws.Dir).Msg("failed to remove workspace")
	}
}

func stageInput(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func packageOutputs(paths []string) (*Result, error) {
	if len(paths) == 1 {
		data, err := os.ReadFile(paths[0])
		if err != nil {
			return nil, err
		}
		return &Result{Filename: SingleOutputName, ContentType: ContentTypeBinary, Data: data}, nil
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, p := range paths {
		if err := addToZip(zw, p); err != nil {
			zw.Close()
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return &Result{Filename: ArchiveName, ContentType: ContentTypeZip, Data: buf.Bytes()}, nil
}

func addToZip(zw *zip.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(path)
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// SafeFilename reduces an uploaded filename to a plain base name made of
// letters, digits, dot, dash and underscore.
func SafeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	safe := strings.TrimLeft(b.String(), ".")
	if len(safe) > 100 {
		safe = safe[len(safe)-100:]
	}
	if safe == "" {
		return "upload"
	}
	return safe
}
