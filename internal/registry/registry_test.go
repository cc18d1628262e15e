package registry

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/fentz26/fnbox/internal/bundle"
	"github.com/fentz26/fnbox/internal/catalog"
	"github.com/fentz26/fnbox/internal/models"
	"github.com/fentz26/fnbox/internal/testutil/fnbundle"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	cat      *catalog.Catalog
	root     *bundle.Root
	uploads  string
	registry *Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	base := t.TempDir()
	cat, err := catalog.Open(filepath.Join(base, "functions.csv"))
	require.NoError(t, err)
	root, err := bundle.NewRoot(filepath.Join(base, "functions"), bundle.Layout{})
	require.NoError(t, err)
	uploads := filepath.Join(base, "uploads")
	reg, err := New(cat, root, Options{UploadTmpDir: uploads, MaxUploadBytes: 1 << 20})
	require.NoError(t, err)
	return &env{cat: cat, root: root, uploads: uploads, registry: reg}
}

func (e *env) assertNoLeftovers(t *testing.T, keep ...string) {
	t.Helper()
	entries, err := os.ReadDir(e.root.Dir())
	require.NoError(t, err)
	var names []string
	for _, en := range entries {
		names = append(names, en.Name())
	}
	assert.ElementsMatch(t, keep, names, "functions root")

	uploads, err := os.ReadDir(e.uploads)
	require.NoError(t, err)
	assert.Empty(t, uploads, "upload tmp dir")
}

func request(id string, archive []byte) Request {
	return Request{
		ID:                id,
		Name:              "Checksum",
		Description:       "md5 of a file",
		Inputs:            []string{"file"},
		Outputs:           []string{"digest"},
		InputDescriptions: []string{"File to hash"},
		ArchiveName:       "bundle.zip",
		Archive:           bytes.NewReader(archive),
	}
}

func TestRegisterInstallsBundle(t *testing.T) {
	e := newEnv(t)
	archive := fnbundle.Zip(t, fnbundle.Files("exit 0\n"))

	desc, err := e.registry.Register(context.Background(), request("calc_md5", archive))
	require.NoError(t, err)

	want := models.FunctionDescriptor{
		ID:                 "calc_md5",
		Name:               "Checksum",
		Description:        "md5 of a file",
		Inputs:             []string{"file"},
		Outputs:            []string{"digest"},
		InputDescriptions:  []string{"File to hash"},
		OutputDescriptions: []string{},
	}
	if diff := cmp.Diff(want, desc); diff != "" {
		t.Fatalf("descriptor mismatch (-want +got):\n%s", diff)
	}
	got, err := e.cat.Lookup("calc_md5")
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(want, got))

	rt, err := e.root.Resolve("calc_md5")
	require.NoError(t, err)
	info, err := os.Stat(rt.Interpreter)
	require.NoError(t, err)
	if filepath.Separator == '/' {
		assert.NotZero(t, info.Mode().Perm()&0o100, "interpreter must stay executable")
	}
	body, err := os.ReadFile(rt.EntryScript)
	require.NoError(t, err)
	assert.Equal(t, "exit 0\n", string(body))

	e.assertNoLeftovers(t, "calc_md5")
}

func TestRegisterDuplicateID(t *testing.T) {
	e := newEnv(t)
	archive := fnbundle.Zip(t, fnbundle.Files("exit 0\n"))

	_, err := e.registry.Register(context.Background(), request("calc_md5", archive))
	require.NoError(t, err)

	_, err = e.registry.Register(context.Background(), request("calc_md5", archive))
	assert.ErrorIs(t, err, catalog.ErrDuplicateID)
	assert.Equal(t, 1, e.cat.Len())
	e.assertNoLeftovers(t, "calc_md5")
}

func TestRegisterDuplicateDirectory(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.Mkdir(filepath.Join(e.root.Dir(), "orphan"), 0o755))

	_, err := e.registry.Register(context.Background(), request("orphan", fnbundle.Zip(t, fnbundle.Files("exit 0\n"))))
	assert.ErrorIs(t, err, catalog.ErrDuplicateID)
	assert.Equal(t, 0, e.cat.Len())
}

func TestRegisterMissingEntryScript(t *testing.T) {
	e := newEnv(t)
	files := fnbundle.Files("exit 0\n")
	delete(files, "program/run.py")

	_, err := e.registry.Register(context.Background(), request("no_entry", fnbundle.Zip(t, files)))
	var bad *InvalidBundleError
	require.ErrorAs(t, err, &bad)
	assert.Contains(t, bad.Reason, "program/run.py")

	assert.False(t, e.cat.Contains("no_entry"))
	e.assertNoLeftovers(t)
}

func TestRegisterMissingEnv(t *testing.T) {
	e := newEnv(t)
	archive := fnbundle.Zip(t, map[string]fnbundle.File{
		"program/run.py": {Body: "exit 0\n", Mode: 0o644},
	})

	_, err := e.registry.Register(context.Background(), request("no_env", archive))
	var bad *InvalidBundleError
	require.ErrorAs(t, err, &bad)
	e.assertNoLeftovers(t)
}

func TestRegisterMissingInterpreter(t *testing.T) {
	e := newEnv(t)
	files := fnbundle.Files("exit 0\n")
	delete(files, "env/bin/python3")
	if filepath.Separator != '/' {
		t.Skip("layout differs on windows")
	}

	_, err := e.registry.Register(context.Background(), request("no_interp", fnbundle.Zip(t, files)))
	var bad *InvalidBundleError
	require.ErrorAs(t, err, &bad)
	assert.False(t, e.cat.Contains("no_interp"))
	e.assertNoLeftovers(t)
}

func zipRaw(t *testing.T, members map[string]string, symlinks ...string) []byte {
	t.Helper()
	links := make(map[string]bool, len(symlinks))
	for _, name := range symlinks {
		links[name] = true
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range members {
		hdr := &zip.FileHeader{Name: name, Method: zip.Store}
		hdr.SetMode(0o644)
		if links[name] {
			hdr.SetMode(os.ModeSymlink | 0o777)
		}
		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestRegisterRejectsUnsafeMembers(t *testing.T) {
	base := map[string]string{
		"env/bin/python3": fnbundle.Interpreter,
		"program/run.py":  "exit 0\n",
	}
	tests := []struct {
		name    string
		extra   string
		body    string
		symlink bool
	}{
		{"zip slip", "../../evil.txt", "x", false},
		{"nested slip", "program/../../evil.txt", "x", false},
		{"absolute", "/tmp/evil.txt", "x", false},
		{"backslash", `..\evil.txt`, "x", false},
		{"absolute symlink", "env/lib/link", "/etc/passwd", true},
		{"escaping symlink", "env/lib/link", "../../../evil.txt", true},
		{"backslash symlink", "env/lib/link", `..\..\..`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			members := map[string]string{tt.extra: tt.body}
			for k, v := range base {
				members[k] = v
			}
			link := ""
			if tt.symlink {
				link = tt.extra
			}

			_, err := e.registry.Register(context.Background(), request("unsafe", zipRaw(t, members, link)))
			var bad *InvalidBundleError
			require.ErrorAs(t, err, &bad)
			assert.False(t, e.cat.Contains("unsafe"))
			e.assertNoLeftovers(t)
			_, statErr := os.Stat(filepath.Join(filepath.Dir(e.root.Dir()), "evil.txt"))
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestRegisterRejectsConflictingMembers(t *testing.T) {
	tests := []struct {
		name     string
		members  map[string]string
		symlinks []string
	}{
		{
			name: "file used as directory",
			members: map[string]string{
				"env/bin/python3": fnbundle.Interpreter,
				"program":         "not a directory",
				"program/run.py":  "exit 0\n",
			},
		},
		{
			name: "member beneath symlink",
			members: map[string]string{
				"env/bin/python3": fnbundle.Interpreter,
				"env/lib64":       "lib",
				"env/lib64/x.txt": "x",
				"program/run.py":  "exit 0\n",
			},
			symlinks: []string{"env/lib64"},
		},
		{
			name: "chained symlinks",
			members: map[string]string{
				"env/bin/python3": fnbundle.Interpreter,
				"env/up":          "..",
				"env/out":         "up/../../evil.txt",
				"program/run.py":  "exit 0\n",
			},
			symlinks: []string{"env/up", "env/out"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			_, err := e.registry.Register(context.Background(), request("clash", zipRaw(t, tt.members, tt.symlinks...)))
			var bad *InvalidBundleError
			require.ErrorAs(t, err, &bad)
			assert.False(t, e.cat.Contains("clash"))
			e.assertNoLeftovers(t)
		})
	}
}

func TestRegisterAcceptsRelativeSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	e := newEnv(t)
	members := map[string]string{
		"env/bin/python3":  fnbundle.Interpreter,
		"env/lib/site.txt": "lib\n",
		"env/lib64":        "lib",
		"program/run.py":   "exit 0\n",
	}

	_, err := e.registry.Register(context.Background(), request("venv", zipRaw(t, members, "env/lib64")))
	require.NoError(t, err)

	dir, err := e.root.BundleDir("venv")
	require.NoError(t, err)
	target, err := os.Readlink(filepath.Join(dir, "env", "lib64"))
	require.NoError(t, err)
	assert.Equal(t, "lib", target)
	data, err := os.ReadFile(filepath.Join(dir, "env", "lib64", "site.txt"))
	require.NoError(t, err)
	assert.Equal(t, "lib\n", string(data))
}

func TestRegisterRejectsOversizedBundle(t *testing.T) {
	e := newEnv(t)
	reg, err := New(e.cat, e.root, Options{UploadTmpDir: e.uploads, MaxExtractedBytes: 1024})
	require.NoError(t, err)

	files := fnbundle.Files("exit 0\n")
	files["env/lib/big.bin"] = fnbundle.File{Body: strings.Repeat("0", 64<<10), Mode: 0o644}

	_, err = reg.Register(context.Background(), request("bomb", fnbundle.Zip(t, files)))
	var bad *InvalidBundleError
	require.ErrorAs(t, err, &bad)
	assert.Contains(t, bad.Reason, "expands beyond")
	assert.False(t, e.cat.Contains("bomb"))
	e.assertNoLeftovers(t)
}

func TestNewRemovesStaleStaging(t *testing.T) {
	e := newEnv(t)
	stale := filepath.Join(e.root.Dir(), stagingPrefix+"dead")
	require.NoError(t, os.MkdirAll(filepath.Join(stale, "env"), 0o755))
	staleUpload := filepath.Join(e.uploads, "dead"+uploadSuffix)
	require.NoError(t, os.WriteFile(staleUpload, []byte("x"), 0o600))
	installed := filepath.Join(e.root.Dir(), "calc_md5")
	require.NoError(t, os.Mkdir(installed, 0o755))

	_, err := New(e.cat, e.root, Options{UploadTmpDir: e.uploads})
	require.NoError(t, err)

	assert.NoDirExists(t, stale)
	assert.NoFileExists(t, staleUpload)
	assert.DirExists(t, installed)
}

func TestRegisterTrimsFields(t *testing.T) {
	e := newEnv(t)
	req := request(" calc_md5 ", fnbundle.Zip(t, fnbundle.Files("exit 0\n")))
	req.Name = "  Checksum\t"
	req.Description = " md5 of a file "

	require.NoError(t, e.registry.Validate(req))
	desc, err := e.registry.Register(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "calc_md5", desc.ID)
	assert.Equal(t, "Checksum", desc.Name)
	assert.Equal(t, "md5 of a file", desc.Description)
	assert.True(t, e.cat.Contains("calc_md5"))
}

func TestRegisterNotAZip(t *testing.T) {
	e := newEnv(t)
	req := request("garbage", []byte("definitely not a zip"))

	_, err := e.registry.Register(context.Background(), req)
	var bad *InvalidBundleError
	require.ErrorAs(t, err, &bad)
	e.assertNoLeftovers(t)
}

func TestValidate(t *testing.T) {
	e := newEnv(t)
	archive := []byte("x")

	tests := []struct {
		name  string
		edit  func(*Request)
		field string
	}{
		{"missing id", func(r *Request) { r.ID = "" }, "id"},
		{"dash in id", func(r *Request) { r.ID = "calc-md5" }, "id"},
		{"path in id", func(r *Request) { r.ID = "../x" }, "id"},
		{"missing name", func(r *Request) { r.Name = " " }, "name"},
		{"no inputs", func(r *Request) { r.Inputs = nil }, "input_list"},
		{"no outputs", func(r *Request) { r.Outputs = []string{} }, "output_list"},
		{"duplicate slot", func(r *Request) { r.Inputs = []string{"a", "a"} }, "input_list"},
		{"input description count", func(r *Request) { r.InputDescriptions = []string{"a", "b"} }, "input_list_description"},
		{"output description count", func(r *Request) { r.OutputDescriptions = []string{"a", "b"} }, "output_list_description"},
		{"no archive", func(r *Request) { r.Archive = nil }, "zip_file"},
		{"wrong extension", func(r *Request) { r.ArchiveName = "bundle.tar.gz" }, "zip_file"},
		{"no extension", func(r *Request) { r.ArchiveName = "bundle" }, "zip_file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request("calc_md5", archive)
			tt.edit(&req)

			_, err := e.registry.Register(context.Background(), req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			e.assertNoLeftovers(t)
		})
	}
}

func TestValidateAcceptsMixedCaseAndUpperExtension(t *testing.T) {
	e := newEnv(t)
	req := request("AES_256", []byte("x"))
	req.ArchiveName = "AES.ZIP"
	assert.NoError(t, e.registry.Validate(req))
}

func TestRegisterEmptyAndOversizedUpload(t *testing.T) {
	e := newEnv(t)

	_, err := e.registry.Register(context.Background(), request("empty", nil))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "zip_file", verr.Field)

	big := bytes.Repeat([]byte("a"), (1<<20)+10)
	_, err = e.registry.Register(context.Background(), request("big", big))
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Message, "exceeds")
	e.assertNoLeftovers(t)
}

type failingCatalog struct{ *catalog.Catalog }

func (failingCatalog) Append(models.FunctionDescriptor) error {
	return errors.New("disk full")
}

func TestRegisterRollsBackWhenCatalogAppendFails(t *testing.T) {
	e := newEnv(t)
	reg, err := New(failingCatalog{e.cat}, e.root, Options{UploadTmpDir: e.uploads})
	require.NoError(t, err)

	_, err = reg.Register(context.Background(), request("calc_md5", fnbundle.Zip(t, fnbundle.Files("exit 0\n"))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	e.assertNoLeftovers(t)
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, ParseList(" a, ,b ,", ","))
	assert.Equal(t, []string{}, ParseList("", ","))
	assert.Equal(t, []string{"first file", "second"}, ParseList("first file; second", ";"))
	assert.True(t, strings.HasPrefix((&ValidationError{Field: "id", Message: "x"}).Error(), "invalid id"))
}
