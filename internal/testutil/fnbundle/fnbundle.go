// Package fnbundle builds throwaway function bundles for tests. The bundled
// "interpreter" is a POSIX shell shim, so the entry script is a shell script
// that receives the same positional arguments a real interpreter would.
package fnbundle

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"
)

// Interpreter is the shim placed at env/bin/python3.
const Interpreter = "#!/bin/sh\nexec /bin/sh \"$@\"\n"

// SkipIfNoShell skips tests that spawn the shell shim.
func SkipIfNoShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("bundle shim requires /bin/sh")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("bundle shim requires /bin/sh")
	}
}

// File is one archive member.
type File struct {
	Body string
	Mode os.FileMode
}

// Files returns the members of a complete bundle running script.
func Files(script string) map[string]File {
	return map[string]File{
		"env/bin/python3":    {Body: Interpreter, Mode: 0o755},
		"env/lib/site.txt":   {Body: "lib\n", Mode: 0o644},
		"program/run.py":     {Body: script, Mode: 0o644},
		"program/README.txt": {Body: "test bundle\n", Mode: 0o644},
	}
}

// Write lays out a bundle under dir.
func Write(t *testing.T, dir string, script string) {
	t.Helper()
	for name, f := range Files(script) {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(f.Body), f.Mode); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

// Zip encodes files as a zip archive, adding directory entries for every
// parent so the member list looks like one produced by common zip tools.
func Zip(t *testing.T, files map[string]File) []byte {
	t.Helper()

	names := make([]string, 0, len(files))
	dirs := map[string]bool{}
	for name := range files {
		names = append(names, name)
		for d := filepath.ToSlash(filepath.Dir(name)); d != "." && d != "/"; d = filepath.ToSlash(filepath.Dir(d)) {
			dirs[d+"/"] = true
		}
	}
	for d := range dirs {
		names = append(names, d)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
		f, isFile := files[name]
		if isFile {
			hdr.SetMode(f.Mode)
		} else {
			hdr.SetMode(os.ModeDir | 0o755)
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			t.Fatalf("zip header %s: %v", name, err)
		}
		if isFile {
			if _, err := w.Write([]byte(f.Body)); err != nil {
				t.Fatalf("zip write %s: %v", name, err)
			}
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}
