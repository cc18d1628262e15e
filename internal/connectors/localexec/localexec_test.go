package localexec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/fnbox/internal/testutil/fnbundle"
)

func TestIsAllowed(t *testing.T) {
	root := t.TempDir()
	exec := New(root)

	interp := filepath.Join(root, "fn", "env", "bin", "python3")
	script := filepath.Join(root, "fn", "program", "run.py")

	tests := []struct {
		name    string
		cmd     string
		args    []string
		allowed bool
	}{
		{"bundle interpreter", interp, []string{script, "/tmp/in"}, true},
		{"no script", interp, []string{}, false},
		{"script outside root", interp, []string{"/etc/passwd"}, false},
		{"relative command", "python3", []string{script}, false},
		{"system binary", "/bin/rm", []string{"-rf", "/"}, false},
		{"escape via dotdot", filepath.Join(root, "..", "sh"), []string{script}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := exec.IsAllowed(tt.cmd, tt.args)
			if got != tt.allowed {
				t.Errorf("IsAllowed(%s, %v) = %v, want %v", tt.cmd, tt.args, got, tt.allowed)
			}
		})
	}
}

func TestExecute_NotAllowed(t *testing.T) {
	exec := New(t.TempDir())

	_, err := exec.Execute(context.Background(), "", "/bin/rm", []string{"-rf", "/"})
	if err == nil {
		t.Error("Expected error for non-allowed command")
	}
}

func TestExecute_CapturesOutputAndExitCode(t *testing.T) {
	fnbundle.SkipIfNoShell(t)
	root := t.TempDir()
	dir := filepath.Join(root, "fn")
	fnbundle.Write(t, dir, "echo out-$1\necho err-$2 >&2\nexit 3\n")

	exec := New(root)
	result, err := exec.Execute(context.Background(), dir,
		filepath.Join(dir, "env", "bin", "python3"),
		[]string{filepath.Join(dir, "program", "run.py"), "a", "b"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", result.ExitCode)
	}
	if strings.TrimSpace(result.Stdout) != "out-a" {
		t.Errorf("Unexpected stdout %q", result.Stdout)
	}
	if strings.TrimSpace(result.Stderr) != "err-b" {
		t.Errorf("Unexpected stderr %q", result.Stderr)
	}
}

func TestExecute_ContextDeadlineKillsProcessGroup(t *testing.T) {
	fnbundle.SkipIfNoShell(t)
	root := t.TempDir()
	dir := filepath.Join(root, "fn")
	marker := filepath.Join(t.TempDir(), "late")
	fnbundle.Write(t, dir, "(sleep 2; touch "+marker+") &\nsleep 30\n")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	result, err := New(root).Execute(ctx, dir,
		filepath.Join(dir, "env", "bin", "python3"),
		[]string{filepath.Join(dir, "program", "run.py")})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if result == nil || result.ExitCode != -1 {
		t.Fatalf("Expected partial result with exit code -1, got %+v", result)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("Execute returned after %v, process was not killed", elapsed)
	}

	time.Sleep(2500 * time.Millisecond)
	if _, err := os.Stat(marker); err == nil {
		t.Error("background child survived the kill")
	}
}

func TestName(t *testing.T) {
	exec := New("")
	if exec.Name() != "localexec" {
		t.Errorf("Expected name 'localexec', got %s", exec.Name())
	}
}
