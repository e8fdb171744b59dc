// Package shell runs task commands as host subprocesses.
package shell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// OutputLimit is how many trailing bytes of each stream are kept.
	OutputLimit = 24000
	// PreviewLimit bounds each stream in Result.
	PreviewLimit = 4000

	DefaultTimeout = 90 * time.Second

	killGrace = 5 * time.Second
)

// Command is one shell invocation.
type Command struct {
	Script  string
	Dir     string
	Timeout time.Duration
}

// Result describes a finished run. OK is true only for exit code 0 without
// timeout or cancellation.
type Result struct {
	OK       bool
	ExitCode int
	TimedOut bool
	Canceled bool
	Duration time.Duration
	Dir      string
	Stdout   string
	Stderr   string
	Err      error
}

// Summary renders a one-line outcome such as "shell exit 0 in 1.2s".
func (r Result) Summary() string {
	secs := fmt.Sprintf("%.1fs", r.Duration.Seconds())
	switch {
	case r.TimedOut:
		return "shell timeout after " + secs
	case r.Canceled:
		return "shell canceled after " + secs
	case r.OK:
		return "shell exit 0 in " + secs
	case r.ExitCode >= 0:
		return fmt.Sprintf("shell failed with exit %d", r.ExitCode)
	}
	return "shell failed with exit unknown"
}

// Output joins the non-empty stream previews.
func (r Result) Output() string {
	parts := make([]string, 0, 2)
	if s := strings.TrimSpace(r.Stdout); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(r.Stderr); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n")
}

// LocalRunner executes scripts with a host shell, confined to Root.
type LocalRunner struct {
	Root  string
	Shell []string // interpreter and flags, e.g. bash -lc
}

func NewLocalRunner(root string, shellCmd []string) (*LocalRunner, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if len(shellCmd) == 0 {
		shellCmd = []string{"bash", "-lc"}
	}
	return &LocalRunner{Root: abs, Shell: shellCmd}, nil
}

// Run blocks until the script exits, times out or ctx is canceled. On
// timeout or cancel the whole process group receives SIGTERM, then SIGKILL
// after a grace period.
func (r *LocalRunner) Run(ctx context.Context, c Command) Result {
	dir := ResolveDir(r.Root, c.Dir)
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	args := append(append([]string(nil), r.Shell[1:]...), c.Script)
	cmd := exec.CommandContext(runCtx, r.Shell[0], args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	stdout := NewTail(OutputLimit)
	stderr := NewTail(OutputLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{Dir: dir, Duration: time.Since(start), ExitCode: -1}

	switch {
	case ctx.Err() != nil:
		res.Canceled = true
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.Err = err
		stderr.Write([]byte("\n" + err.Error()))
	}

	res.OK = err == nil && !res.TimedOut && !res.Canceled
	res.Stdout = Preview(stdout.String(), PreviewLimit)
	res.Stderr = Preview(stderr.String(), PreviewLimit)
	return res
}

// ResolveDir maps a requested working directory into root. Relative paths
// are joined to root; anything that escapes root, lexically or through a
// symlink, or is not an existing directory falls back to root itself.
func ResolveDir(root, requested string) string {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return root
	}
	candidate := requested
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)
	if !within(root, candidate) {
		return root
	}

	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return root
	}
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil || !within(realRoot, resolved) {
		return root
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return root
	}
	return candidate
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Preview keeps the last limit bytes of s, cut on a rune boundary.
func Preview(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	cut := len(s) - limit
	for cut < len(s) && !isRuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// Tail is an io.Writer that keeps only the last N bytes written.
type Tail struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func NewTail(limit int) *Tail {
	return &Tail{limit: limit}
}

func (t *Tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if n >= t.limit {
		t.buf = append(t.buf[:0], p[n-t.limit:]...)
		return n, nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return n, nil
}

func (t *Tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
