//go:build e2e

package e2e

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/crdrive/testutil"
)

var binaryPath string

func TestMain(m *testing.M) {
	tmpDir, err := os.MkdirTemp("", "crdrive-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
		os.Exit(1)
	}

	binaryPath = filepath.Join(tmpDir, "crdrive")

	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	cmd.Dir = findModuleRoot()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "building binary: %v\n", err)
		os.RemoveAll(tmpDir)
		os.Exit(1)
	}

	code := m.Run()

	os.RemoveAll(tmpDir)
	os.Exit(code)
}

// findModuleRoot walks up from the working directory to go.mod.
func findModuleRoot() string {
	dir, _ := os.Getwd()

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ".."
		}

		dir = parent
	}
}

// syncBuffer collects output written by a child process while the test
// polls it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

type installation struct {
	backend *testutil.Backend
	config  string
}

func newInstallation(t *testing.T) *installation {
	t.Helper()

	backend := testutil.NewBackend(t)
	backend.ChunkSize = 1024
	dir := t.TempDir()

	cfg := fmt.Sprintf(`[server]
base_url = %q

[session]
broadcast = "file"
data_dir = %q
liveness_interval = "1s"

[upload]
multipart_threshold = "1KiB"

[logging]
log_level = "info"
`, backend.URL(), filepath.Join(dir, "data"))

	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))

	return &installation{backend: backend, config: path}
}

func (in *installation) command(args ...string) *exec.Cmd {
	cmd := exec.Command(binaryPath, append([]string{"--config", in.config}, args...)...)
	cmd.Env = append(os.Environ(), "CRDRIVE_CONFIG=", "CRDRIVE_SERVER=", "CRDRIVE_REDIS_URL=", "CRDRIVE_PASSWORD=")

	return cmd
}

func (in *installation) run(t *testing.T, args ...string) (string, string) {
	t.Helper()

	cmd := in.command(args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		t.Fatalf("crdrive %v failed: %v\nstdout: %s\nstderr: %s", args, err, stdout.String(), stderr.String())
	}

	return stdout.String(), stderr.String()
}

// startWatch runs `crdrive watch` in the background until the test ends.
func (in *installation) startWatch(t *testing.T) (*exec.Cmd, *syncBuffer) {
	t.Helper()

	out := &syncBuffer{}
	cmd := in.command("watch")
	cmd.Stdout = out
	cmd.Stderr = out

	require.NoError(t, cmd.Start())

	t.Cleanup(func() {
		if cmd.ProcessState == nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
	})

	waitFor(t, out, "Not signed in")

	return cmd, out
}

func waitFor(t *testing.T, out *syncBuffer, text string) {
	t.Helper()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), text)
	}, 10*time.Second, 50*time.Millisecond, "waiting for %q in:\n%s", text, out)
}

func TestE2E_SessionFollowsAcrossProcesses(t *testing.T) {
	in := newInstallation(t)
	watch, out := in.startWatch(t)

	_, stderr := in.run(t, "login", "--email", in.backend.Email, "--password", in.backend.Password)
	assert.Contains(t, stderr, "Signed in as")

	// The watcher picks the login up through the event file and the shared
	// cookie jar.
	waitFor(t, out, "Signed in as Test User <user@example.com>")

	_, stderr = in.run(t, "reload")
	assert.Contains(t, stderr, "Sent reload")
	waitFor(t, out, "config reloaded")

	in.run(t, "logout")
	waitFor(t, out, "Signed out.")

	require.NoError(t, watch.Process.Signal(syscall.SIGINT))
	require.NoError(t, watch.Wait())
}

func TestE2E_UploadRoundTrip(t *testing.T) {
	in := newInstallation(t)
	in.run(t, "login", "--email", in.backend.Email, "--password", in.backend.Password)

	dir := t.TempDir()
	small := filepath.Join(dir, "notes.txt")
	big := filepath.Join(dir, "archive.bin")
	require.NoError(t, os.WriteFile(small, []byte("hello from e2e\n"), 0o600))
	require.NoError(t, os.WriteFile(big, bytes.Repeat([]byte("0123456789"), 500), 0o600))

	stdout, _ := in.run(t, "upload", small, big)
	assert.Contains(t, stdout, "notes.txt  done")
	assert.Contains(t, stdout, "archive.bin  done")

	require.Len(t, in.backend.Completes(), 1)
	assert.Len(t, in.backend.Completes()[0].Parts, 5)

	stdout, _ = in.run(t, "ls")
	assert.Contains(t, stdout, "notes.txt")

	stdout, _ = in.run(t, "history")
	assert.Contains(t, stdout, "archive.bin")
	assert.Contains(t, stdout, "multipart")

	// Access tokens never outlive a process; the next run restores from the
	// refresh cookie even after the old token is revoked.
	in.backend.ExpireAccessToken()
	stdout, _ = in.run(t, "policies")
	assert.Contains(t, stdout, "p-local")
}
