package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	pidFileName = "watch.pid"
	pidFilePerm = 0o600
	pidDirPerm  = 0o700
)

// acquirePIDFile records this process as the running watcher and holds an
// exclusive flock on the file for the life of the process. The returned
// release removes the file and drops the lock.
func acquirePIDFile(path string) (release func(), err error) {
	if path == "" {
		return nil, errors.New("pid file path is empty: data directory unknown")
	}

	if err := os.MkdirAll(filepath.Dir(path), pidDirPerm); err != nil {
		return nil, fmt.Errorf("creating pid file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, pidFilePerm)
	if err != nil {
		return nil, fmt.Errorf("opening pid file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another crdrive watch is already running (%s is locked)", path)
	}

	if err := writePID(f); err != nil {
		f.Close()
		return nil, err
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncating pid file: %w", err)
	}

	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing pid file: %w", err)
	}

	return nil
}

// readPIDFile returns the pid stored at path.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading pid file: %w", err)
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, fmt.Errorf("pid file %s is empty", path)
	}

	pid, err := strconv.Atoi(text)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID %q in %s", text, path)
	}

	return pid, nil
}

// signalWatcher asks the running watch process to reload its config.
// A pid file left behind by a dead process is removed.
func signalWatcher(pidPath string) (int, error) {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("no running watch process (no pid file at %s)", pidPath)
		}

		return 0, err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := proc.Signal(syscall.Signal(0)); err != nil {
		os.Remove(pidPath)
		return 0, fmt.Errorf("watch process %d is not running (stale pid file removed)", pid)
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return 0, fmt.Errorf("sending SIGHUP to %d: %w", pid, err)
	}

	return pid, nil
}
