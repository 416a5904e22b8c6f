// Package service holds the small pieces shared by both daemons: pidfile
// management and POSIX signal plumbing.
package service

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
)

// WritePidfile records the current pid at path. An empty path is a no-op.
func WritePidfile(path string) error {
	if path == "" {
		return nil
	}
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(path, []byte(pid+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pidfile %s: %w", path, err)
	}
	return nil
}

// RemovePidfile deletes the pidfile, ignoring a missing file.
func RemovePidfile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "remove pidfile %s: %v\n", path, err)
	}
}

// Signals returns a channel delivering TERM, INT and HUP.
func Signals() chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	return ch
}
