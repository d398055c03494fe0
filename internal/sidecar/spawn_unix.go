// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !windows
// +build !windows

package sidecar

import (
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// findServerBinary searches for llama-server in PATH and common installation
// directories on Unix/macOS.
func findServerBinary() (string, error) {
	if path, err := exec.LookPath("llama-server"); err == nil {
		return path, nil
	}

	possiblePaths := []string{
		"/usr/local/bin/llama-server",
		"/usr/bin/llama-server",
		"/opt/llama.cpp/bin/llama-server",
	}

	if home := os.Getenv("HOME"); home != "" {
		possiblePaths = append(possiblePaths,
			filepath.Join(home, ".local", "bin", "llama-server"),
			filepath.Join(home, "bin", "llama-server"),
		)
	}

	for _, p := range possiblePaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", &ClientError{
		Type: ErrTypeNotRunning,
		Message: "llama-server not found in PATH or common installation directories " +
			"(checked PATH, /usr/local/bin, /usr/bin, /opt/llama.cpp/bin, ~/.local/bin)",
	}
}

// configureProcAttr puts the sidecar in its own process group so it can be
// terminated independently of the parent.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// terminateProcess asks the sidecar to shut down cleanly. SIGTERM gives
// llama-server the chance to unmap the model before the kill fallback.
func terminateProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
