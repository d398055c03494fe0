// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build windows
// +build windows

package sidecar

import (
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// Windows process creation flags not exposed by the syscall package.
const (
	CREATE_NO_WINDOW = 0x08000000
	DETACHED_PROCESS = 0x00000008
)

// findServerBinary searches for llama-server.exe in PATH and common
// installation directories on Windows.
func findServerBinary() (string, error) {
	if path, err := exec.LookPath("llama-server"); err == nil {
		return path, nil
	}

	var possiblePaths []string
	if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
		possiblePaths = append(possiblePaths,
			filepath.Join(localAppData, "Programs", "llama.cpp", "llama-server.exe"),
		)
	}
	possiblePaths = append(possiblePaths,
		`C:\Program Files\llama.cpp\llama-server.exe`,
		`C:\llama.cpp\llama-server.exe`,
	)

	for _, p := range possiblePaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", &ClientError{
		Type: ErrTypeNotRunning,
		Message: "llama-server.exe not found in PATH or common installation directories " +
			`(checked PATH, %LOCALAPPDATA%\Programs\llama.cpp, C:\Program Files\llama.cpp)`,
	}
}

// configureProcAttr detaches the sidecar from the parent console and puts it
// in its own process group so it can be terminated independently.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | CREATE_NO_WINDOW | DETACHED_PROCESS,
	}
}

// terminateProcess asks the sidecar to shut down. Windows has no portable
// graceful signal for a detached windowless process, so this goes straight
// to Kill and the caller's fallback never fires.
func terminateProcess(p *os.Process) error {
	return p.Kill()
}
