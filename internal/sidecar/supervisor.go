// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sidecar

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// =============================================================================
// SUPERVISOR CONFIGURATION
// =============================================================================

// SupervisorConfig controls how the llama-server process is launched.
type SupervisorConfig struct {
	// BinaryPath is the llama-server executable. Empty searches PATH and
	// common installation directories.
	BinaryPath string

	// ModelPath is the GGUF model file to load. Required.
	ModelPath string

	// ContextSize passed as --ctx-size (default: 8192).
	ContextSize int

	// GPULayers passed as --n-gpu-layers (default: 0, CPU only).
	GPULayers int

	// Host to bind (default: 127.0.0.1). Never expose beyond loopback.
	Host string

	// Port to bind. Zero picks a free port.
	Port int

	// StartupTimeout bounds the wait for the model to load (default: 120s).
	StartupTimeout time.Duration
}

// DefaultSupervisorConfig returns the default launch configuration.
func DefaultSupervisorConfig() *SupervisorConfig {
	return &SupervisorConfig{
		ContextSize:    8192,
		Host:           "127.0.0.1",
		StartupTimeout: 120 * time.Second,
	}
}

// =============================================================================
// SUPERVISOR
// =============================================================================

// Supervisor owns the lifecycle of one llama-server process: spawn, readiness
// poll, and shutdown.
type Supervisor struct {
	config *SupervisorConfig
	log    zerolog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	client *Client
	port   int

	// exited closes when the reaper goroutine collects the process, so a
	// crash is observable without a second Wait call.
	exited chan struct{}
}

// stopGrace is how long Stop waits for the sidecar to honor the
// termination request before killing it.
const stopGrace = 5 * time.Second

// NewSupervisor creates a supervisor. A nil config uses the defaults; zero
// fields are filled in.
func NewSupervisor(config *SupervisorConfig, log zerolog.Logger) *Supervisor {
	if config == nil {
		config = DefaultSupervisorConfig()
	}
	def := DefaultSupervisorConfig()
	if config.ContextSize <= 0 {
		config.ContextSize = def.ContextSize
	}
	if config.Host == "" {
		config.Host = def.Host
	}
	if config.StartupTimeout <= 0 {
		config.StartupTimeout = def.StartupTimeout
	}

	return &Supervisor{
		config: config,
		log:    log.With().Str("component", "sidecar").Logger(),
	}
}

// Start spawns llama-server and blocks until it reports healthy or the
// startup timeout passes. On success the returned client is bound to the
// spawned instance.
func (s *Supervisor) Start(ctx context.Context) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return s.client, nil
	}
	if s.config.ModelPath == "" {
		return nil, wrapError(ErrTypeUnknown, "no model path configured", nil)
	}
	if _, err := os.Stat(s.config.ModelPath); err != nil {
		return nil, wrapError(ErrTypeUnknown, "model file not found: "+s.config.ModelPath, err)
	}

	binary := s.config.BinaryPath
	if binary == "" {
		found, err := findServerBinary()
		if err != nil {
			return nil, wrapError(ErrTypeNotRunning, "locating llama-server", err)
		}
		binary = found
	}

	port := s.config.Port
	if port == 0 {
		free, err := pickFreePort(s.config.Host)
		if err != nil {
			return nil, wrapError(ErrTypeConnection, "picking a free port", err)
		}
		port = free
	}

	args := []string{
		"--model", s.config.ModelPath,
		"--ctx-size", strconv.Itoa(s.config.ContextSize),
		"--n-gpu-layers", strconv.Itoa(s.config.GPULayers),
		"--host", s.config.Host,
		"--port", strconv.Itoa(port),
		"--no-webui",
	}

	cmd := exec.Command(binary, args...)
	cmd.Env = os.Environ()
	configureProcAttr(cmd)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil

	s.log.Info().
		Str("binary", binary).
		Str("model", s.config.ModelPath).
		Int("port", port).
		Int("ctx_size", s.config.ContextSize).
		Int("gpu_layers", s.config.GPULayers).
		Msg("starting inference sidecar")

	if err := cmd.Start(); err != nil {
		return nil, wrapError(ErrTypeNotRunning, "starting llama-server", err)
	}

	// Reap the process from one place. Wait may only run once, so every
	// other observer (readiness poll, Stop) watches the channel instead.
	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()

	clientConfig := DefaultClientConfig()
	clientConfig.BaseURL = fmt.Sprintf("http://%s:%d", s.config.Host, port)
	client := NewClient(clientConfig)

	if err := s.awaitReady(ctx, client, exited); err != nil {
		cmd.Process.Kill()
		<-exited
		return nil, err
	}

	s.cmd = cmd
	s.client = client
	s.port = port
	s.exited = exited
	s.log.Info().Int("port", port).Msg("sidecar ready")
	return client, nil
}

// awaitReady polls /health until the server answers or the startup window
// closes. The limiter keeps the poll from hammering a server that is busy
// loading model weights.
func (s *Supervisor) awaitReady(ctx context.Context, client *Client, exited <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.StartupTimeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(250*time.Millisecond), 1)
	var lastErr error
	for {
		if err := limiter.Wait(ctx); err != nil {
			if lastErr != nil {
				return wrapError(ErrTypeTimeout, "sidecar did not become ready", lastErr)
			}
			return wrapError(ErrTypeTimeout, "sidecar did not become ready", err)
		}

		// A process that died during load will never come healthy.
		select {
		case <-exited:
			return wrapError(ErrTypeNotRunning, "sidecar exited during startup", nil)
		default:
		}

		if err := client.Health(ctx); err == nil {
			return nil
		} else {
			lastErr = err
			s.log.Debug().Err(err).Msg("sidecar not ready yet")
		}
	}
}

// Stop shuts the sidecar down: a termination request first, so llama-server
// can release the model cleanly, then a kill when it lingers past the grace
// window. Idempotent: stopping a supervisor that never started (or already
// stopped) is a no-op.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}

	// Already crashed on its own; nothing left to signal.
	select {
	case <-s.exited:
		s.cmd = nil
		s.client = nil
		s.exited = nil
		return nil
	default:
	}

	s.log.Info().Int("port", s.port).Msg("stopping sidecar")
	var err error
	if err = terminateProcess(s.cmd.Process); err == nil {
		select {
		case <-s.exited:
		case <-time.After(stopGrace):
			s.log.Warn().Msg("sidecar ignored termination request, killing")
			err = s.cmd.Process.Kill()
			<-s.exited
		}
	} else {
		err = s.cmd.Process.Kill()
		<-s.exited
	}

	s.cmd = nil
	s.client = nil
	s.exited = nil
	return err
}

// Client returns the client bound to the running sidecar, or nil before
// Start succeeds.
func (s *Supervisor) Client() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Running reports whether a sidecar process is currently under supervision.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

// pickFreePort asks the kernel for an unused TCP port on the host.
func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
