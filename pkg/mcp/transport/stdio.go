// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StdioTransport implements Transport over the stdin/stdout of a child
// process. Messages are newline-delimited JSON; the child's stderr is
// drained and logged for diagnostics.
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	reader *bufio.Reader
	mu     sync.Mutex
	closed bool
	logger *zap.Logger
}

// StdioConfig configures the stdio transport.
type StdioConfig struct {
	Command string            // Executable to spawn
	Args    []string          // Command arguments
	Env     map[string]string // Extra environment, overlaid on os.Environ
	Dir     string            // Working directory
	Logger  *zap.Logger
}

// NewStdioTransport spawns the configured command and wires its stdio
// pipes for JSON-RPC framing. The child inherits the parent environment
// with config.Env overlaid.
func NewStdioTransport(config StdioConfig) (*StdioTransport, error) {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	// #nosec G204 -- MCP transport spawns server processes from trusted config
	cmd := exec.Command(config.Command, config.Args...)

	if config.Dir != "" {
		cmd.Dir = config.Dir
	}

	cmd.Env = os.Environ()
	for k, v := range config.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	// bufio.Reader rather than Scanner: MCP servers can return
	// arbitrarily large single-line responses.
	reader := bufio.NewReader(stdout)

	t := &StdioTransport{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		reader: reader,
		logger: config.Logger,
	}

	go t.drainStderr()

	config.Logger.Info("MCP server started",
		zap.String("command", config.Command),
		zap.Strings("args", config.Args),
		zap.Int("pid", cmd.Process.Pid),
	)

	return t, nil
}

// drainStderr reads the child's stderr line by line and logs it at
// debug level. Draining is required regardless of log level so the
// child never blocks on a full stderr pipe.
func (s *StdioTransport) drainStderr() {
	reader := bufio.NewReader(s.stderr)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			s.logger.Debug("mcp server stderr", zap.String("line", strings.TrimRight(line, "\r\n")))
		}
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("error reading stderr", zap.Error(err))
			}
			return
		}
	}
}

// Send writes a message to the child's stdin followed by a newline.
func (s *StdioTransport) Send(ctx context.Context, message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrTransportClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if _, err := s.stdin.Write(message); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	if _, err := s.stdin.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

// Receive reads the next newline-delimited message from the child's
// stdout. Returns io.EOF once the child exits or the transport closes.
func (s *StdioTransport) Receive(ctx context.Context) ([]byte, error) {
	type readResult struct {
		data []byte
		err  error
	}
	resultChan := make(chan readResult, 1)

	go func() {
		s.mu.Lock()
		if s.closed {
			resultChan <- readResult{nil, ErrTransportClosed}
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		data, err := s.reader.ReadBytes('\n')
		if err != nil {
			resultChan <- readResult{nil, err}
			return
		}

		if len(data) > 0 && data[len(data)-1] == '\n' {
			data = data[:len(data)-1]
		}
		if len(data) > 0 && data[len(data)-1] == '\r' {
			data = data[:len(data)-1]
		}

		resultChan <- readResult{data, nil}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultChan:
		return result.data, result.err
	}
}

// Close shuts the child down by closing stdin, waits up to five seconds
// for a clean exit, then kills the process.
func (s *StdioTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.logger.Info("closing MCP server", zap.Int("pid", s.cmd.Process.Pid))

	s.stdin.Close()

	done := make(chan error, 1)
	go func() {
		done <- s.cmd.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			s.logger.Warn("MCP server exited with error", zap.Error(err))
		} else {
			s.logger.Info("MCP server exited cleanly")
		}
	case <-time.After(5 * time.Second):
		s.logger.Warn("MCP server did not exit cleanly, killing process")
		if err := s.cmd.Process.Kill(); err != nil {
			s.logger.Error("failed to kill process", zap.Error(err))
		}
		<-done
	}

	s.stdout.Close()
	s.stderr.Close()

	return nil
}
