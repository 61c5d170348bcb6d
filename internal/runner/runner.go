// Copyright (C) 2026 Trevor Vaughan
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

// Package runner executes the openssl command line tool, optionally feeding
// it scripted answers to the pass phrase prompts it prints.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DefaultPromptTimeout bounds how long RunInteractive waits for each prompt.
const DefaultPromptTimeout = 10 * time.Second

// ErrPromptMismatch is matched by an InteractionError.
var ErrPromptMismatch = errors.New("expected prompt not seen")

// Command describes one subprocess invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string // appended to the current environment
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Result is what a finished subprocess produced. Output holds stdout and
// stderr interleaved in the order they were written.
type Result struct {
	Output   []byte
	ExitCode int
}

// Interaction is one expected prompt and the line to answer it with.
type Interaction struct {
	Prompt   string
	Response string
}

// ProcessError reports a subprocess that exited with a non-zero status.
type ProcessError struct {
	Command string
	Code    int
	Output  []byte
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("%s exited with status %d: %s", e.Command, e.Code, strings.TrimSpace(string(e.Output)))
}

// InteractionError reports a prompt that never appeared, either because the
// wait timed out or the process exited first.
type InteractionError struct {
	Prompt string
	Output []byte
}

func (e *InteractionError) Error() string {
	return fmt.Sprintf("waiting for prompt %q: %s: %s", e.Prompt, ErrPromptMismatch, strings.TrimSpace(string(e.Output)))
}

func (e *InteractionError) Is(target error) bool { return target == ErrPromptMismatch }

// Runner is the subprocess capability the CA layer depends on.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
	RunInteractive(ctx context.Context, cmd Command, script []Interaction) (Result, error)
}

// Exec runs real processes. The zero value is ready to use.
type Exec struct {
	PromptTimeout time.Duration
}

// New returns an Exec that waits at most promptTimeout for each prompt.
// A non-positive value selects DefaultPromptTimeout.
func New(promptTimeout time.Duration) *Exec {
	return &Exec{PromptTimeout: promptTimeout}
}

func (r *Exec) promptTimeout() time.Duration {
	if r.PromptTimeout <= 0 {
		return DefaultPromptTimeout
	}
	return r.PromptTimeout
}

func (r *Exec) command(ctx context.Context, c Command, out *transcript) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdout = out
	cmd.Stderr = out
	// Stray grandchildren must not keep Wait blocked on the output pipe.
	cmd.WaitDelay = time.Second
	// With a controlling terminal openssl prompts on /dev/tty instead.
	detach(cmd)
	return cmd
}

// Run executes cmd to completion with no input.
func (r *Exec) Run(ctx context.Context, c Command) (Result, error) {
	slog.Debug("Running command", "cmd", c.String(), "dir", c.Dir)

	out := newTranscript()
	cmd := r.command(ctx, c, out)
	return finish(c, cmd.Run(), out)
}

// RunInteractive executes cmd and answers each prompt in script, in order,
// once its text appears in the output. Responses are never logged.
func (r *Exec) RunInteractive(ctx context.Context, c Command, script []Interaction) (Result, error) {
	slog.Debug("Running interactive command", "cmd", c.String(), "dir", c.Dir, "prompts", len(script))

	out := newTranscript()
	cmd := r.command(ctx, c, out)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{}, err
	}
	if err := cmd.Start(); err != nil {
		return Result{}, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	abort := func(prompt string) (Result, error) {
		stdin.Close()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
		output := out.bytes()
		return Result{Output: output, ExitCode: -1}, &InteractionError{Prompt: prompt, Output: output}
	}

	// exitedEarly reports a process that ended before printing prompt. A
	// non-zero exit keeps its code alongside the mismatch.
	exitedEarly := func(prompt string) (Result, error) {
		stdin.Close()
		res, err := finish(c, <-done, out)
		mismatch := &InteractionError{Prompt: prompt, Output: res.Output}
		if err != nil {
			return res, errors.Join(err, mismatch)
		}
		return res, mismatch
	}

	pos := 0
	for _, step := range script {
		timer := time.NewTimer(r.promptTimeout())
		found := false
		exited := false
		for !found {
			data, changed := out.snapshot()
			if idx := bytes.Index(data[pos:], []byte(step.Prompt)); idx >= 0 {
				pos += idx + len(step.Prompt)
				found = true
				break
			}
			if exited {
				break
			}
			select {
			case <-changed:
			case err := <-done:
				// Re-check the output the process left behind before giving up.
				done <- err
				exited = true
			case <-timer.C:
				slog.Warn("Prompt not seen before timeout", "cmd", c.Name, "prompt", step.Prompt)
				return abort(step.Prompt)
			}
		}
		timer.Stop()
		if !found {
			return exitedEarly(step.Prompt)
		}
		if _, err := io.WriteString(stdin, step.Response+"\n"); err != nil {
			return abort(step.Prompt)
		}
	}
	stdin.Close()

	return finish(c, <-done, out)
}

func finish(c Command, waitErr error, out *transcript) (Result, error) {
	res := Result{Output: out.bytes()}
	if waitErr == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		slog.Debug("Command failed", "cmd", c.Name, "code", res.ExitCode)
		return res, &ProcessError{Command: c.String(), Code: res.ExitCode, Output: res.Output}
	}
	return res, fmt.Errorf("running %s: %w", c.Name, waitErr)
}

// transcript collects combined output and wakes waiters on every write.
type transcript struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	changed chan struct{}
}

func newTranscript() *transcript {
	return &transcript{changed: make(chan struct{})}
}

func (t *transcript) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.buf.Write(p)
	close(t.changed)
	t.changed = make(chan struct{})
	return n, err
}

func (t *transcript) snapshot() ([]byte, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Clone(t.buf.Bytes()), t.changed
}

func (t *transcript) bytes() []byte {
	data, _ := t.snapshot()
	return data
}
