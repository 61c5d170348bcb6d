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

package runner_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/creack/pty"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tvaughan/pkiops/internal/runner"
)

func sh(script string) runner.Command {
	return runner.Command{Name: "/bin/sh", Args: []string{"-c", script}}
}

var _ = Describe("Exec", func() {
	var (
		ctx context.Context
		r   *runner.Exec
	)

	BeforeEach(func() {
		if _, err := os.Stat("/bin/sh"); err != nil {
			Skip("/bin/sh not available")
		}
		ctx = context.Background()
		r = runner.New(2 * time.Second)
	})

	Describe("Run", func() {
		It("captures stdout and stderr together", func() {
			res, err := r.Run(ctx, sh("echo hello; echo oops >&2"))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.ExitCode).To(Equal(0))
			Expect(string(res.Output)).To(ContainSubstring("hello"))
			Expect(string(res.Output)).To(ContainSubstring("oops"))
		})

		It("surfaces a non-zero exit as a ProcessError with the output", func() {
			res, err := r.Run(ctx, sh("echo boom; exit 3"))
			Expect(err).To(HaveOccurred())
			Expect(res.ExitCode).To(Equal(3))

			var procErr *runner.ProcessError
			Expect(errors.As(err, &procErr)).To(BeTrue())
			Expect(procErr.Code).To(Equal(3))
			Expect(string(procErr.Output)).To(ContainSubstring("boom"))
			Expect(procErr.Command).To(ContainSubstring("/bin/sh"))
		})

		It("honours the working directory and extra environment", func() {
			dir, err := os.MkdirTemp("", "pkiops-runner-test")
			Expect(err).NotTo(HaveOccurred())
			defer os.RemoveAll(dir)
			dir, err = filepath.EvalSymlinks(dir)
			Expect(err).NotTo(HaveOccurred())

			cmd := sh(`pwd -P; echo "$PKIOPS_TEST"`)
			cmd.Dir = dir
			cmd.Env = []string{"PKIOPS_TEST=marker"}
			res, err := r.Run(ctx, cmd)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(res.Output)).To(ContainSubstring(dir))
			Expect(string(res.Output)).To(ContainSubstring("marker"))
		})

		It("reports a missing binary as an error", func() {
			_, err := r.Run(ctx, runner.Command{Name: "/nonexistent/openssl"})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("RunInteractive", func() {
		It("answers prompts in order", func() {
			script := []runner.Interaction{
				{Prompt: "Enter pass phrase:", Response: "one"},
				{Prompt: "Verifying - Enter pass phrase:", Response: "two"},
			}
			res, err := r.RunInteractive(ctx, sh(`printf 'Enter pass phrase:'; read a; printf 'Verifying - Enter pass phrase:'; read b; echo "got $a-$b"`), script)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.ExitCode).To(Equal(0))
			Expect(string(res.Output)).To(ContainSubstring("got one-two"))
		})

		It("does not match the same prompt text twice", func() {
			script := []runner.Interaction{
				{Prompt: "pass:", Response: "a"},
				{Prompt: "pass:", Response: "b"},
			}
			res, err := r.RunInteractive(ctx, sh(`printf 'pass:'; read a; printf 'pass:'; read b; echo "$a$b"`), script)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(res.Output)).To(ContainSubstring("ab"))
		})

		It("fails with a prompt mismatch when the prompt never appears", func() {
			r.PromptTimeout = 200 * time.Millisecond
			start := time.Now()
			_, err := r.RunInteractive(ctx, sh("echo waiting; exec sleep 5"), []runner.Interaction{{Prompt: "Password:", Response: "x"}})
			Expect(time.Since(start)).To(BeNumerically("<", 4*time.Second))
			Expect(errors.Is(err, runner.ErrPromptMismatch)).To(BeTrue())

			var ie *runner.InteractionError
			Expect(errors.As(err, &ie)).To(BeTrue())
			Expect(ie.Prompt).To(Equal("Password:"))
			Expect(string(ie.Output)).To(ContainSubstring("waiting"))
		})

		It("fails with a prompt mismatch when the process exits first", func() {
			_, err := r.RunInteractive(ctx, sh("echo bye"), []runner.Interaction{{Prompt: "Password:", Response: "x"}})
			Expect(errors.Is(err, runner.ErrPromptMismatch)).To(BeTrue())
		})

		It("keeps the exit status of a process that fails before prompting", func() {
			res, err := r.RunInteractive(ctx, sh("echo 'unable to load config' >&2; exit 4"), []runner.Interaction{{Prompt: "Password:", Response: "x"}})
			Expect(res.ExitCode).To(Equal(4))
			Expect(errors.Is(err, runner.ErrPromptMismatch)).To(BeTrue())

			var procErr *runner.ProcessError
			Expect(errors.As(err, &procErr)).To(BeTrue())
			Expect(procErr.Code).To(Equal(4))
			Expect(string(procErr.Output)).To(ContainSubstring("unable to load config"))
		})

		It("starts the child without a controlling terminal", func() {
			res, err := r.Run(ctx, sh(`if (: </dev/tty) 2>/dev/null; then echo tty; else echo notty; fi`))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(res.Output)).To(ContainSubstring("notty"))
		})

		It("sees prompts when the caller runs on a terminal", func() {
			cmd := exec.Command(os.Args[0], "-test.run=^TestRunner$")
			cmd.Env = append(os.Environ(), ttyHelperEnv+"=1")
			ptmx, err := pty.Start(cmd)
			if errors.Is(err, pty.ErrUnsupported) {
				Skip("no pty support")
			}
			Expect(err).NotTo(HaveOccurred())
			defer ptmx.Close()

			var terminal bytes.Buffer
			drained := make(chan struct{})
			go func() {
				defer close(drained)
				_, _ = io.Copy(&terminal, ptmx)
			}()

			waitErr := cmd.Wait()
			Eventually(drained, 5*time.Second).Should(BeClosed())
			Expect(waitErr).NotTo(HaveOccurred(), terminal.String())
			Expect(terminal.String()).To(ContainSubstring("helper: ok"))
			Expect(terminal.String()).NotTo(ContainSubstring("Enter PEM pass phrase:"))
		})

		It("surfaces a non-zero exit after the dialogue", func() {
			_, err := r.RunInteractive(ctx, sh(`printf 'Password:'; read p; echo "bad password" >&2; exit 1`), []runner.Interaction{{Prompt: "Password:", Response: "x"}})
			var procErr *runner.ProcessError
			Expect(errors.As(err, &procErr)).To(BeTrue())
			Expect(procErr.Code).To(Equal(1))
			Expect(string(procErr.Output)).To(ContainSubstring("bad password"))
			Expect(errors.Is(err, runner.ErrPromptMismatch)).To(BeFalse())
		})

		It("runs with an empty script", func() {
			res, err := r.RunInteractive(ctx, sh("echo ok"), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(res.Output)).To(ContainSubstring("ok"))
		})
	})

	It("uses the default prompt timeout for the zero value", func() {
		var zero runner.Exec
		res, err := zero.Run(ctx, sh("true"))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.ExitCode).To(Equal(0))
	})
})
