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

package ca

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tvaughan/pkiops/internal/opensslcnf"
	"github.com/tvaughan/pkiops/internal/runner"
	"github.com/tvaughan/pkiops/internal/storage"
)

// CRL is a freshly generated revocation list and where it was written.
type CRL struct {
	PEM      []byte `json:"-"`
	Text     string `json:"-"`
	PEMPath  string `json:"pem_path"`
	TextPath string `json:"text_path"`
}

// GenerateCRL has openssl sign a CRL over every revoked ledger entry and
// renders its text form next to it in crl_dir.
func (c *CA) GenerateCRL(ctx context.Context, caPassword string) (CRL, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return CRL{}, &CRLError{CA: c.cfg.Name, Cause: err}
	}
	ctx = context.WithoutCancel(ctx)

	if err := os.MkdirAll(c.cfg.CRLDir, storage.DirPerm); err != nil {
		return CRL{}, &CRLError{CA: c.cfg.Name, Cause: err}
	}
	out := CRL{
		PEMPath:  filepath.Join(c.cfg.CRLDir, c.cfg.Name+".crl.pem"),
		TextPath: filepath.Join(c.cfg.CRLDir, c.cfg.Name+".crl.txt"),
	}

	// gencrl bumps crlnumber; keep it in step with the CRLs actually produced.
	snap, err := c.ledger.Snapshot()
	if err != nil {
		return CRL{}, &CRLError{CA: c.cfg.Name, Cause: err}
	}
	fail := func(cause error) (CRL, error) {
		if rerr := c.ledger.Restore(snap); rerr != nil {
			slog.Error("Failed to restore CRL number", "ca", c.cfg.Name, "error", rerr)
		}
		return CRL{}, &CRLError{CA: c.cfg.Name, Cause: cause}
	}

	args := []string{"ca",
		"-config", c.cfg.ConfigFile,
		"-name", c.cfg.Name,
		"-gencrl",
		"-out", out.PEMPath,
	}
	// openssl refuses to sign a CRL without a next update period.
	if c.cfg.CRLDays == 0 && c.cfg.CRLHours == 0 {
		args = append(args, "-crldays", strconv.Itoa(opensslcnf.DefaultCRLDays))
	}
	_, err = c.runner.RunInteractive(ctx, c.command(args...),
		[]runner.Interaction{{Prompt: promptKeyPass, Response: caPassword}})
	if err != nil {
		return fail(err)
	}

	// The CRL is signed and numbered now; later failures leave it in place.
	res, err := c.runner.Run(ctx, c.command("crl", "-in", out.PEMPath, "-noout", "-text"))
	if err != nil {
		return CRL{}, &CRLError{CA: c.cfg.Name, Cause: fmt.Errorf("rendering CRL: %w", err)}
	}
	out.Text = string(res.Output)
	if err := os.WriteFile(out.TextPath, res.Output, storage.FilePermPublic); err != nil {
		return CRL{}, &CRLError{CA: c.cfg.Name, Cause: err}
	}
	if out.PEM, err = os.ReadFile(out.PEMPath); err != nil {
		return CRL{}, &CRLError{CA: c.cfg.Name, Cause: err}
	}

	slog.Info("CRL generated", "ca", c.cfg.Name, "path", out.PEMPath)
	return out, nil
}
