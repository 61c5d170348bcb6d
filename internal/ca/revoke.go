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
	"strings"

	"github.com/tvaughan/pkiops/internal/runner"
	"github.com/tvaughan/pkiops/internal/storage"
)

// Revoke marks the certificate with the given serial as revoked, unlocking
// the CA key with caPassword. Only a Valid, unexpired entry can be revoked.
// On failure the ledger is left as it was.
func (c *CA) Revoke(ctx context.Context, serial, caPassword string) error {
	serial = strings.ToUpper(strings.TrimSpace(serial))

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)

	slog.Debug("Revoking certificate", "ca", c.cfg.Name, "serial", serial)

	entry, err := c.findValid(serial)
	if err != nil {
		return err
	}

	snap, err := c.ledger.Snapshot()
	if err != nil {
		return fmt.Errorf("saving database state: %w", err)
	}
	fail := func(cause error) error {
		if rerr := c.ledger.Restore(snap); rerr != nil {
			slog.Error("Failed to restore database", "ca", c.cfg.Name, "error", rerr)
			cause = fmt.Errorf("%w (restore failed: %v)", cause, rerr)
		}
		return &RevocationError{CA: c.cfg.Name, Serial: entry.Serial, Kind: ErrToolFailure, Cause: cause}
	}

	_, err = c.runner.RunInteractive(ctx,
		c.command("ca",
			"-config", c.cfg.ConfigFile,
			"-name", c.cfg.Name,
			"-revoke", c.cfg.NewCertPath(entry.Serial)),
		[]runner.Interaction{{Prompt: promptKeyPass, Response: caPassword}})
	if err != nil {
		return fail(err)
	}

	updated, ok, err := c.ledger.Find(entry.Serial)
	if err != nil {
		return fail(fmt.Errorf("reading database: %w", err))
	}
	if !ok || updated.Status != storage.StatusRevoked {
		return fail(fmt.Errorf("database entry %s was not marked revoked", entry.Serial))
	}

	slog.Info("Certificate revoked", "ca", c.cfg.Name, "serial", entry.Serial, "subject", entry.Subject)
	return nil
}

// findValid returns the Valid, unexpired entry for serial.
// c.mu must be held by the caller.
func (c *CA) findValid(serial string) (storage.Entry, error) {
	notFound := &RevocationError{CA: c.cfg.Name, Serial: serial, Kind: ErrNotFound}
	if serial == "" {
		return storage.Entry{}, notFound
	}
	entries, err := c.entries()
	if err != nil {
		return storage.Entry{}, fmt.Errorf("reading database: %w", err)
	}
	for _, e := range entries {
		if storage.SameSerial(e.Serial, serial) {
			if e.Status != storage.StatusValid {
				return storage.Entry{}, notFound
			}
			return e, nil
		}
	}
	return storage.Entry{}, notFound
}

// ResolveSerial maps a common name to the serial of its only Valid
// certificate. Names matching several Valid certificates are rejected with
// ErrAmbiguous so that revocation always targets exactly one entry.
func (c *CA) ResolveSerial(commonName string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries, err := c.entries()
	if err != nil {
		return "", fmt.Errorf("reading database: %w", err)
	}
	var matches []string
	for _, e := range entries {
		if e.Status == storage.StatusValid && e.CommonName() == commonName {
			matches = append(matches, e.Serial)
		}
	}
	switch len(matches) {
	case 0:
		return "", &RevocationError{CA: c.cfg.Name, Kind: ErrNotFound, Cause: fmt.Errorf("common name %q", commonName)}
	case 1:
		return matches[0], nil
	default:
		return "", &RevocationError{
			CA:    c.cfg.Name,
			Kind:  ErrAmbiguous,
			Cause: fmt.Errorf("common name %q matches serials %s", commonName, strings.Join(matches, ", ")),
		}
	}
}
