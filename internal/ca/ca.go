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

// Package ca drives "openssl ca" for one certificate authority at a time and
// keeps its index.txt ledger consistent across failures.
package ca

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tvaughan/pkiops/internal/opensslcnf"
	"github.com/tvaughan/pkiops/internal/runner"
	"github.com/tvaughan/pkiops/internal/storage"
)

// DefaultOpenSSL is the binary invoked when no other is configured.
const DefaultOpenSSL = "openssl"

// Prompts printed by openssl that the CA answers.
const (
	promptPEMPass          = "Enter PEM pass phrase:"
	promptVerifyPEMPass    = "Verifying - Enter PEM pass phrase:"
	promptKeyPass          = "Enter pass phrase for"
	promptExportPass       = "Enter Export Password:"
	promptVerifyExportPass = "Verifying - Enter Export Password:"
)

type CA struct {
	cfg     opensslcnf.CA
	ledger  *storage.Ledger
	runner  runner.Runner
	openssl string
	now     func() time.Time

	// mu serialises everything that lets openssl write the ledger.
	mu sync.RWMutex
}

type Option func(*CA)

// WithOpenSSL selects the openssl binary.
func WithOpenSSL(path string) Option {
	return func(c *CA) {
		if path != "" {
			c.openssl = path
		}
	}
}

// WithClock replaces time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(c *CA) {
		if now != nil {
			c.now = now
		}
	}
}

func New(cfg opensslcnf.CA, r runner.Runner, opts ...Option) *CA {
	c := &CA{
		cfg:     cfg,
		ledger:  storage.New(cfg.Database, cfg.Serial, cfg.CRLNumber),
		runner:  r,
		openssl: DefaultOpenSSL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CA) Name() string { return c.cfg.Name }

// Config returns the definition the CA was built from.
func (c *CA) Config() opensslcnf.CA { return c.cfg }

// Init checks the signing material and creates whatever else openssl expects
// to find: the certificate directories, the database and both counters.
func (c *CA) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, path := range []string{c.cfg.Certificate, c.cfg.PrivateKey} {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%s: %w: %s", c.cfg.Name, ErrMissingMaterial, path)
			}
			return err
		}
	}
	if _, err := loadCertificate(c.cfg.Certificate); err != nil {
		return fmt.Errorf("%s: loading CA certificate: %w", c.cfg.Name, err)
	}

	for _, dir := range []string{c.cfg.NewCertsDir, c.cfg.CRLDir, c.cfg.IssuedDir()} {
		if err := os.MkdirAll(dir, storage.DirPerm); err != nil {
			return err
		}
	}
	if err := c.ledger.EnsureFiles(); err != nil {
		return fmt.Errorf("%s: preparing database: %w", c.cfg.Name, err)
	}
	return nil
}

// ListDatabase returns every ledger entry in file order. Valid entries past
// their expiry are reported as expired; the file itself is not touched.
func (c *CA) ListDatabase() ([]storage.Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries()
}

// entries reads the ledger with derived status applied.
// c.mu must be held by the caller.
func (c *CA) entries() ([]storage.Entry, error) {
	entries, err := c.ledger.Entries()
	if err != nil {
		return nil, err
	}
	now := c.now()
	for i := range entries {
		entries[i] = entries[i].At(now)
	}
	return entries, nil
}

func (c *CA) command(args ...string) runner.Command {
	return runner.Command{Name: c.openssl, Args: args, Dir: c.cfg.ConfigDir}
}

func loadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%s: no PEM certificate found", path)
	}
	return x509.ParseCertificate(block.Bytes)
}
