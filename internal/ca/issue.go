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
	"crypto"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/tvaughan/pkiops/internal/opensslcnf"
	"github.com/tvaughan/pkiops/internal/runner"
	"github.com/tvaughan/pkiops/internal/storage"
)

const (
	// DefaultKeyLength is the RSA modulus size used when a request names none.
	DefaultKeyLength = 2048
	minKeyLength     = 1024
	maxKeyLength     = 16384

	passphraseLength   = 12
	passphraseAlphabet = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// Artifact file names inside issued/<SERIAL>/.
const (
	CertFile       = "cert.pem"
	KeyFile        = "key.pem"
	BundleFile     = "bundle.p12"
	PassphraseFile = "bundle.pwd"
	requestFile    = "request.csr"
)

type CertType string

const (
	ClientCert CertType = "client"
	ServerCert CertType = "server"
)

// ParseCertType accepts "client" or "server" in any case.
func ParseCertType(s string) (CertType, error) {
	switch t := CertType(strings.ToLower(strings.TrimSpace(s))); t {
	case ClientCert, ServerCert:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown certificate type %q", ErrInvalidRequest, s)
	}
}

// Request carries everything needed to issue one certificate. KeyLength and
// Days fall back to DefaultKeyLength and the CA's default_days when zero.
type Request struct {
	Type      CertType           `json:"type"`
	Subject   opensslcnf.Subject `json:"subject"`
	KeyLength int                `json:"key_length,omitempty"`
	Days      int                `json:"days,omitempty"`
	RequestID string             `json:"request_id,omitempty"`
}

// Certificate is the result of a successful issuance.
type Certificate struct {
	CA             string         `json:"ca"`
	Serial         string         `json:"serial"`
	Subject        string         `json:"subject"`
	NotBefore      time.Time      `json:"not_before"`
	NotAfter       time.Time      `json:"not_after"`
	Status         storage.Status `json:"status"`
	CertPath       string         `json:"cert_path"`
	BundlePath     string         `json:"bundle_path"`
	PassphrasePath string         `json:"passphrase_path"`
	KeyPath        string         `json:"key_path"`
	RequestID      string         `json:"request_id,omitempty"`
}

func (c *CA) normalise(req Request) (Request, error) {
	if _, err := ParseCertType(string(req.Type)); err != nil {
		return req, err
	}
	req.Type = CertType(strings.ToLower(string(req.Type)))
	if strings.TrimSpace(req.Subject.CommonName) == "" {
		return req, fmt.Errorf("%w: common name is required", ErrInvalidRequest)
	}
	if req.KeyLength == 0 {
		req.KeyLength = DefaultKeyLength
	}
	if req.KeyLength < minKeyLength || req.KeyLength > maxKeyLength {
		return req, fmt.Errorf("%w: key length %d out of range", ErrInvalidRequest, req.KeyLength)
	}
	if req.Days == 0 {
		req.Days = c.cfg.DefaultDays
	}
	if req.Days < 0 {
		return req, fmt.Errorf("%w: validity of %d days", ErrInvalidRequest, req.Days)
	}
	return req, nil
}

// Issue generates a key pair, has openssl sign it with the CA key unlocked by
// password, and packages the result as a PKCS#12 bundle protected by a
// generated passphrase. Either every artifact and exactly one new Valid
// ledger entry exist afterwards, or none do.
//
// ctx is only consulted before openssl is first started.
func (c *CA) Issue(ctx context.Context, req Request, password string) (Certificate, error) {
	req, err := c.normalise(req)
	if err != nil {
		return Certificate{}, c.issueErr(req, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Certificate{}, c.issueErr(req, err)
	}
	ctx = context.WithoutCancel(ctx)

	slog.Debug("Issuing certificate", "ca", c.cfg.Name, "cn", req.Subject.CommonName, "type", req.Type, "days", req.Days)

	passphrase, err := generatePassphrase(passphraseLength)
	if err != nil {
		return Certificate{}, c.issueErr(req, err)
	}

	if err := os.MkdirAll(c.cfg.IssuedDir(), storage.DirPerm); err != nil {
		return Certificate{}, c.issueErr(req, err)
	}
	stage, err := os.MkdirTemp(c.cfg.IssuedDir(), ".stage-")
	if err != nil {
		return Certificate{}, c.issueErr(req, err)
	}
	defer os.RemoveAll(stage)

	var (
		keyPath    = filepath.Join(stage, KeyFile)
		csrPath    = filepath.Join(stage, requestFile)
		certPath   = filepath.Join(stage, CertFile)
		bundlePath = filepath.Join(stage, BundleFile)
		pwdPath    = filepath.Join(stage, PassphraseFile)
	)

	// 1. Encrypted private key and request.
	_, err = c.runner.RunInteractive(ctx,
		c.command("req", "-new",
			"-newkey", "rsa:"+strconv.Itoa(req.KeyLength),
			"-keyout", keyPath,
			"-out", csrPath,
			"-subj", req.Subject.DN(),
			"-config", c.cfg.ConfigFile),
		[]runner.Interaction{
			{Prompt: promptPEMPass, Response: passphrase},
			{Prompt: promptVerifyPEMPass, Response: passphrase},
		})
	if err != nil {
		return Certificate{}, c.issueErr(req, fmt.Errorf("generating key and request: %w", err))
	}

	// 2. Signing. From here on openssl may have touched the ledger.
	snap, err := c.ledger.Snapshot()
	if err != nil {
		return Certificate{}, c.issueErr(req, fmt.Errorf("saving database state: %w", err))
	}
	before, err := c.ledger.Entries()
	if err != nil {
		return Certificate{}, c.issueErr(req, fmt.Errorf("reading database: %w", err))
	}
	expected, err := c.ledger.NextSerial()
	if err != nil {
		return Certificate{}, c.issueErr(req, err)
	}

	var added []storage.Entry
	rollback := func(cause error) (Certificate, error) {
		if rerr := c.ledger.Restore(snap); rerr != nil {
			slog.Error("Failed to restore database", "ca", c.cfg.Name, "error", rerr)
			cause = errors.Join(cause, fmt.Errorf("restoring database: %w", rerr))
		}
		for _, e := range added {
			if rerr := os.Remove(c.cfg.NewCertPath(e.Serial)); rerr != nil && !os.IsNotExist(rerr) {
				slog.Warn("Could not remove certificate copy", "ca", c.cfg.Name, "serial", e.Serial, "error", rerr)
			}
		}
		return Certificate{}, c.issueErr(req, cause)
	}

	extensions := c.cfg.ClientExtensions
	if req.Type == ServerCert {
		extensions = c.cfg.ServerExtensions
	}
	_, err = c.runner.RunInteractive(ctx,
		c.command("ca",
			"-config", c.cfg.ConfigFile,
			"-name", c.cfg.Name,
			"-batch", "-notext",
			"-days", strconv.Itoa(req.Days),
			"-extensions", extensions,
			"-in", csrPath,
			"-out", certPath),
		[]runner.Interaction{{Prompt: promptKeyPass, Response: password}})

	// Whatever happened, find out what openssl added before deciding.
	after, lerr := c.ledger.Entries()
	if lerr == nil {
		added = storage.Diff(before, after)
	}
	if err != nil {
		return rollback(fmt.Errorf("signing request: %w", err))
	}
	if lerr != nil {
		return rollback(fmt.Errorf("reading database: %w", lerr))
	}
	if len(added) != 1 {
		return rollback(fmt.Errorf("expected one new database entry, found %d", len(added)))
	}
	entry := added[0]
	if entry.Status != storage.StatusValid {
		return rollback(fmt.Errorf("new entry %s has status %s", entry.Serial, entry.Status))
	}
	if !storage.SameSerial(entry.Serial, expected) {
		return rollback(fmt.Errorf("new entry has serial %s, serial file held %s", entry.Serial, expected))
	}

	// 3. PKCS#12 bundle.
	_, err = c.runner.RunInteractive(ctx,
		c.command("pkcs12", "-export",
			"-in", certPath,
			"-inkey", keyPath,
			"-certfile", c.cfg.Certificate,
			"-name", req.Subject.CommonName,
			"-out", bundlePath),
		[]runner.Interaction{
			{Prompt: promptKeyPass, Response: passphrase},
			{Prompt: promptExportPass, Response: passphrase},
			{Prompt: promptVerifyExportPass, Response: passphrase},
		})
	if err != nil {
		return rollback(fmt.Errorf("creating PKCS#12 bundle: %w", err))
	}
	if err := os.WriteFile(pwdPath, []byte(passphrase+"\n"), storage.FilePermSecret); err != nil {
		return rollback(fmt.Errorf("writing passphrase file: %w", err))
	}
	if err := verifyBundle(bundlePath, passphrase, entry.Serial); err != nil {
		return rollback(err)
	}

	cert, err := loadCertificate(certPath)
	if err != nil {
		return rollback(fmt.Errorf("reading issued certificate: %w", err))
	}

	// 4. Publish.
	dest := filepath.Join(c.cfg.IssuedDir(), entry.Serial)
	if err := os.Rename(stage, dest); err != nil {
		return rollback(fmt.Errorf("publishing artifacts: %w", err))
	}
	if err := os.Remove(filepath.Join(dest, requestFile)); err != nil && !os.IsNotExist(err) {
		slog.Warn("Could not remove request file", "path", filepath.Join(dest, requestFile), "error", err)
	}

	slog.Info("Certificate issued", "ca", c.cfg.Name, "serial", entry.Serial, "cn", req.Subject.CommonName, "expires", cert.NotAfter)
	return Certificate{
		CA:             c.cfg.Name,
		Serial:         entry.Serial,
		Subject:        entry.Subject,
		NotBefore:      cert.NotBefore,
		NotAfter:       cert.NotAfter,
		Status:         storage.StatusValid,
		CertPath:       filepath.Join(dest, CertFile),
		BundlePath:     filepath.Join(dest, BundleFile),
		PassphrasePath: filepath.Join(dest, PassphraseFile),
		KeyPath:        filepath.Join(dest, KeyFile),
		RequestID:      req.RequestID,
	}, nil
}

func (c *CA) issueErr(req Request, cause error) error {
	return &IssuanceError{CA: c.cfg.Name, CommonName: req.Subject.CommonName, Cause: cause}
}

// verifyBundle decodes the bundle with the passphrase and checks that it holds
// the certificate with the expected serial and its matching key.
func verifyBundle(path, passphrase, serial string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading PKCS#12 bundle: %w", err)
	}
	key, cert, _, err := pkcs12.DecodeChain(data, passphrase)
	if err != nil {
		return fmt.Errorf("decoding PKCS#12 bundle: %w", err)
	}
	want, ok := new(big.Int).SetString(serial, 16)
	if !ok {
		return fmt.Errorf("database serial %q is not hexadecimal", serial)
	}
	if cert.SerialNumber.Cmp(want) != 0 {
		return fmt.Errorf("PKCS#12 bundle holds serial %X, database has %s", cert.SerialNumber, serial)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return errors.New("PKCS#12 bundle key is not a signing key")
	}
	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return errors.New("PKCS#12 bundle key does not match its certificate")
	}
	return nil
}

func generatePassphrase(n int) (string, error) {
	limit := big.NewInt(int64(len(passphraseAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generating passphrase: %w", err)
		}
		b[i] = passphraseAlphabet[idx.Int64()]
	}
	return string(b), nil
}
