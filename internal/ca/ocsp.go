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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/tvaughan/pkiops/internal/runner"
)

// OCSPStatus is the responder's view of one certificate.
type OCSPStatus struct {
	Serial           string    `json:"serial"`
	Status           string    `json:"status"` // good, revoked or unknown
	RevokedAt        time.Time `json:"revoked_at,omitzero"`
	RevocationReason int       `json:"revocation_reason,omitempty"`
	ThisUpdate       time.Time `json:"this_update"`
	NextUpdate       time.Time `json:"next_update,omitzero"`
}

var ocspStatusNames = map[int]string{
	ocsp.Good:    "good",
	ocsp.Revoked: "revoked",
	ocsp.Unknown: "unknown",
}

// OCSPStatus asks "openssl ocsp", acting as a responder over the ledger, for
// the status of serial and verifies the signed answer against the CA
// certificate. caPassword unlocks the responder key.
func (c *CA) OCSPStatus(ctx context.Context, serial, caPassword string) (OCSPStatus, error) {
	serial = strings.ToUpper(strings.TrimSpace(serial))

	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return OCSPStatus{}, err
	}
	ctx = context.WithoutCancel(ctx)

	issuer, err := loadCertificate(c.cfg.Certificate)
	if err != nil {
		return OCSPStatus{}, fmt.Errorf("loading CA certificate: %w", err)
	}
	cert, err := loadCertificate(c.cfg.NewCertPath(serial))
	if err != nil {
		return OCSPStatus{}, fmt.Errorf("loading certificate %s: %w", serial, err)
	}

	reqDER, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA1})
	if err != nil {
		return OCSPStatus{}, fmt.Errorf("creating OCSP request: %w", err)
	}

	tmp, err := os.MkdirTemp("", "pkiops-ocsp-")
	if err != nil {
		return OCSPStatus{}, err
	}
	defer os.RemoveAll(tmp)
	reqPath := filepath.Join(tmp, "request.der")
	respPath := filepath.Join(tmp, "response.der")
	if err := os.WriteFile(reqPath, reqDER, 0600); err != nil {
		return OCSPStatus{}, err
	}

	_, err = c.runner.RunInteractive(ctx,
		c.command("ocsp",
			"-index", c.cfg.Database,
			"-CA", c.cfg.Certificate,
			"-rsigner", c.cfg.Certificate,
			"-rkey", c.cfg.PrivateKey,
			"-reqin", reqPath,
			"-respout", respPath,
			"-ndays", "1"),
		[]runner.Interaction{{Prompt: promptKeyPass, Response: caPassword}})
	if err != nil {
		return OCSPStatus{}, fmt.Errorf("%w: %w", ErrToolFailure, err)
	}

	respDER, err := os.ReadFile(respPath)
	if err != nil {
		return OCSPStatus{}, fmt.Errorf("reading OCSP response: %w", err)
	}
	resp, err := ocsp.ParseResponseForCert(respDER, cert, issuer)
	if err != nil {
		return OCSPStatus{}, fmt.Errorf("parsing OCSP response: %w", err)
	}

	return OCSPStatus{
		Serial:           fmt.Sprintf("%02X", resp.SerialNumber),
		Status:           ocspStatusNames[resp.Status],
		RevokedAt:        resp.RevokedAt,
		RevocationReason: resp.RevocationReason,
		ThisUpdate:       resp.ThisUpdate,
		NextUpdate:       resp.NextUpdate,
	}, nil
}
