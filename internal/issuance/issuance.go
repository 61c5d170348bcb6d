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

// Package issuance turns single and bulk certificate requests into calls on
// the CAs of a registry and tracks the progress of each bulk batch.
package issuance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/tvaughan/pkiops/internal/ca"
)

// BulkIssuanceError reports the first failed item of a batch. Certificates
// issued before it remain valid and are returned in Partial.
type BulkIssuanceError struct {
	CA      string
	Index   int // 1-based position of the failed request
	Total   int
	Cause   error
	Partial []ca.Certificate
}

func (e *BulkIssuanceError) Error() string {
	return fmt.Sprintf("bulk issuance on %s stopped at request %d of %d (%d issued): %v",
		e.CA, e.Index, e.Total, len(e.Partial), e.Cause)
}

func (e *BulkIssuanceError) Unwrap() error { return e.Cause }

// Batch is the progress handle of one bulk issuance.
type Batch struct {
	ID    string
	Total int

	progress atomic.Int32
}

// Progress returns the completion percentage, 0 to 100.
func (b *Batch) Progress() int { return int(b.progress.Load()) }

type Engine struct {
	registry *ca.Registry

	mu      sync.Mutex
	batches map[string]*Batch
}

func New(registry *ca.Registry) *Engine {
	return &Engine{registry: registry, batches: make(map[string]*Batch)}
}

// IssueSingle issues one certificate from the named CA.
func (e *Engine) IssueSingle(ctx context.Context, req ca.Request, caName, password string) (ca.Certificate, error) {
	authority, err := e.registry.Get(caName)
	if err != nil {
		return ca.Certificate{}, err
	}
	cert, err := authority.Issue(ctx, req, password)
	if err != nil {
		return ca.Certificate{}, err
	}
	slog.Info("Certificate issued", "ca", caName, "serial", cert.Serial, "subject", cert.Subject)
	return cert, nil
}

// NewBatch registers a progress handle for a batch of total requests. The
// handle can be polled with Progress until IssueBulk returns.
func (e *Engine) NewBatch(total int) *Batch {
	b := &Batch{ID: uuid.NewString(), Total: total}
	e.mu.Lock()
	e.batches[b.ID] = b
	e.mu.Unlock()
	return b
}

// Progress reports the completion percentage of a running batch. The second
// result is false once the batch has finished or if id is unknown.
func (e *Engine) Progress(id string) (int, bool) {
	e.mu.Lock()
	b, ok := e.batches[id]
	e.mu.Unlock()
	if !ok {
		return 0, false
	}
	return b.Progress(), true
}

func (e *Engine) finish(b *Batch) {
	b.progress.Store(0)
	e.mu.Lock()
	delete(e.batches, b.ID)
	e.mu.Unlock()
}

// IssueBulk issues reqs from the named CA one at a time, in order. Each
// success advances the batch by 100/len(reqs) percent, so the sum can fall
// short of 100 when the division is inexact. The first failure stops the
// batch with a *BulkIssuanceError.
//
// The batch is reset and unregistered when IssueBulk returns, whatever the
// outcome.
func (e *Engine) IssueBulk(ctx context.Context, b *Batch, reqs []ca.Request, caName, password string) ([]ca.Certificate, error) {
	defer e.finish(b)
	b.progress.Store(0)

	if b.Total != len(reqs) {
		return nil, fmt.Errorf("%w: batch %s expects %d requests, got %d", ca.ErrInvalidRequest, b.ID, b.Total, len(reqs))
	}
	authority, err := e.registry.Get(caName)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, nil
	}

	// Keep the password out of ordinary heap memory for the batch duration.
	var sealed *memguard.Enclave
	if password != "" {
		sealed = memguard.NewEnclave([]byte(password))
	}
	unseal := func() (string, error) {
		if sealed == nil {
			return "", nil
		}
		buf, err := sealed.Open()
		if err != nil {
			return "", fmt.Errorf("opening sealed password: %w", err)
		}
		defer buf.Destroy()
		return string(buf.Bytes()), nil
	}

	slog.Info("Bulk issuance started", "batch", b.ID, "ca", caName, "requests", len(reqs))

	step := int32(100 / len(reqs))
	issued := make([]ca.Certificate, 0, len(reqs))
	for i, req := range reqs {
		fail := func(cause error) ([]ca.Certificate, error) {
			slog.Warn("Bulk issuance aborted", "batch", b.ID, "ca", caName, "index", i+1, "error", cause)
			return issued, &BulkIssuanceError{CA: caName, Index: i + 1, Total: len(reqs), Cause: cause, Partial: issued}
		}
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		pw, err := unseal()
		if err != nil {
			return fail(err)
		}
		cert, err := authority.Issue(ctx, req, pw)
		if err != nil {
			return fail(err)
		}
		issued = append(issued, cert)
		b.progress.Add(step)
		slog.Debug("Bulk item issued", "batch", b.ID, "index", i+1, "serial", cert.Serial, "progress", b.Progress())
	}

	slog.Info("Bulk issuance finished", "batch", b.ID, "ca", caName, "issued", len(issued))
	return issued, nil
}
