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

// Package report answers read-only questions about a CA's ledger.
package report

import (
	"time"

	"github.com/tvaughan/pkiops/internal/ca"
	"github.com/tvaughan/pkiops/internal/storage"
)

type Engine struct {
	registry *ca.Registry
	now      func() time.Time
}

type Option func(*Engine)

// WithClock replaces time.Now when deciding what "today" is.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func New(registry *ca.Registry, opts ...Option) *Engine {
	e := &Engine{registry: registry, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CertificatesExpiringWithin returns the unrevoked entries of the named CA
// whose expiry date is at most periodDays calendar days from today. Entries
// that have already expired are included.
func (e *Engine) CertificatesExpiringWithin(caName string, periodDays int) ([]storage.Entry, error) {
	entries, err := e.list(caName)
	if err != nil {
		return nil, err
	}
	today := date(e.now())
	out := []storage.Entry{}
	for _, entry := range entries {
		// Expired here is a Valid entry whose date has passed.
		if entry.Status != storage.StatusValid && entry.Status != storage.StatusExpired {
			continue
		}
		if DaysBetween(today, date(entry.Expires)) <= periodDays {
			out = append(out, entry)
		}
	}
	return out, nil
}

// ValidCertificates returns the entries of the named CA that can still be
// revoked.
func (e *Engine) ValidCertificates(caName string) ([]storage.Entry, error) {
	entries, err := e.list(caName)
	if err != nil {
		return nil, err
	}
	out := []storage.Entry{}
	for _, entry := range entries {
		if entry.Status == storage.StatusValid {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (e *Engine) list(caName string) ([]storage.Entry, error) {
	authority, err := e.registry.Get(caName)
	if err != nil {
		return nil, err
	}
	return authority.ListDatabase()
}

// DaysBetween counts whole calendar days from a to b; negative when b is
// earlier.
func DaysBetween(a, b time.Time) int {
	return int(date(b).Sub(date(a)).Hours() / 24)
}

func date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
