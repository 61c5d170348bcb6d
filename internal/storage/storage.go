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

// Package storage reads and restores the files "openssl ca" keeps for a CA:
// the index.txt database, the serial counter and the CRL number.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	FilePermPublic = 0644
	FilePermSecret = 0600
	DirPerm        = 0750
)

// DefaultAttributes seeds the database attribute file. openssl otherwise
// refuses a second Valid certificate for a subject.
const DefaultAttributes = "unique_subject = no\n"

// ErrMalformedEntry is returned for an index line that cannot be decoded.
var ErrMalformedEntry = errors.New("malformed database entry")

type Ledger struct {
	database  string
	serial    string
	crlNumber string

	mu sync.RWMutex
}

func New(database, serial, crlNumber string) *Ledger {
	return &Ledger{
		database:  database,
		serial:    serial,
		crlNumber: crlNumber,
	}
}

func (l *Ledger) DatabasePath() string  { return l.database }
func (l *Ledger) SerialPath() string    { return l.serial }
func (l *Ledger) CRLNumberPath() string { return l.crlNumber }

// AttrPath is the companion file openssl writes next to the database.
func (l *Ledger) AttrPath() string { return l.database + ".attr" }

// EnsureFiles creates an empty database, its attribute file and initial
// counters when missing. Existing files are left untouched.
func (l *Ledger) EnsureFiles() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, f := range []struct {
		path    string
		content string
	}{
		{l.database, ""},
		{l.AttrPath(), DefaultAttributes},
		{l.serial, "01\n"},
		{l.crlNumber, "01\n"},
	} {
		if err := os.MkdirAll(filepath.Dir(f.path), DirPerm); err != nil {
			return err
		}
		if _, err := os.Stat(f.path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return err
		}
		if err := os.WriteFile(f.path, []byte(f.content), FilePermPublic); err != nil {
			return err
		}
	}
	return nil
}

// Entries returns every database line in file order.
func (l *Ledger) Entries() ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	data, err := os.ReadFile(l.database)
	if err != nil {
		return nil, err
	}
	entries, err := ParseIndex(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.database, err)
	}
	return entries, nil
}

// Find returns the entry for serial. Serials compare case-insensitively and
// ignoring leading zeros.
func (l *Ledger) Find(serial string) (Entry, bool, error) {
	entries, err := l.Entries()
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range entries {
		if SameSerial(e.Serial, serial) {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// NextSerial returns the serial openssl will assign to the next certificate.
func (l *Ledger) NextSerial() (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	content, err := os.ReadFile(l.serial)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("serial file not found: %w", err)
		}
		return "", err
	}
	val := strings.ToUpper(strings.TrimSpace(string(content)))
	if val == "" || strings.Trim(val, "0123456789ABCDEF") != "" {
		return "", fmt.Errorf("invalid serial file at %s", l.serial)
	}
	return val, nil
}

// Snapshot is the saved content of the ledger files; absent files are
// recorded as absent so Restore can remove them again.
type Snapshot struct {
	files map[string][]byte
}

// Snapshot captures the database, its attribute file and both counters.
func (l *Ledger) Snapshot() (*Snapshot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := &Snapshot{files: make(map[string][]byte)}
	for _, path := range []string{l.database, l.AttrPath(), l.serial, l.crlNumber} {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			s.files[path] = data
		case os.IsNotExist(err):
			s.files[path] = nil
		default:
			return nil, err
		}
	}
	return s, nil
}

// Restore puts every file captured by s back the way it was.
func (l *Ledger) Restore(s *Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for path, data := range s.files {
		if data == nil {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
			continue
		}
		if current, err := os.ReadFile(path); err == nil && bytes.Equal(current, data) {
			continue
		}
		if err := writeFileAtomic(path, data, FilePermPublic); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// SameSerial compares two hex serials the way openssl does.
func SameSerial(a, b string) bool {
	norm := func(s string) string {
		s = strings.TrimLeft(strings.ToUpper(strings.TrimSpace(s)), "0")
		if s == "" {
			return "0"
		}
		return s
	}
	return norm(a) == norm(b)
}

// Diff returns the entries of after whose serial does not occur in before.
func Diff(before, after []Entry) []Entry {
	seen := make(map[string]bool, len(before))
	for _, e := range before {
		seen[strings.ToUpper(e.Serial)] = true
	}
	var added []Entry
	for _, e := range after {
		if !seen[strings.ToUpper(e.Serial)] {
			added = append(added, e)
		}
	}
	return added
}
