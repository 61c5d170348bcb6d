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

package storage

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"time"
)

// Status is the first column of an index line.
type Status string

const (
	StatusValid   Status = "V"
	StatusRevoked Status = "R"
	StatusExpired Status = "E"
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "Valid"
	case StatusRevoked:
		return "Revoked"
	case StatusExpired:
		return "Expired"
	default:
		return string(s)
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "V", "Valid":
		*s = StatusValid
	case "R", "Revoked":
		*s = StatusRevoked
	case "E", "Expired":
		*s = StatusExpired
	default:
		return fmt.Errorf("unknown status %q", text)
	}
	return nil
}

// Entry is one line of index.txt.
type Entry struct {
	Status   Status    `json:"status"`
	Expires  time.Time `json:"expires"`
	Revoked  time.Time `json:"revoked,omitzero"`
	Reason   string    `json:"reason,omitempty"`
	Serial   string    `json:"serial"`
	Filename string    `json:"filename,omitempty"`
	Subject  string    `json:"subject"`
}

// CommonName extracts the CN component of the subject DN.
func (e Entry) CommonName() string {
	for _, part := range splitDN(e.Subject) {
		if k, v, ok := strings.Cut(part, "="); ok && k == "CN" {
			return v
		}
	}
	return ""
}

// At returns e as seen at now: a valid entry past its expiry reads as
// expired. The stored status is not changed.
func (e Entry) At(now time.Time) Entry {
	if e.Status == StatusValid && !e.Expires.After(now) {
		e.Status = StatusExpired
	}
	return e
}

// Line renders e in the tab separated layout openssl writes.
func (e Entry) Line() string {
	rev := ""
	if !e.Revoked.IsZero() {
		rev = FormatTime(e.Revoked)
		if e.Reason != "" {
			rev += "," + e.Reason
		}
	}
	filename := e.Filename
	if filename == "" {
		filename = "unknown"
	}
	return strings.Join([]string{string(e.Status), FormatTime(e.Expires), rev, e.Serial, filename, e.Subject}, "\t")
}

// ParseIndex decodes the content of an index.txt file. Blank lines are
// skipped; anything else that does not have six columns is an error.
func ParseIndex(data []byte) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for scanner.Scan() {
		n++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		e, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w: %v", n, ErrMalformedEntry, err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

func parseLine(line string) (Entry, error) {
	cols := strings.SplitN(line, "\t", 6)
	if len(cols) != 6 {
		return Entry{}, fmt.Errorf("expected 6 columns, got %d", len(cols))
	}

	e := Entry{
		Status:   Status(cols[0]),
		Serial:   strings.ToUpper(cols[3]),
		Filename: cols[4],
		Subject:  cols[5],
	}
	switch e.Status {
	case StatusValid, StatusRevoked, StatusExpired:
	default:
		return Entry{}, fmt.Errorf("unknown status %q", cols[0])
	}
	if e.Serial == "" {
		return Entry{}, fmt.Errorf("empty serial")
	}

	var err error
	if e.Expires, err = ParseTime(cols[1]); err != nil {
		return Entry{}, err
	}
	if cols[2] != "" {
		date, reason, _ := strings.Cut(cols[2], ",")
		if e.Revoked, err = ParseTime(date); err != nil {
			return Entry{}, err
		}
		e.Reason = reason
	}
	if e.Status == StatusRevoked && e.Revoked.IsZero() {
		return Entry{}, fmt.Errorf("revoked entry %s has no revocation date", e.Serial)
	}
	return e, nil
}

const (
	utcTimeLayout         = "060102150405Z"
	generalizedTimeLayout = "20060102150405Z"
)

// ParseTime accepts the ASN.1 UTCTime and GeneralizedTime forms openssl uses
// in the database.
func ParseTime(s string) (time.Time, error) {
	switch len(s) {
	case len(utcTimeLayout):
		t, err := time.Parse(utcTimeLayout, s)
		if err != nil {
			return time.Time{}, err
		}
		// UTCTime years 50-99 belong to the twentieth century.
		if t.Year() >= 2050 {
			t = t.AddDate(-100, 0, 0)
		}
		return t, nil
	case len(generalizedTimeLayout):
		return time.Parse(generalizedTimeLayout, s)
	default:
		return time.Time{}, fmt.Errorf("invalid time %q", s)
	}
}

// FormatTime renders t as openssl does: UTCTime up to 2049, GeneralizedTime
// afterwards.
func FormatTime(t time.Time) string {
	t = t.UTC()
	if t.Year() >= 1950 && t.Year() < 2050 {
		return t.Format(utcTimeLayout)
	}
	return t.Format(generalizedTimeLayout)
}

// splitDN splits a slash separated DN, honouring backslash escapes.
func splitDN(dn string) []string {
	var (
		parts []string
		cur   strings.Builder
	)
	for i := 0; i < len(dn); i++ {
		switch c := dn[i]; {
		case c == '\\' && i+1 < len(dn):
			i++
			cur.WriteByte(dn[i])
		case c == '/':
			if cur.Len() > 0 {
				parts = append(parts, cur.String())
			}
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}
