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

package issuance

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/tvaughan/pkiops/internal/ca"
	"github.com/tvaughan/pkiops/internal/opensslcnf"
)

// CSVFieldError reports a request field that could not be read from a CSV
// record. Line is 1-based.
type CSVFieldError struct {
	Field  string
	Line   int
	Detail string
}

func (e *CSVFieldError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("CSV line %d: field %s", e.Line, e.Field)
	}
	return fmt.Sprintf("CSV line %d: field %s: %s", e.Line, e.Field, e.Detail)
}

// FieldSource says where a request field comes from: a fixed string, or a
// zero-based column of each CSV record. The zero value yields "".
type FieldSource struct {
	Literal  string
	Column   int
	IsColumn bool
}

func Literal(s string) FieldSource { return FieldSource{Literal: s} }

func Column(i int) FieldSource { return FieldSource{Column: i, IsColumn: true} }

// UnmarshalYAML reads integers as column indices and any other scalar as a
// literal.
func (s *FieldSource) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: field source must be a string or a column index", node.Line)
	}
	switch node.Tag {
	case "!!null":
		*s = FieldSource{}
	case "!!int":
		i, err := strconv.Atoi(node.Value)
		if err != nil || i < 0 {
			return fmt.Errorf("line %d: invalid column index %q", node.Line, node.Value)
		}
		*s = Column(i)
	default:
		*s = Literal(node.Value)
	}
	return nil
}

func (s FieldSource) resolve(record []string) (string, bool) {
	if !s.IsColumn {
		return s.Literal, true
	}
	if s.Column >= len(record) {
		return "", false
	}
	return strings.TrimSpace(record[s.Column]), true
}

// FieldMap configures how bulk requests of non-server types are filled in.
// RequestID is only read when set.
type FieldMap struct {
	Country            FieldSource  `yaml:"country"`
	State              FieldSource  `yaml:"state"`
	Locality           FieldSource  `yaml:"locality"`
	Organisation       FieldSource  `yaml:"organisation"`
	OrganisationalUnit FieldSource  `yaml:"organisationalunit"`
	CommonName         FieldSource  `yaml:"commonname"`
	Email              FieldSource  `yaml:"email"`
	Validity           FieldSource  `yaml:"validity"`
	RequestID          *FieldSource `yaml:"request_id"`
}

// LoadFieldMap reads a field map from a YAML file.
func LoadFieldMap(path string) (FieldMap, error) {
	var m FieldMap
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parsing %s: %w", path, err)
	}
	return m, nil
}

// ParseCSV builds one request per non-empty record of text.
//
// Server records are "commonName,validityDays" with the rest of the subject
// taken from defaults. Records for other types are mapped field by field
// through fields.
func ParseCSV(text string, certType ca.CertType, defaults opensslcnf.Subject, fields FieldMap) ([]ca.Request, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var reqs []ca.Request
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return nil, &CSVFieldError{Field: "record", Line: perr.Line, Detail: perr.Err.Error()}
			}
			return nil, err
		}
		line, _ := r.FieldPos(0)

		var req ca.Request
		if certType == ca.ServerCert {
			req, err = serverRequest(record, line, defaults)
		} else {
			req, err = mappedRequest(record, line, certType, fields)
		}
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func serverRequest(record []string, line int, defaults opensslcnf.Subject) (ca.Request, error) {
	subject := defaults
	subject.CommonName = strings.TrimSpace(record[0])
	if subject.CommonName == "" {
		return ca.Request{}, &CSVFieldError{Field: "commonname", Line: line, Detail: "empty"}
	}
	if len(record) < 2 {
		return ca.Request{}, &CSVFieldError{Field: "validity", Line: line, Detail: "missing column 1"}
	}
	days, err := parseDays(record[1])
	if err != nil {
		return ca.Request{}, &CSVFieldError{Field: "validity", Line: line, Detail: err.Error()}
	}
	return ca.Request{Type: ca.ServerCert, Subject: subject, Days: days}, nil
}

func mappedRequest(record []string, line int, certType ca.CertType, fields FieldMap) (ca.Request, error) {
	var missing *CSVFieldError
	get := func(name string, src FieldSource) string {
		v, ok := src.resolve(record)
		if !ok && missing == nil {
			missing = &CSVFieldError{Field: name, Line: line, Detail: fmt.Sprintf("no column %d", src.Column)}
		}
		return v
	}

	req := ca.Request{
		Type: certType,
		Subject: opensslcnf.Subject{
			Country:            get("country", fields.Country),
			State:              get("state", fields.State),
			Locality:           get("locality", fields.Locality),
			Organisation:       get("organisation", fields.Organisation),
			OrganisationalUnit: get("organisationalunit", fields.OrganisationalUnit),
			CommonName:         get("commonname", fields.CommonName),
			Email:              get("email", fields.Email),
		},
	}
	validity := get("validity", fields.Validity)
	if fields.RequestID != nil {
		req.RequestID = get("request_id", *fields.RequestID)
	}
	if missing != nil {
		return ca.Request{}, missing
	}

	if validity != "" {
		days, err := parseDays(validity)
		if err != nil {
			return ca.Request{}, &CSVFieldError{Field: "validity", Line: line, Detail: err.Error()}
		}
		req.Days = days
	}
	return req, nil
}

func parseDays(s string) (int, error) {
	days, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || days <= 0 {
		return 0, fmt.Errorf("%q is not a positive number of days", s)
	}
	return days, nil
}
