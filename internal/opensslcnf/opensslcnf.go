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

// Package opensslcnf reads OpenSSL-style CA configuration files and extracts
// the CA definitions and default subject fields the rest of pkiops needs.
package opensslcnf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// GlobalSection is the name OpenSSL gives to the unnamed section at the top
	// of a configuration file.
	GlobalSection = "default"

	// DefaultDays is used when a CA section has no default_days.
	DefaultDays = 365

	// DefaultCRLDays is the CRL validity used when a CA section sets neither
	// default_crl_days nor default_crl_hours.
	DefaultCRLDays = 30

	// envSection resolves variables from the process environment.
	envSection = "ENV"

	defaultClientExtensions = "usr_cert"
	defaultServerExtensions = "server_cert"
)

var (
	// ErrMissingCA is returned when a requested CA has no section in the file.
	ErrMissingCA = errors.New("CA section not found")
	// ErrParseFailure is returned for malformed syntax or incomplete CA sections.
	ErrParseFailure = errors.New("malformed configuration")
)

// ConfigError describes why a configuration file could not be turned into CA
// definitions. Kind is ErrMissingCA or ErrParseFailure.
type ConfigError struct {
	Kind    error
	Path    string
	Line    int // 0 when the failure is not tied to a line
	Section string
	Detail  string
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString(e.Path)
	if e.Line > 0 {
		fmt.Fprintf(&b, ":%d", e.Line)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Section != "" {
		fmt.Fprintf(&b, " [%s]", e.Section)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Kind }

// Subject holds the distinguished-name fields of a certificate request.
type Subject struct {
	Country            string `json:"country,omitempty"`
	State              string `json:"state,omitempty"`
	Locality           string `json:"locality,omitempty"`
	Organisation       string `json:"organisation,omitempty"`
	OrganisationalUnit string `json:"organisational_unit,omitempty"`
	CommonName         string `json:"common_name,omitempty"`
	Email              string `json:"email,omitempty"`
}

var dnEscaper = strings.NewReplacer(`\`, `\\`, `/`, `\/`, `+`, `\+`)

// DN renders s in the slash-separated form accepted by "openssl req -subj".
// Empty fields are omitted.
func (s Subject) DN() string {
	parts := []struct{ key, val string }{
		{"C", s.Country},
		{"ST", s.State},
		{"L", s.Locality},
		{"O", s.Organisation},
		{"OU", s.OrganisationalUnit},
		{"CN", s.CommonName},
		{"emailAddress", s.Email},
	}
	var b strings.Builder
	for _, p := range parts {
		if p.val == "" {
			continue
		}
		b.WriteString("/")
		b.WriteString(p.key)
		b.WriteString("=")
		b.WriteString(dnEscaper.Replace(p.val))
	}
	return b.String()
}

// CA is one certificate authority as declared in the configuration file.
// All paths are absolute.
type CA struct {
	Name string

	// ConfigFile is the file the CA was read from; openssl is pointed at it
	// and run from ConfigDir so relative paths resolve identically.
	ConfigFile string
	ConfigDir  string

	Dir         string
	Certificate string
	PrivateKey  string
	Database    string
	Serial      string
	CRLNumber   string
	NewCertsDir string
	CRLDir      string
	DefaultDays int

	// CRLDays and CRLHours are default_crl_days and default_crl_hours; both
	// are zero when the section sets neither.
	CRLDays  int
	CRLHours int

	// UniqueSubject mirrors unique_subject, which openssl defaults to yes.
	// A value stored in the database attribute file takes precedence.
	UniqueSubject bool

	ClientExtensions string
	ServerExtensions string

	Defaults Subject
}

// IssuedDir is where pkiops places the artifacts of each issuance.
func (c CA) IssuedDir() string {
	return filepath.Join(c.Dir, "issued")
}

// NewCertPath returns the copy of an issued certificate that "openssl ca"
// keeps in new_certs_dir, named after its serial.
func (c CA) NewCertPath(serial string) string {
	return filepath.Join(c.NewCertsDir, strings.ToUpper(serial)+".pem")
}

// Parse reads the configuration at path and returns the CA definitions named
// by caNames, in that order, together with the shared default subject used to
// pre-populate requests. Nothing is returned unless every CA resolves.
func Parse(path string, caNames []string) ([]CA, Subject, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, Subject{}, &ConfigError{Kind: ErrParseFailure, Path: path, Detail: err.Error()}
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, Subject{}, &ConfigError{Kind: ErrParseFailure, Path: absPath, Detail: err.Error()}
	}

	f, err := parseFile(absPath, string(data))
	if err != nil {
		return nil, Subject{}, err
	}

	defaults := f.sharedDefaults()
	cas := make([]CA, 0, len(caNames))
	for _, name := range caNames {
		ca, err := f.ca(name, defaults)
		if err != nil {
			return nil, Subject{}, err
		}
		cas = append(cas, ca)
	}
	return cas, defaults, nil
}

// file is a parsed configuration: section name → key → expanded value.
type file struct {
	path     string
	dir      string
	sections map[string]map[string]string
}

func (f *file) lookup(section, key string) (string, bool) {
	if sec, ok := f.sections[section]; ok {
		if v, ok := sec[key]; ok {
			return v, true
		}
	}
	if section == envSection {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
	}
	if section != GlobalSection {
		if v, ok := f.sections[GlobalSection][key]; ok {
			return v, true
		}
	}
	return "", false
}

// sharedDefaults reads the subject defaults from the section that [req]
// names as its distinguished_name, falling back to the global section.
func (f *file) sharedDefaults() Subject {
	section := GlobalSection
	if dn, ok := f.sections["req"]["distinguished_name"]; ok {
		section = dn
	}
	get := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := f.lookup(section, k); ok {
				return v
			}
		}
		return ""
	}
	return Subject{
		Country:            get("countryName_default"),
		State:              get("stateOrProvinceName_default"),
		Locality:           get("localityName_default"),
		Organisation:       get("0.organizationName_default", "organizationName_default"),
		OrganisationalUnit: get("organizationalUnitName_default"),
		Email:              get("emailAddress_default"),
	}
}

func (f *file) ca(name string, defaults Subject) (CA, error) {
	sec, ok := f.sections[name]
	if !ok {
		return CA{}, &ConfigError{Kind: ErrMissingCA, Path: f.path, Section: name}
	}
	fail := func(format string, args ...any) (CA, error) {
		return CA{}, &ConfigError{Kind: ErrParseFailure, Path: f.path, Section: name, Detail: fmt.Sprintf(format, args...)}
	}

	get := func(key string) string {
		v, _ := f.lookup(name, key)
		return v
	}

	c := CA{
		Name:             name,
		ConfigFile:       f.path,
		ConfigDir:        f.dir,
		Dir:              f.abs(get("dir")),
		ClientExtensions: defaultClientExtensions,
		ServerExtensions: defaultServerExtensions,
		DefaultDays:      DefaultDays,
		UniqueSubject:    true,
	}
	if c.Dir == "" {
		c.Dir = f.dir
	}

	for _, req := range []struct {
		key string
		dst *string
	}{
		{"certificate", &c.Certificate},
		{"private_key", &c.PrivateKey},
		{"database", &c.Database},
	} {
		v := get(req.key)
		if v == "" {
			return fail("%s is not set", req.key)
		}
		*req.dst = f.abs(v)
	}

	optional := func(key, fallback string) string {
		if v := get(key); v != "" {
			return f.abs(v)
		}
		return filepath.Join(c.Dir, fallback)
	}
	c.Serial = optional("serial", "serial")
	c.CRLNumber = optional("crlnumber", "crlnumber")
	c.NewCertsDir = optional("new_certs_dir", "newcerts")
	c.CRLDir = optional("crl_dir", "crl")

	if v := get("default_days"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days <= 0 {
			return fail("default_days %q is not a positive integer", v)
		}
		c.DefaultDays = days
	}
	for _, crl := range []struct {
		key string
		dst *int
	}{
		{"default_crl_days", &c.CRLDays},
		{"default_crl_hours", &c.CRLHours},
	} {
		v := get(crl.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fail("%s %q is not a non-negative integer", crl.key, v)
		}
		*crl.dst = n
	}
	if v := get("unique_subject"); v != "" {
		c.UniqueSubject = ParseYesNo(v, true)
	}
	if v := get("client_extensions"); v != "" {
		c.ClientExtensions = v
	}
	if v := get("server_extensions"); v != "" {
		c.ServerExtensions = v
	}

	// Subject defaults come from the CA's own section first, then the shared
	// request defaults.
	own := func(fallback string, keys ...string) string {
		for _, k := range keys {
			if v, ok := sec[k]; ok {
				return v
			}
		}
		return fallback
	}
	c.Defaults = Subject{
		Country:            own(defaults.Country, "countryName_default"),
		State:              own(defaults.State, "stateOrProvinceName_default"),
		Locality:           own(defaults.Locality, "localityName_default"),
		Organisation:       own(defaults.Organisation, "0.organizationName_default", "organizationName_default"),
		OrganisationalUnit: own(defaults.OrganisationalUnit, "organizationalUnitName_default"),
		Email:              own(defaults.Email, "emailAddress_default"),
	}
	return c, nil
}

// ParseYesNo reads a boolean the way openssl does, by its first character.
// Anything unrecognised yields fallback.
func ParseYesNo(s string, fallback bool) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	switch s[0] {
	case 'y', 'Y', 't', 'T', '1':
		return true
	case 'n', 'N', 'f', 'F', '0':
		return false
	}
	return fallback
}

func (f *file) abs(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(f.dir, p)
}
