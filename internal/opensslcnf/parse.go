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

package opensslcnf

import (
	"path/filepath"
	"strconv"
	"strings"
)

// parseFile turns the text of a configuration file into sections. Values are
// fully expanded as they are read, so a variable may only refer to keys that
// appear earlier in the file.
func parseFile(path, text string) (*file, error) {
	f := &file{
		path:     path,
		dir:      filepath.Dir(path),
		sections: map[string]map[string]string{GlobalSection: {}},
	}
	section := GlobalSection

	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines); i++ {
		lineNo := i + 1
		line := strings.TrimRight(lines[i], "\r")

		// A trailing backslash joins the next physical line.
		for continued(line) && i+1 < len(lines) {
			i++
			line = line[:len(line)-1] + strings.TrimRight(lines[i], "\r")
		}

		line = strings.TrimSpace(stripComment(line))
		if line == "" {
			continue
		}

		fail := func(detail string) (*file, error) {
			return nil, &ConfigError{Kind: ErrParseFailure, Path: path, Line: lineNo, Section: section, Detail: detail}
		}

		if line[0] == '[' {
			end := strings.IndexByte(line, ']')
			if end < 0 {
				return fail("unterminated section header")
			}
			name := strings.TrimSpace(line[1:end])
			if name == "" || !validName(name) {
				return fail("invalid section name " + strconv.Quote(name))
			}
			if rest := strings.TrimSpace(line[end+1:]); rest != "" {
				return fail("unexpected text after section header")
			}
			section = name
			if _, ok := f.sections[section]; !ok {
				f.sections[section] = map[string]string{}
			}
			continue
		}

		if strings.HasPrefix(line, ".include") || strings.HasPrefix(line, ".pragma") {
			continue
		}

		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return fail("expected key = value")
		}
		key := strings.TrimSpace(line[:eq])
		target := section
		if sec, name, ok := strings.Cut(key, "::"); ok {
			target, key = sec, name
		}
		if key == "" || target == "" || !validName(key) {
			return fail("invalid key " + strconv.Quote(strings.TrimSpace(line[:eq])))
		}

		value, err := f.value(strings.TrimSpace(line[eq+1:]), section)
		if err != nil {
			return fail(err.Error())
		}
		if _, ok := f.sections[target]; !ok {
			f.sections[target] = map[string]string{}
		}
		f.sections[target][key] = value
	}
	return f, nil
}

func continued(line string) bool {
	n := 0
	for i := len(line) - 1; i >= 0 && line[i] == '\\'; i-- {
		n++
	}
	return n%2 == 1
}

// stripComment removes a '#' comment that is not inside quotes or escaped.
func stripComment(line string) string {
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\\' && quote != '\'':
			i++
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '#':
			return line[:i]
		}
	}
	return line
}

func validName(s string) bool {
	for i := 0; i < len(s); i++ {
		if !nameChar(s[i]) && s[i] != ' ' {
			return false
		}
	}
	return true
}

func nameChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		c == '_' || c == '.' || c == '-' || c == ';' || c == '!' || c == ',' || c == '%'
}

func varChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

type valueError string

func (e valueError) Error() string { return string(e) }

// value unquotes raw, resolves backslash escapes and expands variable
// references against the current section and the global section. Quoted text
// is copied verbatim.
func (f *file) value(raw, section string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch c {
		case '"', '\'':
			end := strings.IndexByte(raw[i+1:], c)
			if end < 0 {
				return "", valueError("unterminated quote")
			}
			b.WriteString(raw[i+1 : i+1+end])
			i += end + 1
		case '\\':
			if i+1 >= len(raw) {
				continue
			}
			i++
			switch raw[i] {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case 'b':
				b.WriteByte('\b')
			default:
				b.WriteByte(raw[i])
			}
		case '$':
			expanded, next, err := f.variable(raw, i, section)
			if err != nil {
				return "", err
			}
			b.WriteString(expanded)
			i = next - 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// variable expands the reference starting at raw[start] ('$') and returns the
// index just past it.
func (f *file) variable(raw string, start int, section string) (string, int, error) {
	i := start + 1
	var closer byte
	if i < len(raw) && (raw[i] == '{' || raw[i] == '(') {
		closer = '}'
		if raw[i] == '(' {
			closer = ')'
		}
		i++
	}

	scan := func() string {
		from := i
		for i < len(raw) && varChar(raw[i]) {
			i++
		}
		return raw[from:i]
	}

	sec := section
	name := scan()
	if strings.HasPrefix(raw[i:], "::") {
		i += 2
		sec, name = name, scan()
	}
	if name == "" || sec == "" {
		return "", 0, valueError("empty variable reference")
	}
	if closer != 0 {
		if i >= len(raw) || raw[i] != closer {
			return "", 0, valueError("unterminated variable reference")
		}
		i++
	}

	v, ok := f.lookup(sec, name)
	if !ok {
		ref := name
		if sec != section {
			ref = sec + "::" + name
		}
		return "", 0, valueError("undefined variable " + strconv.Quote(ref))
	}
	return v, i, nil
}
