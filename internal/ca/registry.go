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
	"errors"
	"fmt"

	"github.com/tvaughan/pkiops/internal/opensslcnf"
	"github.com/tvaughan/pkiops/internal/runner"
)

// Registry holds the CAs of one hierarchy, keyed by section name.
type Registry struct {
	cas   map[string]*CA
	order []string
}

// NewRegistry builds one CA per definition, all sharing r and opts.
func NewRegistry(cfgs []opensslcnf.CA, r runner.Runner, opts ...Option) (*Registry, error) {
	reg := &Registry{cas: make(map[string]*CA, len(cfgs))}
	for _, cfg := range cfgs {
		if _, dup := reg.cas[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate CA %q", cfg.Name)
		}
		reg.cas[cfg.Name] = New(cfg, r, opts...)
		reg.order = append(reg.order, cfg.Name)
	}
	return reg, nil
}

func (r *Registry) Get(name string) (*CA, error) {
	c, ok := r.cas[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCA, name)
	}
	return c, nil
}

// Names lists the CAs in configuration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Init initialises every CA and reports all failures together.
func (r *Registry) Init() error {
	var errs []error
	for _, name := range r.order {
		if err := r.cas[name].Init(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
