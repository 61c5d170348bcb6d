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
)

var (
	// ErrUnknownCA is returned by Registry.Get for a name that was never loaded.
	ErrUnknownCA = errors.New("unknown CA")
	// ErrInvalidRequest is returned when a Request fails validation.
	ErrInvalidRequest = errors.New("invalid certificate request")
	// ErrMissingMaterial is returned by Init when the CA certificate or key is absent.
	ErrMissingMaterial = errors.New("CA signing material not found")

	// Revocation kinds.
	ErrNotFound    = errors.New("no valid certificate matches")
	ErrAmbiguous   = errors.New("more than one valid certificate matches")
	ErrToolFailure = errors.New("openssl failed")
)

// IssuanceError wraps any failure of CA.Issue. When it is returned the ledger
// and the serial counter are back to their state before the call.
type IssuanceError struct {
	CA         string
	CommonName string
	Cause      error
}

func (e *IssuanceError) Error() string {
	return fmt.Sprintf("issuing certificate for %q from %s: %v", e.CommonName, e.CA, e.Cause)
}

func (e *IssuanceError) Unwrap() error { return e.Cause }

// RevocationError reports a failed revocation. Kind is ErrNotFound,
// ErrAmbiguous or ErrToolFailure.
type RevocationError struct {
	CA     string
	Serial string
	Kind   error
	Cause  error
}

func (e *RevocationError) Error() string {
	id := e.Serial
	if id == "" {
		id = "(none)"
	}
	msg := fmt.Sprintf("revoking %s on %s: %v", id, e.CA, e.Kind)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RevocationError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// CRLError reports a failed CRL generation. It always matches ErrToolFailure.
type CRLError struct {
	CA    string
	Cause error
}

func (e *CRLError) Error() string {
	return fmt.Sprintf("generating CRL for %s: %v", e.CA, e.Cause)
}

func (e *CRLError) Unwrap() []error { return []error{ErrToolFailure, e.Cause} }
