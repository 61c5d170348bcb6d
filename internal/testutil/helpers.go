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

package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// CAPassword is the pass phrase protecting the keys WriteHierarchy creates.
const CAPassword = "p@ss1234"

var (
	keyCacheMu sync.Mutex
	keyCache   = map[int]*rsa.PrivateKey{}
	caCache    = map[string][2][]byte{}
)

// TestKey returns an RSA key of the given size, generating it at most once
// per process.
func TestKey(bits int) (*rsa.PrivateKey, error) {
	keyCacheMu.Lock()
	defer keyCacheMu.Unlock()
	if k, ok := keyCache[bits]; ok {
		return k, nil
	}
	k, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	keyCache[bits] = k
	return k, nil
}

// GenerateTestCA generates a lighter-weight CA (2048-bit) for testing purposes.
// Returns the PEM-encoded key and certificate.
func GenerateTestCA(commonName string) ([]byte, []byte, error) {
	// 2048 instead of 4096 for speed
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, _ := rand.Int(rand.Reader, serialNumberLimit)

	pubBytes, _ := asn1.Marshal(key.PublicKey)
	subjectKeyID := sha1.Sum(pubBytes)

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"pkiops Test"},
			Country:      []string{"BE"},
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          subjectKeyID[:],
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certBytes})
	return keyPEM, certPEM, nil
}

// cachedTestCA returns the same CA material for a name for the life of the
// process.
func cachedTestCA(name string) ([]byte, []byte, error) {
	keyCacheMu.Lock()
	defer keyCacheMu.Unlock()
	if pair, ok := caCache[name]; ok {
		return pair[0], pair[1], nil
	}
	keyPEM, certPEM, err := GenerateTestCA(name)
	if err != nil {
		return nil, nil, err
	}
	caCache[name] = [2][]byte{keyPEM, certPEM}
	return keyPEM, certPEM, nil
}

// EncryptKeyPEM re-encodes a PEM private key the way "openssl genrsa -aes256"
// does, so that loading it prompts for password.
func EncryptKeyPEM(keyPEM []byte, password string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in key")
	}
	//lint:ignore SA1019 openssl still reads and writes legacy PEM encryption.
	enc, err := x509.EncryptPEMBlock(rand.Reader, block.Type, block.Bytes, []byte(password), x509.PEMCipherAES256)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(enc), nil
}

// Hierarchy describes the files WriteHierarchy created.
type Hierarchy struct {
	ConfigPath string
	Names      []string
}

// WriteHierarchy lays out one openssl CA directory per name under root,
// each with a certificate and a key encrypted with CAPassword, and writes an
// openssl.cnf describing them. The database and counters are left for
// CA.Init to create.
func WriteHierarchy(root string, names ...string) (Hierarchy, error) {
	var cnf strings.Builder
	cnf.WriteString(`# pkiops test hierarchy
HOME = .

[ ca ]
default_ca = ` + names[0] + `
`)
	for i, name := range names {
		dir := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Join(dir, "private"), 0750); err != nil {
			return Hierarchy{}, err
		}
		keyPEM, certPEM, err := cachedTestCA(name)
		if err != nil {
			return Hierarchy{}, err
		}
		encKey, err := EncryptKeyPEM(keyPEM, CAPassword)
		if err != nil {
			return Hierarchy{}, err
		}
		if err := os.WriteFile(filepath.Join(dir, "private", "cakey.pem"), encKey, 0600); err != nil {
			return Hierarchy{}, err
		}
		if err := os.WriteFile(filepath.Join(dir, "cacert.pem"), certPEM, 0644); err != nil {
			return Hierarchy{}, err
		}

		fmt.Fprintf(&cnf, `
[ %s ]
dir           = ./%s
certificate   = $dir/cacert.pem
private_key   = $dir/private/cakey.pem
database      = $dir/index.txt
serial        = $dir/serial
crlnumber     = $dir/crlnumber
new_certs_dir = $dir/newcerts
crl_dir       = $dir/crl
default_md    = sha256
policy        = policy_any
`, name, name)
		if i == 0 {
			cnf.WriteString("default_days  = 365\ncountryName_default = BE\n")
		} else {
			cnf.WriteString("default_days  = 730\n")
		}
	}
	cnf.WriteString(`
[ policy_any ]
commonName = supplied

[ req ]
distinguished_name = req_dn

[ req_dn ]
countryName_default            = BE
stateOrProvinceName_default    = Antwerpen
localityName_default           = Antwerpen
0.organizationName_default     = Example
organizationalUnitName_default = PKI

[ usr_cert ]
basicConstraints = CA:FALSE
extendedKeyUsage = clientAuth

[ server_cert ]
basicConstraints = CA:FALSE
extendedKeyUsage = serverAuth
`)
	path := filepath.Join(root, "openssl.cnf")
	if err := os.WriteFile(path, []byte(cnf.String()), 0644); err != nil {
		return Hierarchy{}, err
	}
	return Hierarchy{ConfigPath: path, Names: names}, nil
}
