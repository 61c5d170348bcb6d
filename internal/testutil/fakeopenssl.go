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
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ocsp"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/tvaughan/pkiops/internal/opensslcnf"
	"github.com/tvaughan/pkiops/internal/runner"
	"github.com/tvaughan/pkiops/internal/storage"
)

// Operation names reported to FakeOpenSSL.Fail.
const (
	OpReq    = "req"
	OpSign   = "sign"
	OpRevoke = "revoke"
	OpGenCRL = "gencrl"
	OpCRL    = "crl"
	OpPKCS12 = "pkcs12"
	OpOCSP   = "ocsp"
)

var oidEmailAddress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}

// FakeOpenSSL implements runner.Runner by performing in Go the subset of
// openssl subcommands pkiops uses, against the same files and with the same
// prompts. It is safe for concurrent use.
type FakeOpenSSL struct {
	// Fail is consulted before each operation with its name and how many
	// times it has been invoked, counting this call. A non-nil error makes the
	// command exit with status 1 and the error text as output.
	Fail func(op string, n int) error

	// Now replaces time.Now for validity and revocation dates.
	Now func() time.Time

	mu     sync.Mutex
	counts map[string]int
	calls  []runner.Command
}

func NewFakeOpenSSL() *FakeOpenSSL {
	return &FakeOpenSSL{counts: make(map[string]int)}
}

// Calls returns every command received so far.
func (f *FakeOpenSSL) Calls() []runner.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runner.Command(nil), f.calls...)
}

// Count reports how many times op has been invoked.
func (f *FakeOpenSSL) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[op]
}

func (f *FakeOpenSSL) now() time.Time {
	if f.Now != nil {
		return f.Now().UTC().Truncate(time.Second)
	}
	return time.Now().UTC().Truncate(time.Second)
}

func (f *FakeOpenSSL) Run(ctx context.Context, cmd runner.Command) (runner.Result, error) {
	return f.RunInteractive(ctx, cmd, nil)
}

func (f *FakeOpenSSL) RunInteractive(_ context.Context, cmd runner.Command, script []runner.Interaction) (runner.Result, error) {
	s := &session{script: script, dir: cmd.Dir}
	if len(cmd.Args) == 0 {
		return s.finish(cmd, errors.New("no subcommand"))
	}
	s.parseArgs(cmd.Args[1:])

	op := cmd.Args[0]
	if op == "ca" {
		switch {
		case s.bools["-revoke"] || s.flags["-revoke"] != "":
			op = OpRevoke
		case s.bools["-gencrl"]:
			op = OpGenCRL
		default:
			op = OpSign
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.counts[op]++
	n := f.counts[op]
	f.mu.Unlock()

	if f.Fail != nil {
		if err := f.Fail(op, n); err != nil {
			return s.finish(cmd, err)
		}
	}

	var err error
	switch op {
	case OpReq:
		err = f.req(s)
	case OpSign:
		err = f.sign(s)
	case OpRevoke:
		err = f.revoke(s)
	case OpGenCRL:
		err = f.gencrl(s)
	case OpCRL:
		err = f.crl(s)
	case OpPKCS12:
		err = f.pkcs12(s)
	case OpOCSP:
		err = f.ocsp(s)
	default:
		err = fmt.Errorf("Invalid command '%s'", op)
	}
	return s.finish(cmd, err)
}

// session is the state of one fake invocation.
type session struct {
	script []runner.Interaction
	next   int
	out    bytes.Buffer
	dir    string
	flags  map[string]string
	bools  map[string]bool
}

var booleanFlags = map[string]bool{
	"-new": true, "-batch": true, "-notext": true, "-gencrl": true,
	"-noout": true, "-text": true, "-export": true, "-nodes": true,
}

func (s *session) parseArgs(args []string) {
	s.flags = map[string]string{}
	s.bools = map[string]bool{}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if booleanFlags[a] || i+1 >= len(args) {
			s.bools[a] = true
			continue
		}
		s.flags[a] = args[i+1]
		i++
	}
}

func (s *session) path(flag string) (string, error) {
	p := s.flags[flag]
	if p == "" {
		return "", fmt.Errorf("missing %s", flag)
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.dir, p)
	}
	return p, nil
}

// ask prints prompt and consumes the next scripted answer. A script whose
// next prompt does not match would leave the real process waiting forever,
// which the runner reports as a prompt mismatch.
func (s *session) ask(prompt string) (string, error) {
	s.out.WriteString(prompt)
	if s.next >= len(s.script) {
		return "", errors.New("bad password read")
	}
	step := s.script[s.next]
	if !strings.Contains(prompt, step.Prompt) {
		return "", &runner.InteractionError{Prompt: step.Prompt, Output: bytes.Clone(s.out.Bytes())}
	}
	s.next++
	s.out.WriteString("\n")
	return step.Response, nil
}

func (s *session) finish(cmd runner.Command, err error) (runner.Result, error) {
	var ie *runner.InteractionError
	if errors.As(err, &ie) {
		return runner.Result{Output: ie.Output, ExitCode: -1}, ie
	}
	if err != nil {
		s.out.WriteString(err.Error() + "\n")
		out := bytes.Clone(s.out.Bytes())
		return runner.Result{Output: out, ExitCode: 1}, &runner.ProcessError{Command: cmd.String(), Code: 1, Output: out}
	}
	out := bytes.Clone(s.out.Bytes())
	if s.next < len(s.script) {
		return runner.Result{Output: out}, &runner.InteractionError{Prompt: s.script[s.next].Prompt, Output: out}
	}
	return runner.Result{Output: out}, nil
}

// loadKey reads a PEM RSA key, asking for its pass phrase when encrypted.
func (s *session) loadKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Could not open file or uri for loading private key from %s", path)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("Could not read private key from %s", path)
	}
	der := block.Bytes
	//lint:ignore SA1019 openssl still reads and writes legacy PEM encryption.
	if x509.IsEncryptedPEMBlock(block) {
		pass, err := s.ask("Enter pass phrase for " + path + ":")
		if err != nil {
			return nil, err
		}
		//lint:ignore SA1019 see above.
		if der, err = x509.DecryptPEMBlock(block, []byte(pass)); err != nil {
			return nil, fmt.Errorf("Could not read private key from %s: bad decrypt", path)
		}
	}
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("Could not read private key from %s: bad decrypt", path)
	}
	rk, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s is not an RSA key", path)
	}
	return rk, nil
}

func readCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Could not open file or uri for loading certificate from %s", path)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("Could not find certificate from %s", path)
	}
	return x509.ParseCertificate(block.Bytes)
}

func writePEM(path, typ string, der []byte, perm os.FileMode) error {
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), perm)
}

// hexSerial formats n as openssl does: upper case with an even digit count.
func hexSerial(n *big.Int) string {
	h := strings.ToUpper(n.Text(16))
	if len(h)%2 == 1 {
		h = "0" + h
	}
	return h
}

func readHexCounter(path string) (*big.Int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to load number from %s", path)
	}
	n, ok := new(big.Int).SetString(strings.TrimSpace(string(data)), 16)
	if !ok {
		return nil, fmt.Errorf("error while loading serial number from %s", path)
	}
	return n, nil
}

func (f *FakeOpenSSL) req(s *session) error {
	bits := 2048
	if spec := s.flags["-newkey"]; spec != "" {
		alg, size, _ := strings.Cut(spec, ":")
		if alg != "rsa" {
			return fmt.Errorf("unsupported key type %s", alg)
		}
		var err error
		if bits, err = strconv.Atoi(size); err != nil {
			return fmt.Errorf("invalid key size %s", size)
		}
	}
	keyPath, err := s.path("-keyout")
	if err != nil {
		return err
	}
	csrPath, err := s.path("-out")
	if err != nil {
		return err
	}
	subject, err := parseDN(s.flags["-subj"])
	if err != nil {
		return err
	}

	s.out.WriteString("-----\n")
	pass, err := s.ask("Enter PEM pass phrase:")
	if err != nil {
		return err
	}
	verify, err := s.ask("Verifying - Enter PEM pass phrase:")
	if err != nil {
		return err
	}
	if pass != verify {
		return errors.New("Verify failure")
	}
	if len(pass) < 4 {
		return errors.New("You must type in 4 to 1024 characters")
	}

	key, err := TestKey(bits)
	if err != nil {
		return err
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{Subject: subject}, key)
	if err != nil {
		return err
	}
	//lint:ignore SA1019 openssl still reads and writes legacy PEM encryption.
	enc, err := x509.EncryptPEMBlock(rand.Reader, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), []byte(pass), x509.PEMCipherAES256)
	if err != nil {
		return err
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(enc), 0600); err != nil {
		return err
	}
	return writePEM(csrPath, "CERTIFICATE REQUEST", csrDER, 0644)
}

// authority is a CA section loaded the way "openssl ca" loads it.
type authority struct {
	cfg    opensslcnf.CA
	cert   *x509.Certificate
	key    *rsa.PrivateKey
	unique bool
}

func (s *session) loadAuthority() (*authority, error) {
	cnf, err := s.path("-config")
	if err != nil {
		return nil, err
	}
	s.out.WriteString("Using configuration from " + cnf + "\n")
	name := s.flags["-name"]
	if name == "" {
		return nil, errors.New("no default CA given with -name")
	}
	cas, _, err := opensslcnf.Parse(cnf, []string{name})
	if err != nil {
		return nil, err
	}
	a := &authority{cfg: cas[0], unique: cas[0].UniqueSubject}
	// The attribute file overrides the configuration.
	if data, err := os.ReadFile(a.cfg.Database + ".attr"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if k, v, ok := strings.Cut(line, "="); ok && strings.TrimSpace(k) == "unique_subject" {
				a.unique = opensslcnf.ParseYesNo(v, a.unique)
			}
		}
	}
	if a.key, err = s.loadKey(a.cfg.PrivateKey); err != nil {
		return nil, err
	}
	if a.cert, err = readCertificate(a.cfg.Certificate); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *authority) entries() ([]storage.Entry, error) {
	data, err := os.ReadFile(a.cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("unable to open '%s'", a.cfg.Database)
	}
	return storage.ParseIndex(data)
}

func (a *authority) writeEntries(entries []storage.Entry) error {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Line())
		b.WriteString("\n")
	}
	if err := os.WriteFile(a.cfg.Database, []byte(b.String()), 0644); err != nil {
		return err
	}
	attr := "unique_subject = no\n"
	if a.unique {
		attr = "unique_subject = yes\n"
	}
	return os.WriteFile(a.cfg.Database+".attr", []byte(attr), 0644)
}

func (f *FakeOpenSSL) sign(s *session) error {
	a, err := s.loadAuthority()
	if err != nil {
		return err
	}
	in, err := s.path("-in")
	if err != nil {
		return err
	}
	out, err := s.path("-out")
	if err != nil {
		return err
	}

	data, err := os.ReadFile(in)
	if err != nil {
		return fmt.Errorf("Could not open file or uri for loading certificate request from %s", in)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return errors.New("unable to load certificate request")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return err
	}
	s.out.WriteString("Check that the request matches the signature\n")
	if err := csr.CheckSignature(); err != nil {
		return errors.New("Signature did not match the certificate request")
	}
	s.out.WriteString("Signature ok\n")

	days := a.cfg.DefaultDays
	if v := s.flags["-days"]; v != "" {
		if days, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("invalid -days %s", v)
		}
	}

	serial, err := readHexCounter(a.cfg.Serial)
	if err != nil {
		return err
	}
	entries, err := a.entries()
	if err != nil {
		return err
	}
	subject := dnString(csr.Subject)
	if a.unique {
		for _, e := range entries {
			if e.Status == storage.StatusValid && e.Subject == subject {
				return fmt.Errorf("ERROR:There is already a certificate for %s", subject)
			}
		}
	}

	usage := x509.ExtKeyUsageClientAuth
	if strings.Contains(s.flags["-extensions"], "server") {
		usage = x509.ExtKeyUsageServerAuth
	}
	now := f.now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		NotBefore:    now,
		NotAfter:     now.AddDate(0, 0, days),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.cert, csr.PublicKey, a.key)
	if err != nil {
		return err
	}

	name := hexSerial(serial)
	if err := os.MkdirAll(a.cfg.NewCertsDir, 0750); err != nil {
		return err
	}
	if err := writePEM(a.cfg.NewCertPath(name), "CERTIFICATE", der, 0644); err != nil {
		return err
	}
	if err := writePEM(out, "CERTIFICATE", der, 0644); err != nil {
		return err
	}

	entries = append(entries, storage.Entry{
		Status:   storage.StatusValid,
		Expires:  tmpl.NotAfter,
		Serial:   name,
		Filename: "unknown",
		Subject:  subject,
	})
	if err := a.writeEntries(entries); err != nil {
		return err
	}
	next := new(big.Int).Add(serial, big.NewInt(1))
	if err := os.WriteFile(a.cfg.Serial, []byte(hexSerial(next)+"\n"), 0644); err != nil {
		return err
	}
	s.out.WriteString("Write out database with 1 new entries\nData Base Updated\n")
	return nil
}

func (f *FakeOpenSSL) revoke(s *session) error {
	a, err := s.loadAuthority()
	if err != nil {
		return err
	}
	path, err := s.path("-revoke")
	if err != nil {
		return err
	}
	cert, err := readCertificate(path)
	if err != nil {
		return err
	}
	serial := hexSerial(cert.SerialNumber)

	entries, err := a.entries()
	if err != nil {
		return err
	}
	for i, e := range entries {
		if !storage.SameSerial(e.Serial, serial) {
			continue
		}
		if e.Status == storage.StatusRevoked {
			return fmt.Errorf("ERROR:Already revoked, serial number %s", serial)
		}
		entries[i].Status = storage.StatusRevoked
		entries[i].Revoked = f.now()
		if err := a.writeEntries(entries); err != nil {
			return err
		}
		s.out.WriteString("Revoking Certificate " + serial + ".\nData Base Updated\n")
		return nil
	}
	return fmt.Errorf("ERROR:name does not match %s", dnString(cert.Subject))
}

func (f *FakeOpenSSL) gencrl(s *session) error {
	a, err := s.loadAuthority()
	if err != nil {
		return err
	}
	out, err := s.path("-out")
	if err != nil {
		return err
	}
	entries, err := a.entries()
	if err != nil {
		return err
	}
	number, err := readHexCounter(a.cfg.CRLNumber)
	if err != nil {
		return err
	}
	// Command line periods replace the configured ones entirely.
	days, hours := a.cfg.CRLDays, a.cfg.CRLHours
	if s.flags["-crldays"] != "" || s.flags["-crlhours"] != "" {
		days, hours = 0, 0
		for flag, dst := range map[string]*int{"-crldays": &days, "-crlhours": &hours} {
			if v := s.flags[flag]; v != "" {
				if *dst, err = strconv.Atoi(v); err != nil {
					return fmt.Errorf("invalid %s %s", flag, v)
				}
			}
		}
	}
	if days == 0 && hours == 0 {
		return errors.New("cannot lookup how long until the next CRL is issued")
	}

	var revoked []x509.RevocationListEntry
	for _, e := range entries {
		if e.Status != storage.StatusRevoked {
			continue
		}
		n, ok := new(big.Int).SetString(e.Serial, 16)
		if !ok {
			return fmt.Errorf("bad serial %s in database", e.Serial)
		}
		revoked = append(revoked, x509.RevocationListEntry{SerialNumber: n, RevocationTime: e.Revoked})
	}

	now := f.now()
	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    number,
		ThisUpdate:                now,
		NextUpdate:                now.AddDate(0, 0, days).Add(time.Duration(hours) * time.Hour),
		RevokedCertificateEntries: revoked,
	}, a.cert, a.key)
	if err != nil {
		return err
	}
	if err := writePEM(out, "X509 CRL", der, 0644); err != nil {
		return err
	}
	next := new(big.Int).Add(number, big.NewInt(1))
	return os.WriteFile(a.cfg.CRLNumber, []byte(hexSerial(next)+"\n"), 0644)
}

func (f *FakeOpenSSL) crl(s *session) error {
	in, err := s.path("-in")
	if err != nil {
		return err
	}
	data, err := os.ReadFile(in)
	if err != nil {
		return fmt.Errorf("Could not open file or uri for loading CRL from %s", in)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return errors.New("unable to load CRL")
	}
	list, err := x509.ParseRevocationList(block.Bytes)
	if err != nil {
		return err
	}
	if !s.bools["-text"] {
		return nil
	}

	const layout = "Jan _2 15:04:05 2006 GMT"
	fmt.Fprintf(&s.out, "Certificate Revocation List (CRL):\n")
	fmt.Fprintf(&s.out, "        Version 2 (0x1)\n")
	fmt.Fprintf(&s.out, "        Issuer: %s\n", list.Issuer)
	fmt.Fprintf(&s.out, "        Last Update: %s\n", list.ThisUpdate.UTC().Format(layout))
	fmt.Fprintf(&s.out, "        Next Update: %s\n", list.NextUpdate.UTC().Format(layout))
	if list.Number != nil {
		fmt.Fprintf(&s.out, "        X509v3 CRL Number: %s\n", list.Number)
	}
	if len(list.RevokedCertificateEntries) == 0 {
		s.out.WriteString("No Revoked Certificates.\n")
		return nil
	}
	s.out.WriteString("Revoked Certificates:\n")
	for _, e := range list.RevokedCertificateEntries {
		fmt.Fprintf(&s.out, "    Serial Number: %s\n", hexSerial(e.SerialNumber))
		fmt.Fprintf(&s.out, "        Revocation Date: %s\n", e.RevocationTime.UTC().Format(layout))
	}
	return nil
}

func (f *FakeOpenSSL) pkcs12(s *session) error {
	certPath, err := s.path("-in")
	if err != nil {
		return err
	}
	keyPath, err := s.path("-inkey")
	if err != nil {
		return err
	}
	out, err := s.path("-out")
	if err != nil {
		return err
	}
	cert, err := readCertificate(certPath)
	if err != nil {
		return err
	}
	var chain []*x509.Certificate
	if s.flags["-certfile"] != "" {
		p, _ := s.path("-certfile")
		ca, err := readCertificate(p)
		if err != nil {
			return err
		}
		chain = append(chain, ca)
	}
	key, err := s.loadKey(keyPath)
	if err != nil {
		return err
	}
	if !key.PublicKey.Equal(cert.PublicKey) {
		return errors.New("No certificate matches private key")
	}

	pass, err := s.ask("Enter Export Password:")
	if err != nil {
		return err
	}
	verify, err := s.ask("Verifying - Enter Export Password:")
	if err != nil {
		return err
	}
	if pass != verify {
		return errors.New("Verify failure")
	}

	data, err := pkcs12.Modern.Encode(key, cert, chain, pass)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0600)
}

func (f *FakeOpenSSL) ocsp(s *session) error {
	index, err := s.path("-index")
	if err != nil {
		return err
	}
	caPath, err := s.path("-CA")
	if err != nil {
		return err
	}
	signerPath, err := s.path("-rsigner")
	if err != nil {
		return err
	}
	keyPath, err := s.path("-rkey")
	if err != nil {
		return err
	}
	reqPath, err := s.path("-reqin")
	if err != nil {
		return err
	}
	respPath, err := s.path("-respout")
	if err != nil {
		return err
	}

	issuer, err := readCertificate(caPath)
	if err != nil {
		return err
	}
	signer, err := readCertificate(signerPath)
	if err != nil {
		return err
	}
	key, err := s.loadKey(keyPath)
	if err != nil {
		return err
	}
	reqDER, err := os.ReadFile(reqPath)
	if err != nil {
		return err
	}
	req, err := ocsp.ParseRequest(reqDER)
	if err != nil {
		return fmt.Errorf("Error parsing OCSP request: %v", err)
	}
	data, err := os.ReadFile(index)
	if err != nil {
		return err
	}
	entries, err := storage.ParseIndex(data)
	if err != nil {
		return err
	}

	days := 1
	if v := s.flags["-ndays"]; v != "" {
		if days, err = strconv.Atoi(v); err != nil {
			return err
		}
	}
	now := f.now()
	template := ocsp.Response{
		Status:       ocsp.Unknown,
		SerialNumber: req.SerialNumber,
		ThisUpdate:   now,
		NextUpdate:   now.AddDate(0, 0, days),
	}
	for _, e := range entries {
		if !storage.SameSerial(e.Serial, hexSerial(req.SerialNumber)) {
			continue
		}
		if e.Status == storage.StatusRevoked {
			template.Status = ocsp.Revoked
			template.RevokedAt = e.Revoked
		} else {
			template.Status = ocsp.Good
		}
	}

	respDER, err := ocsp.CreateResponse(issuer, signer, template, key)
	if err != nil {
		return err
	}
	return os.WriteFile(respPath, respDER, 0644)
}

// parseDN decodes the "/K=V/K=V" form accepted by "openssl req -subj".
func parseDN(dn string) (pkix.Name, error) {
	var name pkix.Name
	if !strings.HasPrefix(dn, "/") {
		return name, fmt.Errorf("name is expected to be in the format /type0=value0/type1=value1/type2=...")
	}
	var (
		parts []string
		cur   strings.Builder
	)
	for i := 1; i < len(dn); i++ {
		switch c := dn[i]; {
		case c == '\\' && i+1 < len(dn):
			i++
			cur.WriteByte(dn[i])
		case c == '/':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	parts = append(parts, cur.String())

	for _, p := range parts {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return name, fmt.Errorf("Hit end of string before finding the '=' in %q", p)
		}
		switch k {
		case "C":
			name.Country = append(name.Country, v)
		case "ST":
			name.Province = append(name.Province, v)
		case "L":
			name.Locality = append(name.Locality, v)
		case "O":
			name.Organization = append(name.Organization, v)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, v)
		case "CN":
			name.CommonName = v
		case "emailAddress":
			name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{Type: oidEmailAddress, Value: v})
		default:
			return name, fmt.Errorf("Skipping unknown attribute %q", k)
		}
	}
	return name, nil
}

// dnString renders a name the way openssl writes it into index.txt.
func dnString(n pkix.Name) string {
	var b strings.Builder
	add := func(k string, vals ...string) {
		for _, v := range vals {
			b.WriteString("/" + k + "=" + v)
		}
	}
	add("C", n.Country...)
	add("ST", n.Province...)
	add("L", n.Locality...)
	add("O", n.Organization...)
	add("OU", n.OrganizationalUnit...)
	if n.CommonName != "" {
		add("CN", n.CommonName)
	}
	for _, atv := range n.Names {
		if atv.Type.Equal(oidEmailAddress) {
			add("emailAddress", fmt.Sprint(atv.Value))
		}
	}
	return b.String()
}
