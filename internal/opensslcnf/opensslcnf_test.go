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

package opensslcnf_test

import (
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tvaughan/pkiops/internal/opensslcnf"
)

const sampleConfig = `
# Global settings
HOME     = .
base_dir = /srv/pki   # trailing comment
.include extra.cnf

[ RootCA ]
dir              = $base_dir/root
certificate      = $dir/cacert.pem
private_key      = $dir/private/cakey.pem
database         = $dir/index.txt
serial           = ${dir}/serial
new_certs_dir    = $dir/newcerts
default_days     = 3650
countryName_default = BE

[ IntermCA ]
dir              = interm
certificate      = $dir/cacert.pem
private_key      = $dir/private/cakey.pem
database         = $dir/index.txt
crl_dir          = $RootCA::dir/crl
server_extensions = tls_server

[ req ]
distinguished_name = req_dn

[ req_dn ]
countryName_default            = NL
stateOrProvinceName_default    = Noord-Holland
localityName_default           = Amsterdam
0.organizationName_default     = "Example # Org"
organizationalUnitName_default = Ops \
Team
`

var _ = Describe("Parse", func() {
	var (
		tmpDir string
		cfg    string
	)

	write := func(body string) string {
		path := filepath.Join(tmpDir, "openssl.cnf")
		Expect(os.WriteFile(path, []byte(body), 0644)).To(Succeed())
		return path
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "pkiops-cnf-test")
		Expect(err).NotTo(HaveOccurred())
		cfg = write(sampleConfig)
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	It("returns CAs in the requested order", func() {
		cas, _, err := opensslcnf.Parse(cfg, []string{"IntermCA", "RootCA"})
		Expect(err).NotTo(HaveOccurred())
		Expect(cas).To(HaveLen(2))
		Expect(cas[0].Name).To(Equal("IntermCA"))
		Expect(cas[1].Name).To(Equal("RootCA"))

		cas, _, err = opensslcnf.Parse(cfg, []string{"RootCA", "IntermCA"})
		Expect(err).NotTo(HaveOccurred())
		Expect(cas[0].Name).To(Equal("RootCA"))
		Expect(cas[1].Name).To(Equal("IntermCA"))
	})

	It("expands variables and fills in the directory layout", func() {
		cas, _, err := opensslcnf.Parse(cfg, []string{"RootCA"})
		Expect(err).NotTo(HaveOccurred())
		root := cas[0]
		Expect(root.Dir).To(Equal("/srv/pki/root"))
		Expect(root.Certificate).To(Equal("/srv/pki/root/cacert.pem"))
		Expect(root.PrivateKey).To(Equal("/srv/pki/root/private/cakey.pem"))
		Expect(root.Database).To(Equal("/srv/pki/root/index.txt"))
		Expect(root.Serial).To(Equal("/srv/pki/root/serial"))
		Expect(root.CRLNumber).To(Equal("/srv/pki/root/crlnumber"))
		Expect(root.NewCertsDir).To(Equal("/srv/pki/root/newcerts"))
		Expect(root.CRLDir).To(Equal("/srv/pki/root/crl"))
		Expect(root.DefaultDays).To(Equal(3650))
		Expect(root.ClientExtensions).To(Equal("usr_cert"))
		Expect(root.ServerExtensions).To(Equal("server_cert"))
		Expect(root.ConfigFile).To(Equal(cfg))
		Expect(root.ConfigDir).To(Equal(tmpDir))
		Expect(root.IssuedDir()).To(Equal("/srv/pki/root/issued"))
		Expect(root.NewCertPath("0a")).To(Equal("/srv/pki/root/newcerts/0A.pem"))
	})

	It("resolves relative paths against the config directory", func() {
		cas, _, err := opensslcnf.Parse(cfg, []string{"IntermCA"})
		Expect(err).NotTo(HaveOccurred())
		interm := cas[0]
		Expect(interm.Dir).To(Equal(filepath.Join(tmpDir, "interm")))
		Expect(interm.Certificate).To(Equal(filepath.Join(tmpDir, "interm", "cacert.pem")))
		Expect(interm.NewCertsDir).To(Equal(filepath.Join(tmpDir, "interm", "newcerts")))
		Expect(interm.CRLDir).To(Equal("/srv/pki/root/crl"))
		Expect(interm.DefaultDays).To(Equal(opensslcnf.DefaultDays))
		Expect(interm.ServerExtensions).To(Equal("tls_server"))
	})

	It("reads the shared default subject from the req distinguished_name section", func() {
		_, defaults, err := opensslcnf.Parse(cfg, []string{"RootCA"})
		Expect(err).NotTo(HaveOccurred())
		Expect(defaults).To(Equal(opensslcnf.Subject{
			Country:            "NL",
			State:              "Noord-Holland",
			Locality:           "Amsterdam",
			Organisation:       "Example # Org",
			OrganisationalUnit: "Ops Team",
		}))
	})

	It("prefers a CA's own subject defaults over the shared ones", func() {
		cas, _, err := opensslcnf.Parse(cfg, []string{"RootCA", "IntermCA"})
		Expect(err).NotTo(HaveOccurred())
		Expect(cas[0].Defaults.Country).To(Equal("BE"))
		Expect(cas[0].Defaults.Locality).To(Equal("Amsterdam"))
		Expect(cas[1].Defaults.Country).To(Equal("NL"))
	})

	It("fails with MissingCA for an unknown section", func() {
		cas, _, err := opensslcnf.Parse(cfg, []string{"RootCA", "NoSuchCA"})
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, opensslcnf.ErrMissingCA)).To(BeTrue())
		Expect(cas).To(BeNil())

		var cfgErr *opensslcnf.ConfigError
		Expect(errors.As(err, &cfgErr)).To(BeTrue())
		Expect(cfgErr.Section).To(Equal("NoSuchCA"))
	})

	It("fails when the file cannot be read", func() {
		_, _, err := opensslcnf.Parse(filepath.Join(tmpDir, "missing.cnf"), []string{"RootCA"})
		Expect(errors.Is(err, opensslcnf.ErrParseFailure)).To(BeTrue())
	})

	DescribeTable("malformed syntax",
		func(body string, line int) {
			_, _, err := opensslcnf.Parse(write(body), []string{"RootCA"})
			Expect(errors.Is(err, opensslcnf.ErrParseFailure)).To(BeTrue())
			var cfgErr *opensslcnf.ConfigError
			Expect(errors.As(err, &cfgErr)).To(BeTrue())
			Expect(cfgErr.Line).To(Equal(line))
		},
		Entry("unterminated section header", "a = b\n[ RootCA\n", 2),
		Entry("empty section name", "[ ]\n", 1),
		Entry("line without assignment", "[ RootCA ]\njust words\n", 2),
		Entry("empty key", "[ RootCA ]\n = value\n", 2),
		Entry("undefined variable", "[ RootCA ]\ndir = $nowhere/ca\n", 2),
		Entry("undefined section variable", "[ RootCA ]\ndir = ${Other::dir}\n", 2),
		Entry("unterminated brace", "x = 1\n[ RootCA ]\ndir = ${x\n", 3),
		Entry("unterminated quote", "[ RootCA ]\ndir = \"/srv\n", 2),
	)

	It("treats an incomplete CA section as a parse failure", func() {
		path := write("[ RootCA ]\ndir = /srv\ncertificate = $dir/ca.pem\n")
		_, _, err := opensslcnf.Parse(path, []string{"RootCA"})
		Expect(errors.Is(err, opensslcnf.ErrParseFailure)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("private_key"))
	})

	It("rejects a non-numeric default_days", func() {
		path := write("[ RootCA ]\ncertificate = c\nprivate_key = k\ndatabase = d\ndefault_days = soon\n")
		_, _, err := opensslcnf.Parse(path, []string{"RootCA"})
		Expect(errors.Is(err, opensslcnf.ErrParseFailure)).To(BeTrue())
	})

	It("falls back to the global section for absent keys", func() {
		path := write("certificate = /g/ca.pem\nprivate_key = /g/ca.key\n[ RootCA ]\ndatabase = /r/index.txt\n")
		cas, _, err := opensslcnf.Parse(path, []string{"RootCA"})
		Expect(err).NotTo(HaveOccurred())
		Expect(cas[0].Certificate).To(Equal("/g/ca.pem"))
		Expect(cas[0].Database).To(Equal("/r/index.txt"))
		Expect(cas[0].Dir).To(Equal(tmpDir))
	})

	It("resolves the ENV section from the process environment", func() {
		os.Setenv("PKIOPS_CNF_ROOT", "/srv/env-pki")
		DeferCleanup(os.Unsetenv, "PKIOPS_CNF_ROOT")

		path := write("[ RootCA ]\ndir = $ENV::PKIOPS_CNF_ROOT/root\ncertificate = ${ENV::PKIOPS_CNF_ROOT}/ca.pem\nprivate_key = k\ndatabase = d\n")
		cas, _, err := opensslcnf.Parse(path, []string{"RootCA"})
		Expect(err).NotTo(HaveOccurred())
		Expect(cas[0].Dir).To(Equal("/srv/env-pki/root"))
		Expect(cas[0].Certificate).To(Equal("/srv/env-pki/ca.pem"))
	})

	It("fails for an unset environment variable", func() {
		os.Unsetenv("PKIOPS_CNF_UNSET")
		path := write("[ RootCA ]\ndir = $ENV::PKIOPS_CNF_UNSET/root\n")
		_, _, err := opensslcnf.Parse(path, []string{"RootCA"})
		Expect(errors.Is(err, opensslcnf.ErrParseFailure)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("ENV::PKIOPS_CNF_UNSET"))
	})

	It("reads the CRL validity and unique_subject", func() {
		path := write("[ RootCA ]\ncertificate = c\nprivate_key = k\ndatabase = d\ndefault_crl_days = 7\ndefault_crl_hours = 12\nunique_subject = no\n")
		cas, _, err := opensslcnf.Parse(path, []string{"RootCA"})
		Expect(err).NotTo(HaveOccurred())
		Expect(cas[0].CRLDays).To(Equal(7))
		Expect(cas[0].CRLHours).To(Equal(12))
		Expect(cas[0].UniqueSubject).To(BeFalse())
	})

	It("leaves the CRL validity unset and subjects unique by default", func() {
		cas, _, err := opensslcnf.Parse(cfg, []string{"RootCA"})
		Expect(err).NotTo(HaveOccurred())
		Expect(cas[0].CRLDays).To(BeZero())
		Expect(cas[0].CRLHours).To(BeZero())
		Expect(cas[0].UniqueSubject).To(BeTrue())
	})

	It("rejects a negative default_crl_days", func() {
		path := write("[ RootCA ]\ncertificate = c\nprivate_key = k\ndatabase = d\ndefault_crl_days = -1\n")
		_, _, err := opensslcnf.Parse(path, []string{"RootCA"})
		Expect(errors.Is(err, opensslcnf.ErrParseFailure)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("default_crl_days"))
	})

	It("keeps escaped dollars literal", func() {
		path := write("[ RootCA ]\ndir = /srv/\\$x\ncertificate = c\nprivate_key = k\ndatabase = d\n")
		cas, _, err := opensslcnf.Parse(path, []string{"RootCA"})
		Expect(err).NotTo(HaveOccurred())
		Expect(cas[0].Dir).To(Equal("/srv/$x"))
	})
})

var _ = Describe("Subject", func() {
	It("renders a slash separated DN and skips empty fields", func() {
		s := opensslcnf.Subject{
			Country:      "BE",
			Organisation: "Acme/Widgets",
			CommonName:   "example.org",
			Email:        "ops@example.org",
		}
		Expect(s.DN()).To(Equal(`/C=BE/O=Acme\/Widgets/CN=example.org/emailAddress=ops@example.org`))
	})

	It("renders nothing for an empty subject", func() {
		Expect(opensslcnf.Subject{}.DN()).To(BeEmpty())
	})
})

var _ = DescribeTable("ParseYesNo",
	func(in string, fallback, want bool) {
		Expect(opensslcnf.ParseYesNo(in, fallback)).To(Equal(want))
	},
	Entry("yes", "yes", false, true),
	Entry("no", "no", true, false),
	Entry("true", "TRUE", false, true),
	Entry("zero", "0", true, false),
	Entry("empty", "", true, true),
	Entry("unrecognised", "maybe", false, false),
)
