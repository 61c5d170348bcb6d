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

package issuance_test

import (
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tvaughan/pkiops/internal/ca"
	"github.com/tvaughan/pkiops/internal/issuance"
	"github.com/tvaughan/pkiops/internal/opensslcnf"
)

var _ = Describe("ParseCSV", func() {
	defaults := opensslcnf.Subject{
		Country:            "BE",
		State:              "Antwerpen",
		Locality:           "Antwerpen",
		Organisation:       "Example",
		OrganisationalUnit: "PKI",
	}

	Context("server requests", func() {
		It("reads common name and validity and fills in the defaults", func() {
			reqs, err := issuance.ParseCSV("a.example.org,30\nb.example.org,60", ca.ServerCert, defaults, issuance.FieldMap{})
			Expect(err).NotTo(HaveOccurred())
			Expect(reqs).To(HaveLen(2))

			Expect(reqs[0].Type).To(Equal(ca.ServerCert))
			Expect(reqs[0].Subject.CommonName).To(Equal("a.example.org"))
			Expect(reqs[0].Days).To(Equal(30))
			Expect(reqs[1].Subject.CommonName).To(Equal("b.example.org"))
			Expect(reqs[1].Days).To(Equal(60))
			for _, r := range reqs {
				Expect(r.Subject.Country).To(Equal("BE"))
				Expect(r.Subject.Organisation).To(Equal("Example"))
				Expect(r.Subject.OrganisationalUnit).To(Equal("PKI"))
			}
		})

		It("skips blank lines and tolerates a trailing newline", func() {
			reqs, err := issuance.ParseCSV("a.example.org, 30\n\nb.example.org,60\n", ca.ServerCert, defaults, issuance.FieldMap{})
			Expect(err).NotTo(HaveOccurred())
			Expect(reqs).To(HaveLen(2))
			Expect(reqs[0].Days).To(Equal(30))
		})

		DescribeTable("rejects bad records",
			func(text, field string, line int) {
				_, err := issuance.ParseCSV(text, ca.ServerCert, defaults, issuance.FieldMap{})
				var fieldErr *issuance.CSVFieldError
				Expect(errors.As(err, &fieldErr)).To(BeTrue())
				Expect(fieldErr.Field).To(Equal(field))
				Expect(fieldErr.Line).To(Equal(line))
			},
			Entry("missing validity", "a.example.org,30\nb.example.org", "validity", 2),
			Entry("non-numeric validity", "a.example.org,thirty", "validity", 1),
			Entry("zero validity", "a.example.org,0", "validity", 1),
			Entry("empty common name", ",30", "commonname", 1),
			Entry("stray quote", "a\"b.example.org,30", "record", 1),
		)
	})

	Context("mapped requests", func() {
		fields := issuance.FieldMap{
			Country:            issuance.Literal("NL"),
			State:              issuance.Literal("Utrecht"),
			Locality:           issuance.Literal("Utrecht"),
			Organisation:       issuance.Literal("Example"),
			OrganisationalUnit: issuance.Column(2),
			CommonName:         issuance.Column(0),
			Email:              issuance.Column(1),
			Validity:           issuance.Literal("90"),
		}

		It("draws each field from a literal or a column", func() {
			reqs, err := issuance.ParseCSV("alice,alice@example.org,Sales\nbob,bob@example.org,Ops", ca.ClientCert, defaults, fields)
			Expect(err).NotTo(HaveOccurred())
			Expect(reqs).To(HaveLen(2))
			Expect(reqs[0]).To(Equal(ca.Request{
				Type: ca.ClientCert,
				Subject: opensslcnf.Subject{
					Country:            "NL",
					State:              "Utrecht",
					Locality:           "Utrecht",
					Organisation:       "Example",
					OrganisationalUnit: "Sales",
					CommonName:         "alice",
					Email:              "alice@example.org",
				},
				Days: 90,
			}))
			Expect(reqs[1].Subject.CommonName).To(Equal("bob"))
			Expect(reqs[1].Subject.OrganisationalUnit).To(Equal("Ops"))
		})

		It("reads the request id when configured", func() {
			withID := fields
			id := issuance.Column(3)
			withID.RequestID = &id
			reqs, err := issuance.ParseCSV("alice,alice@example.org,Sales,REQ-7", ca.ClientCert, defaults, withID)
			Expect(err).NotTo(HaveOccurred())
			Expect(reqs[0].RequestID).To(Equal("REQ-7"))
		})

		It("names the field whose column is missing", func() {
			_, err := issuance.ParseCSV("alice,alice@example.org,Sales\nbob,bob@example.org", ca.ClientCert, defaults, fields)
			var fieldErr *issuance.CSVFieldError
			Expect(errors.As(err, &fieldErr)).To(BeTrue())
			Expect(fieldErr.Field).To(Equal("organisationalunit"))
			Expect(fieldErr.Line).To(Equal(2))
		})
	})
})

var _ = Describe("LoadFieldMap", func() {
	var tmpDir string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "pkiops-fieldmap-test")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	write := func(content string) string {
		path := filepath.Join(tmpDir, "csr_defaults.yaml")
		Expect(os.WriteFile(path, []byte(content), 0644)).To(Succeed())
		return path
	}

	It("treats integers as columns and everything else as literals", func() {
		m, err := issuance.LoadFieldMap(write(`
country: BE
state: Antwerpen
locality: Antwerpen
organisation: Example
organisationalunit: "3"
commonname: 0
email: 1
validity: 2
request_id:
`))
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Country).To(Equal(issuance.Literal("BE")))
		Expect(m.OrganisationalUnit).To(Equal(issuance.Literal("3")))
		Expect(m.CommonName).To(Equal(issuance.Column(0)))
		Expect(m.Email).To(Equal(issuance.Column(1)))
		Expect(m.Validity).To(Equal(issuance.Column(2)))
		Expect(m.RequestID).To(BeNil())
	})

	It("reads an optional request id column", func() {
		m, err := issuance.LoadFieldMap(write("commonname: 0\nrequest_id: 4\n"))
		Expect(err).NotTo(HaveOccurred())
		Expect(m.RequestID).NotTo(BeNil())
		Expect(*m.RequestID).To(Equal(issuance.Column(4)))
	})

	It("rejects negative columns and nested values", func() {
		_, err := issuance.LoadFieldMap(write("commonname: -1\n"))
		Expect(err).To(HaveOccurred())
		_, err = issuance.LoadFieldMap(write("commonname: [0, 1]\n"))
		Expect(err).To(HaveOccurred())
	})

	It("fails for a missing file", func() {
		_, err := issuance.LoadFieldMap(filepath.Join(tmpDir, "absent.yaml"))
		Expect(errors.Is(err, os.ErrNotExist)).To(BeTrue())
	})
})
