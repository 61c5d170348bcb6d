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

package storage_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tvaughan/pkiops/internal/storage"
)

const sampleIndex = "V\t270101120000Z\t\t01\tunknown\t/C=BE/O=Acme/CN=a.example.org\n" +
	"R\t270101120000Z\t250301080000Z,keyCompromise\t02\tunknown\t/C=BE/O=Acme/CN=b.example.org\n" +
	"V\t20600101120000Z\t\t0A\tunknown\t/C=BE/O=Acme\\/Sub/CN=c.example.org\n"

var _ = Describe("Ledger", func() {
	var (
		tmpDir string
		ledger *storage.Ledger
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "pkiops-storage-test")
		Expect(err).NotTo(HaveOccurred())
		ledger = storage.New(
			filepath.Join(tmpDir, "index.txt"),
			filepath.Join(tmpDir, "serial"),
			filepath.Join(tmpDir, "crlnumber"),
		)
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	Describe("EnsureFiles", func() {
		It("creates an empty database and initial counters", func() {
			Expect(ledger.EnsureFiles()).To(Succeed())

			data, err := os.ReadFile(ledger.DatabasePath())
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(BeEmpty())

			serial, err := ledger.NextSerial()
			Expect(err).NotTo(HaveOccurred())
			Expect(serial).To(Equal("01"))

			crl, err := os.ReadFile(ledger.CRLNumberPath())
			Expect(err).NotTo(HaveOccurred())
			Expect(strings.TrimSpace(string(crl))).To(Equal("01"))

			attr, err := os.ReadFile(ledger.AttrPath())
			Expect(err).NotTo(HaveOccurred())
			Expect(string(attr)).To(Equal(storage.DefaultAttributes))
		})

		It("leaves existing files alone", func() {
			Expect(os.WriteFile(ledger.SerialPath(), []byte("1F\n"), 0644)).To(Succeed())
			Expect(os.WriteFile(ledger.DatabasePath(), []byte(sampleIndex), 0644)).To(Succeed())
			Expect(os.WriteFile(ledger.AttrPath(), []byte("unique_subject = yes\n"), 0644)).To(Succeed())
			Expect(ledger.EnsureFiles()).To(Succeed())
			Expect(ledger.EnsureFiles()).To(Succeed())

			attr, err := os.ReadFile(ledger.AttrPath())
			Expect(err).NotTo(HaveOccurred())
			Expect(string(attr)).To(Equal("unique_subject = yes\n"))

			serial, err := ledger.NextSerial()
			Expect(err).NotTo(HaveOccurred())
			Expect(serial).To(Equal("1F"))

			entries, err := ledger.Entries()
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(3))
		})
	})

	Describe("Entries", func() {
		BeforeEach(func() {
			Expect(os.WriteFile(ledger.DatabasePath(), []byte(sampleIndex), 0644)).To(Succeed())
		})

		It("decodes every column in file order", func() {
			entries, err := ledger.Entries()
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(3))

			Expect(entries[0].Status).To(Equal(storage.StatusValid))
			Expect(entries[0].Serial).To(Equal("01"))
			Expect(entries[0].Expires).To(Equal(time.Date(2027, 1, 1, 12, 0, 0, 0, time.UTC)))
			Expect(entries[0].Revoked.IsZero()).To(BeTrue())
			Expect(entries[0].CommonName()).To(Equal("a.example.org"))

			Expect(entries[1].Status).To(Equal(storage.StatusRevoked))
			Expect(entries[1].Revoked).To(Equal(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)))
			Expect(entries[1].Reason).To(Equal("keyCompromise"))

			Expect(entries[2].Expires.Year()).To(Equal(2060))
			Expect(entries[2].CommonName()).To(Equal("c.example.org"))
		})

		It("returns identical snapshots when nothing changed", func() {
			first, err := ledger.Entries()
			Expect(err).NotTo(HaveOccurred())
			second, err := ledger.Entries()
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(Equal(first))
		})

		It("finds entries by serial regardless of case or padding", func() {
			e, ok, err := ledger.Find("a")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(e.CommonName()).To(Equal("c.example.org"))

			_, ok, err = ledger.Find("FF")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("rejects a malformed line", func() {
			Expect(os.WriteFile(ledger.DatabasePath(), []byte("V\t270101120000Z\t01\n"), 0644)).To(Succeed())
			_, err := ledger.Entries()
			Expect(errors.Is(err, storage.ErrMalformedEntry)).To(BeTrue())
		})
	})

	Describe("Snapshot and Restore", func() {
		It("rolls the database and counters back", func() {
			Expect(ledger.EnsureFiles()).To(Succeed())
			snap, err := ledger.Snapshot()
			Expect(err).NotTo(HaveOccurred())

			Expect(os.WriteFile(ledger.DatabasePath(), []byte(sampleIndex), 0644)).To(Succeed())
			Expect(os.WriteFile(ledger.SerialPath(), []byte("0B\n"), 0644)).To(Succeed())
			Expect(os.WriteFile(ledger.AttrPath(), []byte("unique_subject = yes\n"), 0644)).To(Succeed())

			Expect(ledger.Restore(snap)).To(Succeed())

			entries, err := ledger.Entries()
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(BeEmpty())
			serial, err := ledger.NextSerial()
			Expect(err).NotTo(HaveOccurred())
			Expect(serial).To(Equal("01"))
			attr, err := os.ReadFile(ledger.AttrPath())
			Expect(err).NotTo(HaveOccurred())
			Expect(string(attr)).To(Equal(storage.DefaultAttributes))
		})

		It("removes files that did not exist when the snapshot was taken", func() {
			Expect(os.WriteFile(ledger.DatabasePath(), nil, 0644)).To(Succeed())
			snap, err := ledger.Snapshot()
			Expect(err).NotTo(HaveOccurred())

			Expect(os.WriteFile(ledger.AttrPath(), []byte("unique_subject = no\n"), 0644)).To(Succeed())
			Expect(ledger.Restore(snap)).To(Succeed())

			_, err = os.Stat(ledger.AttrPath())
			Expect(os.IsNotExist(err)).To(BeTrue())
		})

		It("allows concurrent readers during a restore", func() {
			Expect(os.WriteFile(ledger.DatabasePath(), []byte(sampleIndex), 0644)).To(Succeed())
			Expect(os.WriteFile(ledger.SerialPath(), []byte("0B\n"), 0644)).To(Succeed())
			snap, err := ledger.Snapshot()
			Expect(err).NotTo(HaveOccurred())

			var wg sync.WaitGroup
			for range 20 {
				wg.Add(2)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					entries, err := ledger.Entries()
					Expect(err).NotTo(HaveOccurred())
					Expect(entries).To(HaveLen(3))
				}()
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					Expect(ledger.Restore(snap)).To(Succeed())
				}()
			}
			wg.Wait()
		})
	})

	It("rejects a corrupt serial file", func() {
		Expect(os.WriteFile(ledger.SerialPath(), []byte("xyz"), 0644)).To(Succeed())
		_, err := ledger.NextSerial()
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Entry", func() {
	It("round-trips through the index line layout", func() {
		e := storage.Entry{
			Status:  storage.StatusRevoked,
			Expires: time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC),
			Revoked: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			Reason:  "superseded",
			Serial:  "1A",
			Subject: "/CN=x",
		}
		Expect(e.Line()).To(Equal("R\t300601000000Z\t260102030405Z,superseded\t1A\tunknown\t/CN=x"))
		parsed, err := storage.ParseIndex([]byte(e.Line() + "\n"))
		Expect(err).NotTo(HaveOccurred())
		e.Filename = "unknown"
		Expect(parsed).To(Equal([]storage.Entry{e}))
	})

	It("derives expired status without changing a revoked entry", func() {
		now := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
		valid := storage.Entry{Status: storage.StatusValid, Expires: now.Add(-time.Hour)}
		Expect(valid.At(now).Status).To(Equal(storage.StatusExpired))
		Expect(valid.Status).To(Equal(storage.StatusValid))

		revoked := storage.Entry{Status: storage.StatusRevoked, Expires: now.Add(-time.Hour)}
		Expect(revoked.At(now).Status).To(Equal(storage.StatusRevoked))

		future := storage.Entry{Status: storage.StatusValid, Expires: now.Add(time.Hour)}
		Expect(future.At(now).Status).To(Equal(storage.StatusValid))
	})

	It("encodes the status by name in JSON", func() {
		data, err := json.Marshal(storage.Entry{Status: storage.StatusValid, Serial: "01"})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring(`"status":"Valid"`))
		Expect(string(data)).NotTo(ContainSubstring(`"revoked"`))
	})

	It("maps two-digit years the way ASN.1 does", func() {
		t, err := storage.ParseTime("500101000000Z")
		Expect(err).NotTo(HaveOccurred())
		Expect(t.Year()).To(Equal(1950))
		t, err = storage.ParseTime("490101000000Z")
		Expect(err).NotTo(HaveOccurred())
		Expect(t.Year()).To(Equal(2049))
		Expect(storage.FormatTime(time.Date(2051, 1, 1, 0, 0, 0, 0, time.UTC))).To(Equal("20510101000000Z"))
	})

	It("diffs entries by serial", func() {
		before := []storage.Entry{{Serial: "01"}}
		after := []storage.Entry{{Serial: "01"}, {Serial: "02"}}
		Expect(storage.Diff(before, after)).To(Equal([]storage.Entry{{Serial: "02"}}))
		Expect(storage.SameSerial("000a", "A")).To(BeTrue())
	})
})
