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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tvaughan/pkiops/internal/ca"
	"github.com/tvaughan/pkiops/internal/issuance"
	"github.com/tvaughan/pkiops/internal/opensslcnf"
	"github.com/tvaughan/pkiops/internal/storage"
)

type passwordFunc func(cmd *cobra.Command) (string, error)

// ---------- subcommand: init ----------

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the database, counters and directories of every CA",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// The hierarchy was initialised while loading; report what it holds.
			type caInfo struct {
				Name        string             `json:"name"`
				Dir         string             `json:"dir"`
				Database    string             `json:"database"`
				DefaultDays int                `json:"default_days"`
				Defaults    opensslcnf.Subject `json:"defaults"`
			}
			var out []caInfo
			for _, name := range a.registry.Names() {
				authority, err := a.registry.Get(name)
				if err != nil {
					return err
				}
				cfg := authority.Config()
				out = append(out, caInfo{Name: cfg.Name, Dir: cfg.Dir, Database: cfg.Database, DefaultDays: cfg.DefaultDays, Defaults: cfg.Defaults})
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

// ---------- subcommand: issue ----------

func newIssueCmd(a *app, password passwordFunc) *cobra.Command {
	var (
		caName    string
		certType  string
		subject   opensslcnf.Subject
		keyLength int
		days      int
		requestID string
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue one certificate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := ca.ParseCertType(certType)
			if err != nil {
				return err
			}
			authority, err := a.registry.Get(caName)
			if err != nil {
				return err
			}

			// Unset subject fields come from the CA's defaults.
			subj := authority.Config().Defaults
			flags := cmd.Flags()
			for _, f := range []struct {
				flag string
				src  string
				dst  *string
			}{
				{"country", subject.Country, &subj.Country},
				{"state", subject.State, &subj.State},
				{"locality", subject.Locality, &subj.Locality},
				{"organisation", subject.Organisation, &subj.Organisation},
				{"organisational-unit", subject.OrganisationalUnit, &subj.OrganisationalUnit},
				{"email", subject.Email, &subj.Email},
			} {
				if flags.Changed(f.flag) {
					*f.dst = f.src
				}
			}
			subj.CommonName = subject.CommonName

			pw, err := password(cmd)
			if err != nil {
				return err
			}
			cert, err := a.issuer.IssueSingle(cmd.Context(), ca.Request{
				Type:      t,
				Subject:   subj,
				KeyLength: keyLength,
				Days:      days,
				RequestID: requestID,
			}, caName, pw)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cert)
		},
	}
	f := cmd.Flags()
	f.StringVar(&caName, "ca", "", "CA to issue from")
	f.StringVar(&certType, "type", string(ca.ServerCert), "Certificate type: client or server")
	f.StringVar(&subject.CommonName, "cn", "", "Common name")
	f.StringVar(&subject.Country, "country", "", "Country (default from the CA)")
	f.StringVar(&subject.State, "state", "", "State or province (default from the CA)")
	f.StringVar(&subject.Locality, "locality", "", "Locality (default from the CA)")
	f.StringVar(&subject.Organisation, "organisation", "", "Organisation (default from the CA)")
	f.StringVar(&subject.OrganisationalUnit, "organisational-unit", "", "Organisational unit (default from the CA)")
	f.StringVar(&subject.Email, "email", "", "Email address")
	f.IntVar(&keyLength, "key-length", ca.DefaultKeyLength, "RSA key length in bits")
	f.IntVar(&days, "days", 0, "Validity in days (default from the CA)")
	f.StringVar(&requestID, "request-id", "", "External request identifier")
	_ = cmd.MarkFlagRequired("ca")
	_ = cmd.MarkFlagRequired("cn")
	return cmd
}

// ---------- subcommand: bulk ----------

func newBulkCmd(a *app, password passwordFunc) *cobra.Command {
	var (
		caName   string
		certType string
		csvFile  string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Issue one certificate per CSV record",
		Long: `Issue one certificate per CSV record.

Server records are "commonName,validityDays"; the rest of the subject comes
from the shared request defaults. Records of other types are mapped through
the csr_defaults field map.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := ca.ParseCertType(certType)
			if err != nil {
				return err
			}
			var text []byte
			if csvFile == "-" {
				text, err = io.ReadAll(cmd.InOrStdin())
			} else {
				text, err = os.ReadFile(csvFile)
			}
			if err != nil {
				return err
			}

			var fields issuance.FieldMap
			if t != ca.ServerCert {
				path := a.cfg.csrDefaultsPath()
				if path == "" {
					return fmt.Errorf("%s requests need a csr_defaults field map", t)
				}
				if fields, err = issuance.LoadFieldMap(path); err != nil {
					return err
				}
			}
			reqs, err := issuance.ParseCSV(string(text), t, a.defaults, fields)
			if err != nil {
				return err
			}

			pw, err := password(cmd)
			if err != nil {
				return err
			}

			batch := a.issuer.NewBatch(len(reqs))
			stop := watchProgress(a.issuer, batch.ID, interval)
			certs, err := a.issuer.IssueBulk(cmd.Context(), batch, reqs, caName, pw)
			stop()

			var bulkErr *issuance.BulkIssuanceError
			if errors.As(err, &bulkErr) && len(bulkErr.Partial) > 0 {
				// Print what was issued so it can still be delivered.
				_ = printJSON(cmd.OutOrStdout(), bulkErr.Partial)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), certs)
		},
	}
	f := cmd.Flags()
	f.StringVar(&caName, "ca", "", "CA to issue from")
	f.StringVar(&certType, "type", string(ca.ServerCert), "Certificate type: client or server")
	f.StringVar(&csvFile, "file", "", "CSV file with one request per line, - for stdin")
	f.DurationVar(&interval, "progress-interval", 5*time.Second, "How often to log batch progress")
	_ = cmd.MarkFlagRequired("ca")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// watchProgress logs the progress of a batch until the returned function is
// called.
func watchProgress(e *issuance.Engine, id string, interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if p, ok := e.Progress(id); ok {
					slog.Info("Bulk issuance progress", "batch", id, "percent", p)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// ---------- subcommand: revoke ----------

func newRevokeCmd(a *app, password passwordFunc) *cobra.Command {
	var caName, serial, commonName string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a certificate by serial, or by a common name that matches exactly one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			authority, err := a.registry.Get(caName)
			if err != nil {
				return err
			}
			if commonName != "" {
				if serial, err = authority.ResolveSerial(commonName); err != nil {
					return err
				}
			}
			pw, err := password(cmd)
			if err != nil {
				return err
			}
			if err := authority.Revoke(cmd.Context(), serial, pw); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"ca": caName, "serial": serial, "status": storage.StatusRevoked.String()})
		},
	}
	f := cmd.Flags()
	f.StringVar(&caName, "ca", "", "CA that issued the certificate")
	f.StringVar(&serial, "serial", "", "Serial number (hex)")
	f.StringVar(&commonName, "cn", "", "Common name of the certificate")
	_ = cmd.MarkFlagRequired("ca")
	cmd.MarkFlagsOneRequired("serial", "cn")
	cmd.MarkFlagsMutuallyExclusive("serial", "cn")
	return cmd
}

// ---------- subcommand: crl ----------

func newCRLCmd(a *app, password passwordFunc) *cobra.Command {
	var caName string
	cmd := &cobra.Command{
		Use:   "crl",
		Short: "Generate the CRL of a CA",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			authority, err := a.registry.Get(caName)
			if err != nil {
				return err
			}
			pw, err := password(cmd)
			if err != nil {
				return err
			}
			crl, err := authority.GenerateCRL(cmd.Context(), pw)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), crl)
		},
	}
	cmd.Flags().StringVar(&caName, "ca", "", "CA whose CRL to generate")
	_ = cmd.MarkFlagRequired("ca")
	return cmd
}

// ---------- subcommand: list ----------

func newListCmd(a *app) *cobra.Command {
	var (
		caName    string
		validOnly bool
		table     bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the ledger of a CA",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				entries []storage.Entry
				err     error
			)
			if validOnly {
				entries, err = a.reporter.ValidCertificates(caName)
			} else {
				var authority *ca.CA
				if authority, err = a.registry.Get(caName); err == nil {
					entries, err = authority.ListDatabase()
				}
			}
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), entries, table)
		},
	}
	f := cmd.Flags()
	f.StringVar(&caName, "ca", "", "CA to list")
	f.BoolVar(&validOnly, "valid", false, "Only list certificates that can still be revoked")
	f.BoolVar(&table, "table", false, "Print a table instead of JSON")
	_ = cmd.MarkFlagRequired("ca")
	return cmd
}

// ---------- subcommand: report ----------

func newReportCmd(a *app) *cobra.Command {
	var (
		caName string
		days   int
		table  bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "List valid certificates expiring within a number of days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := a.reporter.CertificatesExpiringWithin(caName, days)
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), entries, table)
		},
	}
	f := cmd.Flags()
	f.StringVar(&caName, "ca", "", "CA to report on")
	f.IntVar(&days, "days", 30, "Horizon in days")
	f.BoolVar(&table, "table", false, "Print a table instead of JSON")
	_ = cmd.MarkFlagRequired("ca")
	return cmd
}

func printEntries(w io.Writer, entries []storage.Entry, table bool) error {
	if !table {
		return printJSON(w, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "(no certificates)")
		return nil
	}
	rows := [][]string{{"SERIAL", "STATUS", "EXPIRES", "SUBJECT"}}
	for _, e := range entries {
		rows = append(rows, []string{e.Serial, e.Status.String(), e.Expires.Format(time.DateOnly), e.Subject})
	}
	printTable(w, rows)
	return nil
}

// ---------- subcommand: status ----------

func newStatusCmd(a *app, password passwordFunc) *cobra.Command {
	var caName, serial string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Ask the CA's OCSP responder about a certificate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			authority, err := a.registry.Get(caName)
			if err != nil {
				return err
			}
			pw, err := password(cmd)
			if err != nil {
				return err
			}
			status, err := authority.OCSPStatus(cmd.Context(), serial, pw)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
	f := cmd.Flags()
	f.StringVar(&caName, "ca", "", "CA that issued the certificate")
	f.StringVar(&serial, "serial", "", "Serial number (hex)")
	_ = cmd.MarkFlagRequired("ca")
	_ = cmd.MarkFlagRequired("serial")
	return cmd
}
