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

// pkiops drives an OpenSSL certificate authority hierarchy: it issues single
// and bulk certificates, revokes them, publishes CRLs and reports on the
// ledger. Results are printed as JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tvaughan/pkiops/internal/ca"
	"github.com/tvaughan/pkiops/internal/issuance"
	"github.com/tvaughan/pkiops/internal/opensslcnf"
	"github.com/tvaughan/pkiops/internal/report"
	"github.com/tvaughan/pkiops/internal/runner"
)

// app is everything a subcommand needs, built once per invocation.
type app struct {
	cfg      *appConfig
	defaults opensslcnf.Subject
	registry *ca.Registry
	issuer   *issuance.Engine
	reporter *report.Engine
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(nil).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. A nil r runs the real openssl binary.
func newRootCmd(r runner.Runner) *cobra.Command {
	var (
		configFile    string
		pkiRoot       string
		opensslConfig string
		caNames       []string
		csrDefaults   string
		opensslBin    string
		promptTimeout time.Duration
		verbosity     int
		logFile       string
		passwordFile  string
	)
	a := &app{}

	root := &cobra.Command{
		Use:          "pkiops",
		Short:        "Operate an OpenSSL certificate authority hierarchy",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// --- Config loading (file → env → CLI flags) ---
			resolved := resolveConfigFile(configFile, envConfigFile, defaultConfigPath)
			cfg, err := loadConfig(resolved)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("pkiroot") {
				cfg.PKIRoot = pkiRoot
			}
			if flags.Changed("openssl-config") {
				cfg.OpenSSLConfigFile = opensslConfig
			}
			if flags.Changed("ca-names") {
				cfg.CANames = caNames
			}
			if flags.Changed("csr-defaults") {
				cfg.CSRDefaults = csrDefaults
			}
			if flags.Changed("openssl") {
				cfg.OpenSSL = opensslBin
			}
			if flags.Changed("prompt-timeout") {
				cfg.PromptTimeout = promptTimeout
			}
			if flags.Changed("verbosity") {
				cfg.Verbosity = verbosity
			}
			if flags.Changed("logfile") {
				cfg.LogFile = logFile
			}
			if err := cfg.validate(); err != nil {
				return err
			}

			if err := setupLogging(cfg, cmd.ErrOrStderr()); err != nil {
				return err
			}

			// --- Hierarchy ---
			cfgs, defaults, err := opensslcnf.Parse(cfg.openSSLConfigPath(), cfg.CANames)
			if err != nil {
				return err
			}
			run := r
			if run == nil {
				run = runner.New(cfg.PromptTimeout)
			}
			registry, err := ca.NewRegistry(cfgs, run, ca.WithOpenSSL(cfg.OpenSSL))
			if err != nil {
				return err
			}
			if err := registry.Init(); err != nil {
				return err
			}

			slog.Debug("Loaded CA hierarchy", "config", cfg.openSSLConfigPath(), "cas", registry.Names())

			*a = app{
				cfg:      cfg,
				defaults: defaults,
				registry: registry,
				issuer:   issuance.New(registry),
				reporter: report.New(registry),
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Path to YAML config file (env: PKIOPS_CONFIG)")
	pf.StringVar(&pkiRoot, "pkiroot", ".", "Directory relative paths are resolved against")
	pf.StringVar(&opensslConfig, "openssl-config", "openssl.cnf", "OpenSSL configuration file describing the CAs")
	pf.StringSliceVar(&caNames, "ca-names", nil, "CA sections to load, in order")
	pf.StringVar(&csrDefaults, "csr-defaults", "", "YAML field map for bulk requests of non-server types")
	pf.StringVar(&opensslBin, "openssl", "openssl", "openssl binary")
	pf.DurationVar(&promptTimeout, "prompt-timeout", 10*time.Second, "How long to wait for each openssl prompt")
	pf.IntVarP(&verbosity, "verbosity", "v", 0, "Verbosity level (0=INFO, 1=DEBUG, 2=TRACE)")
	pf.StringVar(&logFile, "logfile", "", "Log to file instead of stderr")
	pf.StringVar(&passwordFile, "password-file", "-", "File holding the CA pass phrase, - for stdin (env: PKIOPS_CA_PASSWORD)")

	password := func(cmd *cobra.Command) (string, error) {
		return readPassword(passwordFile, cmd.InOrStdin())
	}

	root.AddCommand(
		newInitCmd(a),
		newIssueCmd(a, password),
		newBulkCmd(a, password),
		newRevokeCmd(a, password),
		newCRLCmd(a, password),
		newListCmd(a),
		newReportCmd(a),
		newStatusCmd(a, password),
	)
	return root
}

func setupLogging(cfg *appConfig, stderr io.Writer) error {
	var logLevel slog.Level
	switch cfg.Verbosity {
	case 0:
		logLevel = slog.LevelInfo
	case 1:
		logLevel = slog.LevelDebug
	default:
		logLevel = slog.Level(-8) // Trace
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.LogFile, err)
		}
		logHandler = slog.NewJSONHandler(f, opts)
	} else {
		logHandler = slog.NewTextHandler(stderr, opts)
	}

	slog.SetDefault(slog.New(logHandler))
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTable(w io.Writer, rows [][]string) {
	var widths []int
	for _, r := range rows {
		for i, col := range r {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], len(col))
		}
	}
	for _, r := range rows {
		cols := make([]string, len(r))
		for i, col := range r {
			if i == len(r)-1 {
				cols[i] = col
				continue
			}
			cols[i] = fmt.Sprintf("%-*s", widths[i], col)
		}
		fmt.Fprintln(w, strings.Join(cols, "  "))
	}
}
