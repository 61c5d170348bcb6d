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
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.yaml.in/yaml/v3"
)

const (
	envPrefix         = "PKIOPS_"
	envConfigFile     = "PKIOPS_CONFIG"
	envCAPassword     = "PKIOPS_CA_PASSWORD"
	defaultConfigPath = "/etc/pkiops/config.yaml"
)

// appConfig holds all configuration for pkiops.
// Fields are populated from (lowest → highest priority):
//
//	built-in defaults → config file → env vars → CLI flags
type appConfig struct {
	PKIRoot           string        `yaml:"pkiroot" env:"PKIROOT"`
	OpenSSLConfigFile string        `yaml:"opensslconfigfile" env:"OPENSSLCONFIGFILE"`
	CANames           []string      `yaml:"canames" env:"CANAMES" envSeparator:","`
	CSRDefaults       string        `yaml:"csr_defaults" env:"CSR_DEFAULTS"`
	OpenSSL           string        `yaml:"openssl" env:"OPENSSL"`
	PromptTimeout     time.Duration `yaml:"prompt_timeout" env:"PROMPT_TIMEOUT"`
	Verbosity         int           `yaml:"verbosity" env:"VERBOSITY"`
	LogFile           string        `yaml:"logfile" env:"LOGFILE"`
}

// loadConfig applies built-in defaults, optionally loads a YAML config file,
// then overlays PKIOPS_* environment variables. configFile may be "" to skip
// file loading.
func loadConfig(configFile string) (*appConfig, error) {
	cfg := &appConfig{
		PKIRoot:           ".",
		OpenSSLConfigFile: "openssl.cnf",
		OpenSSL:           "openssl",
		PromptTimeout:     10 * time.Second,
	}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	return cfg, nil
}

// openSSLConfigPath resolves the openssl configuration file against pkiroot.
func (c *appConfig) openSSLConfigPath() string {
	if filepath.IsAbs(c.OpenSSLConfigFile) {
		return c.OpenSSLConfigFile
	}
	return filepath.Join(c.PKIRoot, c.OpenSSLConfigFile)
}

func (c *appConfig) csrDefaultsPath() string {
	if c.CSRDefaults == "" || filepath.IsAbs(c.CSRDefaults) {
		return c.CSRDefaults
	}
	return filepath.Join(c.PKIRoot, c.CSRDefaults)
}

func (c *appConfig) validate() error {
	var errs []error
	if len(c.CANames) == 0 {
		errs = append(errs, errors.New("no CAs configured (set canames, PKIOPS_CANAMES or --ca-names)"))
	}
	if c.OpenSSLConfigFile == "" {
		errs = append(errs, errors.New("opensslconfigfile is empty"))
	}
	if c.PromptTimeout <= 0 {
		errs = append(errs, fmt.Errorf("prompt_timeout must be positive, got %s", c.PromptTimeout))
	}
	return errors.Join(errs...)
}

// resolveConfigFile returns the config file path to use:
// cliFlag → envVar → defaultPath (if it exists) → "".
func resolveConfigFile(cliFlag, envVar, defaultPath string) string {
	if cliFlag != "" {
		return cliFlag
	}
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	if _, err := os.Stat(defaultPath); err == nil {
		return defaultPath
	}
	return ""
}

// readPassword returns the CA pass phrase from PKIOPS_CA_PASSWORD, or else
// the first line of path ("-" reads stdin).
func readPassword(path string, stdin io.Reader) (string, error) {
	if v := os.Getenv(envCAPassword); v != "" {
		return v, nil
	}
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		defer f.Close()
		r = f
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty CA password")
	}
	return line, nil
}
