//go:build mage

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
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"

	"github.com/caarlos0/env/v11"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	daemon "github.com/google/go-containerregistry/pkg/v1/daemon"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// ── Namespaces ────────────────────────────────────────────────────────────────

type Build mg.Namespace // build:all
type Test mg.Namespace  // test:unit  test:race  test:cover
type Dev mg.Namespace   // dev:check  dev:tidy   dev:clean  dev:container

// unitPackages are the packages with test suites.
// internal/testutil is excluded (test helpers verified transitively).
var unitPackages = []string{
	"./cmd/pkiops/...",
	"./internal/ca/...",
	"./internal/issuance/...",
	"./internal/opensslcnf/...",
	"./internal/report/...",
	"./internal/runner/...",
	"./internal/storage/...",
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func ensureBinDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	binDir := filepath.Join(dir, "bin")
	if err := os.MkdirAll(binDir, 0755); err != nil {
		return "", err
	}
	return binDir, nil
}

// ── build:* ───────────────────────────────────────────────────────────────────

// All compiles pkiops to bin/.
func (Build) All() error {
	env := map[string]string{"CGO_ENABLED": "0"}

	fmt.Println("Building...")
	binDir, err := ensureBinDir()
	if err != nil {
		return err
	}

	ext := ""
	if runtime.GOOS == "windows" {
		ext = ".exe"
	}

	return sh.RunWithV(env, "go", "build",
		"-o", filepath.Join(binDir, "pkiops"+ext),
		"./cmd/pkiops")
}

// ── test:* ────────────────────────────────────────────────────────────────────

// Unit runs the unit test suite. No openssl binary is needed; the CA tests
// drive an in-process fake.
func (Test) Unit() error {
	fmt.Println("Running unit tests...")
	return sh.RunV("go", append([]string{"test", "-v"}, unitPackages...)...)
}

// Race runs the unit tests with the race detector, which matters for the
// per-CA locking and batch progress counters.
func (Test) Race() error {
	fmt.Println("Running unit tests with -race...")
	return sh.RunWithV(map[string]string{"CGO_ENABLED": "1"},
		"go", append([]string{"test", "-race"}, unitPackages...)...)
}

// Cover runs the unit tests and writes coverage.out.
func (Test) Cover() error {
	fmt.Println("Running unit tests with coverage...")
	if err := sh.RunV("go", append([]string{"test", "-coverprofile=coverage.out"}, unitPackages...)...); err != nil {
		return err
	}
	return sh.RunV("go", "tool", "cover", "-func=coverage.out")
}

// ── dev:* ─────────────────────────────────────────────────────────────────────

// Check verifies formatting, runs go vet, and checks go mod tidy.
// Unlike `go fmt`, gofmt -l prints unformatted files and exits 0 without
// rewriting them; we treat any output as a failure so CI catches drift.
func (Dev) Check() error {
	mg.Deps(Dev{}.Tidy)
	fmt.Println("Running verify...")
	out, err := sh.Output("gofmt", "-l", ".")
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) != "" {
		return fmt.Errorf("these files need formatting (run 'go fmt ./...'):\n%s", out)
	}
	return sh.Run("go", "vet", "./...")
}

// Tidy runs go mod tidy.
func (Dev) Tidy() error {
	fmt.Println("Tidying modules...")
	return sh.Run("go", "mod", "tidy")
}

// Clean removes the bin/ directory and coverage output.
func (Dev) Clean() error {
	fmt.Println("Cleaning...")
	if err := sh.Rm("coverage.out"); err != nil {
		return err
	}
	return sh.Rm("bin")
}

// Container layers the pkiops binary onto a base image that provides openssl,
// taken from the local daemon, and loads the result back into the local
// Docker / Podman daemon. The PKI directory is expected to be mounted at /pki.
//
// Configuration (via environment variables):
//
//	IMAGE_NAME   Target tag       (default: pkiops:latest)
//	BINARY_PATH  Source binary    (default: ./bin/pkiops)
//	BASE_IMAGE   Base image, or "scratch" for none (default: docker.io/alpine/openssl:latest)
func (Dev) Container() error {
	cfg := ContainerConfig{}
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("config parse failed: %w", err)
	}
	fmt.Printf("Building '%s' on '%s' (binary: %s)...\n", cfg.Image, cfg.Base, cfg.Binary)

	base, err := baseImage(cfg.Base)
	if err != nil {
		return err
	}

	binLayer, err := tarLayer(map[string]string{"/usr/local/bin/pkiops": cfg.Binary}, nil)
	if err != nil {
		return fmt.Errorf("failed to package binary: %w", err)
	}

	dirLayer, err := tarLayer(nil, []string{"/pki"})
	if err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	img, err := mutate.AppendLayers(base, binLayer, dirLayer)
	if err != nil {
		return fmt.Errorf("image mutation failed: %w", err)
	}

	cf, err := img.ConfigFile()
	if err != nil {
		return fmt.Errorf("reading base image config: %w", err)
	}
	c := cf.Config
	c.Entrypoint = []string{"/usr/local/bin/pkiops"}
	c.Cmd = []string{"--help"}
	c.Env = append(c.Env, "PKIOPS_PKIROOT=/pki")
	c.WorkingDir = "/pki"
	img, err = mutate.Config(img, c)
	if err != nil {
		return fmt.Errorf("failed to set image config: %w", err)
	}

	tag, err := name.NewTag(cfg.Image)
	if err != nil {
		return err
	}

	if _, err := daemon.Write(tag, img); err != nil {
		return fmt.Errorf("failed to load to daemon: %w", err)
	}

	fmt.Println("Success! Image loaded.")
	return nil
}

// ── types and helpers ─────────────────────────────────────────────────────────

type ContainerConfig struct {
	Image  string `env:"IMAGE_NAME" envDefault:"pkiops:latest"`
	Binary string `env:"BINARY_PATH" envDefault:"./bin/pkiops"`
	Base   string `env:"BASE_IMAGE" envDefault:"docker.io/alpine/openssl:latest"`
}

func baseImage(ref string) (v1.Image, error) {
	if ref == "scratch" {
		fmt.Println("WARNING: a scratch image has no openssl; mount one in or pkiops cannot run.")
		return empty.Image, nil
	}
	r, err := name.ParseReference(ref)
	if err != nil {
		return nil, fmt.Errorf("parsing base image %s: %w", ref, err)
	}
	img, err := daemon.Image(r)
	if err != nil {
		return nil, fmt.Errorf("loading base image %s from the local daemon (pull it first): %w", ref, err)
	}
	return img, nil
}

func tarLayer(files map[string]string, dirs []string) (v1.Layer, error) {
	b := new(bytes.Buffer)
	tw := tar.NewWriter(b)

	for _, dir := range dirs {
		if err := tw.WriteHeader(&tar.Header{Name: dir, Mode: 0755, Typeflag: tar.TypeDir}); err != nil {
			return nil, err
		}
	}

	for dest, src := range files {
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", src, err)
		}
		if err := tw.WriteHeader(&tar.Header{Name: dest, Mode: 0755, Size: int64(len(data))}); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}
	tw.Close()

	return tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b.Bytes())), nil
	})
}
