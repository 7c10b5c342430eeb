/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

// Package resolver invokes the external build-dependency solver. The control
// plane only cares about pass/fail and the failure message; the solver
// algorithm itself is a black box.
package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Config describes the repository view the solver resolves against.
type Config struct {
	Distro string `json:"distro"`
	Repo   string `json:"repo"`
	Arch   string `json:"arch"`
}

// DependencyError means the solver could not satisfy the build-time
// dependencies. It is recoverable; the watchdog retries resolution on a
// fixed cadence.
type DependencyError struct {
	Message string
}

func (e *DependencyError) Error() string {
	return e.Message
}

// IsDependencyError reports whether err is a solver dependency failure as
// opposed to an infrastructure error.
func IsDependencyError(err error) bool {
	var depErr *DependencyError
	return errors.As(err, &depErr)
}

// Resolver checks whether the build-time dependencies of a source package
// can be satisfied for an architecture and repository configuration.
type Resolver interface {
	Resolve(ctx context.Context, cfg Config, sourceURL string) error
}

// Command runs an external solver binary. A zero exit status means the
// dependencies resolve; exit status 1 is a dependency failure with the
// reason on stderr; anything else is an infrastructure error.
type Command struct {
	Path string
	Args []string
}

func (c *Command) Resolve(ctx context.Context, cfg Config, sourceURL string) error {
	args := append([]string{}, c.Args...)
	args = append(args,
		"--distro", cfg.Distro,
		"--repo", cfg.Repo,
		"--arch", cfg.Arch,
		sourceURL,
	)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = "unresolvable build dependencies"
		}
		return &DependencyError{Message: msg}
	}
	return fmt.Errorf("dependency solver failed: %w", err)
}

// Always is a resolver that always succeeds. Used when a deployment has no
// solver configured and for tests.
type Always struct{}

func (Always) Resolve(ctx context.Context, cfg Config, sourceURL string) error {
	return nil
}
