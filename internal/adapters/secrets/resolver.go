// Package secrets resolves credential references from configuration.
//
// A reference is either a literal value, "env:NAME" for an environment
// variable or "pass:path" for an entry of the pass password store.
package secrets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

const (
	envScheme  = "env:"
	passScheme = "pass:"
)

var (
	ErrPassUnavailable = errors.New("pass command unavailable")
	ErrEmptySecret     = errors.New("secret resolved to an empty value")
)

type runFunc func(ctx context.Context, args ...string) (stdout string, stderr string, err error)

type Resolver struct {
	run    runFunc
	getenv func(string) string
}

func NewResolver() *Resolver {
	return &Resolver{run: runPassCommand, getenv: os.Getenv}
}

// Resolve returns the secret behind ref. An empty ref resolves to "".
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch {
	case ref == "":
		return "", nil
	case strings.HasPrefix(ref, envScheme):
		name := strings.TrimPrefix(ref, envScheme)
		value := r.getenv(name)
		if value == "" {
			return "", fmt.Errorf("env %s: %w", name, ErrEmptySecret)
		}
		return value, nil
	case strings.HasPrefix(ref, passScheme):
		return r.pass(ctx, strings.TrimPrefix(ref, passScheme))
	default:
		return ref, nil
	}
}

func (r *Resolver) pass(ctx context.Context, key string) (string, error) {
	stdout, stderr, err := r.run(ctx, "show", key)
	if err != nil {
		if stderr == "" {
			return "", fmt.Errorf("pass show %q: %w", key, err)
		}
		return "", fmt.Errorf("pass show %q: %w: %s", key, err, stderr)
	}

	// pass show prints the password on the first line; the rest is metadata.
	value, _, _ := strings.Cut(stdout, "\n")
	value = strings.TrimSuffix(value, "\r")
	if value == "" {
		return "", fmt.Errorf("pass %s: %w", key, ErrEmptySecret)
	}
	return value, nil
}

func runPassCommand(ctx context.Context, args ...string) (string, string, error) {
	path, err := exec.LookPath("pass")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", "", ErrPassUnavailable
		}
		return "", "", fmt.Errorf("locate pass command: %w", err)
	}

	cmd := exec.CommandContext(ctx, path, args...)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	return stdout.String(), strings.TrimSpace(stderr.String()), err
}
