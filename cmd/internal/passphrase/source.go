package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves a secret from an environment variable or, failing that, by
// prompting on the terminal. The first result is cached.
type Source struct {
	envVar string
	label  string

	// readPassword and isTerminal are replaced in tests.
	readPassword func(fd int) ([]byte, error)
	isTerminal   func(fd int) bool
	prompt       io.Writer

	once  sync.Once
	value string
	err   error
}

// NewSource returns a source that checks envVar before prompting for label,
// for example "keystore passphrase".
func NewSource(envVar, label string) *Source {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "passphrase"
	}
	return &Source{
		envVar:       strings.TrimSpace(envVar),
		label:        label,
		readPassword: term.ReadPassword,
		isTerminal:   term.IsTerminal,
		prompt:       os.Stderr,
	}
}

// Get returns the cached secret or resolves it on first use. Whitespace-only
// values are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() { s.value, s.err = s.resolve() })
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	fd := int(os.Stdin.Fd())
	if !s.isTerminal(fd) {
		if s.envVar != "" {
			return "", fmt.Errorf("%s required; set %s or run interactively", s.label, s.envVar)
		}
		return "", fmt.Errorf("%s required and no terminal available", s.label)
	}
	fmt.Fprintf(s.prompt, "Enter %s: ", s.label)
	raw, err := s.readPassword(fd)
	fmt.Fprintln(s.prompt)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", s.label, err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", errors.New(s.label + " cannot be empty")
	}
	return string(raw), nil
}
