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

// Provider yields the passphrase protecting the shop keystore.
type Provider interface {
	Get() (string, error)
}

// Static is a fixed passphrase.
type Static string

// Get returns the passphrase.
func (s Static) Get() (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", errors.New("keystore passphrase cannot be empty")
	}
	return string(s), nil
}

// Source resolves the passphrase from an environment variable, prompting on
// the terminal when it is unset. The first result is cached.
type Source struct {
	envVar string
	prompt io.Writer

	once  sync.Once
	value string
	err   error
}

// NewSource checks envVar before prompting on stderr.
func NewSource(envVar string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar), prompt: os.Stderr}
}

// Get returns the cached passphrase or resolves it on first use.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}

		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			if s.envVar != "" {
				s.err = fmt.Errorf("shop keystore passphrase required; set %s or run interactively", s.envVar)
			} else {
				s.err = errors.New("shop keystore passphrase required and no terminal available")
			}
			return
		}

		fmt.Fprint(s.prompt, "Enter shop keystore passphrase: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(s.prompt)
		if err != nil {
			s.err = fmt.Errorf("read passphrase: %w", err)
			return
		}
		s.value, s.err = Static(raw).Get()
	})

	return s.value, s.err
}
