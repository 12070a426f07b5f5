package wallet

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// PassphraseSource lazily resolves the keystore passphrase from an environment
// variable or an interactive prompt and caches it after the first success.
type PassphraseSource struct {
	envVar string
	isTTY  func() bool
	read   func() ([]byte, error)

	once  sync.Once
	value string
	err   error
}

// NewPassphraseSource checks envVar before prompting on the terminal.
func NewPassphraseSource(envVar string) *PassphraseSource {
	fd := int(os.Stdin.Fd())
	return &PassphraseSource{
		envVar: strings.TrimSpace(envVar),
		isTTY:  func() bool { return term.IsTerminal(fd) },
		read:   func() ([]byte, error) { return term.ReadPassword(fd) },
	}
}

// Get returns the cached passphrase or resolves it on first use.
func (s *PassphraseSource) Get() (string, error) {
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
		if !s.isTTY() {
			if s.envVar != "" {
				s.err = fmt.Errorf("wallet keystore passphrase required; set %s or run interactively", s.envVar)
			} else {
				s.err = errors.New("wallet keystore passphrase required and no terminal available")
			}
			return
		}
		fmt.Fprint(os.Stderr, "Enter wallet keystore passphrase: ")
		raw, err := s.read()
		fmt.Fprintln(os.Stderr)
		if err != nil {
			s.err = fmt.Errorf("failed to read passphrase: %w", err)
			return
		}
		if strings.TrimSpace(string(raw)) == "" {
			s.err = errors.New("wallet keystore passphrase cannot be empty")
			return
		}
		s.value = string(raw)
	})
	return s.value, s.err
}
