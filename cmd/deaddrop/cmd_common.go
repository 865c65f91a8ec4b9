package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/shurlinet/deaddrop/internal/config"
	"github.com/shurlinet/deaddrop/internal/core"
	"golang.org/x/term"
)

// loadConfig resolves and loads the deaddrop config, following the same
// explicit-flag-then-search-path rules as config.FindConfigFile.
func loadConfig(configFlag string) (*config.Config, error) {
	cfgFile, err := config.FindConfigFile(configFlag)
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	config.ResolveConfigPaths(cfg, filepath.Dir(cfgFile))
	return cfg, nil
}

// newCore loads the config at configFlag and returns a Core bound to it.
func newCore(configFlag string) (*core.Core, error) {
	cfg, err := loadConfig(configFlag)
	if err != nil {
		return nil, err
	}
	return newCoreWithConfig(cfg)
}

// newCoreWithConfig returns a Core bound to an already-loaded config.
func newCoreWithConfig(cfg *config.Config) (*core.Core, error) {
	return core.New(cfg), nil
}

// readPassphrase reads a passphrase from the terminal without echo.
func readPassphrase(w io.Writer, prompt string) ([]byte, error) {
	fmt.Fprint(w, prompt)
	passBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	return passBytes, nil
}

// readPassphraseConfirm reads and confirms a passphrase, requiring both
// entries to match and be at least 8 characters.
func readPassphraseConfirm(w io.Writer) ([]byte, error) {
	pass1, err := readPassphrase(w, "Enter passphrase: ")
	if err != nil {
		return nil, err
	}
	if len(pass1) < 8 {
		return nil, fmt.Errorf("passphrase must be at least 8 characters")
	}
	pass2, err := readPassphrase(w, "Confirm passphrase: ")
	if err != nil {
		return nil, err
	}
	if string(pass1) != string(pass2) {
		return nil, fmt.Errorf("passphrases do not match")
	}
	return pass1, nil
}
