package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/shurlinet/deaddrop/internal/config"
	"github.com/shurlinet/deaddrop/internal/core"
)

func runInit(args []string) {
	if err := doInit(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doInit(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file to create")
	storeURL := fs.String("store", "", "content store base URL (default: local IPFS gateway)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgPath := *configFlag
	if cfgPath == "" {
		dir, err := config.DefaultConfigDir()
		if err != nil {
			return err
		}
		cfgPath = filepath.Join(dir, "config.yaml")
	}
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("config already exists at %s; remove it first if you want to start over", cfgPath)
	}

	configDir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	dataDir := filepath.Join(configDir, "data")
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	cfg := config.Default(dataDir)
	if *storeURL != "" {
		cfg.ContentStore.BaseURL = *storeURL
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	passphrase, err := readPassphraseConfirm(stdout)
	if err != nil {
		return err
	}

	c := core.New(cfg)
	publicID, err := c.InitIdentity(passphrase)
	if err != nil {
		return fmt.Errorf("initializing identity: %w", err)
	}

	fmt.Fprintf(stdout, "Config written to %s\n", cfgPath)
	fmt.Fprintf(stdout, "Identity sealed in %s\n", filepath.Join(dataDir, "identity.enc"))
	fmt.Fprintf(stdout, "Your public id: %s\n", publicID)
	return nil
}
