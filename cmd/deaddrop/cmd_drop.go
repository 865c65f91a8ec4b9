package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/shurlinet/deaddrop/internal/termcolor"
)

func runDrop(args []string) {
	if len(args) < 1 {
		printDropUsage()
		osExit(1)
	}
	var err error
	switch args[0] {
	case "create":
		err = doDropCreate(args[1:], os.Stdout)
	case "retrieve":
		err = doDropRetrieve(args[1:], os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown drop command: %s\n\n", args[0])
		printDropUsage()
		osExit(1)
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func printDropUsage() {
	fmt.Println("Usage: deaddrop drop <create|retrieve> [options]")
	fmt.Println("  drop create [-t N] [-n N] <file>                    Seal, upload, and split a file's key")
	fmt.Println("  drop retrieve <content-id> <out> <share> [share...]  Recover a file from its shares")
}

func doDropCreate(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("drop create", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	threshold := fs.Int("t", 0, "number of shares required to recover (default: config drop.default_threshold)")
	totalShares := fs.Int("n", 0, "total number of shares to generate (default: config drop.default_shares)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) != 1 {
		return fmt.Errorf("usage: deaddrop drop create [-t N] [-n N] <file>")
	}
	filePath := rest[0]

	cfg, err := loadConfig(*configFlag)
	if err != nil {
		return err
	}
	t, n := *threshold, *totalShares
	if t == 0 {
		t = cfg.Drop.DefaultThreshold
	}
	if n == 0 {
		n = cfg.Drop.DefaultShares
	}

	c, err := newCoreWithConfig(cfg)
	if err != nil {
		return err
	}

	created, err := c.CreateDrop(context.Background(), filePath, t, n)
	if err != nil {
		return fmt.Errorf("creating drop: %w", err)
	}

	termcolor.Green("Drop created: %s", created.ContentID)
	fmt.Fprintf(stdout, "content-id: %s\n", created.ContentID)
	fmt.Fprintln(stdout, "shares (distribute these separately; any", t, "of", n, "reconstruct the key):")
	for i, share := range created.Shares {
		fmt.Fprintf(stdout, "  [%d] %s\n", i+1, share)
	}
	return nil
}

func doDropRetrieve(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("drop retrieve", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) < 3 {
		return fmt.Errorf("usage: deaddrop drop retrieve <content-id> <out> <share> [share...]")
	}
	contentID, outputPath, shares := rest[0], rest[1], rest[2:]

	c, err := newCore(*configFlag)
	if err != nil {
		return err
	}

	if err := c.RetrieveDrop(context.Background(), contentID, shares, outputPath); err != nil {
		return fmt.Errorf("retrieving drop: %w", err)
	}

	termcolor.Green("Recovered %s", outputPath)
	return nil
}
