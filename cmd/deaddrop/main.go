package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0 -X main.commit=$(git rev-parse --short HEAD) -X main.buildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)" -o deaddrop ./cmd/deaddrop
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if len(os.Args) < 2 {
		printUsage()
		osExit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "whoami":
		runWhoami(os.Args[2:])
	case "ghost":
		runGhost(os.Args[2:])
	case "drop":
		runDrop(os.Args[2:])
	case "store":
		runStore(os.Args[2:])
	case "peers":
		runPeers(os.Args[2:])
	case "version", "--version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		osExit(1)
	}
}

func printVersion() {
	fmt.Printf("deaddrop %s (%s) built %s\n", version, commit, buildDate)
	fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	fmt.Println("Usage: deaddrop <command> [options]")
	fmt.Println()
	fmt.Println("Identity:")
	fmt.Println("  init                                     Generate and seal a new identity")
	fmt.Println("  whoami                                   Show your public id")
	fmt.Println()
	fmt.Println("Ghost-mode messaging:")
	fmt.Println("  ghost listen                             Join the gossip network and listen for messages")
	fmt.Println("  ghost send <target-public-id> <content>  Send a ghost message, waiting for delivery")
	fmt.Println()
	fmt.Println("Dead drops:")
	fmt.Println("  drop create [-t N] [-n N] <file>         Seal and upload a file, split its key into shares")
	fmt.Println("  drop retrieve <content-id> <out> <share> [share...]")
	fmt.Println("                                           Recover a file from its shares")
	fmt.Println()
	fmt.Println("  store test                               Check the content store is reachable")
	fmt.Println("  peers                                    List recently-seen ghost-mode peers")
	fmt.Println("  version                                  Show version information")
	fmt.Println()
	fmt.Println("All commands support --config <path> to specify a config file.")
	fmt.Println("Without --config, deaddrop searches: ./deaddrop.yaml, ~/.config/deaddrop/config.yaml, /etc/deaddrop/config.yaml")
	fmt.Println()
	fmt.Println("Get started:  deaddrop init")
}
