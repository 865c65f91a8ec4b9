package main

import (
	"flag"
	"fmt"
	"io"
	"os"
)

func runPeers(args []string) {
	if err := doPeers(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

// doPeers lists recently-seen ghost-mode peers. Since each CLI invocation
// is a short-lived process and peer sightings only accumulate while ghost
// mode is running (see `ghost listen`), this mainly serves a long-running
// embedder of internal/core rather than the one-shot CLI itself.
func doPeers(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := newCore(*configFlag)
	if err != nil {
		return err
	}

	peers := c.ListKnownPeers()
	if len(peers) == 0 {
		fmt.Fprintln(stdout, "No known peers yet. Run 'deaddrop ghost listen' to start discovering them.")
		return nil
	}
	for _, p := range peers {
		fmt.Fprintln(stdout, p)
	}
	return nil
}
