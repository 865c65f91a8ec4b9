package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shurlinet/deaddrop/internal/core"
	"github.com/shurlinet/deaddrop/internal/ghostactor"
	"github.com/shurlinet/deaddrop/internal/termcolor"
)

func runGhost(args []string) {
	if len(args) < 1 {
		printGhostUsage()
		osExit(1)
	}
	var err error
	switch args[0] {
	case "listen":
		err = doGhostListen(args[1:], os.Stdout)
	case "send":
		err = doGhostSend(args[1:], os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown ghost command: %s\n\n", args[0])
		printGhostUsage()
		osExit(1)
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func printGhostUsage() {
	fmt.Println("Usage: deaddrop ghost <listen|send> [options]")
	fmt.Println("  ghost listen                              Join the gossip network and print incoming messages")
	fmt.Println("  ghost send <target-public-id> <content>   Send one message and wait for delivery")
}

// startedCore brings up a Core with an unlocked identity and a running
// ghost-mode actor, ready for listen/send. Callers must StopGhostMode
// when done.
func startedCore(ctx context.Context, configFlag string, stdout io.Writer) (*core.Core, error) {
	c, err := newCore(configFlag)
	if err != nil {
		return nil, err
	}

	passphrase, err := readPassphrase(stdout, "Enter passphrase: ")
	if err != nil {
		return nil, err
	}
	if _, err := c.InitIdentity(passphrase); err != nil {
		return nil, fmt.Errorf("unlocking identity: %w", err)
	}

	if err := c.StartGhostMode(ctx); err != nil {
		return nil, fmt.Errorf("starting ghost mode: %w", err)
	}
	return c, nil
}

func doGhostListen(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("ghost listen", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := startedCore(ctx, *configFlag, stdout)
	if err != nil {
		return err
	}
	defer c.StopGhostMode()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	termcolor.Green("Listening for ghost messages. Press Ctrl+C to stop.")
	events := c.Events()
	for {
		select {
		case <-sigCh:
			fmt.Fprintln(stdout, "\nShutting down...")
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			printGhostEvent(stdout, ev)
		}
	}
}

func doGhostSend(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("ghost send", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	timeout := fs.Duration("timeout", 30*time.Second, "how long to wait for a delivery receipt")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) != 2 {
		return fmt.Errorf("usage: deaddrop ghost send <target-public-id> <content>")
	}
	target, content := rest[0], rest[1]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := startedCore(ctx, *configFlag, stdout)
	if err != nil {
		return err
	}
	defer c.StopGhostMode()

	messageID, err := c.SendGhostMessage(ctx, target, content)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	fmt.Fprintf(stdout, "Sent message %s, waiting for delivery receipt...\n", messageID)

	deadline := time.After(*timeout)
	events := c.Events()
	for {
		select {
		case <-deadline:
			termcolor.Yellow("No delivery receipt within %s; the peer may be offline.", *timeout)
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Kind == ghostactor.EventMessageDelivered && ev.MessageID == messageID {
				termcolor.Green("Delivered to %s at %s", ev.Target, ev.DeliveredAt.Format(time.RFC3339))
				return nil
			}
			printGhostEvent(stdout, ev)
		}
	}
}

func printGhostEvent(stdout io.Writer, ev ghostactor.Event) {
	switch ev.Kind {
	case ghostactor.EventGhostMessage:
		fmt.Fprintf(stdout, "[%s] %s: %s\n", ev.Message.From, time.Unix(ev.Message.Timestamp, 0).Format(time.RFC3339), ev.Message.Content)
	case ghostactor.EventMessageDelivered:
		fmt.Fprintf(stdout, "delivered %s to %s at %s\n", ev.MessageID, ev.Target, ev.DeliveredAt.Format(time.RFC3339))
	case ghostactor.EventRelayConnected:
		fmt.Fprintln(stdout, "upgraded to a direct relay connection")
	case ghostactor.EventGhostError:
		fmt.Fprintf(stdout, "ghost error: %v\n", ev.Err)
	}
}
