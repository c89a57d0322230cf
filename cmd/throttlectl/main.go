package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/harperlane7/Thorn-And-Thistle/internal/server"
)

// throttlectl places and lifts operator blocks against the shared throttle
// backend. Point REDIS_ADDR at the same Redis the server uses; without it
// the block lands in this process's memory backend and does nothing useful.

func main() {
	if len(os.Args) < 2 {
		fatalf("usage: throttlectl <block|unblock|status> --kind <ip|tenant|principal> --value <v> [--ttl 1h]")
	}

	switch os.Args[1] {
	case "block":
		runBlock(os.Args[2:])
	case "unblock":
		runUnblock(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	default:
		fatalf("unknown subcommand: %s", os.Args[1])
	}
}

func runBlock(args []string) {
	fs := flag.NewFlagSet("block", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var kind, value string
	var ttl time.Duration
	fs.StringVar(&kind, "kind", "", "identifier kind: ip, tenant or principal")
	fs.StringVar(&value, "value", "", "identifier value")
	fs.DurationVar(&ttl, "ttl", time.Hour, "how long the block holds")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	ctl, err := server.NewThrottleControl()
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ctl.Block(ctx, kind, value, ttl); err != nil {
		fatal(err)
	}
	fmt.Printf("blocked %s=%s for %s\n", kind, value, ttl)
}

func runUnblock(args []string) {
	fs := flag.NewFlagSet("unblock", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var kind, value string
	fs.StringVar(&kind, "kind", "", "identifier kind: ip, tenant or principal")
	fs.StringVar(&value, "value", "", "identifier value")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	ctl, err := server.NewThrottleControl()
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ctl.Unblock(ctx, kind, value); err != nil {
		fatal(err)
	}
	fmt.Printf("unblocked %s=%s\n", kind, value)
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var kind, value string
	fs.StringVar(&kind, "kind", "", "identifier kind: ip, tenant or principal")
	fs.StringVar(&value, "value", "", "identifier value")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	ctl, err := server.NewThrottleControl()
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	blocked, err := ctl.Blocked(ctx, kind, value)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%s=%s blocked=%v\n", kind, value, blocked)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "throttlectl:", err)
	os.Exit(1)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "throttlectl: "+format+"\n", args...)
	os.Exit(1)
}
