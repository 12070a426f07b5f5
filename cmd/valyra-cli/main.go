package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"valyra/client"
	"valyra/config"
	"valyra/errs"
	"valyra/observability/logging"
)

const defaultConfigPath = "valyra.yaml"

// openClient is swapped out by tests.
var openClient = func(ctx context.Context, cfgPath string, readOnly bool, stderr io.Writer) (*client.Client, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger := logging.SetupWithOptions("valyra-cli", cfg.Environment, logging.Options{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Output: stderr,
	})
	var opts []client.Option
	if readOnly {
		opts = append(opts, client.ReadOnly())
	}
	return client.Open(ctx, cfg, logger, opts...)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "offer":
		return runOfferCommand(ctx, args[1:], stdout, stderr)
	case "listing":
		return runListingCommand(ctx, args[1:], stdout, stderr)
	case "escrow":
		return runEscrowCommand(ctx, args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.Join([]string{
		"Usage: valyra-cli <command> <subcommand> [flags]",
		"",
		"Commands:",
		"  offer    list|stats|submit|accept|reject|cancel|pay|status",
		"  listing  buy",
		"  escrow   view|watch|upload|decrypt|confirm|extend|dispute|report|claim|recover",
		"",
		"Every subcommand accepts --config (default valyra.yaml).",
	}, "\n")
}

// commandFlags is a FlagSet carrying the shared --config flag.
type commandFlags struct {
	*flag.FlagSet
	config *string
}

func newFlagSet(name string, stderr io.Writer) commandFlags {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg := fs.String("config", defaultConfigPath, "path to configuration (.yaml or .toml)")
	return commandFlags{FlagSet: fs, config: cfg}
}

// parse rejects positional arguments after the flags.
func (f commandFlags) parse(args []string, stderr io.Writer) bool {
	if err := f.Parse(args); err != nil {
		return false
	}
	if f.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return false
	}
	return true
}

func printError(stderr io.Writer, msg string) int {
	fmt.Fprintf(stderr, "Error: %s\n", msg)
	return 1
}

// reportError prints err with what it left behind on-chain.
func reportError(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	fmt.Fprintf(stderr, "Progress: %s\n", errs.ProgressOf(err))
	if reason := errs.Reason(err); reason != "" {
		fmt.Fprintf(stderr, "Revert reason: %s\n", reason)
	}
	return 1
}

func writeResult(stdout io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return 1
	}
	return 0
}
