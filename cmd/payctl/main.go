package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/cutemonstersnft/solanapay-compression/cmd/internal/passphrase"
	"github.com/cutemonstersnft/solanapay-compression/core"
	"github.com/cutemonstersnft/solanapay-compression/core/types"
	"github.com/cutemonstersnft/solanapay-compression/core/watcher"
	"github.com/cutemonstersnft/solanapay-compression/crypto"
	"github.com/cutemonstersnft/solanapay-compression/ledger"
)

var rpcEndpoint = defaultRPCEndpoint() // RPC_URL or --rpc overrides the local validator

// keystorePassphrase is swapped out in tests.
var keystorePassphrase = passphrase.NewSource("PAYCTL_KEYSTORE_PASSPHRASE").Get

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	args, err := applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if len(args) < 1 {
		printUsage(stdout)
		return 2
	}
	switch args[0] {
	case "reference":
		err = newReference(stdout)
	case "url":
		err = transactionURL(args[1:], stdout)
	case "watch":
		err = watch(ctx, args[1:], stdout)
	case "keygen":
		err = keygen(args[1:], stdout)
	case "pubkey":
		err = pubkey(args[1:], stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		printUsage(stderr)
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, types.ErrReferenceNotFound) {
			return 3
		}
		return 1
	}
	return 0
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8899"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func newReference(stdout io.Writer) error {
	ref, err := core.NewReference()
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, ref.String())
	return nil
}

func transactionURL(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("url", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	base := fs.String("base", "", "public base URL of the checkout service")
	amount := fs.String("amount", "", "payment amount, e.g. 15.00")
	reference := fs.String("reference", "", "payment reference (generated when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	value, err := core.ParseAmount(*amount)
	if err != nil {
		return err
	}
	var ref types.PaymentReference
	if strings.TrimSpace(*reference) == "" {
		if ref, err = core.NewReference(); err != nil {
			return err
		}
	} else if ref, err = types.ParseReference(*reference); err != nil {
		return err
	}
	link, err := core.TransactionRequestURL(*base, value, ref)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "reference: %s\n", ref)
	fmt.Fprintf(stdout, "url:       %s\n", link)
	return nil
}

func watch(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	interval := fs.Duration("interval", watcher.DefaultInterval, "delay between lookups")
	attempts := fs.Int("attempts", watcher.DefaultMaxAttempts, "lookups before giving up")
	finality := fs.String("finality", string(types.FinalityConfirmed), "confirmed or finalized")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: payctl watch [flags] <reference>")
	}
	ref, err := types.ParseReference(fs.Arg(0))
	if err != nil {
		return err
	}
	level, err := types.ParseFinality(*finality)
	if err != nil {
		return err
	}
	client, err := ledger.New(rpcEndpoint, ledger.WithTimeout(15*time.Second), ledger.WithCommitment(level))
	if err != nil {
		return err
	}
	w, err := watcher.New(client, ref,
		watcher.WithInterval(*interval),
		watcher.WithMaxAttempts(*attempts),
		watcher.WithFinality(level),
		watcher.WithObserver(func(st watcher.Status) {
			if st.LastError != "" {
				fmt.Fprintf(stdout, "attempt %d: %s (%s)\n", st.Attempts, st.State, st.LastError)
			}
		}),
	)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "watching %s on %s\n", ref, rpcEndpoint)
	st, err := w.Run(ctx)
	if st.State == watcher.StateConfirmed {
		fmt.Fprintf(stdout, "confirmed after %d attempts: %s\n", st.Attempts, st.Signature)
		return nil
	}
	if err == nil {
		err = fmt.Errorf("stopped while pending after %d attempts", st.Attempts)
	}
	return err
}

func keygen(args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: payctl keygen <keystore_path>")
	}
	path := args[0]
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return err
	}
	signer, err := crypto.NewKeypairSigner(key)
	if err != nil {
		return err
	}
	pass, err := keystorePassphrase()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(path, signer, pass); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Generated shop key and saved to %s\n", path)
	fmt.Fprintf(stdout, "Shop address: %s\n", signer.PublicKey())
	return nil
}

func pubkey(args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: payctl pubkey <keystore_path>")
	}
	pass, err := keystorePassphrase()
	if err != nil {
		return err
	}
	signer, err := crypto.LoadFromKeystore(args[0], pass)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, signer.PublicKey().String())
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: payctl [--rpc URL] <command> [arguments]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  reference                               - Prints a fresh payment reference")
	fmt.Fprintln(w, "  url --base URL --amount N [--reference] - Encodes a Solana Pay transaction request link")
	fmt.Fprintln(w, "  watch [--attempts N] <reference>        - Polls the ledger until the payment lands")
	fmt.Fprintln(w, "  keygen <keystore_path>                  - Generates a shop key into an encrypted keystore")
	fmt.Fprintln(w, "  pubkey <keystore_path>                  - Prints the address stored in a keystore")
}
