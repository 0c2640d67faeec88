// Command wallet drives a passkey smart account from the terminal.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/better-wallet/passkey-account/internal/app"
	"github.com/better-wallet/passkey-account/internal/config"
	"github.com/better-wallet/passkey-account/internal/logger"
	"github.com/better-wallet/passkey-account/internal/tracing"
	"github.com/better-wallet/passkey-account/internal/validation"
	apperrors "github.com/better-wallet/passkey-account/pkg/errors"
)

const usage = `Usage: wallet <command> [flags]

Commands:
  register -email <addr>          create a passkey account
  login -email <addr>             log in with a registered passkey
  logout                          forget the current session
  status                          show the current account
  send -to <addr> [-value <wei>] [-data <hex>]
  sign -message <text>            EIP-191 message signature
  sign-typed -file <path>         EIP-712 signature of a JSON document
  session create|show|revoke      manage the session key
  gas                             show the relay's gas defaults
  operation <userOpHash>          show the relay's record of an operation
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := logger.Init(); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.OTLPEndpoint, "passkey-wallet")
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	w, err := newWallet(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize wallet: %v", err)
	}
	defer w.Close()

	if err := run(ctx, w, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", describe(err))
		w.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, w *wallet, cmd string, args []string, out io.Writer) error {
	svc, st := w.service, w.state

	switch cmd {
	case "register", "login":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		email := fs.String("email", "", "account email")
		if err := fs.Parse(args); err != nil {
			return err
		}
		var (
			res *app.LoginResult
			err error
		)
		if cmd == "register" {
			res, err = svc.Register(ctx, st, *email)
		} else {
			res, err = svc.Login(ctx, st, *email)
		}
		if err != nil {
			return err
		}
		printLogin(out, res)
		return nil

	case "logout":
		if err := svc.Logout(ctx, st); err != nil {
			return err
		}
		fmt.Fprintln(out, "logged out")
		return nil

	case "gas":
		est, err := w.relay.EstimateGas(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, est)

	case "operation":
		if len(args) != 1 {
			return errors.New("usage: wallet operation <userOpHash>")
		}
		op, err := w.relay.Operation(ctx, common.HexToHash(args[0]))
		if err != nil {
			return err
		}
		return printJSON(out, op)
	}

	// Everything below needs a restored session.
	res, err := svc.Restore(ctx, st)
	if err != nil {
		return err
	}
	if res == nil {
		return apperrors.AccountNotInitialized()
	}

	switch cmd {
	case "status":
		printLogin(out, res)
		return nil

	case "send":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		to := fs.String("to", "", "recipient address")
		value := fs.String("value", "0", "value in wei (decimal or 0x-hex)")
		data := fs.String("data", "", "calldata as 0x-hex")
		if err := fs.Parse(args); err != nil {
			return err
		}
		req, err := sendRequest(*to, *value, *data)
		if err != nil {
			return err
		}
		sent, err := svc.Send(ctx, st, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "userOpHash: %s\ntxHash:     %s\nblock:      %d\n", sent.UserOpHash.Hex(), sent.TxHash.Hex(), sent.Receipt.BlockNumber)
		return nil

	case "sign":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		message := fs.String("message", "", "message to sign")
		if err := fs.Parse(args); err != nil {
			return err
		}
		sig, err := svc.SignMessage(ctx, st, []byte(*message))
		if err != nil {
			return err
		}
		fmt.Fprintln(out, hexutil.Encode(sig))
		return nil

	case "sign-typed":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		file := fs.String("file", "", "EIP-712 JSON document")
		if err := fs.Parse(args); err != nil {
			return err
		}
		typed, err := readTypedData(*file)
		if err != nil {
			return err
		}
		sig, err := svc.SignTypedData(ctx, st, *typed)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, hexutil.Encode(sig))
		return nil

	case "session":
		return runSession(ctx, svc, st, args, out)

	default:
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
}

func runSession(ctx context.Context, svc *app.WalletService, st *app.State, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: wallet session create|show|revoke")
	}

	switch args[0] {
	case "create":
		rec, err := svc.CreateSessionKey(ctx, st)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "session key: %s\nvalid until: %s\n", rec.Address, formatUnix(rec.ValidUntil))
	case "show":
		rec, err := svc.ShowSessionKey(ctx, st)
		if err != nil {
			return err
		}
		if rec == nil {
			fmt.Fprintln(out, "no session key")
			return nil
		}
		fmt.Fprintf(out, "session key: %s\nvalid until: %s\n", rec.Address, formatUnix(rec.ValidUntil))
	case "revoke":
		if err := svc.RevokeSessionKey(ctx, st); err != nil {
			return err
		}
		fmt.Fprintln(out, "session key removed")
	default:
		return fmt.Errorf("unknown session command %q", args[0])
	}
	return nil
}

func sendRequest(to, value, data string) (*app.SendRequest, error) {
	v, err := validation.ParseValue(value)
	if err != nil {
		return nil, err
	}
	var calldata []byte
	if data != "" {
		calldata, err = hexutil.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("invalid data: %w", err)
		}
	}
	return &app.SendRequest{To: to, Value: v, Data: calldata}, nil
}

func readTypedData(path string) (*apitypes.TypedData, error) {
	if path == "" {
		return nil, errors.New("-file is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var typed apitypes.TypedData
	if err := json.Unmarshal(raw, &typed); err != nil {
		return nil, fmt.Errorf("invalid typed data: %w", err)
	}
	return &typed, nil
}

func printLogin(out io.Writer, res *app.LoginResult) {
	fmt.Fprintf(out, "email:    %s\naccount:  %s\ndeployed: %t\n", res.Email, res.AccountAddress.Hex(), res.Deployed)
	if res.SessionKey != nil {
		fmt.Fprintf(out, "session:  %s\n", res.SessionKey.Hex())
	}
	if res.Warning != nil {
		fmt.Fprintf(out, "warning:  %s\n", describe(res.Warning))
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatUnix(ts uint64) string {
	if ts == 0 {
		return "unknown"
	}
	return time.Unix(int64(ts), 0).UTC().Format(time.RFC3339)
}

// describe renders err as its user-facing message plus detail.
func describe(err error) string {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		return err.Error()
	}
	parts := []string{appErr.Message}
	if appErr.Detail != "" {
		parts = append(parts, appErr.Detail)
	}
	return strings.Join(parts, ": ")
}
