// Command lockctl is an operator client for the lockpay HTTP API. It can also act as a
// simulated device (poll and ack) for field testing.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	u "github.com/gofrs/uuid/v5"

	"github.com/and161185/lockpay/internal/auth"
)

// ---- token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	Operator    string    `json:"operator"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "lockpay")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "lockpay")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tf tokenFile) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(tokenPath(), b, 0o600)
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", errors.New("no saved token (run mint-token first)")
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("saved token expired (run mint-token again)")
	}
	return tf.AccessToken, nil
}

// ---- utils ----

func printJSON(w io.Writer, raw json.RawMessage) {
	var v any
	if json.Unmarshal(raw, &v) != nil {
		_, _ = w.Write(raw)
		return
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func parseID(name, v string) (string, error) {
	id, err := u.FromString(strings.TrimSpace(v))
	if err != nil || id == u.Nil {
		return "", fmt.Errorf("-%s must be a uuid", name)
	}
	return id.String(), nil
}

func usage(w io.Writer) {
	fmt.Fprint(w, `lockctl
Usage:
  lockctl [-addr URL] <cmd> [args]

Operator commands (need a saved token):
  mint-token  -key <jwt key> [-operator name] [-ttl 12h]   (saves token)
  sale        -id <sale uuid>
  overdue
  pay         -sale <uuid> -amount <minor units> [-method cash|transfer] [-installment <uuid>]
  status      -imei <device>
  lock        -imei <device> [-type lock|unlock] [-reason text]
  history     -imei <device>
  unmatched
  resolve     -event <uuid> -sale <uuid>

Device commands:
  poll        -imei <device>
  ack         -id <command uuid> -secret <secret>
  version
`)
}

var (
	version   = "dev"
	buildDate = "unknown"
)

var errUsage = errors.New("usage")

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one subcommand and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("lockctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	addr := global.String("addr", envOr("LOCKPAY_ADDR", "http://localhost:8080"), "server base URL")
	global.Usage = func() { usage(stderr) }
	if err := global.Parse(args); err != nil {
		return 2
	}
	if global.NArg() < 1 {
		usage(stderr)
		return 2
	}

	err := dispatch(ctx, *addr, global.Arg(0), global.Args()[1:], stdout)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
		usage(stderr)
		return 2
	default:
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func operatorClient(addr string) (*client, error) {
	tok, err := loadToken()
	if err != nil {
		return nil, err
	}
	return newClient(addr, tok), nil
}

func dispatch(ctx context.Context, addr, cmd string, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	switch cmd {
	case "version":
		fmt.Fprintf(stdout, "lockctl %s (%s)\n", version, buildDate)
		return nil

	case "mint-token":
		key := fs.String("key", os.Getenv("OPERATOR_JWT_KEY"), "operator JWT signing key")
		op := fs.String("operator", envOr("USER", "operator"), "operator name")
		ttl := fs.Duration("ttl", 12*time.Hour, "token lifetime")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *key == "" {
			return fmt.Errorf("%w: -key required", errUsage)
		}
		tok, exp, err := auth.NewTokens([]byte(*key), *ttl).Issue(*op, time.Now())
		if err != nil {
			return err
		}
		if err := saveToken(tokenFile{AccessToken: tok, Operator: *op, ExpiresAt: exp}); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "token for %s saved, expires %s\n", *op, exp.Format(time.RFC3339))
		return nil

	case "sale":
		id := fs.String("id", "", "sale id")
		if err := fs.Parse(args); err != nil {
			return err
		}
		sid, err := parseID("id", *id)
		if err != nil {
			return err
		}
		return operatorGet(ctx, addr, "/api/v1/sales/"+sid, stdout)

	case "overdue":
		return operatorGet(ctx, addr, "/api/v1/sales/overdue", stdout)

	case "pay":
		sale := fs.String("sale", "", "sale id")
		amount := fs.Int64("amount", 0, "amount in minor units")
		method := fs.String("method", "cash", "cash or transfer")
		inst := fs.String("installment", "", "target installment id")
		if err := fs.Parse(args); err != nil {
			return err
		}
		sid, err := parseID("sale", *sale)
		if err != nil {
			return err
		}
		if *amount <= 0 {
			return errors.New("-amount must be positive")
		}
		body := map[string]any{"amount": *amount, "method": *method}
		if *inst != "" {
			iid, err := parseID("installment", *inst)
			if err != nil {
				return err
			}
			body["installment_id"] = iid
		}
		return operatorSend(ctx, addr, "POST", "/api/v1/sales/"+sid+"/payments", body, stdout)

	case "status", "history":
		imei := fs.String("imei", "", "device identifier")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *imei == "" {
			return fmt.Errorf("%w: -imei required", errUsage)
		}
		path := "/api/v1/devices/" + *imei + "/status"
		if cmd == "history" {
			path = "/api/v1/devices/" + *imei + "/commands"
		}
		return operatorGet(ctx, addr, path, stdout)

	case "lock":
		imei := fs.String("imei", "", "device identifier")
		typ := fs.String("type", "lock", "lock or unlock")
		reason := fs.String("reason", "operator override", "reason")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *imei == "" {
			return fmt.Errorf("%w: -imei required", errUsage)
		}
		return operatorSend(ctx, addr, "POST", "/api/v1/devices/"+*imei+"/commands",
			map[string]any{"type": *typ, "reason": *reason}, stdout)

	case "unmatched":
		return operatorGet(ctx, addr, "/api/v1/webhooks/unmatched", stdout)

	case "resolve":
		event := fs.String("event", "", "journaled webhook event id")
		sale := fs.String("sale", "", "sale to credit")
		if err := fs.Parse(args); err != nil {
			return err
		}
		eid, err := parseID("event", *event)
		if err != nil {
			return err
		}
		sid, err := parseID("sale", *sale)
		if err != nil {
			return err
		}
		return operatorSend(ctx, addr, "POST", "/api/v1/webhooks/events/"+eid+"/resolve",
			map[string]any{"sale_id": sid}, stdout)

	case "poll":
		imei := fs.String("imei", "", "device identifier")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *imei == "" {
			return fmt.Errorf("%w: -imei required", errUsage)
		}
		raw, err := newClient(addr, "").do(ctx, "GET", "/api/v1/device/commands?imei="+*imei, nil)
		if err != nil {
			return err
		}
		printJSON(stdout, raw)
		return nil

	case "ack":
		id := fs.String("id", "", "command id")
		secret := fs.String("secret", "", "secret received with the command")
		if err := fs.Parse(args); err != nil {
			return err
		}
		cid, err := parseID("id", *id)
		if err != nil {
			return err
		}
		if *secret == "" {
			return fmt.Errorf("%w: -secret required", errUsage)
		}
		raw, err := newClient(addr, "").do(ctx, "POST", "/api/v1/device/commands/"+cid+"/ack",
			map[string]any{"secret": *secret})
		if err != nil {
			return err
		}
		printJSON(stdout, raw)
		return nil
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

func operatorGet(ctx context.Context, addr, path string, stdout io.Writer) error {
	return operatorSend(ctx, addr, "GET", path, nil, stdout)
}

func operatorSend(ctx context.Context, addr, method, path string, body any, stdout io.Writer) error {
	c, err := operatorClient(addr)
	if err != nil {
		return err
	}
	raw, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	printJSON(stdout, raw)
	return nil
}
