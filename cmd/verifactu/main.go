package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/veritax-labs/verifactu-core/pkg/config"
	"github.com/veritax-labs/verifactu-core/pkg/engine"
	"github.com/veritax-labs/verifactu-core/pkg/observability"
	"github.com/veritax-labs/verifactu-core/pkg/record"
	"github.com/veritax-labs/verifactu-core/pkg/store"

	_ "github.com/lib/pq"      // Postgres driver
	_ "modernc.org/sqlite"     // SQLite driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; split out for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[1] {
	case "worker":
		return runWorker(ctx, stderr)
	case "queue":
		return runQueue(ctx, stdout, stderr)
	case "verify":
		return runVerify(ctx, stdout, stderr)
	case "reconcile":
		return runReconcile(ctx, args[2:], stdout, stderr)
	case "resolve":
		return runResolve(ctx, args[2:], stdout, stderr)
	case "recover":
		return runRecover(ctx, args[2:], stdout, stderr)
	case "status":
		return runStatus(ctx, args[2:], stdout, stderr)
	case "health":
		return runHealth(ctx, stdout, stderr)
	case "probe":
		return runProbe(ctx, stdout, stderr)
	case "records":
		return runRecords(ctx, args[2:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: verifactu <command>

Commands:
  worker      run the transmission worker loop
  queue       drain the contingency queue once
  verify      verify the hash chain
  reconcile   compare the local chain head against the authority
  resolve     diagnose and auto-resolve a divergence
  recover     store a manual chain continuation hash
  status      show chain and contingency status
  health      run the health check
  probe       probe authority connectivity
  records     list records`)
}

// open builds the engine from the environment settings.
func open(ctx context.Context) (*engine.Engine, config.Settings, error) {
	settings, err := config.Load()
	if err != nil {
		return nil, settings, err
	}
	initLogging(settings.LogLevel)

	db, err := store.Open(ctx, settings.Driver, settings.DSN)
	if err != nil {
		return nil, settings, err
	}

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:  "verifactu-core",
		OTLPEndpoint: settings.OTLPEndpoint,
		Enabled:      settings.Telemetry,
	})
	if err != nil {
		_ = db.Close()
		return nil, settings, err
	}

	eng, err := engine.New(ctx, db, engine.Options{Telemetry: telemetry})
	if err != nil {
		_ = db.Close()
		return nil, settings, err
	}
	return eng, settings, nil
}

func initLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func runWorker(ctx context.Context, stderr io.Writer) int {
	eng, _, err := open(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = eng.Close() }()

	if err := eng.RunWorker(ctx); err != nil && ctx.Err() == nil {
		return fail(stderr, err)
	}
	return 0
}

func runQueue(ctx context.Context, stdout, stderr io.Writer) int {
	eng, _, err := open(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = eng.Close() }()

	successful, failed, err := eng.ProcessQueue(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	_, _ = fmt.Fprintf(stdout, "queue drained: %d successful, %d failed\n", successful, failed)
	return 0
}

func runVerify(ctx context.Context, stdout, stderr io.Writer) int {
	eng, _, err := open(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = eng.Close() }()

	ok, sequence, reason := eng.VerifyChain(ctx)
	if !ok {
		_, _ = fmt.Fprintf(stderr, "chain verification FAILED at sequence %d: %s\n", sequence, reason)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "chain verification passed")
	return 0
}

func runReconcile(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	nif := fs.String("nif", "", "issuer NIF (default: configured issuer)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	eng, settings, err := open(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = eng.Close() }()

	res, err := eng.Reconcile(ctx, issuer(*nif, settings))
	if err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, stderr, res)
}

func runResolve(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	nif := fs.String("nif", "", "issuer NIF (default: configured issuer)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	eng, settings, err := open(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = eng.Close() }()

	res, err := eng.ResolveConflict(ctx, issuer(*nif, settings))
	if err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, stderr, res)
}

func runRecover(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("recover", flag.ContinueOnError)
	nif := fs.String("nif", "", "issuer NIF (default: configured issuer)")
	hash := fs.String("hash", "", "last record fingerprint (64 hex chars)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *hash == "" {
		_, _ = fmt.Fprintln(stderr, "recover requires -hash")
		return 2
	}

	eng, settings, err := open(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = eng.Close() }()

	res, err := eng.RecoverManual(ctx, issuer(*nif, settings), *hash)
	if err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, stderr, res)
}

func runStatus(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	nif := fs.String("nif", "", "issuer NIF (default: configured issuer)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	eng, settings, err := open(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = eng.Close() }()

	state, err := eng.ChainStatus(ctx, issuer(*nif, settings))
	if err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, stderr, state)
}

func runHealth(ctx context.Context, stdout, stderr io.Writer) int {
	eng, _, err := open(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = eng.Close() }()

	healthy, message, status := eng.Health(ctx)
	_, _ = fmt.Fprintf(stdout, "healthy: %v\nmessage: %s\nmode: %s\nqueue: %d\n",
		healthy, message, status.Mode, status.QueueSize)
	if !healthy {
		return 1
	}
	return 0
}

func runProbe(ctx context.Context, stdout, stderr io.Writer) int {
	eng, _, err := open(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = eng.Close() }()

	ok, message := eng.ProbeConnection(ctx)
	_, _ = fmt.Fprintf(stdout, "reachable: %v (%s)\n", ok, message)
	if !ok {
		return 1
	}
	return 0
}

func runRecords(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("records", flag.ContinueOnError)
	nif := fs.String("nif", "", "issuer NIF (default: configured issuer)")
	status := fs.String("status", "", "filter by status")
	limit := fs.Int("limit", 20, "maximum records")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	eng, settings, err := open(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = eng.Close() }()

	records, err := eng.ListRecords(ctx, store.Filter{
		IssuerNIF: issuer(*nif, settings),
		Status:    record.Status(*status),
		Limit:     *limit,
	})
	if err != nil {
		return fail(stderr, err)
	}
	for _, rec := range records {
		_, _ = fmt.Fprintf(stdout, "%6d  %-9s  %-20s  %s  %s\n",
			rec.SequenceNumber, rec.RecordType, rec.InvoiceNumber, rec.Status, rec.RecordHash)
	}
	return 0
}

func issuer(flagNIF string, settings config.Settings) string {
	if flagNIF != "" {
		return flagNIF
	}
	return settings.IssuerNIF
}

func printJSON(stdout, stderr io.Writer, v any) int {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fail(stderr, err)
	}
	_, _ = fmt.Fprintln(stdout, string(out))
	return 0
}

func fail(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintln(stderr, "error:", err)
	return 1
}
