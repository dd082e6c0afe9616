// essctl is the operator tool for the bridge: inspect an application's
// record and audit trail, or push the parked notification queue.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/umojafsp/essbridge/pkg/db"
	"github.com/umojafsp/essbridge/pkg/logging"
	"github.com/umojafsp/essbridge/services/bridge/internal/cbs"
	"github.com/umojafsp/essbridge/services/bridge/internal/config"
	"github.com/umojafsp/essbridge/services/bridge/internal/dispatch"
	"github.com/umojafsp/essbridge/services/bridge/internal/store"
)

const usage = "usage: essctl show --application <ess_application_number> | essctl resend [--limit <n>]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	switch os.Args[1] {
	case "show":
		runShow(os.Args[2:])
	case "resend":
		runResend(os.Args[2:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}

func runShow(args []string) {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	application := fs.String("application", "", "ESS application number")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	if *application == "" {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fatal("config load", err)
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.Database.DSN)
	if err != nil {
		fatal("database connect", err)
	}
	defer pool.Close()
	st := store.New(pool)

	app, err := st.GetByESSApplicationNumber(ctx, *application)
	if err != nil {
		fatal("lookup failed", err)
	}
	audit, err := st.ListAudit(ctx, *application)
	if err != nil {
		fatal("audit lookup failed", err)
	}

	out := map[string]any{
		"application": app,
		"audit":       audit,
	}
	if app.CBSLoanID != nil {
		gateway := cbs.New(cfg.CBS.BaseURL, cfg.CBS.Username, cfg.CBS.Password, cfg.CBS.TenantID,
			time.Duration(cfg.CBS.TimeoutSeconds)*time.Second)
		summary, err := gateway.FetchLoanSummary(ctx, *app.CBSLoanID)
		if err != nil {
			out["cbs_loan"] = map[string]any{"error": err.Error()}
		} else {
			out["cbs_loan"] = summary
		}
	}

	enc, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fatal("encode failed", err)
	}
	fmt.Println(string(enc))
}

func runResend(args []string) {
	fs := flag.NewFlagSet("resend", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	limit := fs.Int("limit", 50, "maximum parked notifications to attempt")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fatal("config load", err)
	}
	log, err := logging.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fatal("logger init", err)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.Database.DSN)
	if err != nil {
		fatal("database connect", err)
	}
	defer pool.Close()

	dispatcher := dispatch.New(dispatch.Config{
		CallbackURL: cfg.ESS.CallbackURL,
		Timeout:     time.Duration(cfg.Delivery.TimeoutSeconds) * time.Second,
		MaxAttempts: 1,
		BaseBackoff: time.Duration(cfg.Delivery.BaseBackoffSeconds) * time.Second,
		MaxBackoff:  time.Duration(cfg.Delivery.MaxBackoffSeconds) * time.Second,
	}, store.New(pool), log.With().Str("component", "dispatch").Logger())

	delivered, err := dispatcher.ResendBatch(ctx, *limit, int64(cfg.Delivery.ResendConcurrency))
	if err != nil {
		fatal("resend failed", err)
	}
	fmt.Printf("delivered %d parked notification(s)\n", delivered)
}

func fatal(stage string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", stage, err)
	os.Exit(1)
}
