package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"duraflow/internal/activities"
	"duraflow/internal/api"
	"duraflow/internal/engine"
	"duraflow/internal/schedule"
	"duraflow/internal/store"
	"duraflow/internal/worker"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "worker":
		err = cmdWorker(os.Args[2:])
	case "serve":
		err = cmdServe(os.Args[2:])
	case "start":
		err = cmdStart(os.Args[2:])
	case "signal":
		err = cmdSignal(os.Args[2:])
	case "cancel":
		err = cmdCancel(os.Args[2:])
	case "status":
		err = cmdStatus(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: duraflow <command> [flags]

commands:
  worker   run the worker loop (activities + workflow steps + cron schedules)
  serve    run the HTTP API
  start    start a workflow and print its execution id
  signal   send a signal to an execution
  cancel   cancel an execution
  status   query an execution`)
}

func openEngine(dbPath string) (*store.Store, *engine.Engine, error) {
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	reg := engine.NewRegistry()
	activities.RegisterBuiltins(reg)
	return st, engine.New(st, reg), nil
}

func cmdWorker(args []string) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	dbPath := fs.String("db", "duraflow.db", "SQLite DB path")
	tick := fs.Float64("tick", 0.5, "poll interval in seconds")
	batch := fs.Int("batch", 10, "max tasks per tick")
	iterations := fs.Int("iterations", 0, "loop iterations to run, 0 for unbounded (for testing)")
	procs := fs.Int("procs", 4, "max concurrent activity executors")
	cronEvery := fs.Duration("cron-interval", 5*time.Second, "cron schedule check interval")
	fs.Parse(args)

	st, eng, err := openEngine(*dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		log.Info().Msg("shutting down")
		cancel()
	}()

	svc := schedule.NewService(st, eng, *cronEvery)
	go svc.Start(ctx)
	defer svc.Stop()

	w := worker.New(eng, st, worker.Options{
		Tick:       time.Duration(*tick * float64(time.Second)),
		Batch:      *batch,
		Procs:      *procs,
		Iterations: *iterations,
	})
	if err := w.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	dbPath := fs.String("db", "duraflow.db", "SQLite DB path")
	addr := fs.String("addr", ":8080", "HTTP bind address")
	debug := fs.Bool("debug", false, "enable pprof endpoints")
	fs.Parse(args)

	st, eng, err := openEngine(*dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	srv := &http.Server{Addr: *addr, Handler: api.NewServerWithDebug(eng, st, *debug)}
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		log.Info().Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	log.Info().Str("addr", *addr).Msg("HTTP server starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func parseInput(s string) (map[string]any, error) {
	var input map[string]any
	if err := json.Unmarshal([]byte(s), &input); err != nil {
		return nil, fmt.Errorf("invalid JSON for --input: %w", err)
	}
	return input, nil
}

func cmdStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	dbPath := fs.String("db", "duraflow.db", "SQLite DB path")
	input := fs.String("input", "{}", `JSON object for workflow input, e.g. '{"user_id": 1}'`)
	timeout := fs.Float64("timeout", 0, "optional workflow timeout in seconds")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: duraflow start [--input JSON] [--timeout SEC] WORKFLOW_NAME")
	}

	data, err := parseInput(*input)
	if err != nil {
		return err
	}
	st, eng, err := openEngine(*dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	id, err := eng.StartWorkflow(context.Background(), fs.Arg(0), data, time.Duration(*timeout*float64(time.Second)))
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func cmdSignal(args []string) error {
	fs := flag.NewFlagSet("signal", flag.ExitOnError)
	dbPath := fs.String("db", "duraflow.db", "SQLite DB path")
	input := fs.String("input", "{}", "JSON signal payload")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: duraflow signal [--input JSON] EXECUTION_ID NAME")
	}

	var payload any
	if err := json.Unmarshal([]byte(*input), &payload); err != nil {
		return fmt.Errorf("invalid JSON for --input: %w", err)
	}
	st, eng, err := openEngine(*dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	// Accepted even when the execution is already terminal; the signal is
	// then dropped.
	return eng.SignalWorkflow(context.Background(), fs.Arg(0), fs.Arg(1), payload)
}

func cmdCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	dbPath := fs.String("db", "duraflow.db", "SQLite DB path")
	reason := fs.String("reason", "", "cancellation reason")
	keepQueued := fs.Bool("keep-queued", false, "leave queued activity tasks in place")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: duraflow cancel [--reason STR] [--keep-queued] EXECUTION_ID")
	}

	st, eng, err := openEngine(*dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	return eng.CancelWorkflow(context.Background(), fs.Arg(0), *reason, !*keepQueued)
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	dbPath := fs.String("db", "duraflow.db", "SQLite DB path")
	query := fs.String("query", "status", "query name")
	input := fs.String("input", "{}", "JSON query payload")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: duraflow status [--query NAME --input JSON] EXECUTION_ID")
	}

	payload, err := parseInput(*input)
	if err != nil {
		return err
	}
	st, eng, err := openEngine(*dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := eng.QueryWorkflow(context.Background(), fs.Arg(0), *query, payload)
	if err != nil {
		return err
	}
	out, err := json.Marshal(res)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
