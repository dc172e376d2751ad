// The pipeline runner: load a declarative pipeline config, print its
// filtered execution plan or drive it to completion.
//
// Usage:
//
//	etl [flags] pipeline.yaml
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/NIAGADS/niagads-pylib-sub000/etl"
	"github.com/NIAGADS/niagads-pylib-sub000/pipeline"
	"github.com/NIAGADS/niagads-pylib-sub000/utils"
	_ "github.com/mattn/go-sqlite3"
)

func main() {
	var (
		mode     = flag.String("mode", "dry-run", "run mode: commit, non-commit or dry-run")
		runlog   = flag.String("runlog", "", "sqlite run-log database (required outside dry-run)")
		resume   = flag.String("resume", "", "resume point, stage or stage.task")
		only     = flag.String("only", "", "comma-separated stage/stage.task selectors to keep")
		skip     = flag.String("skip", "", "comma-separated stage/stage.task selectors to drop")
		line     = flag.Int64("checkpoint-line", 0, "resume hint: last settled line of a failed streaming run")
		recordID = flag.String("checkpoint-id", "", "resume hint: record id of a failed run")
		planOnly = flag.Bool("plan", false, "print the filtered plan and exit")
		verbose  = flag.Bool("verbose", false, "verbose run output")
	)
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: etl [flags] pipeline.{json,yaml}")
		flag.PrintDefaults()
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := utils.NewDefaultLogger(level)

	runMode, err := etl.ParseMode(*mode)
	if err != nil {
		fail(log, err)
	}
	cfg, err := pipeline.LoadConfig(flag.Arg(0))
	if err != nil {
		fail(log, err)
	}

	opts := pipeline.Options{
		Resume:  *resume,
		Logger:  log,
		Verbose: *verbose,
	}
	if *only != "" {
		opts.Only = strings.Split(*only, ",")
	}
	if *skip != "" {
		opts.Skip = strings.Split(*skip, ",")
	}
	if *line > 0 || *recordID != "" {
		cp := &etl.Checkpoint{Line: *line, RecordID: *recordID}
		if err := cp.Validate(); err != nil {
			fail(log, err)
		}
		opts.Checkpoint = cp
	}
	if *runlog != "" {
		db, err := sql.Open("sqlite3", *runlog)
		if err != nil {
			fail(log, err)
		}
		defer db.Close()
		rl := etl.NewSQLRunLog(db)
		if err := rl.Init(context.Background()); err != nil {
			fail(log, err)
		}
		opts.RunLog = rl
	}

	mgr, err := pipeline.NewManager(cfg, opts)
	if err != nil {
		fail(log, err)
	}
	if *planOnly {
		fmt.Println(mgr.DescribePlan())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := mgr.Run(ctx, runMode, nil); err != nil {
		fail(log, err)
	}
}

func fail(log utils.Logger, err error) {
	log.Error(err.Error())
	os.Exit(1)
}
