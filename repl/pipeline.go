package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/NIAGADS/niagads-pylib-sub000/etl"
	"github.com/NIAGADS/niagads-pylib-sub000/filer"
	"github.com/NIAGADS/niagads-pylib-sub000/pipeline"
)

var HelpConnect = errors.New("connect [base-url]")
var HelpMeta = errors.New("meta NGEN000001,NGEN000002")
var HelpRunLog = errors.New("runlog /path/to/etl.db")
var HelpPlan = errors.New("plan /path/to/pipeline.yaml")
var HelpRun = errors.New("run /path/to/pipeline.yaml [dry-run|non-commit|commit]")

// runlogHandle pairs the sqlite connection with its run-log facade so the
// console can close both together.
type runlogHandle struct {
	db  *sql.DB
	log *etl.SQLRunLog
}

func (h *runlogHandle) Close() error { return h.db.Close() }

func (repl *REPL) CommandConnect(args []string) error {
	if len(args) > 1 {
		return HelpConnect
	}
	base := ""
	if len(args) == 1 {
		base = args[0]
	}
	repl.client = filer.NewClient(filer.Options{BaseURL: base})
	fmt.Println("upstream client ready")
	return nil
}

func (repl *REPL) CommandMeta(args []string) error {
	if repl.client == nil {
		return errors.New("no upstream client; use: connect [base-url]")
	}
	if len(args) != 1 {
		return HelpMeta
	}
	meta, err := repl.client.Metadata(context.Background(), strings.Split(args[0], ","))
	if err != nil {
		return err
	}
	for _, m := range meta {
		fmt.Printf("%-14s %-8s %-16s %-14s %s\n",
			m.TrackID, m.Assembly, m.DataSource, m.FeatureType, m.Name)
	}
	fmt.Printf("%d track(s)\n", len(meta))
	return nil
}

func (repl *REPL) CommandRunLog(args []string) error {
	if len(args) != 1 {
		return HelpRunLog
	}
	if repl.runs != nil {
		_ = repl.runs.Close()
		repl.runs = nil
	}
	db, err := sql.Open("sqlite3", args[0])
	if err != nil {
		return err
	}
	runlog := etl.NewSQLRunLog(db)
	if err := runlog.Init(context.Background()); err != nil {
		_ = db.Close()
		return err
	}
	repl.runs = &runlogHandle{db: db, log: runlog}
	fmt.Printf("run log %s opened\n", args[0])
	return nil
}

func (repl *REPL) CommandRuns(args []string) error {
	if repl.runs == nil {
		return ErrNoRunLog
	}
	limit := 20
	if len(args) == 1 {
		var err error
		if limit, err = strconv.Atoi(args[0]); err != nil {
			return errors.New("runs [limit]")
		}
	}
	records, err := repl.runs.log.ListRuns(context.Background(), limit)
	if err != nil {
		return err
	}
	for _, rec := range records {
		end := "-"
		if !rec.EndTime.IsZero() {
			end = rec.EndTime.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-6d %-10s %-24s %-8s %8d rows  %s .. %s  %s\n",
			rec.TaskID, rec.RunID, rec.Plugin, rec.Status, rec.RowsProcessed,
			rec.StartTime.Format("2006-01-02 15:04:05"), end, rec.Message)
	}
	fmt.Printf("%d run(s)\n", len(records))
	return nil
}

func (repl *REPL) CommandPlugins(args []string) error {
	names := etl.DefaultRegistry.List()
	if len(names) == 0 {
		fmt.Println("no plugins registered")
		return nil
	}
	for _, name := range names {
		info, err := etl.DefaultRegistry.Describe(name)
		if err != nil {
			fmt.Printf("%-24s (describe failed: %s)\n", name, err)
			continue
		}
		fmt.Printf("%-24s v%-8s %-10s %-10s %s\n",
			info.Name, info.Version, info.Operation, info.Strategy, info.Description)
	}
	return nil
}

func (repl *REPL) CommandPlan(args []string) error {
	if len(args) != 1 {
		return HelpPlan
	}
	mgr, err := repl.manager(args[0])
	if err != nil {
		return err
	}
	fmt.Println(mgr.DescribePlan())
	return nil
}

func (repl *REPL) CommandRun(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return HelpRun
	}
	mode := etl.ModeDryRun
	if len(args) == 2 {
		var err error
		if mode, err = etl.ParseMode(args[1]); err != nil {
			return err
		}
	}
	mgr, err := repl.manager(args[0])
	if err != nil {
		return err
	}
	if err := mgr.Run(context.Background(), mode, nil); err != nil {
		return err
	}
	fmt.Println("pipeline completed")
	return nil
}

func (repl *REPL) manager(configPath string) (*pipeline.Manager, error) {
	cfg, err := pipeline.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	opts := pipeline.Options{}
	if repl.runs != nil {
		opts.RunLog = repl.runs.log
	}
	return pipeline.NewManager(cfg, opts)
}
