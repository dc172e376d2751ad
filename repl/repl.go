package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/NIAGADS/niagads-pylib-sub000/cache"
	"github.com/NIAGADS/niagads-pylib-sub000/filer"
	"github.com/ergochat/readline"
	_ "github.com/mattn/go-sqlite3"
)

// REPL is the operator console for a platform data directory: the cache
// store, the ETL run log and the upstream fetch client.
type REPL struct {
	store  *cache.PebbleStore
	client *filer.Client
	runs   *runlogHandle
	rl     *readline.Instance
}

var ErrNoStore = errors.New("no cache store open; use: open /path/to/cache")
var ErrNoRunLog = errors.New("no run log open; use: runlog /path/to/etl.db")

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("open"),
	readline.PcItem("close"),

	readline.PcItem("key"),
	readline.PcItem("get"),
	readline.PcItem("del"),
	readline.PcItem("keys"),
	readline.PcItem("flush"),
	readline.PcItem("stats"),

	readline.PcItem("connect"),
	readline.PcItem("meta"),

	readline.PcItem("runlog"),
	readline.PcItem("runs"),
	readline.PcItem("plugins"),
	readline.PcItem("plan"),
	readline.PcItem("run"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func (repl *REPL) Open() (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".niagads_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	if repl.store != nil {
		_ = repl.store.Close()
		repl.store = nil
	}
	if repl.runs != nil {
		_ = repl.runs.Close()
		repl.runs = nil
	}
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return nil
}

func (repl *REPL) REPL() error {
	line, err := repl.rl.Readline()
	if err == readline.ErrInterrupt && len(line) != 0 {
		return nil
	}
	if err != nil {
		return err
	}

	line = strings.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	args := strings.Fields(line)
	cmd := args[0]
	args = args[1:]

	switch cmd {
	case "help":
		fmt.Print(helpText)
	// ----- cache store -----
	case "open":
		err = repl.CommandOpen(args)
	case "close":
		err = repl.CommandClose(args)
	case "key":
		err = repl.CommandKey(args)
	case "get":
		err = repl.CommandGet(args)
	case "del":
		err = repl.CommandDel(args)
	case "keys", "ls", "list":
		err = repl.CommandKeys(args)
	case "flush":
		err = repl.CommandFlush(args)
	case "stats":
		err = repl.CommandStats(args)
	// ----- upstream client -----
	case "connect":
		err = repl.CommandConnect(args)
	case "meta":
		err = repl.CommandMeta(args)
	// ----- etl / pipeline -----
	case "runlog":
		err = repl.CommandRunLog(args)
	case "runs":
		err = repl.CommandRuns(args)
	case "plugins":
		err = repl.CommandPlugins(args)
	case "plan":
		err = repl.CommandPlan(args)
	case "run":
		err = repl.CommandRun(args)
	case "exit", "quit":
		return io.EOF
	default:
		_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
	}
	return err
}

const helpText = `open <dir>                      open a cache store directory
close                           close the cache store
key <endpoint?k=v&...>          show derived key, no-page key, digest, namespace
get <namespace> <digest>        print one cache entry
del <namespace> <digest>        remove one cache entry
keys <namespace> [limit]        list store keys in a namespace
flush <namespace>               drop every entry in a namespace
stats                           store and client status
connect [base-url]              set up the upstream FILER client
meta <track,track,...>          fetch track metadata through the client
runlog <file.db>                open an ETL run log database
runs [limit]                    list recent plugin runs
plugins                         list registered ETL plugins
plan <config.{json,yaml}>       print a pipeline's filtered execution plan
run <config.{json,yaml}> [mode] execute a pipeline (default mode: dry-run)
exit | quit
`

func main() {
	repl := REPL{}

	err := repl.Open()
	for err != io.EOF {
		if err != nil {
			_, _ = fmt.Fprintf(os.Stdout, "%s\n", err.Error())
		}
		err = repl.REPL()
	}
	_ = repl.Close()
}
