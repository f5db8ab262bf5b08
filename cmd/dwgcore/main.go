// Command dwgcore replays scenario scripts against the object runtime and
// inspects the scratch files page controllers leave behind.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/FocuswithJustin/dwgcore/core/database"
	"github.com/FocuswithJustin/dwgcore/core/paging"
	"github.com/FocuswithJustin/dwgcore/core/script"
	"github.com/FocuswithJustin/dwgcore/core/sqlite"
	"github.com/FocuswithJustin/dwgcore/internal/logging"
)

const version = "0.1.0"

// CLI defines the command-line interface for dwgcore.
var CLI struct {
	LogLevel  string `name:"log-level" help:"Log level (debug, info, warn, error)" default:"warn"`
	LogFormat string `name:"log-format" help:"Log format (text, json)" default:"text"`

	Replay  ReplayCmd  `cmd:"" help:"Replay a scenario script against a fresh database"`
	Inspect InspectCmd `cmd:"" help:"List the records in a scratch file"`
	Version VersionCmd `cmd:"" help:"Print version information"`
}

// ReplayCmd runs a scenario script.
type ReplayCmd struct {
	Script         string `arg:"" help:"Path to scenario script" type:"existingfile"`
	Controller     string `name:"controller" short:"c" help:"Page controller (file, sqlite, unload)" default:"file"`
	ScratchDir     string `name:"scratch-dir" help:"Directory for scratch files" type:"path"`
	FlushThreshold int    `name:"flush-threshold" help:"Flush automatically after this many idle entities (0 = never)" default:"0"`
	NoVerify       bool   `name:"no-verify" help:"Skip BLAKE3 verification of page-ins"`
}

// InspectCmd lists the records of a scratch file.
type InspectCmd struct {
	Path string `arg:"" help:"Scratch file (.swp) or scratch database (.db)" type:"existingfile"`
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *ReplayCmd) config() (database.Config, error) {
	cfg := database.DefaultConfig()
	kind, err := database.ParseControllerKind(c.Controller)
	if err != nil {
		return cfg, err
	}
	cfg.Controller = kind
	cfg.ScratchDir = c.ScratchDir
	cfg.FlushThreshold = c.FlushThreshold
	cfg.VerifyPageIns = !c.NoVerify
	return cfg, nil
}

func (c *ReplayCmd) Run() error {
	return c.run(os.Stdout)
}

func (c *ReplayCmd) run(out io.Writer) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}

	f, err := os.Open(c.Script)
	if err != nil {
		return fmt.Errorf("failed to open script: %w", err)
	}
	defer f.Close()

	s, err := script.Parse(filepath.Base(c.Script), f)
	if err != nil {
		return err
	}

	db, err := database.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	rep, runErr := s.Run(db)
	stats := db.Stats()

	fmt.Fprintf(out, "Script: %s\n", c.Script)
	fmt.Fprintf(out, "  Controller: %s (%s)\n", stats.Controller, stats.Mode)
	fmt.Fprintf(out, "  Statements: %d/%d\n", rep.Statements, len(s.Lines))
	fmt.Fprintf(out, "  Checks: %d\n", rep.Checks)
	fmt.Fprintf(out, "  Handles: %d (resident %d, paged %d, erased %d, pending %d)\n",
		stats.Handles, stats.States.Resident, stats.States.PagedOut, stats.States.Erased, stats.States.Pending)
	fmt.Fprintf(out, "  Flushed: %d evicted, %d unloaded\n", rep.Evicted, rep.Unloaded)
	fmt.Fprintf(out, "  Undo: %d steps, %d redo\n", stats.UndoDepth, stats.RedoDepth)

	if runErr != nil {
		fmt.Fprintf(out, "  [FAIL] %v\n", runErr)
		return runErr
	}
	fmt.Fprintln(out, "  [PASS]")
	return nil
}

func (c *InspectCmd) Run() error {
	return c.run(os.Stdout)
}

func (c *InspectCmd) run(out io.Writer) error {
	var (
		recs []paging.RecordInfo
		err  error
		unit = "offset"
	)

	if strings.HasSuffix(c.Path, ".db") {
		unit = "row"
		recs, err = paging.ScanRows(c.Path)
	} else {
		recs, err = scanScratchFile(c.Path)
	}
	if err != nil {
		return err
	}

	var total uint64
	fmt.Fprintf(out, "Scratch: %s\n", c.Path)
	for _, r := range recs {
		fmt.Fprintf(out, "  %s %-10d %d bytes\n", unit, r.Offset, r.Length)
		total += uint64(r.Length)
	}
	fmt.Fprintf(out, "  Records: %d, payload bytes: %d\n", len(recs), total)
	return nil
}

func scanScratchFile(path string) ([]paging.RecordInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open scratch file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat scratch file: %w", err)
	}
	return paging.ScanFile(f, info.Size())
}

func (c *VersionCmd) Run() error {
	fmt.Printf("dwgcore version %s (sqlite driver %s)\n", version, sqlite.DriverType())
	return nil
}

func initLogging() error {
	level, err := logging.ParseLevel(CLI.LogLevel)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(CLI.LogFormat)
	if err != nil {
		return err
	}
	logging.InitLoggerTo(os.Stderr, level, format)
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("dwgcore"),
		kong.Description("Drawing database object runtime: paging, transactions and undo"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	ctx.FatalIfErrorf(initLogging())
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
