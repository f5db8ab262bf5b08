package database

import (
	"fmt"
	"strings"

	"github.com/FocuswithJustin/dwgcore/core/directory"
	"github.com/FocuswithJustin/dwgcore/core/handle"
	"github.com/FocuswithJustin/dwgcore/core/paging"
	"github.com/FocuswithJustin/dwgcore/core/record"
)

// ControllerKind selects the page controller a database binds.
type ControllerKind string

const (
	// ControllerFile pages to a free-list managed scratch file.
	ControllerFile ControllerKind = "file"
	// ControllerSQLite pages to a scratch SQLite database.
	ControllerSQLite ControllerKind = "sqlite"
	// ControllerUnload drops idle entities for reconstruction from source.
	ControllerUnload ControllerKind = "unload"
)

// ParseControllerKind converts a name to a ControllerKind.
func ParseControllerKind(s string) (ControllerKind, error) {
	switch k := ControllerKind(strings.ToLower(strings.TrimSpace(s))); k {
	case ControllerFile, ControllerSQLite, ControllerUnload:
		return k, nil
	}
	return "", fmt.Errorf("unknown controller %q (want file, sqlite or unload)", s)
}

// Config configures a database.
type Config struct {
	// Controller selects the paging backend.
	Controller ControllerKind

	// ScratchDir holds scratch files. Empty means os.TempDir().
	ScratchDir string

	// FlushThreshold flushes the orchestrator automatically once this many
	// handles are pending. Zero means flush only on request.
	FlushThreshold int

	// VerifyPageIns checks every page-in against a BLAKE3 digest taken at
	// eviction. Only the file controller honors it.
	VerifyPageIns bool

	// UndoCompressThreshold is the image size at which undo images are held
	// xz-compressed. Zero disables compression.
	UndoCompressThreshold int

	// BeforePage vetoes evictions. Nil allows every eviction.
	BeforePage paging.BeforePageFunc

	// SuppressAutoEnqueue stops idle entities being nominated for eviction.
	SuppressAutoEnqueue bool

	// Codec serializes entities for paging and undo. Nil means record.Codec.
	Codec directory.Codec

	// Reconstructor rebuilds unloaded entities. Nil leaves them unavailable.
	Reconstructor directory.Reconstructor

	// HandleSeed is the highest handle of a previously saved drawing.
	HandleSeed handle.Handle
}

// DefaultConfig returns the configuration used by the CLI.
func DefaultConfig() Config {
	return Config{
		Controller:            ControllerFile,
		VerifyPageIns:         true,
		UndoCompressThreshold: 4096,
		Codec:                 record.Codec{},
	}
}

func (c Config) policy() paging.Policy {
	return paging.Policy{BeforePage: c.BeforePage, SuppressAutoEnqueue: c.SuppressAutoEnqueue}
}

func (c Config) newController() (paging.Controller, error) {
	switch c.Controller {
	case ControllerFile, "":
		return paging.NewFileController(paging.FileConfig{
			Dir:       c.ScratchDir,
			Checksums: c.VerifyPageIns,
			Policy:    c.policy(),
		}), nil
	case ControllerSQLite:
		return paging.NewSQLiteController(paging.SQLiteConfig{Dir: c.ScratchDir, Policy: c.policy()}), nil
	case ControllerUnload:
		return paging.NewUnloadController(c.policy()), nil
	}
	return nil, fmt.Errorf("unknown controller %q", c.Controller)
}
