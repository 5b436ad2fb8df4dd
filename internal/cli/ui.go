package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/sigortampanel/wabridge/internal/config"
	"github.com/sigortampanel/wabridge/internal/store"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	return table
}

// openStore loads the config and opens the shared store it names.
func openStore() (*config.Config, *store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.EnsureDir(filepath.Dir(cfg.Store.Path)); err != nil {
		return nil, nil, fmt.Errorf("create store dir: %w", err)
	}
	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}
