package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/joho/godotenv"

	"github.com/joseph-ayodele/invoice-fusion/internal/app"
	"github.com/joseph-ayodele/invoice-fusion/internal/common"
	"github.com/joseph-ayodele/invoice-fusion/internal/export"
	"github.com/joseph-ayodele/invoice-fusion/internal/ingest"
	"github.com/joseph-ayodele/invoice-fusion/internal/processor"
	"github.com/joseph-ayodele/invoice-fusion/internal/utils"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	var (
		file    = flag.String("file", "", "single invoice file to process")
		dir     = flag.String("dir", "", "directory of invoices to process")
		out     = flag.String("out", "", "output XLSX path (default: invoices.xlsx next to the input)")
		debug   = flag.Bool("debug", false, "verbose logging")
		saveOCR = flag.String("save-ocr", "", "directory to write the raw OCR tokens of each file")
		dsn     = flag.String("db", ":memory:", "database DSN (postgres://... or a sqlite path)")
		workers = flag.Int("workers", 0, "files processed concurrently (default BATCH_WORKERS)")
		force   = flag.Bool("force", false, "reprocess files already stored")
	)
	flag.Parse()

	if (*file == "") == (*dir == "") {
		printError("Error: exactly one of --file or --dir is required\n")
		flag.Usage()
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		printError("Warning: reading .env: %v\n", err)
	}
	cfg, err := common.LoadConfig()
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}
	cfg.Database.DSN = *dsn
	if *debug {
		cfg.LogLevel = "debug"
	}
	if *saveOCR != "" {
		cfg.Batch.SaveOCRDir = *saveOCR
	}
	if *workers > 0 {
		cfg.Batch.Workers = *workers
	}

	logger := common.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	input := *file
	if input == "" {
		input = *dir
	}
	paths, stats, err := ingest.Discover(input, nil, true)
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}
	if len(paths) == 0 {
		printError("No supported invoice files found in %s (scanned %d)\n", input, stats.Scanned)
		os.Exit(1)
	}
	if *out == "" {
		base := input
		if *file != "" {
			base = filepath.Dir(input)
		}
		*out = filepath.Join(base, "invoices.xlsx")
	}

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("app.close.failed", "error", err)
		}
	}()

	results := a.Processor.ProcessPaths(ctx, paths, *force)

	if err := export.NewWriter(logger).WriteFile(*out, processor.Documents(results)); err != nil {
		printError("Error writing %s: %v\n", *out, err)
		os.Exit(1)
	}

	failed := printSummary(results)
	fmt.Printf("\nProcessed %d file(s), %d failed. Workbook: %s\n", len(results), failed, *out)
	if failed == len(results) {
		os.Exit(1)
	}
}

func printSummary(results []processor.FileResult) int {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "FILE\tSTATUS\tINVOICE\tTOTAL\tNOTE")
	failed := 0
	for _, r := range results {
		name := filepath.Base(r.Path)
		switch {
		case r.Err != nil:
			failed++
			_, _ = fmt.Fprintf(tw, "%s\tFAILED\t\t\t%s: %v\n", name, r.ErrorKind, r.Err)
		default:
			total := ""
			if r.Record.Total.Valid {
				total = r.Record.Total.Decimal.StringFixed(2) + " " + r.Record.Currency
			}
			note := fmt.Sprintf("%d line item(s)", len(r.Record.LineItems))
			if r.Deduplicated {
				note = "already stored"
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name, r.Record.Status,
				utils.StrOrEmpty(r.Record.InvoiceNumber), total, note)
		}
	}
	_ = tw.Flush()
	return failed
}
