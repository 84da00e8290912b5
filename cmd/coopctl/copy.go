package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/primal-host/primal-coop/internal/repo"
)

// Copier copies records of one repository between instances. Records
// keep their rkeys, so copying twice is a no-op apart from new commits.
type Copier struct {
	source     *Client
	target     *Client
	sourceDID  string
	targetDID  string
	maxRecords int
	dryRun     bool
	out        io.Writer
	stats      CopyStats
}

// CopyStats tracks copy progress.
type CopyStats struct {
	RecordsCopied  int
	RecordsSkipped int
	Errors         int
}

// Run copies every listed collection.
func (cp *Copier) Run(collections []string) error {
	fmt.Fprintf(cp.out, "Copy: %s -> %s (dry-run: %v)\n", cp.sourceDID, cp.targetDID, cp.dryRun)

	for _, coll := range collections {
		records, err := cp.source.ListRecords(cp.sourceDID, coll, cp.maxRecords)
		if err != nil {
			fmt.Fprintf(cp.out, "  Error listing %s: %v\n", coll, err)
			cp.stats.Errors++
			continue
		}

		copied, skipped := 0, 0
		for _, rec := range records {
			_, _, rkey, err := repo.ParseURI(rec.URI)
			if err != nil {
				skipped++
				continue
			}
			if cp.dryRun {
				copied++
				continue
			}
			if err := cp.target.PutRecord(cp.targetDID, coll, rkey, rec.Value); err != nil {
				var apiErr *APIError
				if errors.As(err, &apiErr) && apiErr.Code == "InvalidRequest" {
					skipped++
					continue
				}
				fmt.Fprintf(cp.out, "  Error writing %s/%s: %v\n", coll, rkey, err)
				cp.stats.Errors++
				continue
			}
			copied++
		}
		cp.stats.RecordsCopied += copied
		cp.stats.RecordsSkipped += skipped
		fmt.Fprintf(cp.out, "  %s: %d copied, %d skipped\n", coll, copied, skipped)
	}

	fmt.Fprintln(cp.out)
	fmt.Fprintln(cp.out, "=== Copy Summary ===")
	fmt.Fprintf(cp.out, "Records copied:   %d\n", cp.stats.RecordsCopied)
	fmt.Fprintf(cp.out, "Records skipped:  %d\n", cp.stats.RecordsSkipped)
	fmt.Fprintf(cp.out, "Errors:           %d\n", cp.stats.Errors)
	return nil
}

func newCopyCmd(g *globals) *cobra.Command {
	var (
		source      string
		sourceDID   string
		targetDID   string
		collections []string
		maxRecords  int
		dryRun      bool
	)
	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Copy a repository's records from another instance into this one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if source == "" || sourceDID == "" || len(collections) == 0 {
				return errors.New("--source, --did and at least one --collection are required")
			}
			if targetDID == "" {
				targetDID = sourceDID
			}
			cp := &Copier{
				source:     NewClient(strings.TrimRight(source, "/"), ""),
				target:     g.client(),
				sourceDID:  sourceDID,
				targetDID:  targetDID,
				maxRecords: maxRecords,
				dryRun:     dryRun,
				out:        cmd.OutOrStdout(),
			}
			return cp.Run(collections)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source instance URL")
	cmd.Flags().StringVar(&sourceDID, "did", "", "repository DID on the source")
	cmd.Flags().StringVar(&targetDID, "target-did", "", "repository DID on this instance (default: same as --did)")
	cmd.Flags().StringSliceVar(&collections, "collection", nil, "collection to copy (repeatable)")
	cmd.Flags().IntVar(&maxRecords, "max-records", 0, "limit records per collection (0 = all)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list record counts without writing")
	return cmd
}
