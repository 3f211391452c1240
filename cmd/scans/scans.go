// Package scans provides journal query commands.
package scans

import (
	"context"
	"fmt"

	"github.com/paularlott/cli"

	"github.com/martinsuchenak/sweepd/internal/model"
	"github.com/martinsuchenak/sweepd/internal/storage"
)

func journalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:         "data-dir",
			Usage:        "Directory holding the scan journal database",
			DefaultValue: "./data",
			EnvVars:      []string{"SWEEPD_DATA_DIR"},
		},
	}
}

// Commands returns the scans subcommands
func Commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:        "list",
			Usage:       "List recent scans",
			Description: "List scans from the local journal, newest first",
			Flags: append(journalFlags(),
				&cli.IntFlag{
					Name:         "limit",
					Usage:        "Maximum number of scans to show",
					DefaultValue: 20,
				},
			),
			Run: func(ctx context.Context, cmd *cli.Command) error {
				journal, err := storage.NewSQLiteJournal(cmd.GetString("data-dir"))
				if err != nil {
					return err
				}
				defer journal.Close()

				recs, err := journal.ListScans(cmd.GetInt("limit"))
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Println("No scans recorded")
					return nil
				}
				for i := range recs {
					printScan(&recs[i])
					fmt.Println()
				}
				return nil
			},
		},
		{
			Name:        "get",
			Usage:       "Show one scan",
			Description: "Show the state and result summary of a scan by ticket ID",
			Flags:       journalFlags(),
			Arguments: []cli.Argument{
				&cli.StringArg{Name: "id", Required: true},
			},
			Run: func(ctx context.Context, cmd *cli.Command) error {
				journal, err := storage.NewSQLiteJournal(cmd.GetString("data-dir"))
				if err != nil {
					return err
				}
				defer journal.Close()

				rec, err := journal.GetScan(cmd.GetStringArg("id"))
				if err != nil {
					return err
				}
				printScan(rec)
				return nil
			},
		},
	}
}

func printScan(rec *model.ScanRecord) {
	fmt.Printf("Scan:    %s\n", rec.ID)
	fmt.Printf("Target:  %s %s\n", rec.TargetKind, rec.TargetValue)
	fmt.Printf("State:   %s\n", rec.State)
	fmt.Printf("Queued:  %s\n", rec.QueuedAt.Format("2006-01-02 15:04:05 MST"))
	if rec.CompletedAt != nil {
		fmt.Printf("Done:    %s\n", rec.CompletedAt.Format("2006-01-02 15:04:05 MST"))
	}
	if rec.State == model.StateDone {
		fmt.Printf("Result:  %d created, %d updated, %d unchanged, %d skipped, %d failed\n",
			rec.Summary.Created, rec.Summary.Updated, rec.Summary.Unchanged, rec.Summary.Skipped, rec.Summary.Failed)
	}
	if rec.Error != "" {
		fmt.Printf("Error:   %s\n", rec.Error)
	}
}
