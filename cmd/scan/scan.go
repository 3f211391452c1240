// Package scan provides synchronous scan commands that run the full
// pipeline in the foreground and print the result summary.
package scan

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/paularlott/cli"

	"github.com/martinsuchenak/sweepd/cmd/server"
	"github.com/martinsuchenak/sweepd/internal/config"
	"github.com/martinsuchenak/sweepd/internal/model"
	"github.com/martinsuchenak/sweepd/internal/prefix"
)

// Commands returns the scan subcommands
func Commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:        "ip",
			Usage:       "Scan a single IPv4 address",
			Description: "Probe one address and reconcile the result into the IPAM",
			Flags:       config.GetFlags(),
			Arguments: []cli.Argument{
				&cli.StringArg{Name: "address", Required: true},
			},
			Run: func(ctx context.Context, cmd *cli.Command) error {
				addr, err := netip.ParseAddr(cmd.GetStringArg("address"))
				if err != nil || !addr.Is4() {
					return fmt.Errorf("not a valid IPv4 address: %s", cmd.GetStringArg("address"))
				}
				return runSync(ctx, cmd, model.IPTarget(addr))
			},
		},
		{
			Name:        "prefix",
			Usage:       "Scan an IPv4 prefix",
			Description: "Probe every host address in a CIDR prefix and reconcile the results into the IPAM",
			Flags:       config.GetFlags(),
			Arguments: []cli.Argument{
				&cli.StringArg{Name: "prefix", Required: true},
			},
			Run: func(ctx context.Context, cmd *cli.Command) error {
				p, err := prefix.Parse(cmd.GetStringArg("prefix"))
				if err != nil {
					return fmt.Errorf("not a scannable IPv4 prefix %q: %w", cmd.GetStringArg("prefix"), err)
				}
				return runSync(ctx, cmd, model.PrefixTarget(p))
			},
		},
		{
			Name:        "auto",
			Usage:       "Scan all auto-scan-enabled ranges",
			Description: "Probe every IPAM range marked for automatic scanning",
			Flags:       config.GetFlags(),
			Run: func(ctx context.Context, cmd *cli.Command) error {
				return runSync(ctx, cmd, model.AutoTarget())
			},
		},
	}
}

func runSync(ctx context.Context, cmd *cli.Command, target model.ScanTarget) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return err
	}

	sc, err := server.Build(cfg)
	if err != nil {
		return err
	}
	defer sc.Journal.Close()

	rec, err := sc.Dispatcher.Run(ctx, target)
	if err != nil {
		return err
	}

	fmt.Printf("Scan %s: %s\n", rec.ID, rec.State)
	if rec.Error != "" {
		return fmt.Errorf("scan failed: %s", rec.Error)
	}
	fmt.Printf("Created: %d  Updated: %d  Unchanged: %d  Skipped: %d  Failed: %d\n",
		rec.Summary.Created, rec.Summary.Updated, rec.Summary.Unchanged, rec.Summary.Skipped, rec.Summary.Failed)
	return nil
}
