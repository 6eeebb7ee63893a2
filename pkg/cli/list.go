package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/memvault/pkg/usecase/memory"
	"github.com/urfave/cli/v3"
)

func listCommand() *cli.Command {
	var (
		cfg    flagConfig
		sc     scope
		tags   []string
		meta   map[string]string
		offset int64
		limit  int64
		asJSON bool
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "offset",
			Usage:       "Offset for pagination",
			Value:       0,
			Destination: &offset,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Maximum number of memories to list",
			Value:       20,
			Sources:     cli.EnvVars("MEMVAULT_LIST_LIMIT"),
			Destination: &limit,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "Print memories as JSON",
			Destination: &asJSON,
		},
	}
	flags = append(flags, filterFlags(&tags, &meta)...)
	flags = append(flags, scopeFlags(&sc)...)
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "list",
		Usage: "List memories, newest first",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, mgr, err := cfg.open(ctx, c)
			if err != nil {
				return err
			}
			defer mgr.Close()

			memories, err := mgr.Memory.List(ctx, memory.ListInput{
				TenantID:  sc.tenantID,
				ProjectID: sc.projectID,
				Filter:    newFilter(tags, meta),
				Limit:     int(limit),
				Offset:    int(offset),
			})
			if err != nil {
				return err
			}

			if asJSON {
				return printJSON(c.Root().Writer, memories)
			}
			for _, m := range memories {
				fmt.Fprintln(c.Root().Writer, memoryLine(m))
			}
			return nil
		},
	}
}
