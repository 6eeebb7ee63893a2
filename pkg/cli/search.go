package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/memvault/pkg/usecase/memory"
	"github.com/urfave/cli/v3"
)

func searchCommand() *cli.Command {
	var (
		cfg    flagConfig
		sc     scope
		query  string
		tags   []string
		meta   map[string]string
		limit  int64
		asJSON bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "query",
			Aliases:     []string{"q"},
			Usage:       "Natural language query",
			Destination: &query,
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Maximum number of results",
			Value:       10,
			Sources:     cli.EnvVars("MEMVAULT_SEARCH_LIMIT"),
			Destination: &limit,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "Print results with scores as JSON",
			Destination: &asJSON,
		},
	}
	flags = append(flags, filterFlags(&tags, &meta)...)
	flags = append(flags, scopeFlags(&sc)...)
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "search",
		Usage: "Search memories by meaning",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, mgr, err := cfg.open(ctx, c)
			if err != nil {
				return err
			}
			defer mgr.Close()

			results, err := mgr.Memory.Search(ctx, memory.SearchInput{
				TenantID:  sc.tenantID,
				ProjectID: sc.projectID,
				Query:     query,
				Filter:    newFilter(tags, meta),
				Limit:     int(limit),
			})
			if err != nil {
				return err
			}

			if asJSON {
				return printJSON(c.Root().Writer, results)
			}
			for _, r := range results {
				fmt.Fprintf(c.Root().Writer, "%.4f\t%s\n", r.Score, memoryLine(r.Memory))
			}
			return nil
		},
	}
}
