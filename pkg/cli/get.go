package cli

import (
	"context"

	"github.com/urfave/cli/v3"
)

func getCommand() *cli.Command {
	var (
		cfg flagConfig
		sc  scope
	)

	flags := scopeFlags(&sc)
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:      "get",
		Usage:     "Show a memory",
		ArgsUsage: "<memory-id>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			id, err := memoryID(c)
			if err != nil {
				return err
			}

			ctx, mgr, err := cfg.open(ctx, c)
			if err != nil {
				return err
			}
			defer mgr.Close()

			m, err := mgr.Memory.Get(ctx, sc.tenantID, sc.projectID, id)
			if err != nil {
				return err
			}
			return printJSON(c.Root().Writer, m)
		},
	}
}
