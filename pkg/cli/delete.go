package cli

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

func deleteCommand() *cli.Command {
	var (
		cfg flagConfig
		sc  scope
	)

	flags := scopeFlags(&sc)
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a memory",
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

			if err := mgr.Memory.Delete(ctx, sc.tenantID, sc.projectID, id); err != nil {
				return err
			}
			fmt.Fprintf(c.Root().Writer, "Memory deleted: %s\n", id)
			return nil
		},
	}
}
