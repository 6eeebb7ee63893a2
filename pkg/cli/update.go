package cli

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memvault/pkg/model"
	"github.com/m-mizutani/memvault/pkg/usecase/memory"
	"github.com/urfave/cli/v3"
)

func updateCommand() *cli.Command {
	var (
		cfg       flagConfig
		sc        scope
		content   string
		tags      []string
		meta      map[string]string
		clearTags bool
		clearMeta bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "content",
			Usage:       "New content, the embedding is regenerated when it changes",
			Destination: &content,
		},
		&cli.StringSliceFlag{
			Name:        "tag",
			Usage:       "Replace tags with these, repeatable",
			Destination: &tags,
		},
		&cli.StringMapFlag{
			Name:        "meta",
			Usage:       "Replace metadata with these key=value pairs, repeatable",
			Destination: &meta,
		},
		&cli.BoolFlag{
			Name:        "clear-tags",
			Usage:       "Remove all tags",
			Destination: &clearTags,
		},
		&cli.BoolFlag{
			Name:        "clear-meta",
			Usage:       "Remove all metadata",
			Destination: &clearMeta,
		},
	}
	flags = append(flags, scopeFlags(&sc)...)
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:      "update",
		Usage:     "Update content, tags or metadata of a memory",
		ArgsUsage: "<memory-id>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			id, err := memoryID(c)
			if err != nil {
				return err
			}
			if clearTags && c.IsSet("tag") {
				return goerr.Wrap(model.ErrInvalidArgument, "--tag and --clear-tags are exclusive")
			}
			if clearMeta && c.IsSet("meta") {
				return goerr.Wrap(model.ErrInvalidArgument, "--meta and --clear-meta are exclusive")
			}

			in := memory.UpdateInput{
				TenantID:  sc.tenantID,
				ProjectID: sc.projectID,
				ID:        id,
			}
			if c.IsSet("content") {
				in.Content = &content
			}
			switch {
			case clearTags:
				in.Tags = &[]string{}
			case c.IsSet("tag"):
				in.Tags = &tags
			}
			switch {
			case clearMeta:
				in.Metadata = &map[string]any{}
			case c.IsSet("meta"):
				m := parseMeta(meta)
				in.Metadata = &m
			}

			ctx, mgr, err := cfg.open(ctx, c)
			if err != nil {
				return err
			}
			defer mgr.Close()

			m, err := mgr.Memory.Update(ctx, in)
			if err != nil {
				return err
			}
			return printJSON(c.Root().Writer, m)
		},
	}
}
