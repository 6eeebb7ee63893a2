package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memvault/pkg/adapter"
	"github.com/m-mizutani/memvault/pkg/model"
	"github.com/m-mizutani/memvault/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// objectLocation selects a local file or a Cloud Storage object
type objectLocation struct {
	path   string
	bucket string
	object string
}

func objectFlags(loc *objectLocation, pathFlag, pathUsage string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        pathFlag,
			Aliases:     []string{pathFlag[:1]},
			Usage:       pathUsage,
			Destination: &loc.path,
		},
		&cli.StringFlag{
			Name:        "bucket",
			Usage:       "Cloud Storage bucket",
			Sources:     cli.EnvVars("MEMVAULT_EXPORT_BUCKET"),
			Destination: &loc.bucket,
		},
		&cli.StringFlag{
			Name:        "object",
			Usage:       "Cloud Storage object key",
			Destination: &loc.object,
		},
	}
}

func (x *objectLocation) validate() error {
	if x.path != "" && (x.bucket != "" || x.object != "") {
		return goerr.Wrap(model.ErrInvalidArgument, "a local file and a bucket object are exclusive")
	}
	if (x.bucket == "") != (x.object == "") {
		return goerr.Wrap(model.ErrInvalidArgument, "--bucket and --object must be given together")
	}
	return nil
}

func (x *objectLocation) useStorage() bool { return x.bucket != "" }

func exportCommand() *cli.Command {
	var (
		cfg flagConfig
		sc  scope
		loc objectLocation
	)

	flags := objectFlags(&loc, "output", "Write to this file instead of stdout")
	flags = append(flags, scopeFlags(&sc)...)
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "export",
		Usage: "Write every memory of a project as JSON lines",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if err := loc.validate(); err != nil {
				return err
			}

			ctx, mgr, err := cfg.open(ctx, c)
			if err != nil {
				return err
			}
			defer mgr.Close()

			var (
				w      io.Writer = c.Root().Writer
				commit           = func() error { return nil }
			)
			switch {
			case loc.useStorage():
				storage, err := adapter.NewStorage(ctx, loc.bucket)
				if err != nil {
					return err
				}
				defer storage.Close()

				ow, err := storage.Put(ctx, loc.object)
				if err != nil {
					return err
				}
				w = ow
				commit = func() error {
					if err := ow.Close(); err != nil {
						return goerr.Wrap(model.WithKind(model.ErrStoreUnavailable, err), "failed to upload export",
							goerr.V("bucket", loc.bucket), goerr.V("object", loc.object))
					}
					return nil
				}

			case loc.path != "":
				f, err := os.Create(loc.path)
				if err != nil {
					return goerr.Wrap(err, "failed to create output file", goerr.V("path", loc.path))
				}
				w = f
				commit = func() error {
					if err := f.Close(); err != nil {
						return goerr.Wrap(err, "failed to close output file", goerr.V("path", loc.path))
					}
					return nil
				}
			}

			count, err := mgr.Memory.Export(ctx, sc.tenantID, sc.projectID, w)
			if commitErr := commit(); err == nil {
				err = commitErr
			}
			if err != nil {
				return err
			}

			logging.From(ctx).Info("memories exported", "count", count)
			if w != c.Root().Writer {
				fmt.Fprintf(c.Root().Writer, "Exported %d memories\n", count)
			}
			return nil
		},
	}
}

func importCommand() *cli.Command {
	var (
		cfg flagConfig
		sc  scope
		loc objectLocation
	)

	flags := objectFlags(&loc, "input", "Read from this file, '-' for stdin")
	flags = append(flags, scopeFlags(&sc)...)
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "import",
		Usage: "Add memories from an export; records get new ids",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if err := loc.validate(); err != nil {
				return err
			}
			if loc.path == "" && !loc.useStorage() {
				return goerr.Wrap(model.ErrInvalidArgument, "--input or --bucket and --object is required")
			}

			ctx, mgr, err := cfg.open(ctx, c)
			if err != nil {
				return err
			}
			defer mgr.Close()

			var r io.Reader
			if loc.useStorage() {
				storage, err := adapter.NewStorage(ctx, loc.bucket)
				if err != nil {
					return err
				}
				defer storage.Close()

				rc, err := storage.Get(ctx, loc.object)
				if err != nil {
					return err
				}
				defer rc.Close()
				r = rc
			} else {
				in, closeFn, err := openInput(loc.path)
				if err != nil {
					return err
				}
				defer closeFn()
				r = in
			}

			return addRecords(ctx, c.Root().Writer, mgr.Memory, sc, r)
		},
	}
}
