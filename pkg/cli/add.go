package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memvault/pkg/model"
	"github.com/m-mizutani/memvault/pkg/usecase/memory"
	"github.com/m-mizutani/memvault/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// record is one line of a bulk input or an export file
type record struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
}

func addCommand() *cli.Command {
	var (
		cfg       flagConfig
		sc        scope
		content   string
		inputPath string
		tags      []string
		meta      map[string]string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "content",
			Usage:       "Text to remember",
			Destination: &content,
		},
		&cli.StringFlag{
			Name:        "input",
			Aliases:     []string{"i"},
			Usage:       "JSON lines file of records to add in bulk, '-' for stdin",
			Destination: &inputPath,
		},
		&cli.StringSliceFlag{
			Name:        "tag",
			Usage:       "Tag of the memory, repeatable",
			Destination: &tags,
		},
		&cli.StringMapFlag{
			Name:        "meta",
			Usage:       "Metadata of the memory (key=value), repeatable",
			Destination: &meta,
		},
	}
	flags = append(flags, scopeFlags(&sc)...)
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "add",
		Usage: "Store a new memory",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if (content == "") == (inputPath == "") {
				return goerr.Wrap(model.ErrInvalidArgument, "either --content or --input is required")
			}

			ctx, mgr, err := cfg.open(ctx, c)
			if err != nil {
				return err
			}
			defer mgr.Close()

			if inputPath != "" {
				r, closeFn, err := openInput(inputPath)
				if err != nil {
					return err
				}
				defer closeFn()
				return addRecords(ctx, c.Root().Writer, mgr.Memory, sc, r)
			}

			m, err := mgr.Memory.Add(ctx, memory.AddInput{
				TenantID:  sc.tenantID,
				ProjectID: sc.projectID,
				Content:   content,
				Metadata:  parseMeta(meta),
				Tags:      tags,
			})
			if err != nil {
				return err
			}
			return printJSON(c.Root().Writer, m)
		},
	}
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, goerr.Wrap(model.WithKind(model.ErrInvalidArgument, err), "failed to open input file",
			goerr.V("path", path))
	}
	return f, func() { _ = f.Close() }, nil
}

// addRecords stores every line of r and prints one result per line. A bad
// record is reported and does not stop the others.
func addRecords(ctx context.Context, w io.Writer, uc *memory.UseCase, sc scope, r io.Reader) error {
	inputs, err := readRecords(sc, r)
	if err != nil {
		return err
	}

	var failed int
	for i, res := range uc.AddBatch(ctx, inputs) {
		if res.Err != nil {
			failed++
			fmt.Fprintf(w, "%d\terror [%s]: %s\n", i+1, model.KindOf(res.Err), res.Err.Error())
			continue
		}
		fmt.Fprintf(w, "%d\t%s\n", i+1, res.Memory.ID)
	}

	logging.From(ctx).Info("records added", "total", len(inputs), "failed", failed)
	if failed > 0 {
		return goerr.Wrap(model.ErrInvalidArgument, "some records were not added",
			goerr.V("failed", failed), goerr.V("total", len(inputs)))
	}
	return nil
}

func readRecords(sc scope, r io.Reader) ([]memory.AddInput, error) {
	var inputs []memory.AddInput
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, goerr.Wrap(model.WithKind(model.ErrInvalidArgument, err), "invalid record",
				goerr.V("line", line))
		}
		inputs = append(inputs, memory.AddInput{
			TenantID:  sc.tenantID,
			ProjectID: sc.projectID,
			Content:   rec.Content,
			Metadata:  rec.Metadata,
			Tags:      rec.Tags,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to read records")
	}
	return inputs, nil
}
