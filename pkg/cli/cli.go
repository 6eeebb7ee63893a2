package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memvault/pkg/model"
	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

// Run executes the command line. A failure is printed to stderr with its
// error kind and reported with exit code 1.
func Run(ctx context.Context, argv []string) *Error {
	return run(ctx, argv, os.Stdout, os.Stderr)
}

func run(ctx context.Context, argv []string, stdout, stderr io.Writer) *Error {
	cmd := newApp(stdout, stderr)
	if err := cmd.Run(ctx, argv); err != nil {
		msg := fmt.Sprintf("error [%s]: %s", model.KindOf(err), err.Error())
		fmt.Fprintln(stderr, msg)
		return &Error{
			Code:    1,
			Message: msg,
		}
	}
	return nil
}

func newApp(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "memvault",
		Usage:     "Multi-tenant vector memory store",
		Writer:    stdout,
		ErrWriter: stderr,
		Commands: []*cli.Command{
			addCommand(),
			getCommand(),
			listCommand(),
			updateCommand(),
			deleteCommand(),
			searchCommand(),
			exportCommand(),
			importCommand(),
			serveCommand(),
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return goerr.Wrap(err, "failed to write output")
	}
	return nil
}

const contentPreview = 60

// memoryLine renders a record as one tab separated line
func memoryLine(m *model.Memory) string {
	content := strings.ReplaceAll(m.Content, "\n", " ")
	if r := []rune(content); len(r) > contentPreview {
		content = string(r[:contentPreview]) + "..."
	}
	tags := "-"
	if len(m.Tags) > 0 {
		tags = strings.Join(m.Tags, ",")
	}
	return fmt.Sprintf("%s\t%s\t%s\t%s", m.ID, m.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), tags, content)
}
