package logging_test

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memvault/pkg/model"
	"github.com/m-mizutani/memvault/pkg/utils/logging"
)

func TestParseLevel(t *testing.T) {
	testCases := map[string]struct {
		level slog.Level
		ok    bool
	}{
		"":        {slog.LevelInfo, true},
		"DEBUG":   {slog.LevelDebug, true},
		"WARNING": {slog.LevelWarn, true},
		"error":   {slog.LevelError, true},
		"verbose": {slog.LevelInfo, false},
	}

	for input, tc := range testCases {
		t.Run(input, func(t *testing.T) {
			lv, ok := logging.ParseLevel(input)
			gt.Equal(t, lv, tc.level)
			gt.Equal(t, ok, tc.ok)
		})
	}
}

func TestNewWarnsOnUnknownLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.New("verbose", buf)
	gt.S(t, buf.String()).Contains("invalid log level")
	gt.S(t, buf.String()).Contains("verbose")

	logger.Debug("hidden")
	logger.Info("shown")
	gt.S(t, buf.String()).NotContains("hidden")
	gt.S(t, buf.String()).Contains("shown")
}

func TestNewWritesToStderrByDefault(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "stderr"))
	gt.NoError(t, err)
	defer f.Close()

	orig := os.Stderr
	os.Stderr = f
	defer func() { os.Stderr = orig }()

	logging.New("info", nil).Info("routed to stderr")

	raw, err := os.ReadFile(f.Name())
	gt.NoError(t, err)
	gt.S(t, string(raw)).Contains("routed to stderr")
}

func TestFromFallsBackToDefault(t *testing.T) {
	original := logging.Default()
	defer logging.SetDefault(original)

	buf := &bytes.Buffer{}
	logging.SetDefault(logging.New("warn", buf))
	logging.From(context.Background()).Warn("from default")
	gt.S(t, buf.String()).Contains("from default")

	scoped := &bytes.Buffer{}
	ctx := logging.With(context.Background(), logging.New("info", scoped))
	logging.From(ctx).Info("from context")
	gt.S(t, scoped.String()).Contains("from context")
	gt.S(t, buf.String()).NotContains("from context")
}

func TestWithNamespace(t *testing.T) {
	buf := &bytes.Buffer{}
	ctx := logging.With(context.Background(), logging.New("debug", buf))
	ctx = logging.WithNamespace(ctx, &model.Namespace{
		Name:      "memories_0123abcd",
		TenantID:  "acme",
		ProjectID: "alpha",
	})

	logging.From(ctx).Info("namespace resolved", logging.ErrAttr(model.ErrNotFound))
	out := buf.String()
	gt.S(t, out).Contains("acme")
	gt.S(t, out).Contains("alpha")
	gt.S(t, out).Contains("memories_0123abcd")
	gt.S(t, out).Contains("not_found")
}

func TestWithNamespaceNil(t *testing.T) {
	ctx := context.Background()
	gt.Equal(t, logging.WithNamespace(ctx, nil), ctx)
}
