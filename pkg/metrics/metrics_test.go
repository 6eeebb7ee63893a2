package metrics_test

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memvault/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metrics.Metrics
	m.EmbedBatch(3, time.Millisecond, nil)
	m.EmbedRetry()
	m.CacheLookup(true)
	m.StoreOp("get", time.Millisecond, errors.New("x"))
	m.StoreRetry("get")
}

func TestHandlerExposesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.EmbedBatch(3, 20*time.Millisecond, nil)
	m.EmbedBatch(1, 5*time.Millisecond, errors.New("boom"))
	m.EmbedRetry()
	m.CacheLookup(false)
	m.StoreOp("put", time.Millisecond, nil)
	m.StoreRetry("get")

	srv := httptest.NewServer(metrics.Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	gt.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	gt.NoError(t, err)

	out := string(body)
	gt.S(t, out).Contains(`memvault_embedding_batches_total{outcome="ok"} 1`)
	gt.S(t, out).Contains(`memvault_embedding_batches_total{outcome="error"} 1`)
	gt.S(t, out).Contains(`memvault_embedding_texts_total 4`)
	gt.S(t, out).Contains(`memvault_embedding_retries_total 1`)
	gt.S(t, out).Contains(`memvault_embedding_cache_lookups_total{result="miss"} 1`)
	gt.S(t, out).Contains(`memvault_store_operations_total{op="put",outcome="ok"} 1`)
	gt.S(t, out).Contains(`memvault_store_retries_total{op="get"} 1`)
}
