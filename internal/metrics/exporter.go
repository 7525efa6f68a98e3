package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter exposes metrics via HTTP
type Exporter struct {
	addr      string
	collector *Collector
	server    *http.Server
	interval  time.Duration
}

// NewExporter creates a metrics exporter
func NewExporter(addr string, collector *Collector) *Exporter {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Exporter{
		addr:      addr,
		collector: collector,
		interval:  15 * time.Second,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Run serves /metrics and samples the collector until ctx is done.
func (e *Exporter) Run(ctx context.Context) error {
	go func() {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		e.collector.Collect()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.collector.Collect()
			}
		}
	}()

	go func() {
		<-ctx.Done()
		e.server.Close()
	}()

	if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
