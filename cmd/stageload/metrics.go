package main

import (
	"os"
	"sort"

	"go.uber.org/zap"

	"stageload/internal/config"
	"stageload/internal/metrics"
	"stageload/internal/metrics/datadog"
	"stageload/internal/metrics/prompush"
)

// setupMetrics installs the metrics backend chosen by flag, then config, then
// env, and returns the function that flushes it at exit. Backend failures
// leave the no-op backend in place.
func setupMetrics(cfg config.Config, f flags, log *zap.Logger) func() {
	nop := func() {}
	backendName := pick(f.metricsBackend, cfg.Metrics.Backend, os.Getenv("METRICS_BACKEND"))

	var (
		b   metrics.Backend
		err error
	)
	switch backendName {
	case "pushgateway":
		gwURL := pick(f.pushGatewayURL, cfg.Metrics.PushgatewayURL, os.Getenv("PUSHGATEWAY_URL"), "http://localhost:9091")
		b, err = prompush.NewBackend(cfg.Job, gwURL)
		log.Info("metrics", zap.String("backend", backendName), zap.String("url", gwURL))
	case "datadog":
		addr := f.datadogAddr
		if addr == "" && cfg.Metrics.DatadogAddr == "" && os.Getenv("DD_AGENT_HOST") != "" {
			addr = os.Getenv("DD_AGENT_HOST") + ":8125"
		}
		addr = pick(addr, cfg.Metrics.DatadogAddr, "127.0.0.1:8125")
		b, err = datadog.NewBackend(datadog.Config{
			Addr:       addr,
			Namespace:  "stageload.",
			GlobalTags: tagList(cfg.Job, cfg.Metrics.Tags),
		})
		log.Info("metrics", zap.String("backend", backendName), zap.String("addr", addr))
	case "", "none":
		log.Debug("metrics disabled")
		return nop
	default:
		log.Warn("unknown metrics backend; metrics disabled", zap.String("backend", backendName))
		return nop
	}
	if err != nil {
		log.Warn("metrics backend unavailable; using nop", zap.String("backend", backendName), zap.Error(err))
		return nop
	}

	metrics.SetBackend(b)
	return func() {
		if err := metrics.Flush(); err != nil {
			log.Warn("metrics flush", zap.Error(err))
		}
	}
}

// tagList renders DogStatsD tags, sorted for stable output.
func tagList(job string, tags map[string]string) []string {
	out := make([]string, 0, len(tags)+1)
	out = append(out, "job:"+job)
	for k, v := range tags {
		out = append(out, k+":"+v)
	}
	sort.Strings(out[1:])
	return out
}
