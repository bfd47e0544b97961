package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cadence/internal/domain"
)

const collectTimeout = 5 * time.Second

// collector reads task and run counts from the repository on every scrape.
type collector struct {
	repo Repository

	upDesc    *prometheus.Desc
	tasksDesc *prometheus.Desc
	runsDesc  *prometheus.Desc
}

func newCollector(repo Repository) *collector {
	return &collector{
		repo: repo,
		upDesc: prometheus.NewDesc(
			"cadence_up",
			"Whether the database answers",
			nil, nil,
		),
		tasksDesc: prometheus.NewDesc(
			"cadence_tasks",
			"Number of task definitions",
			nil, nil,
		),
		runsDesc: prometheus.NewDesc(
			"cadence_task_runs",
			"Number of task runs by state",
			[]string{"state"}, nil,
		),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.upDesc
	ch <- c.tasksDesc
	ch <- c.runsDesc
}

// Collect reports cadence_up 0 and nothing else when the database is down.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	if err := c.repo.Ping(ctx); err != nil {
		ch <- prometheus.MustNewConstMetric(c.upDesc, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.upDesc, prometheus.GaugeValue, 1)

	tasks, err := c.repo.ListTasks(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.tasksDesc, err)
	} else {
		ch <- prometheus.MustNewConstMetric(c.tasksDesc, prometheus.GaugeValue, float64(len(tasks)))
	}

	counts, err := c.repo.CountRunsByState(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.runsDesc, err)
		return
	}
	for _, st := range domain.AllRunStates {
		ch <- prometheus.MustNewConstMetric(c.runsDesc, prometheus.GaugeValue, float64(counts[st]), string(st))
	}
}

func metricsHandler(repo Repository) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		newCollector(repo),
		collectors.NewGoCollector(),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
