package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	workflowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_engine_workflows_total",
			Help: "Total workflows by terminal status",
		},
		[]string{"status"},
	)

	workflowDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deploy_engine_workflow_duration_seconds",
			Help:    "End-to-end workflow duration",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
		},
	)

	stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_engine_steps_total",
			Help: "Step executions by step name and outcome",
		},
		[]string{"step", "status"},
	)

	stepRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_engine_step_retries_total",
			Help: "Retry attempts by step name",
		},
		[]string{"step"},
	)

	activeWorkflows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deploy_engine_active_workflows",
			Help: "Workflows currently running in this process",
		},
	)

	staleRunsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deploy_engine_stale_runs_reaped_total",
			Help: "Running workflows failed by the stale-run reaper",
		},
	)

	quotaDenialsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deploy_engine_quota_denials_total",
			Help: "Deployments rejected because no tier had deploy quota",
		},
	)
)
