// Package metrics holds the Prometheus collectors of the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts finished workflow runs.
	// Labels: workflow, status (completed, failed, cancelled)
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shipline",
			Subsystem: "workflow",
			Name:      "runs_total",
			Help:      "Finished workflow runs by terminal status",
		},
		[]string{"workflow", "status"},
	)

	// ActiveRuns tracks runs executing in this process.
	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shipline",
			Subsystem: "workflow",
			Name:      "active_runs",
			Help:      "Workflow runs currently executing",
		},
	)

	// StepRetries counts step retries.
	// Labels: tool
	StepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shipline",
			Subsystem: "workflow",
			Name:      "step_retries_total",
			Help:      "Workflow step retries",
		},
		[]string{"tool"},
	)

	// AgentExecutions counts finalized agent executions.
	// Labels: agent, status
	AgentExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shipline",
			Subsystem: "agent",
			Name:      "executions_total",
			Help:      "Finalized agent executions",
		},
		[]string{"agent", "status"},
	)

	// AgentDuration observes agent call latency.
	AgentDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shipline",
			Subsystem: "agent",
			Name:      "execution_duration_seconds",
			Help:      "Agent execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"agent"},
	)

	// AgentCost accumulates reported agent cost.
	AgentCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shipline",
			Subsystem: "agent",
			Name:      "cost_usd_total",
			Help:      "Agent cost in US dollars",
		},
		[]string{"agent"},
	)

	// Approvals counts approval lifecycle events.
	// Labels: type, status (pending, approved, rejected, expired)
	Approvals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shipline",
			Subsystem: "approval",
			Name:      "transitions_total",
			Help:      "Approval requests and resolutions",
		},
		[]string{"type", "status"},
	)

	// QAReports counts reports by verdict.
	QAReports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shipline",
			Subsystem: "qa",
			Name:      "reports_total",
			Help:      "QA reports by overall status",
		},
		[]string{"status"},
	)

	// Iterations counts recorded iterations.
	// Labels: trigger
	Iterations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shipline",
			Subsystem: "iteration",
			Name:      "created_total",
			Help:      "Iterations created by trigger",
		},
		[]string{"trigger"},
	)

	// Transitions counts project state transitions.
	// Labels: event, to
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shipline",
			Subsystem: "project",
			Name:      "transitions_total",
			Help:      "Project state machine transitions",
		},
		[]string{"event", "to"},
	)

	// EventsDropped counts events a slow subscriber missed.
	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shipline",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber buffer was full",
		},
	)

	// WebhookDeliveries counts webhook POSTs.
	// Labels: result (success, error)
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shipline",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook deliveries by result",
		},
		[]string{"result"},
	)
)
