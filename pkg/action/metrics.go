package action

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btm",
		Name:      "actions_applied_total",
		Help:      "Number of times an action mutated a node",
	}, []string{"type"})
	metricIssues = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btm",
		Name:      "action_issues_total",
		Help:      "Number of configuration issues reported by actions",
	}, []string{"severity"})
	metricHandlersDisabled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btm",
		Name:      "action_handlers_disabled_total",
		Help:      "Number of action handlers disabled by configuration errors",
	}, []string{"type"})
	metricPipelineFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btm",
		Name:      "action_pipeline_failures_total",
		Help:      "Number of processing passes aborted by an internal error",
	}, []string{"transaction"})
)
