package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lionking1994/HerdAIWeb-sub001/workflow"
)

// PrometheusObserver 实现 workflow.Observer
// label 只用 workflow_id / node_type / status 这类有限取值, 不带实例id
type PrometheusObserver struct {
	nodeActivated    *prometheus.CounterVec
	nodeResolved     *prometheus.CounterVec
	instanceFinished *prometheus.CounterVec
	staleState       *prometheus.CounterVec
	magicLink        *prometheus.CounterVec
}

var _ workflow.Observer = (*PrometheusObserver)(nil)

func NewPrometheusObserver(registry prometheus.Registerer) *PrometheusObserver {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)
	return &PrometheusObserver{
		nodeActivated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_node_activated_total",
				Help: "Total number of activated node instances",
			},
			[]string{"workflow_id", "node_type"},
		),
		nodeResolved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_node_resolved_total",
				Help: "Total number of resolved node instances",
			},
			[]string{"workflow_id", "node_type", "status"},
		),
		instanceFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_instance_finished_total",
				Help: "Total number of workflow instances reaching a terminal status",
			},
			[]string{"workflow_id", "status"},
		),
		staleState: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_stale_state_total",
				Help: "Total number of operations dropped as stale",
			},
			[]string{"operation"},
		),
		magicLink: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_magic_link_events_total",
				Help: "Total number of magic link events",
			},
			[]string{"event"},
		),
	}
}

func (p *PrometheusObserver) NodeActivated(workflowID string, nodeType workflow.NodeType) {
	p.nodeActivated.WithLabelValues(workflowID, nodeType).Inc()
}

func (p *PrometheusObserver) NodeResolved(workflowID string, nodeType workflow.NodeType, status workflow.WorkflowNodeStatus) {
	p.nodeResolved.WithLabelValues(workflowID, nodeType, status).Inc()
}

func (p *PrometheusObserver) InstanceFinished(workflowID string, status workflow.WorkflowInstanceStatus) {
	p.instanceFinished.WithLabelValues(workflowID, status).Inc()
}

func (p *PrometheusObserver) StaleState(operation string) {
	p.staleState.WithLabelValues(operation).Inc()
}

func (p *PrometheusObserver) MagicLink(event string) {
	p.magicLink.WithLabelValues(event).Inc()
}
