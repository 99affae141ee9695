package workflow

// Observer 引擎事件回调, 用于指标采集, 只在事务提交之后调用
type Observer interface {
	NodeActivated(workflowID string, nodeType NodeType)
	NodeResolved(workflowID string, nodeType NodeType, status WorkflowNodeStatus)
	InstanceFinished(workflowID string, status WorkflowInstanceStatus)
	StaleState(operation string)
	MagicLink(event string)
}

// Magic link 事件
const (
	MagicLinkEventIssued    = "issued"
	MagicLinkEventValidated = "validated"
	MagicLinkEventConsumed  = "consumed"
	MagicLinkEventRejected  = "rejected"
)

type noopObserver struct{}

func (noopObserver) NodeActivated(string, NodeType) {
}

func (noopObserver) NodeResolved(string, NodeType, WorkflowNodeStatus) {
}

func (noopObserver) InstanceFinished(string, WorkflowInstanceStatus) {
}

func (noopObserver) StaleState(string) {
}

func (noopObserver) MagicLink(string) {
}

// transitionEvents 事务中产生的事件, 提交之后再通知 Observer
type transitionEvents struct {
	workflowID string
	activated  []NodeType
	resolved   []resolvedEvent
	finished   WorkflowInstanceStatus
}

type resolvedEvent struct {
	nodeType NodeType
	status   WorkflowNodeStatus
}

func (e *transitionEvents) flush(observer Observer) {
	if e == nil || observer == nil {
		return
	}
	for _, r := range e.resolved {
		observer.NodeResolved(e.workflowID, r.nodeType, r.status)
	}
	for _, nodeType := range e.activated {
		observer.NodeActivated(e.workflowID, nodeType)
	}
	if e.finished != "" {
		observer.InstanceFinished(e.workflowID, e.finished)
	}
}
