package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// WorkflowConfig 工作流配置,流程配置, 支持json和yaml
type WorkflowConfig struct {
	ID    string                  `json:"id" yaml:"id"`       // 工作流ID, 唯一标识
	Name  string                  `json:"name" yaml:"name"`   // 工作流名称
	Start string                  `json:"start" yaml:"start"` // 开始节点, 为空时使用第一个节点
	Nodes []*NodeDefinitionConfig `json:"nodes" yaml:"nodes"`
}

// NodeDefinitionConfig 节点定义配置
type NodeDefinitionConfig struct {
	ID        string         `json:"id" yaml:"id"`                 // 节点ID, 工作流内唯一
	Type      NodeType       `json:"type" yaml:"type"`             // 节点类型, form/approval/crmApproval/pdfSignature 或者自定义的非交互节点
	Name      string         `json:"name" yaml:"name"`             // 节点名称
	Config    map[string]any `json:"config" yaml:"config"`         // 节点配置, 具体内容由节点类型决定
	NextNodes []string       `json:"next_nodes" yaml:"next_nodes"` // 默认的下一个节点, 最多一个, 为空表示结束
	Routes    []*RouteConfig `json:"routes" yaml:"routes"`         // 条件路由, 优先于 next_nodes
	OnReject  OnRejectPolicy `json:"on_reject" yaml:"on_reject"`   // 审批拒绝策略, 默认 fail
}

// WorkflowDefinition 工作流定义entity, 加载后不再变化
type WorkflowDefinition struct {
	ID        string
	Name      string
	StartNode *NodeDefinition
	Nodes     []*NodeDefinition // 按配置顺序
	nodeMap   map[string]*NodeDefinition
}

// NodeDefinition 节点定义entity
type NodeDefinition struct {
	ID       string
	Type     NodeType
	Name     string
	Config   *JSONContext
	Next     *NodeDefinition // 默认下一个节点, nil 表示结束
	OnReject OnRejectPolicy
	routes   []*route
}

func (d *WorkflowDefinition) GetNode(nodeID string) (*NodeDefinition, bool) {
	node, ok := d.nodeMap[nodeID]
	return node, ok
}

// DefinitionProvider 工作流定义的来源, 引擎只读
type DefinitionProvider interface {
	GetWorkflowDefinition(workflowID string) (*WorkflowDefinition, error)
}

// DefinitionRegistry 内存中的工作流定义
type DefinitionRegistry struct {
	mu          sync.RWMutex
	definitions map[string]*WorkflowDefinition
}

func NewDefinitionRegistry() *DefinitionRegistry {
	return &DefinitionRegistry{
		definitions: make(map[string]*WorkflowDefinition),
	}
}

/*
*
  - @description: 加载工作流配置, 加载的时候就完成编译和检查, 有问题直接返回错误
  - @param config *WorkflowConfig
  - @return error
*/
func (r *DefinitionRegistry) LoadWorkflowConfig(config *WorkflowConfig) error {
	if config == nil {
		return errors.New("config is nil")
	}
	definition, err := BuildWorkflowDefinition(config)
	if err != nil {
		return errors.WithMessagef(err, "BuildWorkflowDefinition failed, id: %s", config.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.definitions[config.ID]; ok {
		return errors.New(fmt.Sprintf("config already registered, id: %s", config.ID))
	}
	r.definitions[config.ID] = definition
	return nil
}

// LoadWorkflowConfigFile 从文件加载, 根据后缀选择yaml或json
func (r *DefinitionRegistry) LoadWorkflowConfigFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read workflow config file %s failed", path)
	}
	config := &WorkflowConfig{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, config)
	case ".json":
		err = json.Unmarshal(b, config)
	default:
		return errors.Errorf("unsupported workflow config file %s", path)
	}
	if err != nil {
		return errors.Wrapf(err, "unmarshal workflow config file %s failed", path)
	}
	return r.LoadWorkflowConfig(config)
}

// LoadWorkflowConfigDir 加载目录下所有的 yaml/json 配置, 按文件名排序
func (r *DefinitionRegistry) LoadWorkflowConfigDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "read workflow config dir %s failed", dir)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := r.LoadWorkflowConfigFile(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func (r *DefinitionRegistry) GetWorkflowDefinition(workflowID string) (*WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	definition, ok := r.definitions[workflowID]
	if !ok {
		return nil, errors.WithMessagef(ErrWorkflowDefinitionNotFound, "workflowID: %s", workflowID)
	}
	return definition, nil
}

// WorkflowIDs 已经加载的工作流ID
func (r *DefinitionRegistry) WorkflowIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]string, 0, len(r.definitions))
	for id := range r.definitions {
		ret = append(ret, id)
	}
	sort.Strings(ret)
	return ret
}

// BuildWorkflowDefinition 配置转换成定义
func BuildWorkflowDefinition(config *WorkflowConfig) (*WorkflowDefinition, error) {
	if config == nil {
		return nil, errors.New("config is nil")
	}
	if config.ID == "" {
		return nil, errors.WithMessage(ErrWorkflowDefinitionInvalid, "workflow id is empty")
	}
	if len(config.Nodes) == 0 {
		return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "workflow %s has no nodes", config.ID)
	}
	definition := &WorkflowDefinition{
		ID:      config.ID,
		Name:    config.Name,
		Nodes:   make([]*NodeDefinition, 0, len(config.Nodes)),
		nodeMap: make(map[string]*NodeDefinition),
	}
	for _, node := range config.Nodes {
		if node == nil || node.ID == "" || node.Type == "" {
			return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "workflow %s has node without id or type", config.ID)
		}
		if node.ID == endNodeID {
			return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "workflow %s, node id %s is reserved", config.ID, endNodeID)
		}
		if _, ok := definition.nodeMap[node.ID]; ok {
			return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "workflow %s, duplicate node id %s", config.ID, node.ID)
		}
		onReject := node.OnReject
		if onReject == "" {
			onReject = OnRejectFail
		}
		if onReject != OnRejectFail && onReject != OnRejectContinue {
			return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "workflow %s, node %s, unknown on_reject %s", config.ID, node.ID, node.OnReject)
		}
		nodeDefinition := &NodeDefinition{
			ID:       node.ID,
			Type:     node.Type,
			Name:     node.Name,
			Config:   NewJSONContextFromMap(node.Config),
			OnReject: onReject,
			routes:   make([]*route, 0, len(node.Routes)),
		}
		for _, routeConfig := range node.Routes {
			compiled, err := compileRoute(routeConfig)
			if err != nil {
				return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "workflow %s, node %s: %v", config.ID, node.ID, err)
			}
			nodeDefinition.routes = append(nodeDefinition.routes, compiled)
		}
		definition.nodeMap[node.ID] = nodeDefinition
		definition.Nodes = append(definition.Nodes, nodeDefinition)
	}

	// 连接默认的下一个节点, 只支持顺序执行, 不支持并行分支
	for _, node := range config.Nodes {
		nodeDefinition := definition.nodeMap[node.ID]
		if len(node.NextNodes) > 1 {
			return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "workflow %s, node %s has %d next nodes, fan-out is not supported", config.ID, node.ID, len(node.NextNodes))
		}
		if len(node.NextNodes) == 1 && node.NextNodes[0] != endNodeID {
			next, ok := definition.nodeMap[node.NextNodes[0]]
			if !ok {
				return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "workflow %s, node %s, next node %s not found", config.ID, node.ID, node.NextNodes[0])
			}
			nodeDefinition.Next = next
		}
		for _, r := range nodeDefinition.routes {
			if r.to == endNodeID {
				continue
			}
			if _, ok := definition.nodeMap[r.to]; !ok {
				return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "workflow %s, node %s, route target %s not found", config.ID, node.ID, r.to)
			}
		}
	}

	if config.Start != "" {
		start, ok := definition.nodeMap[config.Start]
		if !ok {
			return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "workflow %s, start node %s not found", config.ID, config.Start)
		}
		definition.StartNode = start
	} else {
		definition.StartNode = definition.Nodes[0]
	}

	if err := checkDefaultPathIsOk(definition); err != nil {
		return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "workflow %s: %v", config.ID, err)
	}
	return definition, nil
}

// checkDefaultPathIsOk 默认路径上不能有环, 否则没有路由命中的时候流程永远结束不了
// 条件路由允许回到前面的节点(比如拒绝后重新填写表单)
func checkDefaultPathIsOk(definition *WorkflowDefinition) error {
	for _, node := range definition.Nodes {
		visitMap := make(map[string]bool)
		for current := node; current != nil; current = current.Next {
			if visitMap[current.ID] {
				return errors.New("node " + current.ID + " is already visited, there is a cycle in the default path")
			}
			visitMap[current.ID] = true
		}
	}
	return nil
}
