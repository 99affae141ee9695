package workflow

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/pkg/errors"
)

// RouteConfig 条件路由, when 为 expr 表达式, 命中后跳转到 to
// 表达式可以访问 result(当前节点结果), data(实例数据), node(当前节点id和类型)
// 例如: result.decision == "rejected"
type RouteConfig struct {
	When string `json:"when" yaml:"when"`
	To   string `json:"to" yaml:"to"`
}

type route struct {
	when    string
	to      string
	program *vm.Program
}

func routeEnv(node *NodeDefinition, result *JSONContext, data *JSONContext) map[string]any {
	env := map[string]any{
		"result": map[string]any{},
		"data":   map[string]any{},
		"node":   map[string]any{},
	}
	if result != nil {
		env["result"] = result.ToMap()
	}
	if data != nil {
		env["data"] = data.ToMap()
	}
	if node != nil {
		env["node"] = map[string]any{"id": node.ID, "type": node.Type}
	}
	return env
}

func compileRoute(cfg *RouteConfig) (*route, error) {
	if cfg == nil || cfg.When == "" || cfg.To == "" {
		return nil, errors.New("route need when and to")
	}
	program, err := expr.Compile(cfg.When,
		expr.Env(routeEnv(nil, nil, nil)),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "compile route expression %q failed", cfg.When)
	}
	return &route{when: cfg.When, to: cfg.To, program: program}, nil
}

func (r *route) match(env map[string]any) (bool, error) {
	out, err := expr.Run(r.program, env)
	if err != nil {
		return false, errors.Wrapf(err, "run route expression %q failed", r.when)
	}
	matched, ok := out.(bool)
	if !ok {
		return false, errors.Errorf("route expression %q returned %T, want bool", r.when, out)
	}
	return matched, nil
}

/*
*
  - @description: 计算下一个节点
    先按顺序匹配条件路由, 第一个命中的生效, 都没有命中走 next_nodes 配置的默认节点
  - @param current *NodeDefinition 当前节点
  - @param result *JSONContext 当前节点结果
  - @param data *JSONContext 实例数据
  - @return *NodeDefinition nil 表示流程结束
*/
func (d *WorkflowDefinition) NextNode(current *NodeDefinition, result *JSONContext, data *JSONContext) (*NodeDefinition, error) {
	if current == nil {
		return nil, errors.New("current node is nil")
	}
	if len(current.routes) > 0 {
		env := routeEnv(current, result, data)
		for _, r := range current.routes {
			matched, err := r.match(env)
			if err != nil {
				return nil, errors.WithMessagef(err, "workflow: %s, node: %s", d.ID, current.ID)
			}
			if !matched {
				continue
			}
			if r.to == endNodeID {
				return nil, nil
			}
			next, ok := d.nodeMap[r.to]
			if !ok {
				return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "route target %s not found, workflow: %s", r.to, d.ID)
			}
			return next, nil
		}
	}
	return current.Next, nil
}
