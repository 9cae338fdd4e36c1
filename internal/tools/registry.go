// Package tools 工具注册、并发执行和 MCP 工具加载
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"llmhouse-backend/pkg/logger"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

var ErrToolNotFound = errors.New("tool not found")

// Registry 按名字索引的可调用工具。同名工具后注册的被忽略。
type Registry struct {
	mu    sync.RWMutex
	tools map[string]tool.InvokableTool
	infos map[string]*schema.ToolInfo
}

func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]tool.InvokableTool),
		infos: make(map[string]*schema.ToolInfo),
	}
}

// Register 只接受实现了 InvokableRun 的工具
func (r *Registry) Register(ctx context.Context, tools ...tool.BaseTool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range tools {
		info, err := t.Info(ctx)
		if err != nil {
			return fmt.Errorf("tool info: %w", err)
		}
		invokable, ok := t.(tool.InvokableTool)
		if !ok {
			logger.Warnf("Tool %s is not invokable, skipped", info.Name)
			continue
		}
		if _, exists := r.tools[info.Name]; exists {
			logger.Warnf("Duplicate tool %s, keeping the first registration", info.Name)
			continue
		}
		r.tools[info.Name] = invokable
		r.infos[info.Name] = info
	}
	return nil
}

func (r *Registry) Lookup(name string) (tool.InvokableTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Tools 按名字排序，用于绑定到模型
func (r *Registry) Tools() []tool.BaseTool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]tool.BaseTool, 0, len(r.tools))
	for _, name := range r.namesLocked() {
		out = append(out, r.tools[name])
	}
	return out
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
