// Package llm 按配置创建 eino 对话模型，并把模型的流式输出转换成组装引擎的 Chunk。
package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"llmhouse-backend/internal/config"
	"llmhouse-backend/internal/failover"
	"llmhouse-backend/internal/metrics"
	"llmhouse-backend/internal/utils"
	"llmhouse-backend/pkg/logger"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/qwen"
	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// NewChatModel 用一把 key 创建模型
func NewChatModel(ctx context.Context, cfg config.ProviderConfig, apiKey string) (einoModel.ChatModel, error) {
	logger.Infof("Creating %s chat model %s (key %s)", cfg.Type, cfg.Model, failover.Fingerprint(apiKey))

	switch strings.ToLower(cfg.Type) {
	case "doubao", "ark":
		return createDoubaoModel(ctx, cfg, apiKey)
	case "qwen":
		return createQwenModel(ctx, cfg, apiKey)
	case "openai", "":
		return newOpenAIChatModel(cfg, apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.Type)
	}
}

func createDoubaoModel(ctx context.Context, cfg config.ProviderConfig, apiKey string) (einoModel.ChatModel, error) {
	thinkingMode := "disable"
	if cfg.EnableThinking {
		thinkingMode = "enable"
	}
	arkCfg := &ark.ChatModelConfig{
		APIKey:  apiKey,
		Model:   cfg.Model,
		BaseURL: cfg.BaseURL,
		CustomHeader: map[string]string{
			"X-Ark-Thinking-Mode": thinkingMode,
		},
	}
	if cfg.MaxTokens > 0 {
		arkCfg.MaxTokens = &cfg.MaxTokens
	}
	if cfg.Temperature > 0 {
		arkCfg.Temperature = &cfg.Temperature
	}
	if cfg.TopP > 0 {
		arkCfg.TopP = &cfg.TopP
	}
	chatModel, err := ark.NewChatModel(ctx, arkCfg)
	if err != nil {
		return nil, fmt.Errorf("create doubao model: %w", err)
	}
	return chatModel, nil
}

func createQwenModel(ctx context.Context, cfg config.ProviderConfig, apiKey string) (einoModel.ChatModel, error) {
	qwenCfg := &qwen.ChatModelConfig{
		BaseURL:    cfg.BaseURL,
		APIKey:     apiKey,
		Model:      cfg.Model,
		Timeout:    cfg.Timeout,
		HTTPClient: utils.NewHTTPClient(cfg.Timeout, cfg.DebugRequest),
	}
	if cfg.MaxTokens > 0 {
		qwenCfg.MaxTokens = &cfg.MaxTokens
	}
	if cfg.Temperature > 0 {
		qwenCfg.Temperature = &cfg.Temperature
	}
	if cfg.TopP > 0 {
		qwenCfg.TopP = &cfg.TopP
	}
	chatModel, err := qwen.NewChatModel(ctx, qwenCfg)
	if err != nil {
		return nil, fmt.Errorf("create qwen model: %w", err)
	}
	return chatModel, nil
}

// ModelFactory 按 key 创建模型，测试里可以替换
type ModelFactory func(ctx context.Context, apiKey string) (einoModel.ChatModel, error)

// Provider 一个逻辑供应商：多把 key 之间故障切换，按 key 缓存模型实例
type Provider struct {
	pool    *failover.Pool
	factory ModelFactory
	tools   []*schema.ToolInfo

	mu     sync.Mutex
	models map[string]einoModel.ChatModel
}

func NewProvider(cfg config.ProviderConfig, tools []*schema.ToolInfo, ins *metrics.Instruments) (*Provider, error) {
	factory := func(ctx context.Context, apiKey string) (einoModel.ChatModel, error) {
		return NewChatModel(ctx, cfg, apiKey)
	}
	return NewProviderWithFactory(cfg, tools, ins, factory)
}

func NewProviderWithFactory(cfg config.ProviderConfig, tools []*schema.ToolInfo, ins *metrics.Instruments, factory ModelFactory) (*Provider, error) {
	// 0 表示关闭故障切换，默认值由配置层提供
	pool, err := failover.NewPool(cfg.APIKeys, failover.Options{
		MaxRetries:     cfg.MaxCredentialRetries,
		Rotate:         true,
		CircuitBreaker: cfg.CircuitBreaker,
		Backoff:        cfg.RetryBackoff,
		Metrics:        ins,
		OnAttempt: func(a failover.Attempt) {
			if !a.OK {
				logger.Warnf("Credential %s attempt failed (%s)", a.Credential, a.Kind)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	return &Provider{
		pool:    pool,
		factory: factory,
		tools:   tools,
		models:  make(map[string]einoModel.ChatModel),
	}, nil
}

func (p *Provider) model(ctx context.Context, apiKey string) (einoModel.ChatModel, error) {
	fp := failover.Fingerprint(apiKey)

	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.models[fp]; ok {
		return m, nil
	}
	m, err := p.factory(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	if len(p.tools) > 0 {
		if err := m.BindTools(p.tools); err != nil {
			return nil, fmt.Errorf("bind tools: %w", err)
		}
	}
	p.models[fp] = m
	return m, nil
}

// Stream 打开一次流式调用。建连阶段的鉴权和限流错误会换 key 重试。
func (p *Provider) Stream(ctx context.Context, messages []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
	return failover.Do(ctx, p.pool, func(ctx context.Context, apiKey string) (*schema.StreamReader[*schema.Message], error) {
		m, err := p.model(ctx, apiKey)
		if err != nil {
			return nil, err
		}
		return m.Stream(ctx, messages)
	})
}

// Generate 非流式调用
func (p *Provider) Generate(ctx context.Context, messages []*schema.Message) (*schema.Message, error) {
	return failover.Do(ctx, p.pool, func(ctx context.Context, apiKey string) (*schema.Message, error) {
		m, err := p.model(ctx, apiKey)
		if err != nil {
			return nil, err
		}
		return m.Generate(ctx, messages)
	})
}

// ToolInfos 收集工具描述，去掉描述里会误导模型的内部命令名
func ToolInfos(ctx context.Context, tools []tool.BaseTool) ([]*schema.ToolInfo, error) {
	infos := make([]*schema.ToolInfo, 0, len(tools))
	cleaned := 0
	for _, t := range tools {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool info: %w", err)
		}
		desc := strings.ReplaceAll(info.Desc, "'execute_command'", "generic command execution")
		if desc != info.Desc {
			cleaned++
			info.Desc = desc
		}
		infos = append(infos, info)
	}
	if cleaned > 0 {
		logger.Debugf("Cleaned %d of %d tool descriptions", cleaned, len(tools))
	}
	return infos, nil
}
