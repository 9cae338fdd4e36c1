package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"llmhouse-backend/internal/config"
	"llmhouse-backend/pkg/logger"

	einoMcp "github.com/cloudwego/eino-ext/components/tool/mcp"
	"github.com/cloudwego/eino/components/tool"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

const defaultMCPTimeout = 30 * time.Second

// MCPClients 已连接的 MCP 客户端，服务退出时关闭
type MCPClients []*client.Client

func (c MCPClients) Close() error {
	var errs []error
	for _, cli := range c {
		if err := cli.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadMCPTools 逐个连接配置的 MCP 服务。连接失败的服务只记日志并跳过。
func LoadMCPTools(ctx context.Context, servers []config.MCPServerConfig) ([]tool.BaseTool, MCPClients) {
	var (
		all     []tool.BaseTool
		clients MCPClients
	)
	for _, srv := range servers {
		cli, tools, err := loadServer(ctx, srv)
		if err != nil {
			logger.Warnf("MCP server %s not available: %v", srv.Name, err)
			continue
		}
		logger.Infof("MCP server %s loaded: %d tools", srv.Name, len(tools))
		clients = append(clients, cli)
		all = append(all, tools...)
	}
	return all, clients
}

func loadServer(ctx context.Context, srv config.MCPServerConfig) (*client.Client, []tool.BaseTool, error) {
	timeout := srv.Timeout
	if timeout <= 0 {
		timeout = defaultMCPTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cli, err := newMCPClient(ctx, srv)
	if err != nil {
		return nil, nil, err
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "llmhouse-" + srv.Name,
		Version: "1.0.0",
	}
	if _, err := cli.Initialize(ctx, initRequest); err != nil {
		_ = cli.Close()
		return nil, nil, fmt.Errorf("initialize: %w", err)
	}

	tools, err := einoMcp.GetTools(ctx, &einoMcp.Config{
		Cli:                   cli,
		ToolCallResultHandler: NewMCPErrorHandler(),
	})
	if err != nil {
		_ = cli.Close()
		return nil, nil, fmt.Errorf("list tools: %w", err)
	}
	return cli, tools, nil
}

func newMCPClient(ctx context.Context, srv config.MCPServerConfig) (*client.Client, error) {
	switch srv.Transport {
	case "sse":
		if srv.URL == "" {
			return nil, errors.New("sse transport requires url")
		}
		cli, err := client.NewSSEMCPClient(srv.URL)
		if err != nil {
			return nil, fmt.Errorf("create sse client: %w", err)
		}
		if err := cli.Start(ctx); err != nil {
			return nil, fmt.Errorf("start sse client: %w", err)
		}
		return cli, nil
	case "stdio", "":
		if srv.Command == "" {
			return nil, errors.New("stdio transport requires command")
		}
		// stdio 客户端创建时即启动子进程
		cli, err := client.NewStdioMCPClient(srv.Command, srv.Env, srv.Args...)
		if err != nil {
			return nil, fmt.Errorf("create stdio client: %w", err)
		}
		return cli, nil
	default:
		return nil, fmt.Errorf("unsupported mcp transport %q", srv.Transport)
	}
}
