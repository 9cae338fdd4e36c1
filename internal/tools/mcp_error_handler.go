package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"llmhouse-backend/pkg/logger"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
)

// MCPErrorResult MCP 工具失败时返回给模型的统一格式
type MCPErrorResult struct {
	Success      bool   `json:"success"`
	Error        bool   `json:"error"`
	ErrorMessage string `json:"error_message"`
	ToolName     string `json:"tool_name"`
}

// NewMCPErrorHandler 把 IsError 的调用结果改写成普通文本结果，
// 错误信息放进 MCPErrorResult，执行器据此把工具块标记为失败
func NewMCPErrorHandler() func(ctx context.Context, name string, result *mcp.CallToolResult) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, name string, result *mcp.CallToolResult) (*mcp.CallToolResult, error) {
		if result == nil || !result.IsError {
			return result, nil
		}

		logger.Warnf("MCP tool %s returned an error result", name)
		errorJSON, err := json.Marshal(MCPErrorResult{
			Success:      false,
			Error:        true,
			ErrorMessage: extractErrorMessage(result),
			ToolName:     name,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal mcp error result: %w", err)
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{Type: "text", Text: string(errorJSON)},
			},
			IsError: false,
		}, nil
	}
}

func extractErrorMessage(result *mcp.CallToolResult) string {
	var msg string
	for _, content := range result.Content {
		switch c := content.(type) {
		case mcp.TextContent:
			msg = c.Text
		case *mcp.TextContent:
			msg = c.Text
		}
		if msg != "" {
			break
		}
	}
	if msg == "" {
		return "MCP tool execution failed"
	}
	return enhanceErrorMessage(msg)
}

func enhanceErrorMessage(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, "permission denied", "access denied", "eacces", "forbidden"):
		return msg + "\nhint: the tool has no access to this resource; check the path or permissions"
	case containsAny(lower, "no such file or directory", "enoent", "file not found"):
		return msg + "\nhint: the path does not exist in the tool's working directory"
	}
	return msg
}

// IsMCPErrorResult 判断工具输出是否为 MCPErrorResult
func IsMCPErrorResult(output string) (bool, *MCPErrorResult) {
	if !gjson.Valid(output) {
		return false, nil
	}
	parsed := gjson.Parse(output)
	if !parsed.IsObject() || !parsed.Get("error").Bool() || parsed.Get("success").Bool() {
		return false, nil
	}
	return true, &MCPErrorResult{
		Error:        true,
		ErrorMessage: parsed.Get("error_message").String(),
		ToolName:     parsed.Get("tool_name").String(),
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
