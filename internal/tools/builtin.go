package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// CurrentTimeTool 返回指定时区的当前时间
type CurrentTimeTool struct {
	Now func() time.Time
}

func (t *CurrentTimeTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "current_time",
		Desc: "Returns the current date and time. Use it whenever the answer depends on today's date or the current time.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"timezone": {
				Type: schema.String,
				Desc: "IANA time zone name such as Asia/Shanghai; defaults to UTC",
			},
		}),
	}, nil
}

func (t *CurrentTimeTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	var params struct {
		Timezone string `json:"timezone"`
	}
	if argumentsInJSON != "" {
		if err := json.Unmarshal([]byte(argumentsInJSON), &params); err != nil {
			return "", fmt.Errorf("failed to parse arguments: %w", err)
		}
	}

	loc := time.UTC
	if params.Timezone != "" {
		l, err := time.LoadLocation(params.Timezone)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", params.Timezone)
		}
		loc = l
	}
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}

	result := map[string]any{
		"timezone": loc.String(),
		"time":     now().In(loc).Format(time.RFC3339),
	}
	resultBytes, _ := json.Marshal(result)
	return string(resultBytes), nil
}

// Builtin 不依赖外部服务的内置工具
func Builtin() []tool.BaseTool {
	return []tool.BaseTool{
		&CurrentTimeTool{},
	}
}
