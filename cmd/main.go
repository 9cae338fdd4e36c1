package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"llmhouse-backend/internal/config"
	"llmhouse-backend/pkg/logger"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "./configs/config.yaml"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "llmhouse",
	Short: "LLM House - streaming chat backend",
	Long: `LLM House serves a topic/message chat API on top of OpenAI-compatible,
Doubao and Qwen models, assembling streamed responses into persisted message blocks.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "配置文件路径")

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(replayCommand())
}

// loadConfig 默认路径不存在时只用默认值和环境变量。console 为日志的控制台输出。
func loadConfig(console io.Writer) (*config.Config, error) {
	path := configPath
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(logger.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Console:    console,
	}); err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
