package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ouqro/swgate/internal/config"
	"github.com/ouqro/swgate/internal/logging"
)

// cliOptions 汇总全局标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

// run 执行命令树并返回退出码，方便测试。
func run(ctx context.Context, args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdOut)
	root.SetErr(stdErr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	var configFlag string

	root := &cobra.Command{
		Use:           "swgate",
		Short:         "离线优先的站点缓存网关",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.configPath = resolveConfigPath(configFlag)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts.configPath)
		},
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SWGATE_CONFIG 覆盖）")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "启动网关",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context(), opts.configPath)
			},
		},
		&cobra.Command{
			Use:   "check-config",
			Short: "仅校验配置后退出",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCheckConfig(opts.configPath)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "显示版本信息",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				printVersion()
			},
		},
		newCacheCmd(opts),
		newSyncCmd(opts),
	)
	return root
}

// resolveConfigPath 按 flag > SWGATE_CONFIG > config.toml 的顺序确定配置路径。
func resolveConfigPath(flagValue string) string {
	if path := strings.TrimSpace(flagValue); path != "" {
		return path
	}
	if path := strings.TrimSpace(os.Getenv("SWGATE_CONFIG")); path != "" {
		return path
	}
	return "config.toml"
}

func runCheckConfig(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}

	fields := logging.BaseFields("check_config", configPath)
	fields["origin"] = cfg.Worker.Origin
	fields["version"] = cfg.Worker.Version
	fields["storage_backend"] = cfg.Storage.StorageBackend
	fields["sync_tags"] = cfg.SyncTagNames()
	fields["result"] = "ok"
	logger.WithFields(fields).Info("配置校验通过")
	return nil
}
