package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ouqro/swgate/internal/config"
	"github.com/ouqro/swgate/internal/logging"
	"github.com/ouqro/swgate/internal/syncqueue"
	"github.com/ouqro/swgate/internal/worker"
)

func newCacheCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "查看或清理缓存分区",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "info",
			Short: "列出每个分区的条目数",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withInspector(cmd.Context(), opts.configPath, func(ctx context.Context, w *worker.Worker) error {
					info, err := w.CacheInfo(ctx)
					if err != nil {
						return err
					}
					return printJSON(info)
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "删除全部缓存分区",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withInspector(cmd.Context(), opts.configPath, func(ctx context.Context, w *worker.Worker) error {
					deleted, err := w.ClearCache(ctx)
					if err != nil {
						return err
					}
					return printJSON(worker.ClearedPayload{Deleted: deleted})
				})
			},
		},
	)
	return cmd
}

func newSyncCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "管理离线写请求队列",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "drain [tag]",
		Short: "立即向源站重放待同步条目，省略 tag 时处理全部标签",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInspector(cmd.Context(), opts.configPath, func(ctx context.Context, w *worker.Worker) error {
				tags := w.SyncTags()
				if len(args) == 1 {
					tags = []string{args[0]}
				}
				reports := make([]syncqueue.DrainReport, 0, len(tags))
				for _, tag := range tags {
					report, err := w.OnSync(ctx, tag)
					if err != nil {
						return err
					}
					reports = append(reports, report)
				}
				return printJSON(reports)
			})
		},
	})
	return cmd
}

// withInspector 为维护命令构建不接管流量的 Worker，命令结束后释放存储。
func withInspector(ctx context.Context, configPath string, fn func(context.Context, *worker.Worker) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	// 维护命令的 stdout 留给 JSON 结果。
	if cfg.Global.LogFilePath == "" {
		cfg.Global.LogFilePath = logging.StderrPath
	}
	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}

	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); err == nil {
			err = closeErr
		}
	}()

	w, err := rt.gateway.Inspect(cfg)
	if err != nil {
		return err
	}
	return fn(ctx, w)
}

func printJSON(v any) error {
	encoder := json.NewEncoder(stdOut)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
