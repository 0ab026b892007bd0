// xadmitd 运行一个准入控制节点：规则、滑动窗口与配额、信誉、负载节流、
// 异常检测和节点间信誉同步。
//
// 用法:
//
//	xadmitd [全局选项] <命令>
//
// 命令:
//
//	serve      启动节点（默认）
//	validate   校验配置文件并打印规则
//
// 配置文件分为三段：log（日志）、infra（Redis、MongoDB、etcd、通知出口、遥测）
// 和 xadmit（判定引擎），文件变更时重新加载日志级别与规则。
//
// 退出码:
//
//	0: 正常退出（包括收到 SIGTERM 等信号）
//	1: 运行失败
//	2: 配置错误
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/omeyang/xadmit/pkg/config/xconf"
)

// 版本信息，构建时通过 -ldflags 注入
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// configError 配置无法加载或校验失败，退出码 2
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func main() {
	os.Exit(run(os.Args))
}

func createApp() *cli.Command {
	return &cli.Command{
		Name:    "xadmitd",
		Usage:   "自适应准入控制节点",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径（yaml 或 json）",
				Value:   "/etc/xadmit/xadmitd.yaml",
				Sources: cli.EnvVars("XADMIT_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "启动节点",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return serve(ctx, cmd.String("config"))
				},
			},
			{
				Name:  "validate",
				Usage: "校验配置文件并打印规则",
				Action: func(_ context.Context, cmd *cli.Command) error {
					return validate(cmd.Root().Writer, cmd.String("config"))
				},
			},
		},
		DefaultCommand: "serve",
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
	}
}

func run(args []string) int {
	err := createApp().Run(context.Background(), args)
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "xadmitd: %v\n", err)
	var ce *configError
	if errors.As(err, &ce) || errors.Is(err, xconf.ErrEmptyPath) || errors.Is(err, xconf.ErrUnsupportedFormat) {
		return 2
	}
	return 1
}
