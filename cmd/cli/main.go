package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/ngoclaw/ngoclaw/gateway/internal/application"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/checkpoint"
	domaintool "github.com/ngoclaw/ngoclaw/gateway/internal/domain/tool"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/config"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/logger"
	"github.com/ngoclaw/ngoclaw/gateway/internal/interfaces/cli"
)

const (
	cliVersion = "0.2.0"
	cliName    = "ngoclaw"
)

// Exit codes, per the CLI surface's external-interface contract.
const (
	exitSuccess           = 0
	exitTaskFailed        = 1
	exitRecoveryRequired  = 2
	exitSafetyBlocked     = 3
	exitInvalidConfig     = 4
)

func main() {
	os.Exit(run())
}

// run builds the cobra tree and maps whatever RunE/runtime error comes back
// to one of the five documented exit codes. Subcommands that need a
// specific non-1 code (recovery/safety/config) set it on cliExitCode
// themselves and return a plain error; everything else that returns a
// non-nil error from RunE is an ordinary task failure (1).
var cliExitCode = exitSuccess

func run() int {
	rootCmd := &cobra.Command{
		Use:   cliName + " [message]",
		Short: "NGOClaw — AI Coding Agent",
		Long:  "NGOClaw CLI — 交互式 AI 编程助手, 支持代码生成/编辑/调试/搜索",
		Args:  cobra.ArbitraryArgs,
		RunE:  runInteractive,
	}
	rootCmd.SilenceUsage = true

	rootCmd.PersistentFlags().String("config", "", "配置文件路径 (覆盖默认搜索)")
	rootCmd.PersistentFlags().StringP("workdir", "C", "", "工作目录 (覆盖 CWD)")
	rootCmd.PersistentFlags().String("mode", "normal", "执行模式 normal|auto-edit|yolo|daemon")
	rootCmd.PersistentFlags().Bool("quiet", false, "静默输出 (仅打印最终结果)")
	rootCmd.PersistentFlags().StringP("prompt", "p", "", "无头模式: 执行单条 prompt 后退出 ('-' 从 stdin 读取)")

	rootCmd.PersistentFlags().StringP("model", "m", "", "指定模型 (覆盖配置)")
	rootCmd.PersistentFlags().BoolP("no-approve", "y", false, "跳过工具审批 (YOLO 模式)")
	rootCmd.PersistentFlags().StringP("workspace", "w", "", "工作目录 (deprecated, 同 -C)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newChatCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newJournalCmd())
	rootCmd.AddCommand(newJournalEntryCmd())
	rootCmd.AddCommand(newJournalDeleteCmd())

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "启动后台服务 (资源监控 + 检查点调度 + 事件 WebSocket 广播)",
		Long:  "启动 NGOClaw Gateway 后台服务: 资源压力监控、检查点调度器, 以及配置了 gateway.port 时的事件 WebSocket 广播",
		RunE:  runServe,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "显示版本",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", cliName, cliVersion)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "环境诊断",
		RunE:  runDoctor,
	})

	if err := rootCmd.Execute(); err != nil {
		if cliExitCode == exitSuccess {
			cliExitCode = exitTaskFailed
		}
	}
	return cliExitCode
}

// ─── Shared bootstrap ───

// cliContext is what every subcommand needs to stand an App up: parsed
// global flags plus the resolved workspace and execution mode.
type cliContext struct {
	cfg       *config.Config
	log       *zap.Logger
	workspace string
	mode      domaintool.ExecutionMode
	quiet     bool
	noApprove bool
}

// bootstrap loads config, applies --config/-C/--workdir/--mode overrides,
// and returns everything a subcommand needs to build an App. Returns
// exitInvalidConfig on any config/flag problem so callers can exit(4)
// without constructing an App at all.
func bootstrap(cmd *cobra.Command) (*cliContext, int, error) {
	quiet, _ := cmd.Flags().GetBool("quiet")
	stdoutIsTTY := term.IsTerminal(int(os.Stdout.Fd()))
	cli.ApplyColorPolicy(stdoutIsTTY && !quiet)

	logLevel := "error"
	if os.Getenv("SELFWARE_DEBUG") != "" {
		logLevel = "debug"
	}
	logDir := os.Getenv("SELFWARE_LOG_DIR")
	outputPath := "/dev/null"
	if logDir != "" {
		outputPath = logDir + "/ngoclaw.log"
	}
	log, err := logger.NewLogger(logger.Config{
		Level:      logLevel,
		Format:     "console",
		OutputPath: outputPath,
	})
	if err != nil {
		return nil, exitInvalidConfig, fmt.Errorf("logger init: %w", err)
	}

	configPath, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, exitInvalidConfig, fmt.Errorf("config: %w", err)
	}

	if m, _ := cmd.Flags().GetString("model"); m != "" {
		cfg.Agent.DefaultModel = m
	}

	workspace, _ := os.Getwd()
	if w, _ := cmd.Flags().GetString("workspace"); w != "" {
		workspace = w
	}
	if w, _ := cmd.Flags().GetString("workdir"); w != "" {
		workspace = w
	}
	cfg.Agent.Workspace = workspace

	modeFlag, _ := cmd.Flags().GetString("mode")
	mode, ok := parseMode(modeFlag)
	if !ok {
		return nil, exitInvalidConfig, fmt.Errorf("invalid --mode %q (want normal|auto-edit|yolo|daemon)", modeFlag)
	}

	noApprove, _ := cmd.Flags().GetBool("no-approve")

	return &cliContext{
		cfg:       cfg,
		log:       log,
		workspace: workspace,
		mode:      mode,
		quiet:     quiet,
		noApprove: noApprove,
	}, exitSuccess, nil
}

func parseMode(s string) (domaintool.ExecutionMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return domaintool.ModeNormal, true
	case "auto-edit":
		return domaintool.ModeAutoEdit, true
	case "yolo":
		return domaintool.ModeYolo, true
	case "daemon":
		return domaintool.ModeDaemon, true
	default:
		return domaintool.ModeNormal, false
	}
}

// newApp stands up an App from a resolved cliContext, applying the
// --mode override and wiring (or skipping) the terminal approval prompt.
func newApp(cc *cliContext) (*application.App, error) {
	defer cc.log.Sync()

	app, err := application.NewAppCLI(cc.cfg, cc.log)
	if err != nil {
		return nil, fmt.Errorf("init failed: %w", err)
	}

	if policy := app.Policy(); policy != nil {
		policy.Mode = cc.mode
	}

	if !cc.noApprove && !cc.quiet && cc.mode != domaintool.ModeYolo && cc.mode != domaintool.ModeDaemon {
		if hook := app.SecurityHook(); hook != nil {
			hook.SetApprovalFunc(cli.TerminalApprovalFunc())
		}
	}

	return app, nil
}

func replCfgFor(app *application.App, cc *cliContext, initPrompt string) cli.REPLConfig {
	toolCount := 0
	if reg := app.ToolRegistry(); reg != nil {
		toolCount = len(reg.List())
	}
	return cli.REPLConfig{
		Model:      app.AppConfig().Agent.DefaultModel,
		Workspace:  cc.workspace,
		ToolCount:  toolCount,
		NoApprove:  cc.noApprove,
		InitPrompt: initPrompt,
	}
}

// readPrompt resolves the `-p`/`--prompt` value, reading stdin when it is "-".
func readPrompt(p string) (string, error) {
	if p != "-" {
		return p, nil
	}
	data, err := io.ReadAll(bufio.NewReader(os.Stdin))
	if err != nil {
		return "", fmt.Errorf("reading prompt from stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// outcomeToExit maps a headless turn's outcome to the documented exit codes.
func outcomeToExit(o cli.TurnOutcome) int {
	switch {
	case o.SafetyBlocked:
		return exitSafetyBlocked
	case o.Failed:
		return exitTaskFailed
	default:
		return exitSuccess
	}
}

// ─── CLI Interactive Mode (default) ───

func runInteractive(cmd *cobra.Command, args []string) error {
	prompt, _ := cmd.Flags().GetString("prompt")
	if prompt != "" {
		return runHeadless(cmd, args, prompt)
	}

	cc, code, err := bootstrap(cmd)
	if err != nil {
		cliExitCode = code
		return err
	}

	fmt.Print("\033[90m⏳ 初始化中...\033[0m")
	app, err := newApp(cc)
	if err != nil {
		fmt.Print("\r\033[2K")
		cliExitCode = exitInvalidConfig
		return err
	}
	fmt.Print("\r\033[2K")

	initPrompt := strings.Join(args, " ")
	replCfg := replCfgFor(app, cc, initPrompt)
	if err := cli.RunREPL(app.AgentLoop(), app.PromptEngine(), replCfg); err != nil {
		cliExitCode = exitTaskFailed
		return err
	}
	return nil
}

// runHeadless executes a single `-p`/`--prompt` turn and exits without
// entering the REPL — the "headless" mode named in the CLI surface.
func runHeadless(cmd *cobra.Command, args []string, promptFlag string) error {
	task, err := readPrompt(promptFlag)
	if err != nil {
		cliExitCode = exitInvalidConfig
		return err
	}
	if len(args) > 0 {
		task = strings.TrimSpace(task + " " + strings.Join(args, " "))
	}

	cc, code, err := bootstrap(cmd)
	if err != nil {
		cliExitCode = code
		return err
	}

	app, err := newApp(cc)
	if err != nil {
		cliExitCode = exitInvalidConfig
		return err
	}

	outcome := cli.RunTask(app.AgentLoop(), app.PromptEngine(), replCfgFor(app, cc, ""), task, cc.quiet)
	cliExitCode = outcomeToExit(outcome)
	if cliExitCode != exitSuccess {
		return fmt.Errorf("task did not complete successfully")
	}
	return nil
}

// ─── run <task> ───

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <task>",
		Short: "一次性执行单个任务后退出",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, code, err := bootstrap(cmd)
			if err != nil {
				cliExitCode = code
				return err
			}
			app, err := newApp(cc)
			if err != nil {
				cliExitCode = exitInvalidConfig
				return err
			}

			task := strings.Join(args, " ")
			outcome := cli.RunTask(app.AgentLoop(), app.PromptEngine(), replCfgFor(app, cc, ""), task, cc.quiet)
			cliExitCode = outcomeToExit(outcome)
			if cliExitCode != exitSuccess {
				return fmt.Errorf("task did not complete successfully")
			}
			return nil
		},
	}
}

// ─── chat ───

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "交互式会话循环",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, code, err := bootstrap(cmd)
			if err != nil {
				cliExitCode = code
				return err
			}

			fmt.Print("\033[90m⏳ 初始化中...\033[0m")
			app, err := newApp(cc)
			if err != nil {
				fmt.Print("\r\033[2K")
				cliExitCode = exitInvalidConfig
				return err
			}
			fmt.Print("\r\033[2K")

			replCfg := replCfgFor(app, cc, strings.Join(args, " "))
			if err := cli.RunREPL(app.AgentLoop(), app.PromptEngine(), replCfg); err != nil {
				cliExitCode = exitTaskFailed
				return err
			}
			return nil
		},
	}
}

// ─── resume <task_id> ───

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <task_id>",
		Short: "从检查点恢复任务并继续",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, code, err := bootstrap(cmd)
			if err != nil {
				cliExitCode = code
				return err
			}
			app, err := newApp(cc)
			if err != nil {
				cliExitCode = exitInvalidConfig
				return err
			}

			recovered, err := app.RecoveryManager().Recover(args[0])
			if err != nil {
				cliExitCode = exitRecoveryRequired
				return fmt.Errorf("loading checkpoint %s: %w", args[0], err)
			}
			if recovered == nil {
				cliExitCode = exitRecoveryRequired
				return fmt.Errorf("no checkpoint found for %q", args[0])
			}

			resumePrompt := summarizeRecovered(recovered)
			if !cc.quiet {
				fmt.Printf("%s↻ resuming from %s checkpoint %s%s\n", dimLabel(), recovered.Level, recovered.CheckpointID, resetLabel())
			}

			replCfg := replCfgFor(app, cc, resumePrompt)
			if err := cli.RunREPL(app.AgentLoop(), app.PromptEngine(), replCfg); err != nil {
				cliExitCode = exitTaskFailed
				return err
			}
			return nil
		},
	}
}

func summarizeRecovered(r *checkpoint.Recovered) string {
	switch {
	case r.Task != nil:
		return fmt.Sprintf("Resume task %s (%s, attempt %d): continue where it left off.",
			r.Task.TaskID, r.Task.Status, r.Task.Attempts)
	case r.Session != nil:
		return fmt.Sprintf("Resume session %s (%d completed tasks, %d pending): continue where it left off.",
			r.Session.SessionID, len(r.Session.CompletedTasks), len(r.Session.PendingTasks))
	case r.Micro != nil:
		return "Resume from the last partial output and continue."
	default:
		return "Resume and continue the prior task."
	}
}

func dimLabel() string { return "\033[90m" }
func resetLabel() string { return "\033[0m" }

// ─── journal / journal-entry / journal-delete ───

func newJournalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "journal",
		Short: "列出所有检查点",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, code, err := bootstrap(cmd)
			if err != nil {
				cliExitCode = code
				return err
			}
			app, err := newApp(cc)
			if err != nil {
				cliExitCode = exitInvalidConfig
				return err
			}

			idx := app.CheckpointIndex()
			if idx == nil {
				return fmt.Errorf("checkpoint index unavailable")
			}
			metas, err := idx.List(context.Background())
			if err != nil {
				cliExitCode = exitTaskFailed
				return err
			}
			if len(metas) == 0 {
				fmt.Println("(no checkpoints)")
				return nil
			}
			fmt.Printf("%-36s  %-8s  %-20s  %8s\n", "ID", "LEVEL", "TIMESTAMP", "SIZE")
			for _, m := range metas {
				fmt.Printf("%-36s  %-8s  %-20s  %8d\n",
					m.ID, m.Level, m.Timestamp.Format(time.RFC3339), m.SizeBytes)
			}
			return nil
		},
	}
}

func newJournalEntryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "journal-entry <id>",
		Short: "显示单个检查点详情",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, code, err := bootstrap(cmd)
			if err != nil {
				cliExitCode = code
				return err
			}
			app, err := newApp(cc)
			if err != nil {
				cliExitCode = exitInvalidConfig
				return err
			}

			cp, err := app.CheckpointManager().LoadCheckpoint(args[0])
			if err != nil {
				cliExitCode = exitRecoveryRequired
				return err
			}
			fmt.Printf("id:        %s\n", cp.ID)
			fmt.Printf("level:     %s\n", cp.Level)
			fmt.Printf("timestamp: %s\n", cp.Timestamp.Format(time.RFC3339))
			fmt.Printf("parent:    %s\n", cp.Parent)
			switch {
			case cp.State.Task != nil:
				fmt.Printf("task_id:   %s\n", cp.State.Task.TaskID)
				fmt.Printf("status:    %s\n", cp.State.Task.Status)
				fmt.Printf("attempts:  %d\n", cp.State.Task.Attempts)
			case cp.State.Session != nil:
				fmt.Printf("session_id:  %s\n", cp.State.Session.SessionID)
				fmt.Printf("iterations:  %d\n", cp.State.Session.IterationCount)
				fmt.Printf("completed:   %d\n", len(cp.State.Session.CompletedTasks))
				fmt.Printf("pending:     %d\n", len(cp.State.Session.PendingTasks))
			case cp.State.System != nil:
				fmt.Printf("shutdown:  %s\n", cp.State.System.ShutdownType)
			case cp.State.Micro != nil:
				fmt.Printf("token_pos: %d\n", cp.State.Micro.TokenPosition)
			}
			return nil
		},
	}
}

func newJournalDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "journal-delete <id>",
		Short: "删除指定检查点",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, code, err := bootstrap(cmd)
			if err != nil {
				cliExitCode = code
				return err
			}
			app, err := newApp(cc)
			if err != nil {
				cliExitCode = exitInvalidConfig
				return err
			}

			if err := app.CheckpointManager().DeleteCheckpoint(args[0]); err != nil {
				cliExitCode = exitRecoveryRequired
				return err
			}
			if !cc.quiet {
				fmt.Printf("deleted %s\n", args[0])
			}
			return nil
		},
	}
}

// ─── Gateway Server Mode ───

func runServe(cmd *cobra.Command, args []string) error {
	log, err := logger.NewLogger(logger.Config{
		Level:      "info",
		Format:     "json",
		OutputPath: "stdout",
	})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	log.Info("Starting NGOClaw Gateway",
		zap.String("version", cliVersion),
	)

	configPath, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		cliExitCode = exitInvalidConfig
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := application.NewApp(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize application", zap.Error(err))
	}

	if err := app.Start(ctx); err != nil {
		log.Fatal("Failed to start application", zap.Error(err))
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		cliExitCode = exitTaskFailed
		return err
	}

	log.Info("Application stopped successfully")
	return nil
}

// ─── Doctor ───

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Printf("◇ NGOClaw Doctor v%s\n\n", cliVersion)

	checks := []struct {
		name  string
		check func() (string, bool)
	}{
		{"配置文件", checkConfig},
		{"Go 工具链", checkGo},
		{"Python 环境", checkPython},
	}

	allOK := true
	for _, c := range checks {
		val, ok := c.check()
		icon := "\033[92m✓\033[0m"
		if !ok {
			icon = "\033[91m✗\033[0m"
			allOK = false
		}
		fmt.Printf("  %s %s: %s\n", icon, c.name, val)
	}

	fmt.Println()
	if allOK {
		fmt.Println("所有检查通过 ✓")
	} else {
		fmt.Println("存在问题, 请检查上方标记")
	}
	return nil
}

func checkConfig() (string, bool) {
	path := os.Getenv("HOME") + "/.ngoclaw/config.yaml"
	if _, err := os.Stat(path); err == nil {
		return path, true
	}
	return "未找到 ~/.ngoclaw/config.yaml", false
}

func checkGo() (string, bool) {
	for _, p := range []string{"/usr/local/go/bin/go", "/usr/bin/go", "/usr/lib/go/bin/go"} {
		if _, err := os.Stat(p); err == nil {
			return "已安装", true
		}
	}
	return "未安装", false
}

func checkPython() (string, bool) {
	p := os.Getenv("HOME") + "/miniconda3/envs/claw"
	if _, err := os.Stat(p); err == nil {
		return p, true
	}
	return "conda 'claw' 环境未找到", false
}
