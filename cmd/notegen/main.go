// =============================================================================
// NoteGen 主入口
// =============================================================================
// 笔记流式生成客户端，包含本地后端模拟器与生成记录查询
//
// 使用方法:
//
//	notegen generate --prompt "..."        # 发起一次生成
//	notegen generate --config config.yaml  # 从 stdin 逐行读取输入
//	notegen simulate                       # 启动本地后端模拟器
//	notegen history --note n1              # 查看生成记录
//	notegen version                        # 显示版本信息
// =============================================================================

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/notegen/config"
	"github.com/BaSui01/notegen/internal/backendsim"
	"github.com/BaSui01/notegen/internal/metrics"
	"github.com/BaSui01/notegen/internal/server"
	"github.com/BaSui01/notegen/internal/telemetry"
	"github.com/BaSui01/notegen/journal"
	"github.com/BaSui01/notegen/session"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "generate":
		err = runGenerate(os.Args[2:])
	case "simulate":
		err = runSimulate(os.Args[2:])
	case "history":
		err = runHistory(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 加载并验证配置
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// ✍️ generate 命令
// =============================================================================

func runGenerate(args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	prompt := fs.String("prompt", "", "Prompt text; reads lines from stdin when empty")
	noteID := fs.String("note", "default", "Note identifier")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer shutdownTelemetry(otelProviders, logger)

	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	stopStatus := a.manager.OnStatusChange(func(s session.Status) {
		logger.Debug("session status", zap.String("status", string(s)))
	})
	defer stopStatus()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *prompt != "" {
		return generateOnce(ctx, a.manager, *noteID, *prompt, os.Stdout)
	}
	return generateLines(ctx, a.manager, *noteID, os.Stdin, os.Stdout)
}

// generateOnce 发起一次生成并把增量写入 out。ctx 结束时取消生成。
func generateOnce(ctx context.Context, m *session.Manager, noteID, prompt string, out io.Writer) error {
	handle := m.RequestGeneration(ctx, noteID, prompt, session.Handlers{
		OnChunk: func(delta, _ string) {
			fmt.Fprint(out, delta)
		},
	})

	select {
	case <-handle.Done():
	case <-ctx.Done():
		handle.Cancel()
	}

	res, err := handle.Wait(context.Background())
	fmt.Fprintln(out)
	if err != nil {
		return err
	}
	if res.Outcome != session.OutcomeCompleted {
		fmt.Fprintf(os.Stderr, "[%s after %d chunks]\n", res.Outcome, res.Chunks)
	}
	return nil
}

// generateLines 逐行读取输入。每行先作为输入活动通知预连接，再发起生成。
// 空行跳过，EOF 或 ctx 结束时返回。
func generateLines(ctx context.Context, m *session.Manager, noteID string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		m.NotifyInputActivity(line)
		if err := generateOnce(ctx, m, noteID, line, out); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
	return scanner.Err()
}

// =============================================================================
// 🧪 simulate 命令
// =============================================================================

func runSimulate(args []string) error {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	addr := fs.String("addr", "", "Listen address (overrides simulator.addr)")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Simulator.Addr = *addr
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting NoteGen simulator",
		zap.String("version", Version),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer shutdownTelemetry(otelProviders, logger)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, logger)
	}

	sim := backendsim.New(backendsim.Options{
		Config:     cfg.Simulator,
		AuthSecret: cfg.Backend.AuthSecret,
		AuthIssuer: cfg.Backend.AuthIssuer,
		Logger:     logger,
		Metrics:    collector,
	})

	srvCfg := server.DefaultConfig()
	if cfg.Simulator.Addr != "" {
		srvCfg.Addr = cfg.Simulator.Addr
	}
	srv := server.NewManager(sim.Handler(), srvCfg, logger)
	srv.OnShutdown(sim.Close)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		reportStats(gctx, sim, 30*time.Second, logger)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("NoteGen simulator stopped")
	return nil
}

// reportStats 周期性输出模拟器计数
func reportStats(ctx context.Context, sim *backendsim.Simulator, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := sim.Stats()
			logger.Info("simulator stats",
				zap.Int("sessions", st.Sessions),
				zap.Int64("started", st.Started),
				zap.Int64("cancelled", st.Cancelled),
				zap.Int64("closed", st.Closed),
			)
		}
	}
}

// =============================================================================
// 📜 history 命令
// =============================================================================

func runHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	noteID := fs.String("note", "default", "Note identifier")
	limit := fs.Int("limit", 20, "Maximum rows to show")
	since := fs.Duration("since", 24*time.Hour, "Outcome summary window")
	pruneOlder := fs.Duration("prune-older-than", 0, "Delete records older than this duration")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if !cfg.Journal.Enabled {
		return fmt.Errorf("journal is disabled (set journal.enabled)")
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	store, err := journal.Open(cfg.Journal, logger, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	return printHistory(context.Background(), store, historyOptions{
		NoteID:     *noteID,
		Limit:      *limit,
		Since:      *since,
		PruneOlder: *pruneOlder,
	}, os.Stdout)
}

type historyOptions struct {
	NoteID     string
	Limit      int
	Since      time.Duration
	PruneOlder time.Duration
}

func printHistory(ctx context.Context, store *journal.Store, opts historyOptions, out io.Writer) error {
	now := time.Now()
	if opts.PruneOlder > 0 {
		n, err := store.Prune(ctx, now.Add(-opts.PruneOlder))
		if err != nil {
			return fmt.Errorf("prune: %w", err)
		}
		fmt.Fprintf(out, "pruned %d records\n", n)
	}

	rows, err := store.Recent(ctx, opts.NoteID, opts.Limit)
	if err != nil {
		return fmt.Errorf("recent: %w", err)
	}
	for _, r := range rows {
		fmt.Fprintf(out, "%s  %-10s %6d chars %4d chunks %6dms  %s\n",
			r.StartedAt.Local().Format(time.DateTime), r.Outcome, r.Chars, r.Chunks, r.DurationMS, r.RequestID)
	}

	counts, err := store.OutcomeCounts(ctx, now.Add(-opts.Since))
	if err != nil {
		return fmt.Errorf("outcome counts: %w", err)
	}
	for _, outcome := range []string{"completed", "partial", "cancelled", "error"} {
		if n := counts[outcome]; n > 0 {
			fmt.Fprintf(out, "%s=%d ", outcome, n)
		}
	}
	fmt.Fprintln(out)
	return nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("NoteGen %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`NoteGen - streaming note generation client

Usage:
  notegen <command> [options]

Commands:
  generate  Run a generation against the configured backend
  simulate  Start the local backend simulator
  history   Show recorded generations
  version   Show version information
  help      Show this help message

Options for 'generate':
  --config <path>   Path to configuration file (YAML)
  --prompt <text>   Prompt text (reads lines from stdin when empty)
  --note <id>       Note identifier

Options for 'simulate':
  --config <path>   Path to configuration file (YAML)
  --addr <addr>     Listen address

Options for 'history':
  --note <id>                 Note identifier
  --limit <n>                 Maximum rows
  --since <dur>               Outcome summary window
  --prune-older-than <dur>    Delete old records first

Examples:
  notegen simulate --addr 127.0.0.1:8790
  notegen generate --prompt "Summarize today's meeting"
  notegen history --note n1 --limit 5
  notegen version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		// stdout 留给生成文本
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger
}

func shutdownTelemetry(p *telemetry.Providers, logger *zap.Logger) {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
}
