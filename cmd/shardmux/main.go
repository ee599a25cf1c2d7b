package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shardmux/proxy/internal/config"
	"github.com/shardmux/proxy/internal/persist"
	"github.com/shardmux/proxy/internal/proxy"
	"github.com/shardmux/proxy/internal/scripting"
	"github.com/shardmux/proxy/internal/shard"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(name string) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m            shardmux  v0.1.0               \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  │\033[0m      分片多工代理 · Go 遊戲伺服器         \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1m代理:\033[0m %s\n\n", name)
}

func printSection(title string) {
	// Use rune count for CJK width calculation (each CJK char = 2 columns)
	displayWidth := 0
	for _, r := range title {
		if r > 0x7F {
			displayWidth += 2
		} else {
			displayWidth++
		}
	}
	lineLen := 46 - displayWidth - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, count int) {
	numStr := fmt.Sprintf("%d", count)
	displayWidth := 0
	for _, r := range label {
		if r > 0x7F {
			displayWidth += 2
		} else {
			displayWidth++
		}
	}
	dotsLen := 42 - displayWidth - len(numStr)
	if dotsLen < 3 {
		dotsLen = 3
	}
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), numStr)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Main proxy logic ──────────────────────────────────────────────

func run() error {
	// 1. Load config
	cfgPath := "config/proxy.toml"
	if p := os.Getenv("SHARDMUX_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfg.Proxy.Name)

	// 3. Load shard topology
	printSection("分片拓撲")

	reg, err := shard.Load(cfg.Proxy.TopologyPath)
	if err != nil {
		return fmt.Errorf("load topology: %w", err)
	}
	printStat("分片", reg.Count())
	for _, s := range reg.All() {
		printOK(fmt.Sprintf("分片 %d  %s  區域 [%d,%d)×[%d,%d)",
			s.ID, s.Addr, s.Region.X1, s.Region.X2, s.Region.Z1, s.Region.Z2))
	}
	fmt.Println()

	// 4. Optional profile persistence
	var repo *persist.ProfileRepo
	if cfg.Database.Enabled {
		printSection("資料庫")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		db, err := persist.NewDB(ctx, cfg.Database, log)
		cancel()
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		printOK("PostgreSQL 連線成功")

		mctx, mcancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = persist.RunMigrations(mctx, db.Pool)
		mcancel()
		if err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		printOK("資料庫遷移完成")
		fmt.Println()

		repo = persist.NewProfileRepo(db)
	}

	// 5. Create proxy core
	px, err := proxy.New(cfg, reg, repo, log)
	if err != nil {
		return fmt.Errorf("proxy: %w", err)
	}

	// 6. Initialize Lua console engine
	luaEngine, err := scripting.NewEngine("scripts", px, log)
	if err != nil {
		return fmt.Errorf("lua engine: %w", err)
	}
	defer luaEngine.Close()
	printOK("Lua 腳本載入完成")
	printStat("控制台指令", len(luaEngine.Commands()))
	fmt.Println()

	// 7. Run
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- px.Run(ctx) }()

	go consoleLoop(luaEngine, log)

	printSection("代理就緒")
	printReady(fmt.Sprintf("監聽位址 %s", px.Addr()))
	printReady(fmt.Sprintf("視距 %d chunks · 滯後 %d blocks",
		cfg.Interest.ViewDistance, cfg.Interest.HysteresisBlocks))
	fmt.Println()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdownCh:
		log.Info("收到關閉信號", zap.String("signal", sig.String()))
		cancel()
		<-errCh
		log.Info("代理已停止")
		return nil
	case err := <-errCh:
		return err
	}
}

// consoleLoop reads operator commands from stdin and dispatches them to the
// Lua engine.
func consoleLoop(engine *scripting.Engine, log *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := engine.Execute(line); err != nil {
			fmt.Printf("  \033[31m✗\033[0m %v\n", err)
		}
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
