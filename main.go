package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/jrenc2002/AIGame-sub000/config"
	"github.com/jrenc2002/AIGame-sub000/llm"
	"github.com/jrenc2002/AIGame-sub000/models"
	"github.com/jrenc2002/AIGame-sub000/services"
	"github.com/jrenc2002/AIGame-sub000/storage"
	"github.com/jrenc2002/AIGame-sub000/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// 设置日志格式，包含文件名和行号
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	configPath := flag.String("config", "", "配置文件路径（可选）")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("服务退出: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "werewolf", cfg.Telemetry.Endpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Printf("[telemetry] 关闭失败: %v", err)
		}
	}()

	if cfg.LLM.APIKey == "" {
		log.Printf("[llm] 未配置 API Key，AI 玩家第一次请求时游戏会暂停")
	}
	gateway := llm.NewRetryGateway(
		llm.NewOpenAIGateway(llm.OpenAIConfig{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLM.RequestTimeout,
		}),
		retryPolicy(cfg.LLM),
		nil,
	)
	orchestrator := services.NewOrchestrator(
		gateway,
		services.NewPromptBuilder(cfg.Game.ContextLogs, cfg.Game.ContextSpeeches),
		services.OrchestratorConfig{Strict: cfg.Game.StrictParsing, ParseAttempts: cfg.Game.ParseAttempts},
	)

	rooms := services.NewRoomManager(services.RoomOptions{
		Seats: cfg.Game.Seats,
		AI:    orchestrator,
		Session: services.SessionConfig{
			Mode: models.GameMode(cfg.Game.Mode),
			Durations: services.PhaseDurations{
				Preparation: cfg.Game.Phase.Preparation,
				Night:       cfg.Game.Phase.Night,
				Discussion:  cfg.Game.Phase.Discussion,
				Voting:      cfg.Game.Phase.Voting,
				Hunter:      cfg.Game.Phase.Hunter,
			},
			TurnDelay: cfg.Game.TurnDelay,
		},
	})
	defer rooms.Close()

	var audit *storage.Store
	if cfg.Audit.Path != "" {
		audit, err = storage.Open(cfg.Audit.Path)
		if err != nil {
			return err
		}
		defer audit.Close()
		rooms.OnStart(func(gc *services.GameController, _ map[string]string) {
			gc.Subscribe(audit.Observe(gc.ID(), gc.RoomID()), services.WithBackpressure(storage.ObserveBackpressure))
		})
		log.Printf("[audit] 游戏存档写入 %s", cfg.Audit.Path)
	}

	srv := &server{
		rooms: rooms,
		ws:    services.NewWebSocketManager(rooms),
		audit: audit,
	}
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("服务器启动在 %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("正在关闭服务器")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})
	return g.Wait()
}

func retryPolicy(c config.LLMConfig) llm.RetryPolicy {
	p := llm.DefaultRetryPolicy()
	p.MaxAttempts = c.MaxAttempts
	if c.InitialBackoff > 0 {
		p.InitialInterval = c.InitialBackoff
	}
	if c.MaxBackoff > 0 {
		p.MaxInterval = c.MaxBackoff
	}
	return p
}
