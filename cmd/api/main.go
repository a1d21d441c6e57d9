package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/zhouzirui/z-avatar/backend/internal/bootstrap"
	"github.com/zhouzirui/z-avatar/backend/internal/config"
	"github.com/zhouzirui/z-avatar/backend/internal/handler"
	"github.com/zhouzirui/z-avatar/backend/internal/model/persona"
	"github.com/zhouzirui/z-avatar/backend/internal/service/ai"
	"github.com/zhouzirui/z-avatar/backend/internal/service/avatar"
	"github.com/zhouzirui/z-avatar/backend/internal/service/memory"
	"github.com/zhouzirui/z-avatar/backend/internal/service/memory/local"
	"github.com/zhouzirui/z-avatar/backend/internal/service/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	personaStore, err := loadPersonas(cfg.PersonaFile)
	if err != nil {
		log.Fatalf("failed to load personas: %v", err)
	}

	// Initialize AI service
	var aiService *ai.Service
	if cfg.AI.Enabled() {
		aiService, err = ai.NewService(ctx, cfg.AI)
		if err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
			log.Println("continuing without chatbot - 请检查大模型相关环境变量")
		} else {
			log.Println("AI service initialized successfully")
		}
	} else {
		log.Println("大模型凭证未配置，跳过聊天机器人初始化")
	}

	// 摘要器复用聊天模型，接口变量只在模型可用时赋值
	var summarizer local.Summarizer
	if aiService != nil {
		summarizer = ai.NewSummarizer(aiService.Provider())
	}

	factory, closeMemory, err := bootstrap.MemoryFactory(ctx, cfg.Memory, summarizer)
	if err != nil {
		log.Fatalf("failed to initialize memory backend: %v", err)
	}
	defer closeMemory()

	cache, err := memory.NewContextCache(cfg.Memory.CacheTTL)
	if err != nil {
		log.Fatalf("failed to initialize memory cache: %v", err)
	}
	defer cache.Close()

	if !cfg.Avatar.Enabled() {
		log.Println("ANAM_API_KEY 未配置，启动数字人会话将失败")
	}

	bridge := memory.NewBridge(memory.OptionsFromConfig(cfg.Memory, cache))
	avatarClient := avatar.NewClient(cfg.Avatar, nil)
	sessionService := session.NewService(personaStore, avatarClient, bridge, factory)

	router := handler.NewRouter(handler.Deps{
		Config:   cfg,
		Personas: personaStore,
		Sessions: sessionService,
		AI:       aiService,
	})

	startServer(ctx, cfg.Server, router)

	// 已劫持的转写连接不受 Shutdown 管理，先排空再关闭记忆存储
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := router.Drain(drainCtx); err != nil {
		log.Printf("warning: relay connections not drained: %v", err)
	}
}

func loadPersonas(path string) (persona.Store, error) {
	if path == "" {
		return persona.NewMemoryStore(persona.Seed()), nil
	}
	presets, err := persona.LoadFile(path)
	if err != nil {
		return nil, err
	}
	log.Printf("loaded %d personas from %s", len(presets), path)
	return persona.NewMemoryStore(presets), nil
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Avatar memory backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Printf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
