package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ragrelay/internal/config"
	"ragrelay/internal/db"
	clog "ragrelay/internal/log"
	"ragrelay/internal/rag"
	"ragrelay/internal/server"
	"ragrelay/internal/service"
	"ragrelay/internal/supabase"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	// .env 仅本地开发使用，线上环境变量由部署平台注入。
	_ = godotenv.Load()

	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config validate")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	supa := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseKey,
		supabase.WithOAuthRedirect(cfg.OAuthRedirectURL))
	ragClient := rag.NewClient(cfg.RAGBaseURL, cfg.RAGTimeoutSeconds)

	chatSvc := service.NewChatService(gdb)
	profileSvc := service.NewProfileService(gdb)

	h := server.NewHandler(cfg, supa, supa, ragClient, chatSvc, profileSvc)
	r := server.SetupRouter(cfg, h)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// RAG 转发最长 30s，写超时要给足余量。
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("rag_base", cfg.RAGBaseURL).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
}
