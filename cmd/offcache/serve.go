package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"offcache/internal/offcache"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Install the cache, activate it and start the proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := offcache.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log, err := newLogger()
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer log.Sync()

		store, err := offcache.OpenStorage(cfg.Storage.Path, cfg.LevelDBOptions(), log.Named("storage"))
		if err != nil {
			return err
		}
		defer store.Close()

		svc, err := offcache.NewService(cfg, store, offcache.WithLogger(log.Named("proxy")))
		if err != nil {
			return fmt.Errorf("init service: %w", err)
		}
		defer svc.Close()
		ctl := offcache.NewController(svc, log.Named("control"))

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// A failed install leaves the previous version's buckets in place.
		if err := svc.Start(ctx); err != nil {
			return err
		}

		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		srv := &http.Server{
			Handler:           offcache.NewRouter(svc, ctl),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Info("offcache listening",
				zap.String("addr", addr),
				zap.String("origin", cfg.Server.Origin),
				zap.String("version", cfg.Cache.CacheName))
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("server error", zap.Error(err))
				stop()
			}
		}()

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
