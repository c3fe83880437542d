package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"offcache/internal/offcache"
	"offcache/internal/site"
	"offcache/internal/sitedata"
)

var siteCmd = &cobra.Command{
	Use:   "site",
	Short: "Serve the lab site (static files and JSON data endpoints)",
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

		data := sitedata.NewLoader(filepath.Join(cfg.Site.Root, "data"), log.Named("sitedata"))
		if err := data.Load(); err != nil {
			return fmt.Errorf("load site data: %w", err)
		}
		srv := site.New(site.Config{Port: cfg.Site.Port, Root: cfg.Site.Root}, data, log.Named("site"))

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return data.Watch(gctx) })
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("shutdown", zap.Error(err))
			}
			return nil
		})
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(siteCmd)
}
