package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"offcache/internal/offcache"
)

var (
	initOrigin  string
	initSitemap string
	initForce   bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default offcache.yaml",
	Long: `Writes the default configuration to --config. With --sitemap, the
manifests are rebuilt from the origin's sitemap: pages, stylesheets,
scripts and data documents go to the static manifest, everything else to
the advisory dynamic manifest.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil && !initForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
		}

		cfg := offcache.DefaultConfig()
		if initOrigin != "" {
			cfg.Server.Origin = initOrigin
		}
		if initSitemap != "" {
			client := &http.Client{Timeout: 30 * time.Second}
			m, err := offcache.DiscoverManifest(cmd.Context(), client, cfg.Server.Origin, initSitemap)
			if err != nil {
				return err
			}
			cfg.Manifest.Static = m.Static
			cfg.Manifest.Dynamic = m.Dynamic
			fmt.Fprintf(cmd.OutOrStdout(), "sitemap: %d static, %d dynamic, %d ignored\n", len(m.Static), len(m.Dynamic), m.Ignored)
		}

		if err := cfg.Save(configPath); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configPath)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initOrigin, "origin", "", "origin base URL")
	initCmd.Flags().StringVar(&initSitemap, "sitemap", "", "sitemap URL or origin-relative path to build the manifests from")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config")
	rootCmd.AddCommand(initCmd)
}
