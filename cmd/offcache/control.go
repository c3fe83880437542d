package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"offcache/internal/offcache"
)

var controlAddr string

var controlCmd = &cobra.Command{
	Use:   "control ACTION",
	Short: "Send a control message (CLEAR_CACHE, GET_CACHE_SIZE, UPDATE_CACHE) to a running proxy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := controlAddr
		if addr == "" {
			cfg, err := offcache.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			addr = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
		}

		msg := offcache.ControlMessage{ID: uuid.NewString(), Action: strings.ToUpper(args[0])}
		body, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
			strings.TrimRight(addr, "/")+offcache.ControlPrefix+"/control", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := (&http.Client{Timeout: 2 * time.Minute}).Do(req)
		if err != nil {
			return fmt.Errorf("send control message: %w", err)
		}
		defer resp.Body.Close()

		var reply offcache.ControlReply
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
			return fmt.Errorf("decode reply: %w", err)
		}
		out, _ := json.MarshalIndent(reply, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		if !reply.Success {
			return fmt.Errorf("%s failed: %s", msg.Action, reply.Error)
		}
		return nil
	},
}

func init() {
	controlCmd.Flags().StringVar(&controlAddr, "addr", "", "proxy base URL (default http://127.0.0.1:<server.port>)")
	rootCmd.AddCommand(controlCmd)
}
