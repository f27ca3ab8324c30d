package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"storyforge/internal/definition"
)

func submitCmd(g *globalFlags) *cobra.Command {
	var (
		follow   bool
		attempts int
	)
	cmd := &cobra.Command{
		Use:   "submit FILE",
		Short: "Validate a pipeline file and start a run on the gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			p, err := definition.Parse(raw)
			if err != nil {
				return err
			}
			if _, _, err := p.Validate(); err != nil {
				return err
			}

			id, err := submit(cmd.Context(), g.server, raw)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			if !follow {
				return nil
			}
			return watch(cmd.Context(), cmd.OutOrStdout(), g.server, id, attempts, g.logger())
		},
	}
	cmd.Flags().BoolVarP(&follow, "watch", "w", false, "Follow progress until the run finishes")
	cmd.Flags().IntVar(&attempts, "reconnect-attempts", 5, "Reconnect attempts before giving up")
	return cmd
}

func submit(ctx context.Context, server string, raw []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/v1/runs", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/yaml")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit run: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		SessionID string `json:"session_id"`
		Error     string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("submit run: decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("submit run: %s (status %d)", out.Error, resp.StatusCode)
	}
	return out.SessionID, nil
}
