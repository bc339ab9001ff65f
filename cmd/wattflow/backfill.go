package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/wattflow/wattflow/pkg/models"
	"github.com/wattflow/wattflow/pkg/web"
)

// Backfill goes through the running controller so range expansion,
// scheduling and mutual exclusion all happen in one place.
func NewBackfillCommand() *cli.Command {
	return &cli.Command{
		Name:  "backfill",
		Usage: "Enqueue a historical partition range on the running controller",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "api-url",
				Usage:   "Base URL of the controller's operator API",
				Value:   "http://localhost:9090",
				Sources: cli.EnvVars("WATTFLOW_API_URL"),
			},
			&cli.StringFlag{
				Name:     "start",
				Usage:    "First partition key of the range (e.g. 2025-01-01T00)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "end",
				Usage:    "Last partition key of the range, inclusive",
				Required: true,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			start, err := models.ParsePartition(command.String("start"))
			if err != nil {
				return fmt.Errorf("invalid start partition: %w", err)
			}

			end, err := models.ParsePartition(command.String("end"))
			if err != nil {
				return fmt.Errorf("invalid end partition: %w", err)
			}

			if end.Before(start) {
				return fmt.Errorf("end partition %s precedes start partition %s", end, start)
			}

			payload, err := json.Marshal(web.BackfillRequest{
				Start: start.String(),
				End:   end.String(),
			})
			if err != nil {
				return err
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				command.String("api-url")+"/backfill", bytes.NewReader(payload))
			if err != nil {
				return err
			}

			req.Header.Set("Content-Type", "application/json")

			client := &http.Client{Timeout: 30 * time.Second}

			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("failed to reach controller API: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}

			if resp.StatusCode != http.StatusAccepted {
				return fmt.Errorf("backfill rejected (%d): %s", resp.StatusCode, string(body))
			}

			var result web.BackfillResponse

			err = json.Unmarshal(body, &result)
			if err != nil {
				return err
			}

			fmt.Printf("enqueued %d partitions from %s to %s\n", result.Partitions, result.Start, result.End)

			return nil
		},
	}
}
