// Package main is a stress driver: it fans out N concurrent simulated
// clients, each appending a run of events to its own stream against a
// running event store node, and reports throughput and error counts.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serverURL string
	authToken string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "loadgen",
		Short: "Stress driver for an event store node",
		Long:  "Simulates concurrent append traffic against a running event store node.",
	}
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Event store node URL")
	rootCmd.PersistentFlags().StringVarP(&authToken, "token", "t", "", "Bearer token, if the node requires auth")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a concurrent append load",
		RunE:  runLoad,
	}
	runCmd.Flags().Int("clients", 10, "Number of concurrent simulated clients")
	runCmd.Flags().Int("events", 100, "Events appended per client")
	runCmd.Flags().String("stream-prefix", "loadgen", "Stream ID prefix; each client gets its own stream")

	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type eventBody struct {
	Type     string            `json:"type"`
	Payload  json.RawMessage   `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type appendBody struct {
	Events []eventBody `json:"events"`
	Any    bool        `json:"any"`
}

func runLoad(cmd *cobra.Command, args []string) error {
	clients, _ := cmd.Flags().GetInt("clients")
	events, _ := cmd.Flags().GetInt("events")
	prefix, _ := cmd.Flags().GetString("stream-prefix")

	httpClient := &http.Client{Timeout: 10 * time.Second}
	var appended, failed int64

	group, ctx := errgroup.WithContext(cmd.Context())
	start := time.Now()

	for i := 0; i < clients; i++ {
		clientIndex := i
		group.Go(func() error {
			streamID := fmt.Sprintf("%s-%d", prefix, clientIndex)
			for n := 0; n < events; n++ {
				if err := appendOne(ctx, httpClient, streamID, n); err != nil {
					atomic.AddInt64(&failed, 1)
					continue
				}
				atomic.AddInt64(&appended, 1)
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	fmt.Printf("appended=%d failed=%d elapsed=%s rate=%.1f events/sec\n",
		appended, failed, elapsed, float64(appended)/elapsed.Seconds())
	return nil
}

func appendOne(ctx context.Context, client *http.Client, streamID string, seq int) error {
	body := appendBody{
		Events: []eventBody{{
			Type:    "loadgen.event",
			Payload: json.RawMessage(fmt.Sprintf(`{"seq":%d}`, seq)),
		}},
		Any: true,
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/streams/%s/events", serverURL, streamID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("append to %s failed: status %d", streamID, resp.StatusCode)
	}
	return nil
}
