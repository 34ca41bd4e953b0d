package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gematik/tee3/pkg/vauclient"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var sendHeaders []string
var sendCount int

func init() {
	sendCmd.Flags().StringArrayVarP(&sendHeaders, "header", "H", []string{}, "Inner request header, as \"Name: value\"")
	sendCmd.Flags().IntVarP(&sendCount, "count", "n", 1, "Number of requests, sent over client.pool_size channels")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <url> <method> <path> [body]",
	Short: "Send an inner HTTP request through a VAU channel",
	Args:  cobra.RangeArgs(3, 4),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		cobra.CheckErr(err)
		ctx := context.Background()

		factory, err := newClientFactory(ctx, cfg)
		cobra.CheckErr(err)
		defer factory.Close()
		baseURL, err := factory.baseURL(args[:1])
		cobra.CheckErr(err)
		method, path := strings.ToUpper(args[1]), args[2]
		body := ""
		if len(args) == 4 {
			body = args[3]
		}

		pool, err := vauclient.NewPool(cfg.Client.PoolSize, factory.NewClient)
		cobra.CheckErr(err)
		defer pool.Close()

		var wg sync.WaitGroup
		var mu sync.Mutex
		failed := 0
		for i := range max(sendCount, 1) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp, requestID, err := sendOne(ctx, pool, baseURL, method, path, body)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed++
					slog.Error("Request failed", "n", i, "request_id", requestID, "error", err)
					return
				}
				slog.Info("Response received", "n", i, "request_id", requestID, "status", resp.StatusCode)
				if err := printResponse(cmd.OutOrStdout(), resp); err != nil {
					slog.Error("Failed to print response", "error", err)
				}
			}()
		}
		wg.Wait()
		if failed > 0 {
			cobra.CheckErr(fmt.Errorf("%d of %d requests failed", failed, max(sendCount, 1)))
		}
	},
}

func sendOne(ctx context.Context, pool *vauclient.Pool, baseURL, method, path, body string) (*http.Response, string, error) {
	target, err := innerURL(baseURL, path)
	if err != nil {
		return nil, "", err
	}
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, "", fmt.Errorf("create inner request: %w", err)
	}
	for _, h := range sendHeaders {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, "", fmt.Errorf("invalid header %q", h)
		}
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	requestID := uuid.NewString()
	req.Header.Set(vauclient.HeaderRequestID, requestID)

	client, err := pool.Acquire(ctx, baseURL)
	if err != nil {
		return nil, requestID, err
	}
	defer pool.Release(client)
	resp, err := client.Do(req)
	return resp, requestID, err
}

// innerURL puts path on the VAU host, the inner request's Host header names the
// VAU instance.
func innerURL(baseURL, path string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse VAU URL: %w", err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse path: %w", err)
	}
	return (&url.URL{Scheme: "http", Host: base.Host}).ResolveReference(ref).String(), nil
}
