// Command tokencheck issues a single auth token with the configured key pair
// and optionally verifies it against the ws2 endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/rickgao/bfx-token-renewal/internal/api"
	"github.com/rickgao/bfx-token-renewal/internal/auth"
	"github.com/rickgao/bfx-token-renewal/internal/config"
	"github.com/rickgao/bfx-token-renewal/internal/connection"
	"github.com/rickgao/bfx-token-renewal/internal/renewal"
)

func main() {
	configPath := flag.String("config", "configs/renewer.local.yaml", "path to config file")
	verify := flag.Bool("verify", false, "authenticate a ws2 connection with the issued token")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, cfg, *verify, logger); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.RenewerConfig, verify bool, logger *slog.Logger) error {
	creds, err := auth.LoadCredentials(cfg.API.APIKey, cfg.API.APISecret)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	client := api.NewClient(cfg.API.RestURL,
		api.WithCredentials(creds),
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
	)

	provider := api.NewTokenProvider(client, api.TokenOptions{
		Scope:           cfg.Token.Scope,
		WritePermission: cfg.Token.WritePermissionEnabled(),
		TTL:             cfg.Token.TTL,
		Caps:            cfg.Token.Caps,
	}, api.WithRequestTimeout(cfg.Renewal.RefreshTimeout), api.WithProviderLogger(logger))

	sched := renewal.New(renewal.Config{
		RefreshTimeout: cfg.Renewal.RefreshTimeout,
		TokenTTL:       cfg.Token.TTL,
	}, provider,
		renewal.WithLogger(logger))
	defer sched.Close()

	tok, err := sched.Refresh(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("token issued\n")
	fmt.Printf("  expires_at: %s\n", tok.ExpiresAt.Format(time.RFC3339))
	fmt.Printf("  renew_at:   %s\n", tok.ExpiresAt.Add(-cfg.Renewal.RenewThreshold).Format(time.RFC3339))
	fmt.Printf("  caps:       %v\n", cfg.Token.Caps)

	if !verify {
		return nil
	}

	return verifyToken(ctx, cfg, tok.Value, logger)
}

// verifyToken authenticates one ws2 connection and waits for the acknowledgement.
func verifyToken(ctx context.Context, cfg *config.RenewerConfig, token string, logger *slog.Logger) error {
	events := make(chan connection.Event, 10)
	conn := connection.NewConn("tokencheck", connection.ClientConfig{
		URL:          cfg.API.WSURL,
		WriteTimeout: cfg.Connections.WriteTimeout,
	}, nil, events, logger)

	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", cfg.API.WSURL, err)
	}
	defer conn.Close()

	conn.Authenticate(token)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for auth: %w", ctx.Err())
		case ev := <-events:
			return fmt.Errorf("%s: %s", ev.Name, ev.Message)
		case <-ticker.C:
			if conn.IsAuthenticated() {
				fmt.Printf("ws2 auth:      OK\n")
				return nil
			}
		}
	}
}
