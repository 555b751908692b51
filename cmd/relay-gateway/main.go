// ABOUTME: Entry point for the relay-gateway server and its operator subcommands
// ABOUTME: serve runs the gateway; init, token, health and sessions help operate it

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/gateway"
	"github.com/2389/relay-gateway/internal/session"
)

// version is set at build time via -ldflags.
var version = "dev"

const banner = `
           _                                 _
 _ __ ___| | __ _ _   _        __ _  __ _| |_ _____      ____ _ _   _
| '__/ _ \ |/ _' | | | |_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| | |  __/ | (_| | |_| |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_|  \___|_|\__,_|\__, |      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                  |___/       |___/                             |___/
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: relay-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                      Start the gateway server")
		fmt.Println("  init                       Create a new config file interactively")
		fmt.Println("  token [--subject S] [--ttl D]  Mint an admin JWT from the configured secret")
		fmt.Println("  health                     Check gateway health")
		fmt.Println("  sessions                   List sessions on the running gateway")
		os.Exit(1)
	}

	// A missing .env is fine; the real environment still applies.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "sessions":
		err = runSessions(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.Path()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Driver:    %s\n", cfg.Driver.Kind)
	green.Print("    ▶ ")
	fmt.Printf("Sessions:  %s", cfg.Sessions.FolderPath)
	if !cfg.Sessions.RecoverEnabled() {
		yellow.Print(" [recovery off]")
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Webhook:   %s\n", cfg.Events.BaseWebhookURL)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting relay-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"driver", cfg.Driver.Kind,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// gatewayGet issues an authenticated GET against the configured gateway.
func gatewayGet(ctx context.Context, cfg *config.Config, path string) (*http.Response, error) {
	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if cfg.Auth.APIKey != "" {
		req.Header.Set("x-api-key", cfg.Auth.APIKey)
	}
	return http.DefaultClient.Do(req)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resp, err := gatewayGet(ctx, cfg, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	ready, err := gatewayGet(ctx, cfg, "/health/ready")
	if err != nil {
		return fmt.Errorf("readiness check failed: %w", err)
	}
	defer ready.Body.Close()
	body, _ := io.ReadAll(ready.Body)

	fmt.Printf("healthy (%s)\n", body)
	return nil
}

func runSessions(ctx context.Context) error {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resp, err := gatewayGet(ctx, cfg, "/session/list")
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Success  bool               `json:"success"`
		Error    string             `json:"error"`
		Sessions []session.Snapshot `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if !out.Success {
		return fmt.Errorf("listing sessions: %s", out.Error)
	}

	if len(out.Sessions) == 0 {
		fmt.Println("(no sessions)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tRETRIES\tUPDATED")
	for _, s := range out.Sessions {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.ID, s.State, s.RetryCount, s.UpdatedAt.Format("Jan 02 15:04:05"))
	}
	return w.Flush()
}
