// ABOUTME: init and token subcommands for first-time setup of relay-gateway
// ABOUTME: init writes a config with fresh secrets; token mints an admin JWT

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
)

func randomSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("relay-gateway configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	defaultDataPath := config.DataPath()

	outputFile := prompt(reader, "Config file path", config.Path())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:3000")

	fmt.Println("\n--- Storage ---")
	dbPath := prompt(reader, "SQLite database path", filepath.Join(defaultDataPath, "gateway.db"))
	sessionsPath := prompt(reader, "Session folder", filepath.Join(defaultDataPath, "sessions"))

	fmt.Println("\n--- Events ---")
	baseURL := prompt(reader, "Base webhook URL", "http://localhost:8000/hook")

	fmt.Println("\n--- Driver ---")
	driverKind := prompt(reader, "Driver (runner/matrix/fake)", config.DriverRunner)
	runnerURL := ""
	if driverKind == config.DriverRunner {
		runnerURL = prompt(reader, "Runner URL", "ws://localhost:7000")
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "relay-gateway")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
		tsFunnel = yes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	jwtSecret, err := randomSecret(32)
	if err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	apiKey, err := randomSecret(24)
	if err != nil {
		return fmt.Errorf("generating API key: %w", err)
	}

	var cfg strings.Builder
	cfg.WriteString("# relay-gateway configuration\n")
	cfg.WriteString("# Generated by relay-gateway init\n\n")

	fmt.Fprintf(&cfg, "server:\n  http_addr: %q\n\n", httpAddr)
	fmt.Fprintf(&cfg, "database:\n  path: %q\n\n", dbPath)
	fmt.Fprintf(&cfg, "auth:\n  jwt_secret: %q\n  api_key: %q\n\n", jwtSecret, apiKey)

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", tailscaleEnabled)
	if tailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", tsHostname)
		if tsAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", tsAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", tsEphemeral)
		fmt.Fprintf(&cfg, "  funnel: %t\n", tsFunnel)
	}
	cfg.WriteString("\n")

	fmt.Fprintf(&cfg, "sessions:\n  folder_path: %q\n  recover: true\n\n", sessionsPath)
	fmt.Fprintf(&cfg, "events:\n  base_webhook_url: %q\n\n", baseURL)

	fmt.Fprintf(&cfg, "driver:\n  kind: %q\n", driverKind)
	if runnerURL != "" {
		fmt.Fprintf(&cfg, "  runner:\n    url: %q\n", runnerURL)
	}
	cfg.WriteString("\n")

	fmt.Fprintf(&cfg, "logging:\n  level: %q\n  format: %q\n", logLevel, logFormat)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file holds secrets.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("\n  ✓ Config written to %s\n", outputFile)
	fmt.Printf("  API key: %s\n", apiKey)
	fmt.Println("\nTo start the server:")
	fmt.Println("  relay-gateway serve")
	fmt.Println("To mint an admin token:")
	fmt.Println("  relay-gateway token --subject you")

	return nil
}

// runToken mints an admin JWT with the configured secret and saves it
// next to the config for relay-admin to pick up.
func runToken(args []string) error {
	subject := "admin"
	ttl := 30 * 24 * time.Hour

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--subject" || arg == "-s":
			if i+1 >= len(args) {
				return fmt.Errorf("--subject requires a value")
			}
			subject = args[i+1]
			i++
		case strings.HasPrefix(arg, "--subject="):
			subject = strings.TrimPrefix(arg, "--subject=")
		case arg == "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			d, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("invalid --ttl: %w", err)
			}
			ttl = d
			i++
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	subject = strings.TrimSpace(subject)
	if subject == "" {
		return fmt.Errorf("subject cannot be empty")
	}
	if ttl <= 0 {
		return fmt.Errorf("--ttl must be positive")
	}

	configPath := config.Path()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s", configPath)
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(subject, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	tokenPath := filepath.Join(filepath.Dir(configPath), "token")
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Saved token: %s\n", tokenPath)
	fmt.Printf("  Subject: %s\n", subject)
	fmt.Printf("  Expires: %s\n", time.Now().Add(ttl).UTC().Format("Jan 02, 2006"))
	fmt.Println()
	fmt.Println(token)
	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
