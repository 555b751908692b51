// ABOUTME: Admin CLI for relay-gateway sessions and webhook registrations
// ABOUTME: Talks to the REST API with the API key and an admin JWT

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/relay-gateway/internal/session"
	"github.com/2389/relay-gateway/internal/store"
)

const banner = `
           _                               _           _
 _ __ ___| | __ _ _   _        __ _  __| |_ __ ___ (_)_ __
| '__/ _ \ |/ _' | | | |_____ / _' |/ _' | '_ ' _ \| | '_ \
| | |  __/ | (_| | |_| |_____| (_| | (_| | | | | | | | | | |
|_|  \___|_|\__,_|\__, |      \__,_|\__,_|_| |_| |_|_|_| |_|
                  |___/
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	_ = godotenv.Load()

	client := newAPIClient(
		getEnv("RELAY_GATEWAY_URL", "http://localhost:3000"),
		os.Getenv("RELAY_API_KEY"),
		getToken(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "sessions":
		err = cmdSessions(ctx, client, args)
	case "webhooks":
		err = cmdWebhooks(ctx, client, args)
	case "send":
		err = cmdSend(ctx, client, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: relay-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  sessions [list]                  List sessions")
	fmt.Println("  sessions start <id>              Start a session")
	fmt.Println("  sessions status <id>             Show a session's state")
	fmt.Println("  sessions qr <id>                 Print the pairing QR payload")
	fmt.Println("  sessions restart <id>            Restart a session")
	fmt.Println("  sessions terminate <id>          Log out and remove a session")
	fmt.Println("  webhooks [list]                  List inbound webhooks")
	fmt.Println("  webhooks create                  Register an inbound webhook")
	fmt.Println("  webhooks delete <id>             Delete a webhook")
	fmt.Println("  webhooks toggle <id>             Enable or disable a webhook")
	fmt.Println("  webhooks regenerate <id>         Issue a new secret token")
	fmt.Println("  webhooks history [id] [--limit N] Show delivery history")
	fmt.Println("  send <session> <chatId> <msg>    Send a text message")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  RELAY_GATEWAY_URL        Gateway base URL (default: http://localhost:3000)")
	fmt.Println("  RELAY_API_KEY            API key for session routes")
	fmt.Println("  RELAY_TOKEN              Admin JWT (default: ~/.config/relay/token)")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  relay-admin sessions start main")
	fmt.Println("  relay-admin webhooks create --name CI --session main --chat 120363000000000000@g.us")
	fmt.Println("  relay-admin send main 15551234567@c.us 'deploy finished'")
	fmt.Println()
}

func requireArg(args []string, usage string) (string, error) {
	if len(args) < 1 || args[0] == "" {
		return "", fmt.Errorf("usage: %s", usage)
	}
	return args[0], nil
}

func cmdSessions(ctx context.Context, c *apiClient, args []string) error {
	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	green := color.New(color.FgGreen)

	switch subcmd {
	case "list", "ls":
		return cmdSessionsList(ctx, c)
	case "start":
		id, err := requireArg(args, "relay-admin sessions start <id>")
		if err != nil {
			return err
		}
		var out struct {
			State session.State `json:"state"`
		}
		if err := c.call(ctx, http.MethodGet, "/session/start/"+url.PathEscape(id), nil, &out); err != nil {
			return err
		}
		green.Printf("  ✓ Session %s started (%s)\n", id, out.State)
		return nil
	case "status":
		id, err := requireArg(args, "relay-admin sessions status <id>")
		if err != nil {
			return err
		}
		var out struct {
			State          session.State `json:"state"`
			RetryCount     int           `json:"retryCount"`
			RestartPending bool          `json:"restartPending"`
		}
		if err := c.call(ctx, http.MethodGet, "/session/status/"+url.PathEscape(id), nil, &out); err != nil {
			return err
		}
		fmt.Printf("  State:    %s\n", stateColor(out.State))
		fmt.Printf("  Retries:  %d\n", out.RetryCount)
		if out.RestartPending {
			fmt.Println("  Restart:  pending")
		}
		return nil
	case "qr":
		id, err := requireArg(args, "relay-admin sessions qr <id>")
		if err != nil {
			return err
		}
		var out struct {
			QR string `json:"qr"`
		}
		if err := c.call(ctx, http.MethodGet, "/session/qr/"+url.PathEscape(id), nil, &out); err != nil {
			return err
		}
		fmt.Println(out.QR)
		return nil
	case "restart":
		id, err := requireArg(args, "relay-admin sessions restart <id>")
		if err != nil {
			return err
		}
		if err := c.call(ctx, http.MethodGet, "/session/restart/"+url.PathEscape(id), nil, nil); err != nil {
			return err
		}
		green.Printf("  ✓ Session %s restarted\n", id)
		return nil
	case "terminate", "rm":
		id, err := requireArg(args, "relay-admin sessions terminate <id>")
		if err != nil {
			return err
		}
		if err := c.call(ctx, http.MethodGet, "/session/terminate/"+url.PathEscape(id), nil, nil); err != nil {
			return err
		}
		green.Printf("  ✓ Session %s terminated\n", id)
		return nil
	default:
		return fmt.Errorf("unknown sessions subcommand: %s (use list, start, status, qr, restart, terminate)", subcmd)
	}
}

func stateColor(s session.State) string {
	switch s {
	case session.StateConnected:
		return color.GreenString(string(s))
	case session.StateAwaitingAuth, session.StateCreating, session.StateRestarting:
		return color.YellowString(string(s))
	default:
		return color.RedString(string(s))
	}
}

func cmdSessionsList(ctx context.Context, c *apiClient) error {
	var out struct {
		Sessions []session.Snapshot `json:"sessions"`
	}
	if err := c.call(ctx, http.MethodGet, "/session/list", nil, &out); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Sessions")
	cyan.Println("  --------")

	if len(out.Sessions) == 0 {
		fmt.Println("  (no sessions)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tSTATE\tRETRIES\tUPDATED")
	fmt.Fprintln(w, "  --\t-----\t-------\t-------")
	for _, s := range out.Sessions {
		fmt.Fprintf(w, "  %s\t%s\t%d\t%s\n", s.ID, s.State, s.RetryCount, s.UpdatedAt.Local().Format("Jan 02 15:04"))
	}
	w.Flush()
	fmt.Println()
	return nil
}

func cmdWebhooks(ctx context.Context, c *apiClient, args []string) error {
	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list", "ls":
		return cmdWebhooksList(ctx, c)
	case "create", "add":
		return cmdWebhooksCreate(ctx, c, args)
	case "delete", "rm", "remove":
		id, err := requireArg(args, "relay-admin webhooks delete <id>")
		if err != nil {
			return err
		}
		if err := c.call(ctx, http.MethodDelete, "/api/webhooks/"+url.PathEscape(id), nil, nil); err != nil {
			return err
		}
		color.New(color.FgGreen).Printf("  ✓ Deleted webhook %s\n", id)
		return nil
	case "toggle":
		id, err := requireArg(args, "relay-admin webhooks toggle <id>")
		if err != nil {
			return err
		}
		var out struct {
			Webhook store.Webhook `json:"webhook"`
		}
		if err := c.call(ctx, http.MethodPost, "/api/webhooks/"+url.PathEscape(id)+"/toggle", nil, &out); err != nil {
			return err
		}
		state := "disabled"
		if out.Webhook.Enabled {
			state = "enabled"
		}
		color.New(color.FgGreen).Printf("  ✓ Webhook %s %s\n", id, state)
		return nil
	case "regenerate":
		id, err := requireArg(args, "relay-admin webhooks regenerate <id>")
		if err != nil {
			return err
		}
		var out struct {
			Webhook store.Webhook `json:"webhook"`
		}
		if err := c.call(ctx, http.MethodPost, "/api/webhooks/"+url.PathEscape(id)+"/regenerate-token", nil, &out); err != nil {
			return err
		}
		color.New(color.FgGreen).Printf("  ✓ New token for %s\n", id)
		fmt.Println(out.Webhook.SecretToken)
		return nil
	case "history":
		return cmdWebhooksHistory(ctx, c, args)
	default:
		return fmt.Errorf("unknown webhooks subcommand: %s (use list, create, delete, toggle, regenerate, history)", subcmd)
	}
}

func cmdWebhooksList(ctx context.Context, c *apiClient) error {
	var out struct {
		Webhooks []store.Webhook `json:"webhooks"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/webhooks", nil, &out); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Inbound Webhooks")
	cyan.Println("  ----------------")

	if len(out.Webhooks) == 0 {
		fmt.Println("  (no webhooks)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tSESSION\tCHAT\tLIMIT\tENABLED")
	fmt.Fprintln(w, "  --\t----\t-------\t----\t-----\t-------")
	for _, wh := range out.Webhooks {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%d/min\t%t\n",
			wh.ID, truncate(wh.Name, 20), wh.SessionID, truncate(wh.ChatID, 28), wh.RateLimit, wh.Enabled)
	}
	w.Flush()
	fmt.Println()
	return nil
}

func cmdWebhooksCreate(ctx context.Context, c *apiClient, args []string) error {
	body := map[string]any{}
	for i := 0; i < len(args); i++ {
		if i+1 >= len(args) {
			return fmt.Errorf("%s requires a value", args[i])
		}
		val := args[i+1]
		switch args[i] {
		case "--name", "-n":
			body["name"] = val
		case "--session", "-s":
			body["sessionId"] = val
		case "--chat", "-c":
			body["chatId"] = val
		case "--chat-name":
			body["chatName"] = val
		case "--rate-limit":
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("invalid --rate-limit: %w", err)
			}
			body["rateLimit"] = n
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
		i++
	}

	if body["name"] == nil || body["sessionId"] == nil || body["chatId"] == nil {
		return fmt.Errorf("usage: relay-admin webhooks create --name <name> --session <id> --chat <chatId> [--chat-name N] [--rate-limit N]")
	}

	var out struct {
		Webhook store.Webhook `json:"webhook"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/webhooks", body, &out); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created webhook %s\n", out.Webhook.ID)
	fmt.Printf("  URL path: /webhook/%s\n", out.Webhook.ID)
	fmt.Printf("  Token:    %s\n", out.Webhook.SecretToken)
	return nil
}

func cmdWebhooksHistory(ctx context.Context, c *apiClient, args []string) error {
	q := url.Values{}
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--limit" && i+1 < len(args):
			q.Set("limit", args[i+1])
			i++
		case !strings.HasPrefix(args[i], "-"):
			q.Set("webhookId", args[i])
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	path := "/api/webhook-history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		History []store.HistoryEntry `json:"history"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return err
	}

	if len(out.History) == 0 {
		fmt.Println("  (no history)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TIME\tWEBHOOK\tSTATUS\tCODE\tERROR")
	for _, h := range out.History {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%d\t%s\n",
			h.Timestamp.Local().Format("Jan 02 15:04:05"), h.WebhookID, h.Status, h.StatusCode, truncate(h.Error, 40))
	}
	return w.Flush()
}

func cmdSend(ctx context.Context, c *apiClient, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: relay-admin send <session> <chatId> <message>")
	}
	body := map[string]any{
		"chatId":      args[1],
		"contentType": "string",
		"content":     strings.Join(args[2:], " "),
	}

	var out struct {
		Message struct {
			ID string `json:"id"`
		} `json:"message"`
	}
	if err := c.call(ctx, http.MethodPost, "/client/sendMessage/"+url.PathEscape(args[0]), body, &out); err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("  ✓ Sent %s\n", out.Message.ID)
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getToken returns the admin JWT from RELAY_TOKEN or the file written by
// `relay-gateway token`.
func getToken() string {
	if token := os.Getenv("RELAY_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "relay", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
