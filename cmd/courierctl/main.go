package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

const version = "1.0.0"

var serverURL string

func main() {
	rootCmd := &cobra.Command{
		Use:   "courierctl",
		Short: "Courier CLI - dispatch and inspect agent tasks",
		Long: `courierctl is a command-line interface for a courier daemon.
All output is structured JSON (pipe through jq for human-readable formatting).`,
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", getDefaultServer(), "Courier server URL")

	rootCmd.AddCommand(newTaskCommand())
	rootCmd.AddCommand(newAgentCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newWatchCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getDefaultServer() string {
	if server := os.Getenv("COURIER_SERVER"); server != "" {
		return server
	}
	return "http://localhost:8080"
}

// --- HTTP client ---

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func newClient() *Client {
	return &Client{
		BaseURL: serverURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(method, path string, params url.Values, data interface{}) ([]byte, error) {
	u := fmt.Sprintf("%s%s", c.BaseURL, path)
	if params != nil {
		u += "?" + params.Encode()
	}

	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal data: %w", err)
		}
		body = strings.NewReader(string(jsonData))
	}

	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

func (c *Client) get(path string, params url.Values) ([]byte, error) {
	return c.do("GET", path, params, nil)
}

func (c *Client) post(path string, data interface{}) ([]byte, error) {
	return c.do("POST", path, nil, data)
}

// outputJSON prints raw JSON data. All commands use this as the primary output path.
func outputJSON(data []byte) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Println(string(data))
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// --- Task commands ---

func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage agent tasks",
	}
	cmd.AddCommand(newTaskListCommand())
	cmd.AddCommand(newTaskSubmitCommand())
	cmd.AddCommand(newTaskShowCommand())
	cmd.AddCommand(newTaskCancelCommand())
	cmd.AddCommand(newTaskRetryCommand())
	cmd.AddCommand(newTaskTailCommand())
	return cmd
}

func newTaskListCommand() *cobra.Command {
	var (
		deviceID string
		agentKey string
		status   string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Example: `  courierctl task list
  courierctl task list --status=running --agent=claude`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			params := url.Values{}
			if deviceID != "" {
				params.Set("device_id", deviceID)
			}
			if agentKey != "" {
				params.Set("agent_key", agentKey)
			}
			if status != "" {
				params.Set("status", status)
			}
			data, err := client.get("/api/v1/tasks", params)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().StringVarP(&deviceID, "device", "d", "", "Filter by device ID")
	cmd.Flags().StringVarP(&agentKey, "agent", "a", "", "Filter by agent key")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	return cmd
}

func newTaskSubmitCommand() *cobra.Command {
	var (
		deviceID    string
		prompt      string
		workingDir  string
		timeoutSecs int
		params      []string
	)
	cmd := &cobra.Command{
		Use:   "submit <agent-key>",
		Short: "Submit a task to an agent",
		Example: `  courierctl task submit claude --prompt "fix the failing test"
  courierctl task submit aider --prompt "refactor foo" --param model=gpt-4o --param auto_commit=true`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parameters := map[string]interface{}{}
			for _, p := range params {
				key, value, ok := strings.Cut(p, "=")
				if !ok {
					return fmt.Errorf("invalid --param %q, expected key=value", p)
				}
				parameters[key] = coerceValue(value)
			}
			if prompt != "" {
				parameters["prompt"] = prompt
			}
			if workingDir != "" {
				parameters["working_dir"] = workingDir
			}

			client := newClient()
			data, err := client.post("/api/v1/tasks", map[string]interface{}{
				"device_id":       deviceID,
				"agent_key":       args[0],
				"parameters":      parameters,
				"timeout_seconds": timeoutSecs,
			})
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().StringVarP(&deviceID, "device", "d", "", "Target device ID (defaults to the server's device)")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Prompt parameter for the agent")
	cmd.Flags().StringVarP(&workingDir, "dir", "w", "", "Working directory for the agent process")
	cmd.Flags().IntVarP(&timeoutSecs, "timeout", "t", 0, "Timeout in seconds (0 uses the server default)")
	cmd.Flags().StringArrayVar(&params, "param", nil, "Additional agent parameter as key=value (repeatable)")
	return cmd
}

// coerceValue turns CLI strings into the JSON types agents expect, so
// --param auto_commit=true arrives as a boolean rather than "true".
func coerceValue(s string) interface{} {
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return b
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return s
}

func newTaskShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.get("/api/v1/tasks/"+args[0], nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

func newTaskCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.post("/api/v1/tasks/"+args[0]+"/cancel", nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

func newTaskRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Retry a failed, timed-out, or cancelled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.post("/api/v1/tasks/"+args[0]+"/retry", nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

func newTaskTailCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tail <task-id>",
		Short: "Print the recent output of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.get("/api/v1/tasks/"+args[0]+"/tail", nil)
			if err != nil {
				return err
			}
			var resp struct {
				Output string `json:"output"`
			}
			if err := json.Unmarshal(data, &resp); err != nil {
				outputJSON(data)
				return nil
			}
			fmt.Print(resp.Output)
			return nil
		},
	}
}

// --- Agent commands ---

func newAgentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Inspect installed agents",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List agent descriptors",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.get("/api/v1/agents", nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <agent-key>",
		Short: "Show one agent descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.get("/api/v1/agents/"+args[0], nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	})
	return cmd
}

// --- Status command ---

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.get("/api/v1/system/status", nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

// --- Watch command ---

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream live task events from the daemon",
		Long:  "Connects to the daemon's websocket endpoint and prints every task event as one JSON line.",
		RunE: func(cmd *cobra.Command, args []string) error {
			wsURL, err := websocketURL(serverURL)
			if err != nil {
				return err
			}

			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
			}
			defer conn.Close()

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt)
			go func() {
				<-interrupt
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				conn.Close()
			}()

			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
						return nil
					}
					return err
				}
				fmt.Println(string(data))
			}
		},
	}
}

func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	return u.String(), nil
}
