package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/jonwraymond/offlineagent/auth"
	"github.com/jonwraymond/offlineagent/config"
	"github.com/jonwraymond/offlineagent/queue"
	"github.com/jonwraymond/offlineagent/secret"
	"github.com/jonwraymond/offlineagent/server"
)

var (
	agentURL   string
	outputJSON bool
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the write queue of a running agent",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending operation",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueCancel,
}

func init() {
	queueCmd.PersistentFlags().StringVar(&agentURL, "url", "", "agent base URL (default: http://<server.listen>)")
	queueListCmd.Flags().BoolVar(&outputJSON, "json", false, "print JSON instead of a table")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueCancelCmd)
}

// controlClient calls the /_agent routes of a running agent.
type controlClient struct {
	base   string
	apiKey string
	http   *http.Client
}

func newControlClient(ctx context.Context) (*controlClient, error) {
	path := configPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ResolveSecrets(ctx, secret.DefaultResolver(config.Dir())); err != nil {
		return nil, err
	}
	base := agentURL
	if base == "" {
		base = "http://" + cfg.Server.Listen
	}
	return &controlClient{
		base:   strings.TrimRight(base, "/") + server.ControlPrefix,
		apiKey: cfg.Control.APIKey,
		http:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *controlClient) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set(auth.DefaultAPIKeyHeader, c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent unreachable: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body)
		if body.Error == "" {
			body.Error = resp.Status
		}
		return nil, fmt.Errorf("%s %s: %s", method, path, body.Error)
	}
	return resp, nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := newControlClient(ctx)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodGet, "/queue")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var ops []queue.Operation
	if err := json.NewDecoder(resp.Body).Decode(&ops); err != nil {
		return fmt.Errorf("decode queue: %w", err)
	}

	out := cmd.OutOrStdout()
	if outputJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(ops)
	}
	if len(ops) == 0 {
		fmt.Fprintln(out, "Queue is empty.")
		return nil
	}
	printOperations(out, ops)
	return nil
}

func printOperations(w io.Writer, ops []queue.Operation) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Status", "Method", "Target", "Attempts", "Queued", "Last Error"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	for _, op := range ops {
		table.Append([]string{
			op.ID,
			string(op.Status),
			op.Payload.Method,
			op.Payload.TargetPath,
			strconv.Itoa(op.Attempts),
			op.CreatedAt.Local().Format(time.DateTime),
			op.LastError,
		})
	}
	table.Render()
}

func runQueueCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := newControlClient(ctx)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodDelete, "/queue/"+args[0])
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	fmt.Fprintf(cmd.OutOrStdout(), "Operation %s cancelled.\n", args[0])
	return nil
}
