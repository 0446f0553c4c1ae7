package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/escrowd/internal/core/domain"
	"github.com/vietddude/escrowd/internal/infra/breaker"
)

var serverURL string

var retryReturnCmd = &cobra.Command{
	Use:   "retry-return <tx-id>",
	Short: "Retry returning an unresolved escrow to its sender",
	Args:  cobra.ExactArgs(1),
	Run:   runRetryReturn,
}

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect or reset processor circuit breakers",
}

var breakerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List circuit breakers",
	Run:   runBreakerList,
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset <type>",
	Short: "Close the breaker of a processor type",
	Args:  cobra.ExactArgs(1),
	Run:   runBreakerReset,
}

func init() {
	for _, c := range []*cobra.Command{retryReturnCmd, breakerCmd} {
		c.PersistentFlags().StringVar(&serverURL, "server", "", "escrowd base URL (default http://localhost:<server.port>)")
	}
	breakerCmd.AddCommand(breakerListCmd, breakerResetCmd)
	rootCmd.AddCommand(retryReturnCmd, breakerCmd)
}

// AdminClient talks to the admin routes of a running server.
type AdminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewAdminClient(baseURL, token string) *AdminClient {
	return &AdminClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
}

type apiError struct {
	Kind    string `json:"error"`
	Message string `json:"message"`
}

func (c *AdminClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e apiError
		if json.Unmarshal(body, &e) == nil && e.Kind != "" {
			if e.Message == "" {
				e.Message = e.Kind
			}
			return fmt.Errorf("%s %s: %d %s: %s", method, path, resp.StatusCode, e.Kind, e.Message)
		}
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, bytes.TrimSpace(body))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

// Breakers lists every circuit breaker.
func (c *AdminClient) Breakers(ctx context.Context) ([]breaker.Snapshot, error) {
	var out struct {
		Breakers []breaker.Snapshot `json:"breakers"`
	}
	if err := c.do(ctx, http.MethodGet, "/admin/breakers", &out); err != nil {
		return nil, err
	}
	return out.Breakers, nil
}

// ResetBreaker closes the breaker of t.
func (c *AdminClient) ResetBreaker(ctx context.Context, t domain.MethodType) error {
	return c.do(ctx, http.MethodPost, "/admin/breakers/"+string(t)+"/reset", nil)
}

// RetryReturn asks the server to retry the return leg of txID.
func (c *AdminClient) RetryReturn(ctx context.Context, txID string) (*domain.Transaction, error) {
	var out struct {
		Transaction *domain.Transaction `json:"transaction"`
	}
	if err := c.do(ctx, http.MethodPost, "/admin/transactions/"+txID+"/retry-return", &out); err != nil {
		return nil, err
	}
	return out.Transaction, nil
}

func adminClient() *AdminClient {
	cfg := loadConfig()
	if cfg.Server.AdminToken == "" {
		slog.Error("server.admin_token is required for admin commands")
		os.Exit(1)
	}
	base := serverURL
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	return NewAdminClient(base, cfg.Server.AdminToken)
}

func runRetryReturn(cmd *cobra.Command, args []string) {
	tx, err := adminClient().RetryReturn(cmd.Context(), args[0])
	if err != nil {
		slog.Error("Retry failed", "tx", args[0], "error", err)
		os.Exit(1)
	}
	fmt.Printf("%s: %s\n", tx.ID, tx.Status)
}

func runBreakerList(cmd *cobra.Command, args []string) {
	list, err := adminClient().Breakers(cmd.Context())
	if err != nil {
		slog.Error("Failed to list breakers", "error", err)
		os.Exit(1)
	}
	printBreakers(os.Stdout, list)
}

func printBreakers(out io.Writer, list []breaker.Snapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "PROCESSOR\tSTATE\tFAILURES\tREQUESTS\tREJECTED\tOPENINGS")
	for _, s := range list {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\n",
			s.Name, s.State, s.FailureCount, s.Metrics.TotalRequests, s.Metrics.Rejections, s.Metrics.Openings)
	}
	_ = w.Flush()
}

func runBreakerReset(cmd *cobra.Command, args []string) {
	t := domain.MethodType(args[0])
	if !t.Valid() {
		slog.Error("Unknown processor type", "type", args[0])
		os.Exit(1)
	}
	if err := adminClient().ResetBreaker(cmd.Context(), t); err != nil {
		slog.Error("Reset failed", "type", t, "error", err)
		os.Exit(1)
	}
	fmt.Printf("%s breaker closed\n", t)
}
