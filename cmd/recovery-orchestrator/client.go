package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-recovery/internal/api"
)

// apiClient talks to the operator REST API of a running orchestrator.
type apiClient struct {
	base  string
	token string
	http  *http.Client
	out   io.Writer
}

func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body any) error {
	endpoint := strings.TrimRight(c.base, "/") + "/api/v1" + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s, http %d)", apiErr.Error, apiErr.Code, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: http %d", method, path, resp.StatusCode)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		_, err = c.out.Write(data)
		return err
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(c.out)
	return err
}

func addClientCommands(root *cobra.Command) {
	var (
		server  string
		token   string
		timeout time.Duration
	)
	root.PersistentFlags().StringVar(&server, "server", envOr("MIRADOR_RECOVERY_SERVER", "http://localhost:8080"), "Operator API base URL")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("MIRADOR_RECOVERY_TOKEN"), "Bearer token for the operator API")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	client := func(cmd *cobra.Command) *apiClient {
		return &apiClient{base: server, token: token, http: &http.Client{Timeout: timeout}, out: cmd.OutOrStdout()}
	}

	var openOnly bool
	incidents := &cobra.Command{
		Use:   "incidents",
		Short: "List incidents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if openOnly {
				q.Set("open", "true")
			}
			return client(cmd).do(cmd.Context(), http.MethodGet, "/incidents", q, nil)
		},
	}
	incidents.Flags().BoolVar(&openOnly, "open", false, "Only list open incidents")

	get := &cobra.Command{
		Use:   "get <incident-id>",
		Short: "Show one incident with its attempt history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client(cmd).do(cmd.Context(), http.MethodGet, "/incidents/"+url.PathEscape(args[0]), nil, nil)
		},
	}

	events := &cobra.Command{
		Use:   "events <incident-id>",
		Short: "Show the append-only log of an incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client(cmd).do(cmd.Context(), http.MethodGet, "/incidents/"+url.PathEscape(args[0])+"/events", nil, nil)
		},
	}

	var reason string
	abandon := &cobra.Command{
		Use:   "abandon <incident-id>",
		Short: "Stop automation on an incident and close it unresolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client(cmd).do(cmd.Context(), http.MethodPost, "/incidents/"+url.PathEscape(args[0])+"/abandon", nil,
				map[string]string{"reason": reason})
		},
	}
	abandon.Flags().StringVar(&reason, "reason", "", "Reason recorded on the incident")

	force := &cobra.Command{
		Use:   "force <incident-id> <strategy>",
		Short: "Run a specific strategy against an incident",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client(cmd).do(cmd.Context(), http.MethodPost, "/incidents/"+url.PathEscape(args[0])+"/force", nil,
				map[string]string{"strategy": args[1]})
		},
	}

	ack := &cobra.Command{
		Use:     "ack <incident-id>",
		Aliases: []string{"acknowledge", "approve"},
		Short:   "Approve the pending strategy of an incident",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client(cmd).do(cmd.Context(), http.MethodPost, "/incidents/"+url.PathEscape(args[0])+"/acknowledge", nil, nil)
		},
	}

	closeCmd := &cobra.Command{
		Use:   "close <incident-id>",
		Short: "Close an incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client(cmd).do(cmd.Context(), http.MethodPost, "/incidents/"+url.PathEscape(args[0])+"/close", nil, nil)
		},
	}

	var similarLimit int
	similar := &cobra.Command{
		Use:   "similar <incident-id>",
		Short: "List archived incidents with the same failure signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if similarLimit > 0 {
				q.Set("limit", strconv.Itoa(similarLimit))
			}
			return client(cmd).do(cmd.Context(), http.MethodGet, "/incidents/"+url.PathEscape(args[0])+"/similar", q, nil)
		},
	}
	similar.Flags().IntVar(&similarLimit, "limit", 0, "Maximum number of matches")

	resume := &cobra.Command{
		Use:   "resume",
		Short: "Resume automation after an operator hand-off",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return client(cmd).do(cmd.Context(), http.MethodPost, "/automation/resume", nil, nil)
		},
	}
	pause := &cobra.Command{
		Use:   "pause",
		Short: "Pause automatic recovery attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return client(cmd).do(cmd.Context(), http.MethodPost, "/automation/pause", nil, nil)
		},
	}
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show orchestrator statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return client(cmd).do(cmd.Context(), http.MethodGet, "/status", nil, nil)
		},
	}
	breakers := &cobra.Command{
		Use:   "breakers",
		Short: "Show circuit breaker states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return client(cmd).do(cmd.Context(), http.MethodGet, "/breakers", nil, nil)
		},
	}
	checkpoints := &cobra.Command{
		Use:   "checkpoints <target-id>",
		Short: "List checkpoints of a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client(cmd).do(cmd.Context(), http.MethodGet, "/checkpoints", url.Values{"target": {args[0]}}, nil)
		},
	}
	var component string
	checkpointCmd := &cobra.Command{
		Use:   "checkpoint <target-id>",
		Short: "Take an on-demand checkpoint of a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client(cmd).do(cmd.Context(), http.MethodPost, "/checkpoints", nil,
				map[string]string{"target_id": args[0], "component": component})
		},
	}
	checkpointCmd.Flags().StringVar(&component, "component", "", "Capture only this component (config or data)")
	learningCmd := &cobra.Command{
		Use:   "learning",
		Short: "Show learned strategy outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return client(cmd).do(cmd.Context(), http.MethodGet, "/learning", nil, nil)
		},
	}

	var (
		secret string
		ttl    time.Duration
	)
	tokenCmd := &cobra.Command{
		Use:   "token <operator>",
		Short: "Issue an operator API token signed with the server secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			signed, err := api.IssueToken(secret, args[0], ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), signed)
			return err
		},
	}
	tokenCmd.Flags().StringVar(&secret, "secret", os.Getenv("MIRADOR_RECOVERY_JWT_SECRET"), "HMAC secret configured on the server")
	tokenCmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")

	root.AddCommand(incidents, get, events, abandon, force, ack, closeCmd, similar, resume, pause,
		statusCmd, breakers, checkpoints, checkpointCmd, learningCmd, tokenCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
