// docket-admin is a token-authenticated ops client for the Docket REST API:
// submit and control jobs, read health and alerts, run maintenance sweeps.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/casekit/docket/internal/models"
)

const usage = `docket-admin - ops client for the Docket job subsystem

Usage:
  docket-admin <command> [args]

Commands:
  token                       Print a bearer token for the configured API key
  enqueue <type> [payload]    Submit a job (inline JSON payload, or - for stdin)
  list [status]               List recent jobs, optionally by status
  get <job-id>                Show one job in full
  cancel <job-id>             Cancel a job
  retry <job-id>              Requeue a failed, cancelled, or stalled job
  stats                       Tenant job statistics
  health                      System health assessment
  alerts [limit]              Recent monitor alerts
  ack <alert-id>              Acknowledge an alert
  workers                     Worker pool snapshot
  tenants                     Tenant directory (admin key required)
  cleanup                     Run one cleanup sweep now (admin key required)

Environment:
  DOCKET_SERVER_URL   Server base URL (default http://localhost:8080)
  DOCKET_API_KEY      API key, exchanged for a token on startup
  DOCKET_TOKEN        Pre-issued bearer token (skips the exchange)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	c, err := newClient()
	if err != nil {
		fatal(err)
	}

	switch cmd {
	case "token":
		fmt.Println(c.token)
	case "enqueue":
		err = cmdEnqueue(c, args)
	case "list":
		err = cmdList(c, args)
	case "get":
		err = cmdGet(c, args)
	case "cancel":
		err = cmdJobAction(c, args, "cancel")
	case "retry":
		err = cmdJobAction(c, args, "retry")
	case "stats":
		err = cmdStats(c)
	case "health":
		err = cmdHealth(c)
	case "alerts":
		err = cmdAlerts(c, args)
	case "ack":
		err = cmdAck(c, args)
	case "workers":
		err = cmdWorkers(c)
	case "tenants":
		err = cmdTenants(c)
	case "cleanup":
		err = cmdCleanup(c)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "docket-admin: %v\n", err)
	os.Exit(1)
}

// client calls the Docket REST API with a bearer token.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient() (*client, error) {
	baseURL := os.Getenv("DOCKET_SERVER_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	c := &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}

	c.token = os.Getenv("DOCKET_TOKEN")
	if c.token == "" {
		apiKey := os.Getenv("DOCKET_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("set DOCKET_TOKEN or DOCKET_API_KEY")
		}
		token, err := c.exchange(apiKey)
		if err != nil {
			return nil, fmt.Errorf("token exchange failed: %w", err)
		}
		c.token = token
	}
	return c, nil
}

func (c *client) exchange(apiKey string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(http.MethodPost, "/api/auth/token",
		map[string]string{"api_key": apiKey}, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// do runs one API request, decoding the JSON response into out. Error
// responses surface the server's message and code.
func (c *client) do(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("server request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.Code != "" {
				return fmt.Errorf("%s (%s)", apiErr.Error, apiErr.Code)
			}
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func cmdEnqueue(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: enqueue <type> [payload]")
	}
	jobType := args[0]

	var payload json.RawMessage
	if len(args) > 1 {
		raw := args[1]
		if raw == "-" {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			raw = string(data)
		}
		payload = json.RawMessage(raw)
	}

	var out struct {
		Job *models.Job `json:"job"`
	}
	if err := c.do(http.MethodPost, "/api/jobs", map[string]interface{}{
		"type":    jobType,
		"payload": payload,
	}, &out); err != nil {
		return err
	}

	fmt.Printf("enqueued %s  %s  %s\n", out.Job.ID, out.Job.Type, out.Job.Status)
	return nil
}

func cmdList(c *client, args []string) error {
	path := "/api/jobs?limit=50&sort=created&order=desc"
	if len(args) > 0 {
		path += "&status=" + url.QueryEscape(args[0])
	}

	var out struct {
		Jobs  []*models.Job `json:"jobs"`
		Total int           `json:"total"`
	}
	if err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return err
	}
	fmt.Print(formatJobTable(out.Jobs, out.Total))
	return nil
}

func cmdGet(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: get <job-id>")
	}

	var out struct {
		Job *models.Job `json:"job"`
	}
	if err := c.do(http.MethodGet, "/api/jobs/"+url.PathEscape(args[0]), nil, &out); err != nil {
		return err
	}
	fmt.Print(formatJobDetail(out.Job))
	return nil
}

func cmdJobAction(c *client, args []string, action string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s <job-id>", action)
	}

	var out struct {
		Job *models.Job `json:"job"`
	}
	path := fmt.Sprintf("/api/jobs/%s/%s", url.PathEscape(args[0]), action)
	if err := c.do(http.MethodPost, path, nil, &out); err != nil {
		return err
	}
	fmt.Printf("%s %s  now %s\n", action, out.Job.ID, out.Job.Status)
	return nil
}

func cmdStats(c *client) error {
	var out struct {
		Stats *models.JobStats `json:"stats"`
	}
	if err := c.do(http.MethodGet, "/api/jobs/stats", nil, &out); err != nil {
		return err
	}
	fmt.Print(formatStats(out.Stats))
	return nil
}

func cmdHealth(c *client) error {
	var report models.HealthReport
	if err := c.do(http.MethodGet, "/api/monitor/health", nil, &report); err != nil {
		return err
	}
	fmt.Print(formatHealth(&report))
	return nil
}

func cmdAlerts(c *client, args []string) error {
	path := "/api/monitor/alerts"
	if len(args) > 0 {
		path += "?limit=" + url.QueryEscape(args[0])
	}

	var out struct {
		Alerts []models.Alert `json:"alerts"`
	}
	if err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return err
	}
	fmt.Print(formatAlerts(out.Alerts))
	return nil
}

func cmdAck(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: ack <alert-id>")
	}
	path := fmt.Sprintf("/api/monitor/alerts/%s/ack", url.PathEscape(args[0]))
	if err := c.do(http.MethodPost, path, nil, nil); err != nil {
		return err
	}
	fmt.Printf("acked %s\n", args[0])
	return nil
}

func cmdWorkers(c *client) error {
	var snap models.PoolSnapshot
	if err := c.do(http.MethodGet, "/api/monitor/workers", nil, &snap); err != nil {
		return err
	}
	fmt.Print(formatWorkers(&snap))
	return nil
}

func cmdTenants(c *client) error {
	var out struct {
		Tenants []struct {
			Tenant  string `json:"tenant"`
			Queued  int    `json:"queued"`
			Running int    `json:"running"`
		} `json:"tenants"`
	}
	if err := c.do(http.MethodGet, "/api/admin/tenants", nil, &out); err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-24s %8s %8s\n", "TENANT", "QUEUED", "RUNNING"))
	for _, entry := range out.Tenants {
		sb.WriteString(fmt.Sprintf("%-24s %8d %8d\n", entry.Tenant, entry.Queued, entry.Running))
	}
	fmt.Print(sb.String())
	return nil
}

func cmdCleanup(c *client) error {
	var out struct {
		Removed int `json:"removed"`
	}
	if err := c.do(http.MethodPost, "/api/admin/maintenance/cleanup", nil, &out); err != nil {
		return err
	}
	fmt.Printf("cleanup removed %d rows\n", out.Removed)
	return nil
}
