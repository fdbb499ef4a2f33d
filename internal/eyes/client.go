package eyes

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultServerURL is the public Eyes endpoint.
const DefaultServerURL = "https://eyesapi.applitools.com"

const agentID = "eyeswatch/1.0"

// ClientConfig configures the HTTP comparator.
type ClientConfig struct {
	// ServerURL is the base URL of the Eyes server (default: DefaultServerURL).
	ServerURL string

	// APIKey authenticates every request.
	APIKey string

	// Timeout bounds each HTTP request (default: 5 minutes; closing a
	// session waits for the server to finish comparing).
	Timeout time.Duration

	// Logger for client activity.
	Logger zerolog.Logger
}

// Client talks to the Eyes REST API. It implements Comparator.
type Client struct {
	serverURL string
	apiKey    string
	http      *http.Client
	logger    zerolog.Logger
}

// NewClient creates a new Eyes client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ServerURL == "" {
		cfg.ServerURL = DefaultServerURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Client{
		serverURL: strings.TrimRight(cfg.ServerURL, "/"),
		apiKey:    cfg.APIKey,
		http:      &http.Client{Timeout: cfg.Timeout},
		logger:    cfg.Logger.With().Str("component", "eyes").Logger(),
	}
}

type startInfo struct {
	AgentID     string      `json:"agentId"`
	AppName     string      `json:"appIdOrName"`
	TestName    string      `json:"scenarioIdOrName"`
	BatchInfo   *batchInfo  `json:"batchInfo,omitempty"`
	Environment environment `json:"environment"`
	MatchLevel  string      `json:"matchLevel,omitempty"`
}

type batchInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	StartedAt string `json:"startedAt"`
}

type environment struct {
	OS         string `json:"os,omitempty"`
	HostingApp string `json:"hostingApp,omitempty"`
}

type runningSession struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	IsNew bool   `json:"isNewSession"`
}

type matchData struct {
	AppOutput      appOutput `json:"appOutput"`
	Tag            string    `json:"tag"`
	IgnoreMismatch bool      `json:"ignoreMismatch"`
	UserInputs     []any     `json:"userInputs"`
}

type appOutput struct {
	Title        string `json:"title"`
	Screenshot64 string `json:"screenshot64"`
}

// TestResults is the body returned when a session is closed.
type TestResults struct {
	Steps      int    `json:"steps"`
	Matches    int    `json:"matches"`
	Mismatches int    `json:"mismatches"`
	Missing    int    `json:"missing"`
	IsNew      bool   `json:"isNew"`
	URL        string `json:"url"`
}

// Verdict maps test results onto a Verdict.
func (r TestResults) Verdict() Verdict {
	switch {
	case r.IsNew:
		return VerdictNoBaseline
	case r.Mismatches+r.Missing > 0:
		return VerdictFail
	default:
		return VerdictPass
	}
}

// Open starts a running session on the server.
func (c *Client) Open(ctx context.Context, meta Metadata) (Handle, error) {
	info := startInfo{
		AgentID:    agentID,
		AppName:    meta.AppName,
		TestName:   meta.TestName,
		MatchLevel: meta.MatchLevel,
		Environment: environment{
			OS:         meta.HostOS,
			HostingApp: meta.HostApp,
		},
	}
	if meta.BatchID != "" || meta.BatchName != "" {
		info.BatchInfo = &batchInfo{
			ID:        meta.BatchID,
			Name:      meta.BatchName,
			StartedAt: time.Now().UTC().Format(time.RFC3339),
		}
	}

	var rs runningSession
	if err := c.do(ctx, "open", http.MethodPost, "/api/sessions/running", nil,
		map[string]any{"startInfo": info}, &rs); err != nil {
		return nil, err
	}
	if rs.ID == "" {
		return nil, &TransportError{Op: "open", Err: fmt.Errorf("server returned no session id")}
	}

	c.logger.Debug().Str("session", rs.ID).Str("test", meta.TestName).Bool("new", rs.IsNew).Msg("Opened session")
	return &clientHandle{client: c, id: rs.ID, saveFailed: meta.SaveFailed}, nil
}

type clientHandle struct {
	client     *Client
	id         string
	saveFailed bool
}

func (h *clientHandle) Submit(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read screenshot: %w", err)
	}

	body := matchData{
		AppOutput:  appOutput{Screenshot64: base64.StdEncoding.EncodeToString(data)},
		Tag:        filepath.Base(path),
		UserInputs: []any{},
	}
	if err := h.client.do(ctx, "submit", http.MethodPost, "/api/sessions/running/"+url.PathEscape(h.id), nil, body, nil); err != nil {
		return err
	}
	h.client.logger.Debug().Str("session", h.id).Str("file", path).Msg("Submitted screenshot")
	return nil
}

func (h *clientHandle) Close(ctx context.Context) (Verdict, error) {
	q := url.Values{}
	q.Set("aborted", "false")
	q.Set("updateBaseline", strconv.FormatBool(h.saveFailed))

	var results TestResults
	if err := h.client.do(ctx, "close", http.MethodDelete, "/api/sessions/running/"+url.PathEscape(h.id), q, nil, &results); err != nil {
		return VerdictError, err
	}
	v := results.Verdict()
	h.client.logger.Info().Str("session", h.id).Str("verdict", v.String()).
		Int("steps", results.Steps).Int("mismatches", results.Mismatches).
		Str("url", results.URL).Msg("Closed session")
	return v, nil
}

func (h *clientHandle) Abort(ctx context.Context) error {
	q := url.Values{}
	q.Set("aborted", "true")
	return h.client.do(ctx, "abort", http.MethodDelete, "/api/sessions/running/"+url.PathEscape(h.id), q, nil, nil)
}

// do performs one JSON request against the server.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("apiKey", c.apiKey)
	target := c.serverURL + path + "?" + query.Encode()

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("send request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &TransportError{Op: op, Err: ErrUnauthorized}
	case op == "submit" && resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: server returned %d: %s", ErrInvalidImage, resp.StatusCode, strings.TrimSpace(string(respBody)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &TransportError{Op: op, Err: fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("parse response: %w", err)}
	}
	return nil
}
