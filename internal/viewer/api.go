package viewer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/careflow/internal/domain/careflow"
	"github.com/ehr/careflow/internal/platform/auth"
	"github.com/ehr/careflow/pkg/pagination"
)

// ErrUnauthorized is returned when the server rejects the session's
// credentials.
var ErrUnauthorized = errors.New("session credentials rejected")

// API is the authoritative surface a viewing context reads from and writes
// through.
type API interface {
	FetchQueue(ctx context.Context, pendingOnly bool) ([]*careflow.PatientWorkflowRecord, error)
	Fetch(ctx context.Context, id string) (*careflow.PatientWorkflowRecord, error)
	Transition(ctx context.Context, id string, action careflow.Action) (*careflow.PatientWorkflowRecord, error)
	Notifications(ctx context.Context, limit int) ([]*careflow.NotificationRecord, error)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL is the server root, for example http://localhost:8000.
	BaseURL string
	Role    careflow.Role
	// Token is sent as a bearer token when set.
	Token string
	// DevAuth sends the role through the development auth header instead of
	// a token.
	DevAuth    bool
	HTTPClient *http.Client
}

// Client is the HTTP binding of API against the workflow endpoints.
type Client struct {
	base   string
	cfg    ClientConfig
	client *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/") + "/api/v1/workflow",
		cfg:    cfg,
		client: hc,
	}
}

// WebSocketURL returns the hint stream address for this client's session.
func (c *Client) WebSocketURL(topics ...string) (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := url.Values{}
	if len(topics) > 0 {
		q.Set("topics", strings.Join(topics, ","))
	}
	if c.cfg.Token != "" {
		q.Set("access_token", c.cfg.Token)
	}
	if c.cfg.DevAuth {
		q.Set("dev_role", string(c.cfg.Role))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// FetchQueue reads the whole queue, paging by the last record seen so that
// patients leaving the queue mid-read cannot shift later ones out of view.
func (c *Client) FetchQueue(ctx context.Context, pendingOnly bool) ([]*careflow.PatientWorkflowRecord, error) {
	var out []*careflow.PatientWorkflowRecord
	after := ""
	for {
		q := url.Values{}
		pagination.Params{Limit: pagination.MaxLimit}.Encode(q)
		if pendingOnly {
			q.Set("pending", "true")
		}
		if after != "" {
			q.Set("after", after)
		}
		var resp pagination.Response[*careflow.PatientWorkflowRecord]
		if err := c.do(ctx, http.MethodGet, "/patients?"+q.Encode(), nil, &resp, false); err != nil {
			return nil, err
		}
		out = append(out, resp.Data...)
		if !resp.HasMore || len(resp.Data) == 0 {
			return out, nil
		}
		after = resp.Data[len(resp.Data)-1].ID
	}
}

func (c *Client) Fetch(ctx context.Context, id string) (*careflow.PatientWorkflowRecord, error) {
	var rec careflow.PatientWorkflowRecord
	if err := c.do(ctx, http.MethodGet, "/patients/"+url.PathEscape(id), nil, &rec, false); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) Transition(ctx context.Context, id string, action careflow.Action) (*careflow.PatientWorkflowRecord, error) {
	body := map[string]string{"action": string(action)}
	var rec careflow.PatientWorkflowRecord
	if err := c.do(ctx, http.MethodPost, "/patients/"+url.PathEscape(id)+"/transitions", body, &rec, true); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Register creates a patient record and applies the register action.
func (c *Client) Register(ctx context.Context, id string) (*careflow.PatientWorkflowRecord, error) {
	body := map[string]string{"patient_id": id}
	var rec careflow.PatientWorkflowRecord
	if err := c.do(ctx, http.MethodPost, "/patients", body, &rec, true); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Reset withdraws clinical notes for id, based on expectedVersion.
func (c *Client) Reset(ctx context.Context, id string, expectedVersion int64) (*careflow.PatientWorkflowRecord, error) {
	body := map[string]int64{"expected_version": expectedVersion}
	var rec careflow.PatientWorkflowRecord
	if err := c.do(ctx, http.MethodPost, "/patients/"+url.PathEscape(id)+"/reset", body, &rec, true); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) Notifications(ctx context.Context, limit int) ([]*careflow.NotificationRecord, error) {
	path := "/notifications"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []*careflow.NotificationRecord
	if err := c.do(ctx, http.MethodGet, path, nil, &out, false); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats returns the dashboard counters for the session's role.
func (c *Client) Stats(ctx context.Context) (careflow.Stats, error) {
	var st careflow.Stats
	err := c.do(ctx, http.MethodGet, "/stats", nil, &st, false)
	return st, err
}

// do sends one request. For writes, a request that was sent but never
// answered has an unknown outcome rather than being unreachable.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}, write bool) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("%w: %v", careflow.ErrBadRequest, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(careflow.ActingRoleHeader, string(c.cfg.Role))
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if c.cfg.DevAuth {
		req.Header.Set(auth.DevRoleHeader, string(c.cfg.Role))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if write && !neverSent(err) {
			return fmt.Errorf("%w: %v", careflow.ErrUnknownOutcome, err)
		}
		return fmt.Errorf("%w: %v", careflow.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if write {
			return fmt.Errorf("%w: decode response: %v", careflow.ErrUnknownOutcome, err)
		}
		return fmt.Errorf("%w: decode response: %v", careflow.ErrUnreachable, err)
	}
	return nil
}

// neverSent reports whether err shows the request could not have reached the
// server: the name did not resolve or the connection was never established.
// Any other transport failure, including http.Client.Timeout, may have
// happened after the server read the request.
func neverSent(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error          string      `json:"error"`
		Message        interface{} `json:"message"`
		Code           string      `json:"code"`
		AlreadyApplied bool        `json:"already_applied"`
	}
	_ = json.Unmarshal(data, &body)

	msg := body.Error
	if msg == "" && body.Message != nil {
		msg = fmt.Sprint(body.Message)
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	}
	code := body.Code
	if code == "" {
		code = codeForStatus(resp.StatusCode)
	}
	return careflow.ErrorFromCode(code, msg, body.AlreadyApplied)
}

// codeForStatus covers responses produced outside the workflow handlers,
// such as route-level role checks and proxies.
func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return careflow.CodeBadRequest
	case http.StatusForbidden:
		return careflow.CodeWrongRole
	case http.StatusNotFound:
		return careflow.CodeNotFound
	case http.StatusConflict:
		return careflow.CodeConflict
	case http.StatusGatewayTimeout:
		return careflow.CodeUnknownOutcome
	default:
		return careflow.CodeUnreachable
	}
}
