package hospital

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// maxResponseBytes caps how much of an upstream body the typed client will
// buffer. Large payloads (exports, reports) go through the proxy instead.
const maxResponseBytes = 4 << 20

// Client is the typed client for the hospital backend's REST API. Every
// authenticated call sends the session's token as "Authorization: Token <t>",
// which is the scheme the backend issues at login.
type Client struct {
	baseURL string
	httpc   *http.Client
	log     zerolog.Logger
}

func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "hospital").Logger(),
	}
}

// BaseURL returns the configured upstream root, without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Login exchanges credentials for a token and the user record.
// Failed credentials come back as an APIError with the backend's message;
// a 429 additionally carries the backend's own lockout countdown.
func (c *Client) Login(ctx context.Context, creds Credentials) (*AuthResponse, error) {
	var out AuthResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/login/", "", creds, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Register creates a staff account. Accounts for medical staff roles are
// created unapproved and the response carries no token; the caller must not
// treat registration as a login.
func (c *Client) Register(ctx context.Context, data RegisterData) (*AuthResponse, error) {
	var out AuthResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/register/", "", data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PatientRegister creates a student/employee account. These accounts are
// approved immediately and the response carries a usable token.
func (c *Client) PatientRegister(ctx context.Context, data RegisterData) (*AuthResponse, error) {
	var out AuthResponse
	if err := c.do(ctx, http.MethodPost, "/api/users/patient_register/", "", data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Me fetches the current user for a token. The backend returns the bare user
// object, not an envelope.
func (c *Client) Me(ctx context.Context, token string) (*User, error) {
	var out User
	if err := c.do(ctx, http.MethodGet, "/api/auth/me/", token, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateMe applies a partial profile update and returns the full updated
// user record.
func (c *Client) UpdateMe(ctx context.Context, token string, patch map[string]any) (*User, error) {
	var out User
	if err := c.do(ctx, http.MethodPatch, "/api/auth/me/", token, patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChangePassword changes the authenticated user's password and returns the
// backend's confirmation message.
func (c *Client) ChangePassword(ctx context.Context, token string, req ChangePasswordRequest) (string, error) {
	var out struct {
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/auth/change-password/", token, req, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

// Dashboard endpoints. Their payloads are role-shaped and the gateway does
// not interpret them, so they come back as raw JSON objects.

func (c *Client) DashboardOverview(ctx context.Context, token string) (map[string]any, error) {
	return c.Get(ctx, token, "/api/dashboard-overview/")
}

func (c *Client) StudentHospitalInfo(ctx context.Context, token string) (map[string]any, error) {
	return c.Get(ctx, token, "/api/student-hospital-info/")
}

func (c *Client) PrincipalDashboard(ctx context.Context, token string) (map[string]any, error) {
	return c.Get(ctx, token, "/api/principal-dashboard/")
}

func (c *Client) HODDashboard(ctx context.Context, token string) (map[string]any, error) {
	return c.Get(ctx, token, "/api/hod-dashboard/")
}

func (c *Client) LowStock(ctx context.Context, token string) (map[string]any, error) {
	return c.Get(ctx, token, "/api/low-stock/")
}

func (c *Client) BedAvailability(ctx context.Context, token string) (map[string]any, error) {
	return c.Get(ctx, token, "/api/bed-availability/")
}

func (c *Client) DoctorAvailability(ctx context.Context, token string) (map[string]any, error) {
	return c.Get(ctx, token, "/api/doctor-availability/")
}

// PendingApprovals lists staff accounts awaiting admin approval.
func (c *Client) PendingApprovals(ctx context.Context, token string) (map[string]any, error) {
	return c.Get(ctx, token, "/api/users/pending_approval/")
}

// Get fetches an arbitrary API path as a JSON object. path must include the
// /api prefix and may carry a query string.
func (c *Client) Get(ctx context.Context, token, path string) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, path, token, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Forward relays a request body verbatim and returns the upstream status and
// payload without interpreting either. The password-reset endpoints use this:
// their success and error bodies are surfaced to the browser as-is.
func (c *Client) Forward(ctx context.Context, method, path, token string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.logUnreachable(method, path, err)
		return 0, nil, ErrUnreachable
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, payload, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.logUnreachable(method, path, err)
		return ErrUnreachable
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    ExtractMessage(resp.StatusCode, data),
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			var lock struct {
				LockoutRemaining int `json:"lockout_remaining"`
			}
			if json.Unmarshal(data, &lock) == nil {
				apiErr.LockoutRemaining = lock.LockoutRemaining
			}
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}

func (c *Client) logUnreachable(method, path string, err error) {
	if p, perr := url.Parse(path); perr == nil {
		path = p.Path
	}
	c.log.Warn().Err(err).Str("method", method).Str("path", path).Msg("upstream unreachable")
}
