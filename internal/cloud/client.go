// Package cloud implements the vendor-account device directory. It logs in
// with cloud credentials, then lists the devices bound to the account.
// The cloud knows identity and alias but not LAN addresses; those come
// from local discovery. Every failure here is contained and retried on
// the next scheduled refresh.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/edgewatt/plugmon/internal/models"
)

const (
	DefaultEndpoint = "https://wap.tplinkcloud.com/"
	DefaultAppType  = "plugmon"

	requestTimeout = 15 * time.Second

	// tokenExpiredCode is the envelope error the cloud returns for a
	// stale session token.
	tokenExpiredCode = -20651
)

// DirectoryError is an opaque failure from the cloud API.
type DirectoryError struct {
	Code    int
	Message string
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("cloud: directory request failed: code=%d msg=%q", e.Code, e.Message)
}

// Client is a directory provider backed by the vendor cloud. Safe for
// concurrent use; the session token is refreshed lazily.
type Client struct {
	endpoint string
	appType  string
	username string
	password string

	httpClient *http.Client
	logger     *logrus.Logger

	// terminalUUID identifies this client instance across logins.
	terminalUUID string

	mu    sync.Mutex
	token string
}

func NewClient(endpoint, appType, username, password string, logger *logrus.Logger) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if appType == "" {
		appType = DefaultAppType
	}

	return &Client{
		endpoint:     endpoint,
		appType:      appType,
		username:     username,
		password:     password,
		httpClient:   &http.Client{Timeout: requestTimeout},
		logger:       logger,
		terminalUUID: uuid.NewString(),
	}
}

// request is the cloud API envelope: a method name plus its parameters.
type request struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type response struct {
	ErrorCode int             `json:"error_code"`
	Message   string          `json:"msg"`
	Result    json.RawMessage `json:"result"`
}

type authParams struct {
	AppType       string `json:"appType"`
	CloudUserName string `json:"cloudUserName"`
	CloudPassword string `json:"cloudPassword"`
	TerminalUUID  string `json:"terminalUUID"`
}

type authResult struct {
	Token string `json:"token"`
}

type deviceListResult struct {
	DeviceList []deviceListEntry `json:"deviceList"`
}

type deviceListEntry struct {
	DeviceID        string `json:"deviceId"`
	Alias           string `json:"alias"`
	Model           string `json:"deviceModel"`
	HardwareVersion string `json:"deviceHwVer"`
	Status          int    `json:"status"`
}

// Devices lists the account's devices as directory candidates. Offline
// devices are listed too; whether they are pollable is the poller's call.
// An expired token triggers one transparent re-login.
func (c *Client) Devices(ctx context.Context) ([]models.Candidate, error) {
	result, err := c.deviceList(ctx)

	var dirErr *DirectoryError
	if err != nil && errors.As(err, &dirErr) && dirErr.Code == tokenExpiredCode {
		c.logger.Info("Cloud session expired, logging in again")
		c.setToken("")
		result, err = c.deviceList(ctx)
	}
	if err != nil {
		return nil, err
	}

	candidates := make([]models.Candidate, 0, len(result.DeviceList))
	for _, entry := range result.DeviceList {
		if entry.DeviceID == "" {
			continue
		}

		candidates = append(candidates, models.Candidate{
			DeviceID:        entry.DeviceID,
			Alias:           entry.Alias,
			Model:           entry.Model,
			HardwareVersion: normalizeHardwareVersion(entry.HardwareVersion),
		})
	}

	return candidates, nil
}

func (c *Client) deviceList(ctx context.Context) (*deviceListResult, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	var result deviceListResult
	if err := c.call(ctx, token, request{Method: "getDeviceList"}, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// ensureToken returns the cached session token, logging in if necessary.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	if token != "" {
		return token, nil
	}

	var result authResult
	err := c.call(ctx, "", request{
		Method: "login",
		Params: authParams{
			AppType:       c.appType,
			CloudUserName: c.username,
			CloudPassword: c.password,
			TerminalUUID:  c.terminalUUID,
		},
	}, &result)
	if err != nil {
		return "", err
	}
	if result.Token == "" {
		return "", &DirectoryError{Message: "login returned an empty token"}
	}

	c.setToken(result.Token)

	return result.Token, nil
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// call posts one envelope and unmarshals the result. A non-zero envelope
// error code becomes a DirectoryError.
func (c *Client) call(ctx context.Context, token string, req request, result any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("cloud: marshal request: %w", err)
	}

	endpoint := c.endpoint
	if token != "" {
		endpoint += "?token=" + url.QueryEscape(token)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("cloud: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("cloud: %s: %w", req.Method, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return &DirectoryError{
			Code:    httpResp.StatusCode,
			Message: fmt.Sprintf("unexpected HTTP status %s", httpResp.Status),
		}
	}

	var envelope response
	if err := json.NewDecoder(httpResp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("cloud: decode %s response: %w", req.Method, err)
	}

	if envelope.ErrorCode != 0 {
		return &DirectoryError{Code: envelope.ErrorCode, Message: envelope.Message}
	}

	if result != nil && envelope.Result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("cloud: decode %s result: %w", req.Method, err)
		}
	}

	return nil
}

// normalizeHardwareVersion trims vendor hardware versions like "2.0" or
// "2.0.1" down to the major.minor form the scaling table keys on.
func normalizeHardwareVersion(v string) string {
	dots := 0
	for i, r := range v {
		if r == '.' {
			dots++
			if dots == 2 {
				return v[:i]
			}
		}
	}

	return v
}
