// Package telit is a client for the device-management platform's JSON
// command API. It is used for out-of-band attribute maintenance only and is
// never on the ingestion hot path.
package telit

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Client talks to the platform API. Commands are JSON envelopes carrying a
// session id obtained by a lazy api.authenticate on first use.
//
// Client is not safe for concurrent use.
type Client struct {
	api        string
	username   string
	password   string
	httpClient *http.Client
	sessionID  string
}

func NewClient(api string, username string, password string) *Client {
	return &Client{
		api:        api,
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

type authRequest struct {
	Auth command `json:"auth"`
}

type authResponse struct {
	Auth struct {
		Params struct {
			SessionID string `json:"sessionId"`
		} `json:"params"`
	} `json:"auth"`
}

type sessionRef struct {
	SessionID string `json:"sessionId"`
}

type commandRequest struct {
	Auth sessionRef `json:"auth"`
	Cmd  command    `json:"cmd"`
}

type commandResponse struct {
	Cmd struct {
		Success       bool            `json:"success"`
		Params        json.RawMessage `json:"params"`
		ErrorMessages []string        `json:"errorMessages"`
		ErrorCodes    []int           `json:"errorCodes"`
	} `json:"cmd"`
}

// Authenticate opens a platform session and stores its id for subsequent
// commands. Called lazily by every command, explicit calls are only needed
// to validate credentials up front.
func (c *Client) Authenticate(ctx context.Context) error {
	req := authRequest{
		Auth: command{
			Command: "api.authenticate",
			Params: map[string]any{
				"username": c.username,
				"password": c.password,
			},
		},
	}

	var resp authResponse
	if err := c.post(ctx, req, &resp); err != nil {
		return fmt.Errorf("authenticate failed: %w", err)
	}
	if resp.Auth.Params.SessionID == "" {
		return fmt.Errorf("authenticate response carried no session id")
	}
	c.sessionID = resp.Auth.Params.SessionID
	zap.S().Debugf("Authenticated against device management API")
	return nil
}

// GetThingAttr reads one attribute of a thing. It returns the attribute's
// platform-side timestamp and value.
func (c *Client) GetThingAttr(ctx context.Context, key string, attr string) (ts string, value string, err error) {
	params, err := c.do(ctx, command{
		Command: "thing.attr.get",
		Params:  map[string]any{"thingKey": key, "key": attr},
	})
	if err != nil {
		return "", "", err
	}

	var attrParams struct {
		Ts    string `json:"ts"`
		Value string `json:"value"`
	}
	if err = json.Unmarshal(params, &attrParams); err != nil {
		return "", "", fmt.Errorf("failed to decode thing.attr.get response: %w", err)
	}
	return attrParams.Ts, attrParams.Value, nil
}

// SetThingAttr writes one attribute of a thing.
func (c *Client) SetThingAttr(ctx context.Context, key string, attr string, value string) error {
	_, err := c.do(ctx, command{
		Command: "thing.attr.set",
		Params:  map[string]any{"thingKey": key, "key": attr, "value": value},
	})
	return err
}

// UnsetThingAttr removes one attribute of a thing.
func (c *Client) UnsetThingAttr(ctx context.Context, key string, attr string) error {
	_, err := c.do(ctx, command{
		Command: "thing.attr.unset",
		Params:  map[string]any{"thingKey": key, "key": attr},
	})
	return err
}

// FindThing looks a thing up by key and returns its raw description.
func (c *Client) FindThing(ctx context.Context, key string) (map[string]any, error) {
	params, err := c.do(ctx, command{
		Command: "thing.find",
		Params:  map[string]any{"key": key},
	})
	if err != nil {
		return nil, err
	}

	var thing map[string]any
	if err = json.Unmarshal(params, &thing); err != nil {
		return nil, fmt.Errorf("failed to decode thing.find response: %w", err)
	}
	return thing, nil
}

// ListThings pages through the registered things.
func (c *Client) ListThings(ctx context.Context, offset int, limit int) ([]map[string]any, error) {
	params, err := c.do(ctx, command{
		Command: "thing.list",
		Params:  map[string]any{"offset": offset, "limit": limit},
	})
	if err != nil {
		return nil, err
	}

	var listParams struct {
		Result []map[string]any `json:"result"`
	}
	if err = json.Unmarshal(params, &listParams); err != nil {
		return nil, fmt.Errorf("failed to decode thing.list response: %w", err)
	}
	return listParams.Result, nil
}

// do sends one command, authenticating first when no session exists yet.
func (c *Client) do(ctx context.Context, cmd command) (json.RawMessage, error) {
	if c.sessionID == "" {
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
	}

	req := commandRequest{
		Auth: sessionRef{SessionID: c.sessionID},
		Cmd:  cmd,
	}
	var resp commandResponse
	if err := c.post(ctx, req, &resp); err != nil {
		return nil, fmt.Errorf("%s failed: %w", cmd.Command, err)
	}
	if !resp.Cmd.Success {
		return nil, fmt.Errorf("%s failed: %v (codes %v)", cmd.Command, resp.Cmd.ErrorMessages, resp.Cmd.ErrorCodes)
	}
	return resp.Cmd.Params, nil
}

func (c *Client) post(ctx context.Context, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.api, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
