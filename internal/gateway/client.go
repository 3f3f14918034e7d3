// Package gateway is the typed client for the external native gateway:
// its HTTP verb surface, the websocket event feed, and the login
// orchestration around both.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/yydsdd211/xybot/internal/protocol"
)

const (
	defaultTimeout  = 30 * time.Second
	downloadTimeout = 60 * time.Second
	maxRetries      = 3
)

// Client owns one shared connection pool against the gateway's HTTP
// surface. Every verb is a POST with a JSON body carrying the
// logged-in wxid.
type Client struct {
	base string
	http *http.Client
	dl   *http.Client

	wxid string

	// backoffBase spaces transport retries (1/2/4x); shortened in
	// tests.
	backoffBase time.Duration
}

func NewClient(host string, port int) *Client {
	return &Client{
		base:        fmt.Sprintf("http://%s:%d", host, port),
		http:        &http.Client{Timeout: defaultTimeout},
		dl:          &http.Client{Timeout: downloadTimeout},
		backoffBase: time.Second,
	}
}

// SetWxid fixes the account id stamped into every request body.
func (c *Client) SetWxid(wxid string) { c.wxid = wxid }

// Wxid returns the logged-in account id, empty before login.
func (c *Client) Wxid() string { return c.wxid }

// post runs one verb with transport retry. out may be nil when the
// caller only cares about success.
func (c *Client) post(ctx context.Context, verb string, body any, out any) error {
	return c.postWith(ctx, c.http, verb, body, out)
}

func (c *Client) postDownload(ctx context.Context, verb string, body any, out any) error {
	return c.postWith(ctx, c.dl, verb, body, out)
}

func (c *Client) postWith(ctx context.Context, hc *http.Client, verb string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &protocol.APIError{Code: protocol.CodeSerialization, Verb: verb, Msg: err.Error()}
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		env, err := c.once(ctx, hc, verb, payload)
		if err != nil {
			if isTransport(err) {
				lastErr = err
				continue
			}
			return err
		}

		if !env.Success {
			return &protocol.APIError{
				Code: protocol.FromWireCode(env.Code),
				Verb: verb,
				Msg:  env.Message,
			}
		}
		if out != nil && len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return &protocol.APIError{Code: protocol.CodeSerialization, Verb: verb, Msg: err.Error()}
			}
		}
		return nil
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, hc *http.Client, verb string, payload []byte) (*protocol.Envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+verb, bytes.NewReader(payload))
	if err != nil {
		return nil, &protocol.APIError{Code: protocol.CodeTransport, Verb: verb, Msg: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, &protocol.APIError{Code: protocol.CodeTransport, Verb: verb, Msg: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &protocol.APIError{Code: protocol.CodeTransport, Verb: verb, Msg: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &protocol.APIError{
			Code: protocol.CodeTransport,
			Verb: verb,
			Msg:  fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(string(raw), 200)),
		}
	}

	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &protocol.APIError{Code: protocol.CodeSerialization, Verb: verb, Msg: err.Error()}
	}
	return &env, nil
}

func isTransport(err error) bool {
	apiErr, ok := err.(*protocol.APIError)
	return ok && apiErr.Code == protocol.CodeTransport
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ---- lifecycle ----

func (c *Client) IsRunning(ctx context.Context) bool {
	err := c.post(ctx, "IsRunning", map[string]any{}, nil)
	if err != nil {
		log.Printf("[gateway] IsRunning: %v", err)
	}
	return err == nil
}

func (c *Client) CheckDatabaseOK(ctx context.Context) (bool, error) {
	var out struct {
		OK bool `json:"OK"`
	}
	if err := c.post(ctx, "CheckDatabaseOK", map[string]any{}, &out); err != nil {
		return false, err
	}
	return out.OK, nil
}

// ---- session ----

func (c *Client) Heartbeat(ctx context.Context) error {
	return c.post(ctx, "Heartbeat", map[string]any{"Wxid": c.wxid}, nil)
}

func (c *Client) AutoHeartbeatStart(ctx context.Context) error {
	return c.post(ctx, "AutoHeartbeatStart", map[string]any{"Wxid": c.wxid}, nil)
}

func (c *Client) AutoHeartbeatStop(ctx context.Context) error {
	return c.post(ctx, "AutoHeartbeatStop", map[string]any{"Wxid": c.wxid}, nil)
}

func (c *Client) AutoHeartbeatStatus(ctx context.Context) (bool, error) {
	var out struct {
		Running bool `json:"Running"`
	}
	if err := c.post(ctx, "AutoHeartbeatStatus", map[string]any{"Wxid": c.wxid}, &out); err != nil {
		return false, err
	}
	return out.Running, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.post(ctx, "Logout", map[string]any{"Wxid": c.wxid}, nil)
}

// ---- extras ----

func (c *Client) SetStep(ctx context.Context, count int) error {
	return c.post(ctx, "SetStep", map[string]any{"Wxid": c.wxid, "StepCount": count}, nil)
}

func (c *Client) SetProxy(ctx context.Context, proxy string) error {
	return c.post(ctx, "SetProxy", map[string]any{"Wxid": c.wxid, "Proxy": proxy}, nil)
}

// HongBaoDetail is the envelope detail of a received red packet.
type HongBaoDetail struct {
	Amount int    `json:"Amount"`
	Sender string `json:"Sender"`
	Memo   string `json:"Memo"`
}

func (c *Client) GetHongBaoDetail(ctx context.Context, xml, encryptKey, encryptUserinfo string) (*HongBaoDetail, error) {
	var out HongBaoDetail
	body := map[string]any{
		"Wxid":            c.wxid,
		"Xml":             xml,
		"EncryptKey":      encryptKey,
		"EncryptUserinfo": encryptUserinfo,
	}
	if err := c.post(ctx, "GetHongBaoDetail", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ---- sync ----

// Sync long-polls for pending inbound frames.
func (c *Client) Sync(ctx context.Context) ([]protocol.Frame, error) {
	var out protocol.SyncData
	if err := c.post(ctx, "Sync", map[string]any{"Wxid": c.wxid, "Scene": 0}, &out); err != nil {
		return nil, err
	}
	return out.AddMsgs, nil
}

// DrainBacklog loops Sync until two consecutive empty batches, then
// the live feed can take over.
func (c *Client) DrainBacklog(ctx context.Context) ([]protocol.Frame, error) {
	var all []protocol.Frame
	empty := 0
	for empty < 2 {
		frames, err := c.Sync(ctx)
		if err != nil {
			return all, err
		}
		if len(frames) == 0 {
			empty++
			continue
		}
		empty = 0
		all = append(all, frames...)
	}
	if len(all) > 0 {
		log.Printf("[gateway] drained %d backlog frames", len(all))
	}
	return all, nil
}
