package gateway

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/tidwall/gjson"

	"github.com/yydsdd211/xybot/internal/protocol"
)

const checkUUIDInterval = 5 * time.Second

// Device is the persisted device identity presented at login. Reusing
// the same identity across restarts keeps the session awakeable.
type Device struct {
	Wxid       string `json:"wxid"`
	DeviceName string `json:"device_name"`
	DeviceID   string `json:"device_id"`
}

var deviceFirstNames = []string{
	"Oliver", "Emma", "Liam", "Ava", "Noah", "Sophia", "Ethan", "Mia",
	"Lucas", "Amelia", "Mason", "Harper", "Logan", "Luna", "James", "Chloe",
}

var deviceLastNames = []string{
	"Smith", "Johnson", "Brown", "Davis", "Miller", "Wilson", "Taylor",
	"Clark", "Lewis", "Walker", "Hall", "Young", "King", "Wright",
}

// fabricateDevice invents a plausible iPad identity. The id is a
// 32-hex md5 digest with the leading byte forced to "49".
func fabricateDevice() Device {
	name := fmt.Sprintf("%s %s's iPad",
		deviceFirstNames[rand.Intn(len(deviceFirstNames))],
		deviceLastNames[rand.Intn(len(deviceLastNames))])
	sum := md5.Sum([]byte(fmt.Sprintf("%s-%d", name, time.Now().UnixNano())))
	id := fmt.Sprintf("%x", sum)
	return Device{DeviceName: name, DeviceID: "49" + id[2:]}
}

func devicePath(dataDir string) string {
	return filepath.Join(dataDir, "device.json")
}

// LoadDevice reads the cached identity, fabricating and persisting a
// fresh one when none exists.
func LoadDevice(dataDir string) (Device, error) {
	raw, err := os.ReadFile(devicePath(dataDir))
	if errors.Is(err, os.ErrNotExist) {
		d := fabricateDevice()
		if err := SaveDevice(dataDir, d); err != nil {
			return Device{}, err
		}
		log.Printf("[gateway] fabricated device identity %q", d.DeviceName)
		return d, nil
	}
	if err != nil {
		return Device{}, fmt.Errorf("read device cache: %w", err)
	}
	var d Device
	if err := json.Unmarshal(raw, &d); err != nil {
		return Device{}, fmt.Errorf("parse device cache: %w", err)
	}
	return d, nil
}

func SaveDevice(dataDir string, d Device) error {
	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(devicePath(dataDir), raw, 0o644)
}

// ---- login verbs ----

// QRLogin is a pending QR session returned by GetQRCode.
type QRLogin struct {
	UUID  string
	URL   string
	Until time.Time
}

func (c *Client) GetQRCode(ctx context.Context, d Device) (*QRLogin, error) {
	raw, err := c.postRaw(ctx, "GetQRCode", map[string]any{
		"DeviceName": d.DeviceName,
		"DeviceID":   d.DeviceID,
	})
	if err != nil {
		return nil, err
	}
	q := &QRLogin{
		UUID: gjson.GetBytes(raw, "Uuid").String(),
		URL:  gjson.GetBytes(raw, "QRCodeURL").String(),
	}
	if q.URL == "" {
		q.URL = "http://weixin.qq.com/x/" + q.UUID
	}
	if exp := gjson.GetBytes(raw, "ExpiredTime").Int(); exp > 0 {
		q.Until = time.Now().Add(time.Duration(exp) * time.Second)
	}
	return q, nil
}

// LoginStatus is one CheckUuid poll result. Wxid is set only once the
// scan completed.
type LoginStatus struct {
	Wxid     string
	Nickname string
	Expired  int64
}

func (c *Client) CheckUuid(ctx context.Context, uuid string) (*LoginStatus, error) {
	raw, err := c.postRaw(ctx, "CheckUuid", map[string]any{"Uuid": uuid})
	if err != nil {
		return nil, err
	}
	acct := gjson.GetBytes(raw, "acctSectResp")
	return &LoginStatus{
		Wxid:     acct.Get("userName").String(),
		Nickname: acct.Get("nickName").String(),
		Expired:  gjson.GetBytes(raw, "expiredTime").Int(),
	}, nil
}

// AwakenLogin pushes a confirmation to the phone for a cached session
// and returns the uuid to poll.
func (c *Client) AwakenLogin(ctx context.Context, wxid string) (string, error) {
	raw, err := c.postRaw(ctx, "AwakenLogin", map[string]any{"Wxid": wxid})
	if err != nil {
		return "", err
	}
	uuid := gjson.GetBytes(raw, "QrCodeResponse.Uuid").String()
	if uuid == "" {
		uuid = gjson.GetBytes(raw, "Uuid").String()
	}
	if uuid == "" {
		return "", &protocol.APIError{Code: protocol.CodeLoggedOut, Verb: "AwakenLogin", Msg: "no uuid in response"}
	}
	return uuid, nil
}

// GetCachedInfo reports whether the gateway still holds a session for
// the wxid.
func (c *Client) GetCachedInfo(ctx context.Context, wxid string) (bool, error) {
	raw, err := c.postRaw(ctx, "GetCachedInfo", map[string]any{"Wxid": wxid})
	if err != nil {
		return false, err
	}
	return gjson.ParseBytes(raw).Exists() && len(raw) > 0 && string(raw) != "null", nil
}

// ---- orchestration ----

// LoginResult reports how the session was established.
type LoginResult struct {
	Wxid     string
	Nickname string
	Awakened bool
}

// Login establishes a session: awaken when a wxid is cached in
// device.json and the gateway still knows it, full QR scan otherwise.
// The QR code is rendered to stdout for the operator.
func (c *Client) Login(ctx context.Context, dataDir string) (*LoginResult, error) {
	device, err := LoadDevice(dataDir)
	if err != nil {
		return nil, err
	}

	if device.Wxid != "" {
		res, err := c.awaken(ctx, device.Wxid)
		if err == nil {
			c.SetWxid(res.Wxid)
			return res, nil
		}
		log.Printf("[gateway] awaken login failed, falling back to QR: %v", err)
	}

	res, err := c.qrLogin(ctx, device)
	if err != nil {
		return nil, err
	}
	device.Wxid = res.Wxid
	if err := SaveDevice(dataDir, device); err != nil {
		log.Printf("[gateway] persist device identity: %v", err)
	}
	c.SetWxid(res.Wxid)
	return res, nil
}

func (c *Client) awaken(ctx context.Context, wxid string) (*LoginResult, error) {
	cached, err := c.GetCachedInfo(ctx, wxid)
	if err != nil {
		return nil, err
	}
	if !cached {
		return nil, &protocol.APIError{Code: protocol.CodeLoggedOut, Verb: "GetCachedInfo", Msg: "no cached session"}
	}
	uuid, err := c.AwakenLogin(ctx, wxid)
	if err != nil {
		return nil, err
	}
	log.Printf("[gateway] awaken login pushed, confirm on phone")
	status, err := c.pollUuid(ctx, uuid)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Wxid: status.Wxid, Nickname: status.Nickname, Awakened: true}, nil
}

func (c *Client) qrLogin(ctx context.Context, device Device) (*LoginResult, error) {
	qr, err := c.GetQRCode(ctx, device)
	if err != nil {
		return nil, err
	}
	log.Printf("[gateway] scan the QR code to log in (%s)", qr.URL)
	qrterminal.GenerateHalfBlock(qr.URL, qrterminal.L, os.Stdout)

	status, err := c.pollUuid(ctx, qr.UUID)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Wxid: status.Wxid, Nickname: status.Nickname}, nil
}

// pollUuid polls CheckUuid until the scan completes or the code
// expires.
func (c *Client) pollUuid(ctx context.Context, uuid string) (*LoginStatus, error) {
	for {
		status, err := c.CheckUuid(ctx, uuid)
		if err != nil {
			var apiErr *protocol.APIError
			if errors.As(err, &apiErr) && apiErr.Retryable() {
				status = &LoginStatus{}
			} else {
				return nil, err
			}
		}
		if status.Wxid != "" {
			log.Printf("[gateway] logged in as %s (%s)", status.Nickname, status.Wxid)
			return status, nil
		}
		if status.Expired < 0 {
			return nil, protocol.ErrLoggedOut
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(checkUUIDInterval):
		}
	}
}
