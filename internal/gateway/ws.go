package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/yydsdd211/xybot/internal/protocol"
)

const (
	wsPingInterval     = 30 * time.Second
	wsPongTimeout      = 5 * time.Second
	wsReconnectBackoff = 5 * time.Second
	wsIdleReadTimeout  = 90 * time.Second
)

// Feed streams inbound frames over the gateway websocket. It owns its
// own reconnect loop; Run only returns when ctx is cancelled.
type Feed struct {
	url     string
	handler func([]protocol.Frame)

	// dial is swapped in tests.
	dial func(ctx context.Context) (*websocket.Conn, error)
}

func NewFeed(host string, port int, wsPath, wxid string, handler func([]protocol.Frame)) *Feed {
	url := fmt.Sprintf("ws://%s:%d%s?wxid=%s", host, port, wsPath, wxid)
	f := &Feed{url: url, handler: handler}
	f.dial = func(ctx context.Context) (*websocket.Conn, error) {
		conn, _, err := websocket.Dial(ctx, f.url, nil)
		return conn, err
	}
	return f
}

func (f *Feed) Run(ctx context.Context) error {
	for {
		if err := f.session(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[gateway] websocket dropped: %v, reconnecting in %s", err, wsReconnectBackoff)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wsReconnectBackoff):
		}
	}
}

// session runs one connection until it fails.
func (f *Feed) session(ctx context.Context) error {
	conn, err := f.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()
	log.Printf("[gateway] websocket connected")

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pingErr := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sctx.Done():
				return
			case <-ticker.C:
				if err := f.ping(sctx, conn); err != nil {
					pingErr <- err
					return
				}
			}
		}
	}()

	for {
		frames, err := f.readBatch(sctx, conn)
		if err != nil {
			select {
			case perr := <-pingErr:
				return fmt.Errorf("ping: %w", perr)
			default:
			}
			return err
		}
		if len(frames) > 0 {
			f.handler(frames)
		}
	}
}

func (f *Feed) ping(ctx context.Context, conn *websocket.Conn) error {
	pctx, cancel := context.WithTimeout(ctx, wsPongTimeout)
	defer cancel()
	return conn.Ping(pctx)
}

// readBatch reads one websocket message. An idle connection is probed
// with a ping before the read is retried.
func (f *Feed) readBatch(ctx context.Context, conn *websocket.Conn) ([]protocol.Frame, error) {
	for {
		rctx, cancel := context.WithTimeout(ctx, wsIdleReadTimeout)
		_, data, err := conn.Read(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if rctx.Err() == context.DeadlineExceeded {
				if perr := f.ping(ctx, conn); perr != nil {
					return nil, fmt.Errorf("idle probe: %w", perr)
				}
				continue
			}
			return nil, err
		}
		return parseFeedPayload(data)
	}
}

// parseFeedPayload accepts a Data envelope, a Sync-shaped AddMsgs
// batch, or one bare frame object.
func parseFeedPayload(data []byte) ([]protocol.Frame, error) {
	root := gjson.ParseBytes(data)
	if d := root.Get("Data"); d.IsArray() {
		var env struct {
			Data []protocol.Frame `json:"Data"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		return env.Data, nil
	}
	if root.Get("AddMsgs").Exists() {
		var batch protocol.SyncData
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("decode batch: %w", err)
		}
		return batch.AddMsgs, nil
	}
	if !root.Get("MsgId").Exists() {
		// Keepalive or status payload, skip.
		return nil, nil
	}
	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return []protocol.Frame{frame}, nil
}
