package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	dialTimeout  = 10 * time.Second
	replyTimeout = 30 * time.Second
)

// OneBot talks to an OneBot v11 endpoint over a persistent websocket.
// Calls are serialized on the connection; a failed call drops the
// connection and the next call redials.
type OneBot struct {
	url         string
	accessToken string
	logger      *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	echo uint64
}

func NewOneBot(url, accessToken string, logger *slog.Logger) (*OneBot, error) {
	if url == "" {
		return nil, fmt.Errorf("transport: url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OneBot{
		url:         url,
		accessToken: accessToken,
		logger:      logger,
	}, nil
}

func (c *OneBot) SendMessage(ctx context.Context, destinationID int64, segments []Segment) error {
	return c.call(ctx, "send_group_msg", map[string]any{
		"group_id": destinationID,
		"message":  segments,
	})
}

func (c *OneBot) SendForward(ctx context.Context, destinationID int64, nodes []Segment) error {
	return c.call(ctx, "send_group_forward_msg", map[string]any{
		"group_id": destinationID,
		"messages": nodes,
	})
}

// Close shuts the underlying connection down. Safe to call at any time.
func (c *OneBot) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

type request struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
	Echo   string         `json:"echo"`
}

type response struct {
	Status  string          `json:"status"`
	Retcode int             `json:"retcode"`
	Message string          `json:"message"`
	Echo    string          `json:"echo"`
	Data    json.RawMessage `json:"data"`
}

func (c *OneBot) call(ctx context.Context, action string, params map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConn(ctx); err != nil {
		return err
	}

	c.echo++
	req := request{
		Action: action,
		Params: params,
		Echo:   strconv.FormatUint(c.echo, 10),
	}

	deadline := time.Now().Add(replyTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(req); err != nil {
		c.drop()
		return fmt.Errorf("write %s: %w", action, err)
	}

	// Events arrive on the same socket; skip frames until the reply with
	// our echo shows up.
	_ = c.conn.SetReadDeadline(deadline)
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			c.drop()
			return fmt.Errorf("read %s reply: %w", action, err)
		}

		var resp response
		if err := json.Unmarshal(message, &resp); err != nil {
			c.logger.Debug("transport: unparsable frame", "error", err)
			continue
		}
		if resp.Echo != req.Echo {
			continue
		}

		if resp.Status == "failed" || resp.Retcode != 0 {
			return fmt.Errorf("%s rejected: retcode %d %s", action, resp.Retcode, resp.Message)
		}
		return nil
	}
}

func (c *OneBot) ensureConn(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	header := http.Header{}
	if c.accessToken != "" {
		header.Set("Authorization", "Bearer "+c.accessToken)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.logger.Info("transport connected", "url", c.url)
	c.conn = conn
	return nil
}

func (c *OneBot) drop() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
