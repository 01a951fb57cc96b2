package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"scribe-ai/internal/domain"
	"scribe-ai/internal/infra/config"
)

const maxResponseBody = 4 * 1024 * 1024 // 4 MB

// Client talks to the remote transcript service over REST and listens for
// conversation events over a WebSocket. It implements domain.TranscriptStore
// and domain.SideChannel.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	bus     domain.EventBus
	logger  *slog.Logger
}

// NewClient creates a transcript service client.
func NewClient(cfg config.ChatConfig, bus domain.EventBus, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: chat credentials are missing", domain.ErrConfigLoad)
	}

	connTimeout := cfg.ConnTimeout
	if connTimeout == 0 {
		connTimeout = 15 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: connTimeout},
		bus:     bus,
		logger:  logger,
	}, nil
}

// SendMessage implements domain.TranscriptStore.
func (c *Client) SendMessage(ctx context.Context, msg domain.ChannelMessage) (*domain.ChannelMessage, error) {
	url := fmt.Sprintf("%s/conversations/%s/messages", c.baseURL, msg.ConversationID)
	respBody, err := c.doJSON(ctx, http.MethodPost, url, msg)
	if err != nil {
		return nil, err
	}

	var created domain.ChannelMessage
	if err := json.Unmarshal(respBody, &created); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &created, nil
}

// partialUpdateRequest is the wire form of a transcript partial update.
type partialUpdateRequest struct {
	Set map[string]any `json:"set"`
}

// PartialUpdateMessage implements domain.TranscriptStore.
func (c *Client) PartialUpdateMessage(ctx context.Context, messageID string, update domain.TranscriptUpdate) error {
	set := map[string]any{"generating": update.Generating}
	if update.SetText != nil {
		set["text"] = *update.SetText
	}

	url := fmt.Sprintf("%s/messages/%s", c.baseURL, messageID)
	_, err := c.doJSON(ctx, http.MethodPatch, url, partialUpdateRequest{Set: set})
	return err
}

// GetMessage implements domain.TranscriptStore.
func (c *Client) GetMessage(ctx context.Context, messageID string) (*domain.ChannelMessage, error) {
	url := fmt.Sprintf("%s/messages/%s", c.baseURL, messageID)
	respBody, err := c.doJSON(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	var msg domain.ChannelMessage
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &msg, nil
}

// SendEvent implements domain.SideChannel.
func (c *Client) SendEvent(ctx context.Context, conversationID string, event domain.ChannelEvent) error {
	url := fmt.Sprintf("%s/conversations/%s/events", c.baseURL, conversationID)
	_, err := c.doJSON(ctx, http.MethodPost, url, event)
	return err
}

func (c *Client) doJSON(ctx context.Context, method, url string, payload any) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", domain.ErrMessageNotFound, url)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("transcript service error %d: %s", resp.StatusCode, respBody)
	}

	return respBody, nil
}

// --- event socket ---

// socketFrame is the envelope the transcript service pushes for every
// conversation event.
type socketFrame struct {
	Type           string                 `json:"type"`
	ConversationID string                 `json:"conversation_id"`
	Message        *domain.ChannelMessage `json:"message,omitempty"`
	MessageID      string                 `json:"message_id,omitempty"`
}

const (
	initialReconnectDelay = time.Second
	maxReconnectDelay     = 30 * time.Second
	// A connection that held this long counts as healthy, so the next
	// drop restarts the backoff ladder instead of waiting the full cap.
	stableConnLifetime = time.Minute
)

// reconnectBackoff picks the delay before the next dial attempt given
// the previous delay and how long the last connection held.
func reconnectBackoff(prev, held time.Duration) time.Duration {
	if held >= stableConnLifetime || prev < initialReconnectDelay {
		return initialReconnectDelay
	}
	next := prev * 2
	if next > maxReconnectDelay {
		return maxReconnectDelay
	}
	return next
}

// Listen connects to the transcript service event socket and republishes
// frames onto the bus. Blocks until ctx is cancelled, reconnecting with
// backoff when the socket drops.
func (c *Client) Listen(ctx context.Context) error {
	var backoff time.Duration
	for {
		started := time.Now()
		err := c.listenOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		backoff = reconnectBackoff(backoff, time.Since(started))
		c.logger.Warn("event socket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (c *Client) listenOnce(ctx context.Context) error {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: map[string][]string{
			"Authorization": {"Bearer " + c.apiKey},
		},
	})
	if err != nil {
		return fmt.Errorf("event socket connect: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.logger.Info("event socket connected", "url", wsURL)

	for {
		var frame socketFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return fmt.Errorf("event socket read: %w", err)
		}
		c.handleFrame(ctx, frame)
	}
}

func (c *Client) handleFrame(ctx context.Context, frame socketFrame) {
	switch frame.Type {
	case "message.new":
		if frame.Message == nil {
			return
		}
		c.bus.Publish(ctx, domain.NewEvent(domain.EventMessageReceived, domain.MessageReceivedPayload{
			ConversationID: frame.ConversationID,
			MessageID:      frame.Message.ID,
			Text:           frame.Message.Text,
			SenderID:       frame.Message.SenderID,
			AIGenerated:    frame.Message.AIGenerated,
			Custom:         frame.Message.Custom,
		}))

	case domain.ChannelEventIndicatorStop:
		c.bus.Publish(ctx, domain.NewEvent(domain.EventGenerationCancel, domain.GenerationCancelPayload{
			MessageID: frame.MessageID,
		}))

	default:
		// Other frame types are not interesting to the orchestrator.
	}
}

var (
	_ domain.TranscriptStore = (*Client)(nil)
	_ domain.SideChannel     = (*Client)(nil)
)
