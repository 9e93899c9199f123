// Package notify sends outbound chat messages. It is the only path out
// of the system toward the user's chat channel; nothing here touches
// the store.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to a Telegram-style bot HTTP API.
type Client struct {
	baseURL string
	token   string
	chatID  string
	http    *http.Client
}

func NewClient(baseURL, token, chatID string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		chatID:  chatID,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts one message to the configured chat. The caller decides
// retry policy; a failed send is just an error here.
func (c *Client) Send(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": c.chatID,
		"text":    text,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("send message: status %d: %s", resp.StatusCode, msg)
	}
	return nil
}
