// Package luminous is the client for the Luminous messaging gateway:
// outbound text sends and media URL resolution.
package luminous

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type sendReq struct {
	To   string `json:"to"`
	Type string `json:"type"`
	Text struct {
		Body string `json:"body"`
	} `json:"text"`
}

type sendResp struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Send delivers a text message and returns the platform message ID.
func (c *Client) Send(ctx context.Context, phone, text string) (string, error) {
	if strings.TrimSpace(c.APIKey) == "" {
		return "", errors.New("luminous: api key is required")
	}

	var body sendReq
	body.To = strings.TrimPrefix(phone, "+")
	body.Type = "text"
	body.Text.Body = text

	var decoded sendResp
	if err := c.post(ctx, "/messages", body, &decoded); err != nil {
		return "", err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return "", errors.New("luminous: " + decoded.Error.Message)
	}
	if len(decoded.Messages) == 0 {
		return "", errors.New("luminous: empty send response")
	}
	return decoded.Messages[0].ID, nil
}

type mediaResp struct {
	URL string `json:"url"`
}

// MediaURL resolves a media ID to a short-lived download URL.
func (c *Client) MediaURL(ctx context.Context, mediaID string) (string, error) {
	url := fmt.Sprintf("%s/media/%s", strings.TrimRight(c.BaseURL, "/"), mediaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return "", fmt.Errorf("luminous: media %s: status %d: %s", mediaID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var decoded mediaResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.URL == "" {
		return "", errors.New("luminous: media url missing")
	}
	return decoded.URL, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return fmt.Errorf("luminous: %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
