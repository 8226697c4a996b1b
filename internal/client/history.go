package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"messenger/internal/models"
)

// HistoryClient talks to the REST endpoints of the service.
type HistoryClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHistoryClient builds a client for the service at baseURL.
func NewHistoryClient(baseURL, token string) *HistoryClient {
	return &HistoryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// APIError is a non-2xx answer.
type APIError struct {
	Status  int
	Code    models.ErrorCode `json:"code"`
	Message string           `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("http %d: %s: %s", e.Status, e.Code, e.Message)
}

// ListMessages returns the full visible history of a conversation.
func (c *HistoryClient) ListMessages(ctx context.Context, conversationID int) ([]models.Message, error) {
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/conversations/%d/messages", conversationID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// OpenConversation returns the conversation with peerID, creating it.
func (c *HistoryClient) OpenConversation(ctx context.Context, peerID int) (models.ConversationSummary, error) {
	var summary models.ConversationSummary
	err := c.do(ctx, http.MethodPost, "/conversations", map[string]int{"user_id": peerID}, &summary)
	return summary, err
}

// ListConversations returns the conversations of the user.
func (c *HistoryClient) ListConversations(ctx context.Context) ([]models.ConversationSummary, error) {
	var resp struct {
		Conversations []models.ConversationSummary `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

func (c *HistoryClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
