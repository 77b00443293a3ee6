package api

import (
	"context"
	"fmt"
	"net/url"
)

// ListConversations fetches the caller's conversation list with unread
// counts and last-activity timestamps.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := c.doJSON(ctx, "GET", "/chat/conversations", nil, &out); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}

// ListMessages fetches the full message list of a conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var out []Message
	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.doJSON(ctx, "GET", path, nil, &out); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

// StartConversation opens (or returns the existing) thread with a seller
// from a listing context.
func (c *Client) StartConversation(ctx context.Context, req *StartConversationRequest) (*Conversation, error) {
	var out Conversation
	if err := c.doJSON(ctx, "POST", "/chat/conversations", req, &out); err != nil {
		return nil, fmt.Errorf("start conversation: %w", err)
	}
	return &out, nil
}
