package api

import (
	"context"
	"fmt"
	"net/url"
)

// SendMessage persists a message server-side and returns the acknowledged
// message carrying its server-assigned ID.
func (c *Client) SendMessage(ctx context.Context, req *SendMessageRequest) (*Message, error) {
	var out Message
	if err := c.doJSON(ctx, "POST", "/chat/messages", req, &out); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return &out, nil
}

// MarkDelivered acknowledges receipt of a message on this device.
func (c *Client) MarkDelivered(ctx context.Context, messageID string) error {
	path := "/chat/messages/" + url.PathEscape(messageID) + "/delivered"
	if err := c.doJSON(ctx, "POST", path, nil, nil); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// MarkRead reports that the local user opened the conversation at this
// message.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	path := "/chat/messages/" + url.PathEscape(messageID) + "/read"
	if err := c.doJSON(ctx, "POST", path, nil, nil); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}
