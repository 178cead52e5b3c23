// Package transport delivers rendered messages to chat destinations.
// The rest of the relay only depends on the Transport interface; the
// wire protocol lives behind it.
package transport

import (
	"context"
	"encoding/base64"
)

// Transport sends messages to one destination. Text and image payloads
// are distinguishable segments; SendForward is the combined/grouped
// delivery primitive.
type Transport interface {
	SendMessage(ctx context.Context, destinationID int64, segments []Segment) error
	SendForward(ctx context.Context, destinationID int64, nodes []Segment) error
}

// Segment is one part of an outgoing message.
type Segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Text builds a plain text segment.
func Text(s string) Segment {
	return Segment{Type: "text", Data: map[string]any{"text": s}}
}

// ImageBytes builds an image segment from downloaded image data.
func ImageBytes(b []byte) Segment {
	return Segment{Type: "image", Data: map[string]any{
		"file": "base64://" + base64.StdEncoding.EncodeToString(b),
	}}
}

// ImageURL builds an image segment the receiving side fetches itself.
// Used inside forward bundles where inline data is not worth the size.
func ImageURL(u string) Segment {
	return Segment{Type: "image", Data: map[string]any{"file": u}}
}

// Node wraps segments into one entry of a forward bundle.
func Node(userID int64, nickname string, content []Segment) Segment {
	return Segment{Type: "node", Data: map[string]any{
		"user_id":  userID,
		"nickname": nickname,
		"content":  content,
	}}
}
