// Package signal integrates with a signal-cli-rest-api style gateway:
// the JSON envelope model pushed over the receive WebSocket, the REST
// client for sending messages and typing indicators, the group-id
// resolver, and the resilient receive loop.
package signal

import (
	"encoding/json"
	"fmt"
)

// Envelope is the outer JSON object the gateway delivers for each
// message event. Envelopes without a data message carry receipts,
// typing events, or sync traffic and are ignored by the pipeline.
type Envelope struct {
	Account      string `json:"account"`
	Source       string `json:"source"`
	SourceNumber string `json:"sourceNumber"`
	SourceUUID   string `json:"sourceUuid"`
	SourceName   string `json:"sourceName"`
	SourceDevice int    `json:"sourceDevice"`

	// Timestamps are epoch milliseconds. ServerDeliveredTimestamp may
	// be absent (zero).
	Timestamp                int64 `json:"timestamp"`
	ServerReceivedTimestamp  int64 `json:"serverReceivedTimestamp"`
	ServerDeliveredTimestamp int64 `json:"serverDeliveredTimestamp"`

	DataMessage *DataMessage    `json:"dataMessage,omitempty"`
	SyncMessage json.RawMessage `json:"syncMessage,omitempty"` // ignored
}

// DataMessage is the inner payload of a user-visible message.
type DataMessage struct {
	Timestamp   int64        `json:"timestamp"`
	Message     string       `json:"message"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Sticker     *Sticker     `json:"sticker,omitempty"`
	Mentions    []Mention    `json:"mentions,omitempty"`
	GroupInfo   *GroupInfo   `json:"groupInfo,omitempty"`
}

// Attachment describes attached media. Only presence matters to the
// pipeline (text synthesis for media-only messages).
type Attachment struct {
	ContentType string `json:"contentType"`
	Filename    string `json:"filename,omitempty"`
	ID          string `json:"id"`
	Size        int64  `json:"size"`
}

// Sticker identifies a sticker by pack and index.
type Sticker struct {
	PackID    string `json:"packId"`
	StickerID int    `json:"stickerId"`
}

// Mention is a typed reference to an account inside a group message's
// text span.
type Mention struct {
	Name   string `json:"name"`
	Number string `json:"number"`
	UUID   string `json:"uuid"`
	Start  int    `json:"start"`
	Length int    `json:"length"`
}

// GroupInfo marks a message as group traffic. GroupID is the gateway's
// opaque internal identifier; sending to the group requires the public
// id resolved by [GroupResolver].
type GroupInfo struct {
	GroupID   string `json:"groupId"`
	GroupName string `json:"groupName"`
	Revision  int    `json:"revision"`
	Type      string `json:"type"`
}

// DecodeEnvelope parses one raw gateway payload. Missing optional
// fields are admissible; malformed JSON is an error the caller logs
// with the payload attached.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode gateway envelope: %w", err)
	}
	return &env, nil
}

// IsGroup reports whether the envelope carries group traffic.
func (e *Envelope) IsGroup() bool {
	return e.DataMessage != nil && e.DataMessage.GroupInfo != nil
}

// MentionsAccount reports whether any mention names the given account.
func (d *DataMessage) MentionsAccount(account string) bool {
	for _, m := range d.Mentions {
		if m.Name == account {
			return true
		}
	}
	return false
}
