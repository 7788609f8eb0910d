// Package archive provides durable archival of every inbound and
// outbound Signal message into TimescaleDB. A bounded queue and a
// batching transactional writer decouple message-pipeline latency from
// database commit latency; delivery is at-least-once and archive loss
// is tolerated by the rest of the pipeline.
package archive

import "time"

// Record is one archival row in the signal_messages table.
//
// For inbound messages Target is the registered account and Source the
// sender; for outbound messages Source is the account and Target the
// conversation correspondent. Nullable columns are pointer fields.
type Record struct {
	// Timestamp is the authoritative message time (the data message's
	// epoch-ms timestamp for inbound, wall clock for outbound).
	Timestamp time.Time

	// SignalReceived is the gateway's serverReceivedTimestamp for
	// inbound messages, or the send response timestamp for outbound.
	SignalReceived time.Time

	// SignalDelivered is the gateway's serverDeliveredTimestamp, absent
	// when the gateway did not report one.
	SignalDelivered *time.Time

	Target string
	Source string

	// GroupChat is the resolved public group id, nil for 1:1 chats and
	// for group messages whose id could not be resolved.
	GroupChat *string

	// Mentions is an opaque rendering of the message's mention list.
	Mentions *string

	// Content is the message text, nil when the data message carried
	// neither text nor anything to synthesize text from.
	Content *string

	// CreatedAt is the wall-clock time of record construction.
	CreatedAt time.Time
}

// NewRecord constructs a Record stamped with the current wall clock.
func NewRecord(timestamp, signalReceived time.Time) Record {
	return Record{
		Timestamp:      timestamp.UTC(),
		SignalReceived: signalReceived.UTC(),
		CreatedAt:      time.Now().UTC(),
	}
}

// StringPtr returns a pointer to s, or nil when s is empty. Convenience
// for the nullable text columns.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
