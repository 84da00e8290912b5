// Package firehose publishes committed repository changes to live
// subscribers and replays them from the commit log.
//
// Every subscription is gap free and duplicate free: an event whose seq
// does not directly follow the last one queued triggers a backfill from
// the log, and a subscription whose queue outgrows its limit drops the
// queue and rebuilds it from the log.
package firehose

import (
	"context"
	"encoding/json"
	"time"
)

// Operations carried by an Event.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Event is one committed change, in global sequence order.
type Event struct {
	Seq       int64           `json:"seq"`
	DID       string          `json:"did"`
	Operation string          `json:"operation"`
	URI       string          `json:"uri"`
	CID       string          `json:"cid"`
	Record    json.RawMessage `json:"record,omitempty"`
	PrevCID   string          `json:"prevCid,omitempty"`
	Commit    string          `json:"commit,omitempty"`
	Time      string          `json:"time"`
}

// FormatTime renders t the way Event.Time expects.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Log is the durable source events are replayed from.
type Log interface {
	// EventsAfter returns up to limit events with seq > after, ascending.
	EventsAfter(ctx context.Context, after int64, limit int) ([]Event, error)
}

// Publisher accepts freshly committed events.
type Publisher interface {
	Publish(ev Event)
}
