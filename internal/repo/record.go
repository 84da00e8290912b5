package repo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"

	"github.com/primal-host/primal-coop/internal/cid"
	"github.com/primal-host/primal-coop/internal/firehose"
)

// Record is the current state of one record.
type Record struct {
	URI        string          `json:"uri"`
	CID        string          `json:"cid"`
	Value      json.RawMessage `json:"value,omitempty"`
	Deleted    bool            `json:"deleted,omitempty"`
	Invalid    bool            `json:"invalidated,omitempty"`
	CommitSeq  int64           `json:"commitSeq"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	DID        string          `json:"-"`
	Collection string          `json:"-"`
	RKey       string          `json:"-"`
}

// Commit is one immutable log entry.
type Commit struct {
	Seq        int64           `json:"seq"`
	LocalSeq   int64           `json:"localSeq"`
	DID        string          `json:"did"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	CID        string          `json:"cid"`
	PrevCID    string          `json:"prevCid,omitempty"`
	Record     json.RawMessage `json:"record,omitempty"`
	CommitCID  string          `json:"commit"`
	PrevCommit string          `json:"prevCommit,omitempty"`
	Time       time.Time       `json:"time"`
}

// URI returns the at:// URI of the record this commit touched.
func (c *Commit) URI() string {
	return FormatURI(c.DID, c.Collection, c.RKey)
}

// Event converts the commit to its firehose form.
func (c *Commit) Event() firehose.Event {
	return firehose.Event{
		Seq:       c.Seq,
		DID:       c.DID,
		Operation: c.Operation,
		URI:       c.URI(),
		CID:       c.CID,
		Record:    c.Record,
		PrevCID:   c.PrevCID,
		Commit:    c.CommitCID,
		Time:      firehose.FormatTime(c.Time),
	}
}

// commitBody is the hashed form of a commit. Prev links the previous
// commit of the same identity, so the commit CIDs form a hash chain.
type commitBody struct {
	DID       string  `json:"did"`
	Seq       int64   `json:"seq"`
	LocalSeq  int64   `json:"localSeq"`
	Operation string  `json:"operation"`
	URI       string  `json:"uri"`
	CID       string  `json:"cid"`
	PrevCID   *string `json:"prevCid"`
	Prev      *string `json:"prev"`
	Time      string  `json:"time"`
}

func (c *Commit) body() commitBody {
	b := commitBody{
		DID:       c.DID,
		Seq:       c.Seq,
		LocalSeq:  c.LocalSeq,
		Operation: c.Operation,
		URI:       c.URI(),
		CID:       c.CID,
		Time:      c.Time.UTC().Format(time.RFC3339Nano),
	}
	if c.PrevCID != "" {
		b.PrevCID = &c.PrevCID
	}
	if c.PrevCommit != "" {
		b.Prev = &c.PrevCommit
	}
	return b
}

// computeCID hashes the commit body and returns the CID with the bytes
// that were hashed.
func (c *Commit) computeCID() (string, []byte, error) {
	id, raw, err := cid.Compute(c.body())
	if err != nil {
		return "", nil, fmt.Errorf("repo: commit cid: %w", err)
	}
	return id.String(), raw, nil
}

// FormatURI builds at://<did>/<collection>/<rkey>.
func FormatURI(did, collection, rkey string) string {
	return "at://" + did + "/" + collection + "/" + rkey
}

// ParseURI splits a record URI into its parts.
func ParseURI(uri string) (did, collection, rkey string, err error) {
	u, err := syntax.ParseATURI(uri)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: uri: %v", ErrInvalidRecord, err)
	}
	d, err := u.Authority().AsDID()
	if err != nil {
		return "", "", "", fmt.Errorf("%w: uri authority must be a DID", ErrInvalidRecord)
	}
	if u.Collection() == "" || u.RecordKey() == "" {
		return "", "", "", fmt.Errorf("%w: uri must name a record", ErrInvalidRecord)
	}
	return d.String(), u.Collection().String(), u.RecordKey().String(), nil
}

func validateKey(did, collection, rkey string) error {
	if _, err := syntax.ParseDID(did); err != nil {
		return fmt.Errorf("%w: did: %v", ErrInvalidRecord, err)
	}
	if _, err := syntax.ParseNSID(collection); err != nil {
		return fmt.Errorf("%w: collection: %v", ErrInvalidRecord, err)
	}
	if rkey != "" {
		if _, err := syntax.ParseRecordKey(rkey); err != nil {
			return fmt.Errorf("%w: rkey: %v", ErrInvalidRecord, err)
		}
	}
	return nil
}

// canonicalRecord checks that raw is a JSON object and returns its
// canonical encoding and CID.
func canonicalRecord(raw json.RawMessage) ([]byte, string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, "", fmt.Errorf("%w: record must be a JSON object", ErrInvalidRecord)
	}
	if !json.Valid(trimmed) {
		return nil, "", fmt.Errorf("%w: record is not valid JSON", ErrInvalidRecord)
	}
	id, canon, err := cid.Compute(json.RawMessage(trimmed))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return canon, id.String(), nil
}
