package appview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"

	"github.com/primal-host/primal-coop/internal/firehose"
	"github.com/primal-host/primal-coop/internal/membership"
	"github.com/primal-host/primal-coop/internal/repo"
)

// ErrUnresolvable marks an event that can never be projected. The
// indexer logs it and moves on.
var ErrUnresolvable = errors.New("appview: unresolvable event")

// Projector applies one firehose event to the read model. Projectors
// must be idempotent: applying the same event twice leaves the same
// state as applying it once.
type Projector interface {
	Project(ctx context.Context, s *Store, ev firehose.Event) error
}

// RecordView is the current state of a record.
type RecordView struct {
	URI        string          `json:"uri"`
	DID        string          `json:"did"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	CID        string          `json:"cid"`
	Value      json.RawMessage `json:"value"`
	Seq        int64           `json:"seq"`
	IndexedAt  string          `json:"indexedAt"`
}

// MemberView is a membership request indexed by its cooperative.
type MemberView struct {
	URI         string `json:"uri"`
	Member      string `json:"member"`
	Cooperative string `json:"cooperative"`
	Message     string `json:"message,omitempty"`
	CID         string `json:"cid"`
	RequestedAt string `json:"requestedAt,omitempty"`
	Seq         int64  `json:"seq"`
}

// RecordProjector keeps the current state of every record by URI.
type RecordProjector struct{}

func (RecordProjector) Project(_ context.Context, s *Store, ev firehose.Event) error {
	b := s.newBatch()
	if err := projectRecord(b, ev); err != nil {
		b.abort()
		return err
	}
	return b.commit()
}

func projectRecord(b *batch, ev firehose.Event) error {
	did, collection, rkey, err := repo.ParseURI(ev.URI)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnresolvable, err)
	}
	if ev.Operation == firehose.OpDelete {
		return b.delete(prefixRecord + ev.URI)
	}
	return b.setJSON(prefixRecord+ev.URI, RecordView{
		URI:        ev.URI,
		DID:        did,
		Collection: collection,
		RKey:       rkey,
		CID:        ev.CID,
		Value:      ev.Record,
		Seq:        ev.Seq,
		IndexedAt:  ev.Time,
	})
}

// MembershipProjector indexes membership requests by the cooperative
// they target, in addition to the generic record projection.
type MembershipProjector struct{}

func (MembershipProjector) Project(_ context.Context, s *Store, ev firehose.Event) error {
	b := s.newBatch()
	if err := projectMembership(b, ev); err != nil {
		b.abort()
		return err
	}
	return b.commit()
}

func projectMembership(b *batch, ev firehose.Event) error {
	prevCoop, indexed, err := b.get(prefixMemURI + ev.URI)
	if err != nil {
		return err
	}

	if ev.Operation == firehose.OpDelete {
		if indexed {
			if err := b.delete(prefixMember + prevCoop + "/" + ev.URI); err != nil {
				return err
			}
			if err := b.delete(prefixMemURI + ev.URI); err != nil {
				return err
			}
		}
		return projectRecord(b, ev)
	}

	var rec membership.Record
	if err := json.Unmarshal(ev.Record, &rec); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnresolvable, ev.URI, err)
	}
	if _, err := syntax.ParseDID(rec.Cooperative); err != nil {
		return fmt.Errorf("%w: %s has no resolvable cooperative", ErrUnresolvable, ev.URI)
	}

	if indexed && prevCoop != rec.Cooperative {
		if err := b.delete(prefixMember + prevCoop + "/" + ev.URI); err != nil {
			return err
		}
	}
	if err := b.setJSON(prefixMember+rec.Cooperative+"/"+ev.URI, MemberView{
		URI:         ev.URI,
		Member:      ev.DID,
		Cooperative: rec.Cooperative,
		Message:     rec.Message,
		CID:         ev.CID,
		RequestedAt: normalizeTime(rec.CreatedAt),
		Seq:         ev.Seq,
	}); err != nil {
		return err
	}
	if err := b.set(prefixMemURI+ev.URI, rec.Cooperative); err != nil {
		return err
	}
	return projectRecord(b, ev)
}

func normalizeTime(s string) string {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
