package firehose

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/primal-host/primal-coop/internal/cid"
)

func sampleEvent() Event {
	return Event{
		Seq:       42,
		DID:       "did:web:coop.example:u:alice",
		Operation: OpUpdate,
		URI:       "at://did:web:coop.example:u:alice/coop.membership.request/3l5kq7xq2bc2a",
		CID:       "bafyreib2rxk3rh6kzwq",
		Record:    json.RawMessage(`{"cooperative":"did:web:hub.example","note":"hi","n":3,"ratio":0.5}`),
		PrevCID:   "bafyreiprev",
		Commit:    "bafyreicommit",
		Time:      "2026-03-01T12:00:00Z",
	}
}

func TestCBORFrameRoundTrip(t *testing.T) {
	ev := sampleEvent()
	frame, err := EncodeCBOR(ev)
	require.NoError(t, err)

	// a2 61 74 67 "#commit" 62 6f70 01
	assert.True(t, bytes.HasPrefix(frame, []byte{0xa2, 0x61, 't', 0x67, '#', 'c', 'o', 'm', 'm', 'i', 't', 0x62, 'o', 'p', 0x01}))

	got, err := DecodeCBOR(frame)
	require.NoError(t, err)
	assert.Equal(t, ev.Seq, got.Seq)
	assert.Equal(t, ev.URI, got.URI)
	assert.Equal(t, ev.PrevCID, got.PrevCID)
	assert.Equal(t, ev.Commit, got.Commit)
	assert.JSONEq(t, string(ev.Record), string(got.Record))
}

func TestFramesPreserveRecordContent(t *testing.T) {
	canon, err := cid.Canonical(json.RawMessage(`{"s":"<a&b>","big":12345678901234567890,"f":1.0,"neg":-0.5e-7,"deep":[{"x":9007199254740993}]}`))
	require.NoError(t, err)
	want, err := cid.Of(json.RawMessage(canon))
	require.NoError(t, err)

	ev := sampleEvent()
	ev.Record = canon
	ev.CID = want

	decode := map[string]func(t *testing.T) Event{
		EncodingCBOR: func(t *testing.T) Event {
			frame, err := EncodeCBOR(ev)
			require.NoError(t, err)
			got, err := DecodeCBOR(frame)
			require.NoError(t, err)
			return got
		},
		EncodingJSON: func(t *testing.T) Event {
			frame, err := EncodeJSON(ev)
			require.NoError(t, err)
			assert.Contains(t, string(frame), `"s":"<a&b>"`)
			var got Event
			require.NoError(t, json.Unmarshal(frame, &got))
			return got
		},
	}
	for encoding, roundTrip := range decode {
		t.Run(encoding, func(t *testing.T) {
			got := roundTrip(t)
			assert.Equal(t, string(canon), string(got.Record))
			id, err := cid.Of(got.Record)
			require.NoError(t, err)
			assert.Equal(t, ev.CID, id)
		})
	}
}

func TestEncodeCBORRejectsInvalidRecord(t *testing.T) {
	ev := sampleEvent()
	ev.Record = json.RawMessage(`{"broken":`)
	_, err := EncodeCBOR(ev)
	assert.Error(t, err)
}

func TestCBORFrameIsDeterministic(t *testing.T) {
	a, err := EncodeCBOR(sampleEvent())
	require.NoError(t, err)
	b, err := EncodeCBOR(sampleEvent())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCBORDeleteHasNoRecord(t *testing.T) {
	ev := sampleEvent()
	ev.Operation = OpDelete
	ev.Record = nil
	frame, err := EncodeCBOR(ev)
	require.NoError(t, err)

	got, err := DecodeCBOR(frame)
	require.NoError(t, err)
	assert.Nil(t, got.Record)
	assert.Equal(t, OpDelete, got.Operation)
}

func TestDecodeCBORRejectsGarbage(t *testing.T) {
	_, err := DecodeCBOR([]byte{0xff, 0x00})
	assert.Error(t, err)
}

func TestJSONFrameShape(t *testing.T) {
	ev := sampleEvent()
	ev.Operation = OpCreate
	ev.PrevCID = ""
	b, err := EncodeJSON(ev)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, float64(42), m["seq"])
	assert.Equal(t, "create", m["operation"])
	assert.NotContains(t, m, "prevCid")
	assert.Contains(t, m, "record")
}

// wsServer exposes an emitter the way the HTTP layer does.
func wsServer(t *testing.T, em *Emitter) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var after *int64
		if c := r.URL.Query().Get("cursor"); c != "" {
			n, err := strconv.ParseInt(c, 10, 64)
			if err != nil {
				http.Error(w, "bad cursor", http.StatusBadRequest)
				return
			}
			after = &n
		}
		sub, err := em.Listen(r.Context(), after)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer sub.Close()

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = Stream(r.Context(), ws, sub, r.URL.Query().Get("encoding"), zap.NewNop().Sugar())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientReceivesReplayAndLive(t *testing.T) {
	for _, encoding := range []string{EncodingJSON, EncodingCBOR} {
		t.Run(encoding, func(t *testing.T) {
			log := &memLog{}
			log.commit(3)
			em := newTestEmitter(log, Options{})
			srv := wsServer(t, em)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			client := NewClient("ws"+strings.TrimPrefix(srv.URL, "http"), encoding)
			cursor := int64(1)
			stream, err := client.Subscribe(ctx, &cursor)
			require.NoError(t, err)
			defer stream.Close()

			for _, want := range []int64{2, 3} {
				ev, err := stream.Next(ctx)
				require.NoError(t, err)
				assert.Equal(t, want, ev.Seq)
			}

			require.Eventually(t, func() bool { return em.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
			em.Publish(log.commit(1)[0])
			ev, err := stream.Next(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(4), ev.Seq)
			assert.Equal(t, "did:web:coop.example", ev.DID)
		})
	}
}

func TestRemoteStreamNextHonoursContext(t *testing.T) {
	em := newTestEmitter(&memLog{}, Options{})
	srv := wsServer(t, em)

	stream, err := NewClient("ws"+strings.TrimPrefix(srv.URL, "http"), "").Subscribe(context.Background(), nil)
	require.NoError(t, err)
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
