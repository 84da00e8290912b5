package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const alice = "did:web:coop.example:u:alice"

// sourceServer pages through three records two at a time.
func sourceServer(t *testing.T) *httptest.Server {
	t.Helper()
	pages := map[string]string{
		"": `{"records":[
			{"uri":"at://` + alice + `/coop.test.note/a","cid":"c1","value":{"t":1}},
			{"uri":"at://` + alice + `/coop.test.note/b","cid":"c2","value":{"t":2}}],"cursor":"b"}`,
		"b": `{"records":[{"uri":"at://` + alice + `/coop.test.note/c","cid":"c3","value":{"t":3}}]}`,
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/xrpc/coop.repo.listRecords", r.URL.Path)
		assert.Equal(t, alice, r.URL.Query().Get("repo"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(pages[r.URL.Query().Get("cursor")]))
	}))
}

type targetServer struct {
	*httptest.Server
	mu    sync.Mutex
	puts  []map[string]any
	auths []string
}

func newTargetServer(t *testing.T) *targetServer {
	t.Helper()
	ts := &targetServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		ts.auths = append(ts.auths, r.Header.Get("Authorization"))

		switch r.URL.Path {
		case "/xrpc/coop.repo.putRecord":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			if body["rkey"] == "c" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"InvalidRequest","message":"bad record"}`))
				return
			}
			ts.puts = append(ts.puts, body)
			_, _ = w.Write([]byte(`{}`))
		case "/xrpc/coop.admin.requeueOutbox":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"NotDead","message":"outbox: message is not dead: 7"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestCopierCopiesAllPages(t *testing.T) {
	src := sourceServer(t)
	defer src.Close()
	dst := newTargetServer(t)

	var out bytes.Buffer
	cp := &Copier{
		source:    NewClient(src.URL, ""),
		target:    NewClient(dst.URL, "admin"),
		sourceDID: alice,
		targetDID: "did:web:coop.example:u:alice2",
		out:       &out,
	}
	require.NoError(t, cp.Run([]string{"coop.test.note"}))

	assert.Equal(t, CopyStats{RecordsCopied: 2, RecordsSkipped: 1}, cp.stats)
	require.Len(t, dst.puts, 2)
	assert.Equal(t, "did:web:coop.example:u:alice2", dst.puts[0]["repo"])
	assert.Equal(t, "a", dst.puts[0]["rkey"])
	assert.Equal(t, map[string]any{"t": float64(2)}, dst.puts[1]["record"])
	assert.Equal(t, "Bearer admin", dst.auths[0])
	assert.Contains(t, out.String(), "coop.test.note: 2 copied, 1 skipped")
}

func TestCopierDryRunWritesNothing(t *testing.T) {
	src := sourceServer(t)
	defer src.Close()
	dst := newTargetServer(t)

	cp := &Copier{
		source:     NewClient(src.URL, ""),
		target:     NewClient(dst.URL, "admin"),
		sourceDID:  alice,
		targetDID:  alice,
		maxRecords: 2,
		dryRun:     true,
		out:        &bytes.Buffer{},
	}
	require.NoError(t, cp.Run([]string{"coop.test.note"}))
	assert.Equal(t, 2, cp.stats.RecordsCopied)
	assert.Empty(t, dst.puts)
}

func TestRequeueReportsAPIError(t *testing.T) {
	dst := newTargetServer(t)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--server", dst.URL, "--admin-key", "k", "outbox", "requeue", "7"})
	err := root.Execute()

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "NotDead", apiErr.Code)
	assert.Equal(t, "Bearer k", dst.auths[0])
}

func TestRequeueRejectsBadID(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"outbox", "requeue", "seven"})
	assert.ErrorContains(t, root.Execute(), "invalid message id")
}
