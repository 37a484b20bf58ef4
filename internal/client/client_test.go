package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rpcpool/blacklistd/internal/hashkey"
	"github.com/stretchr/testify/require"
)

// fakeServer is a minimal net/http reimplementation of the five endpoints
// backed by an in-memory key set, used to exercise Client without pulling
// in the fasthttp-based production server.
type fakeServer struct {
	mu   sync.Mutex
	keys map[hashkey.HashKey]bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{keys: make(map[hashkey.HashKey]bool)}
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/fetch-hashes", func(w http.ResponseWriter, r *http.Request) {
		prefix, err := hashkey.PrefixFromHex(r.URL.Query().Get("prefix"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		var out []byte
		for k := range f.keys {
			if k.Prefix() == prefix {
				out = append(out, k[:]...)
			}
		}
		w.Write(out)
	})
	mux.HandleFunc("/submit-malicious-url", func(w http.ResponseWriter, r *http.Request) {
		key, err := hashkey.FromHex(r.URL.Query().Get("url"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.keys[key] {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("Bad request: URL is already blacklisted"))
			return
		}
		f.keys[key] = true
	})
	mux.HandleFunc("/fetch-prefixes/memtable", func(w http.ResponseWriter, r *http.Request) {
		f.writePrefixesForPartition(w, r)
	})
	mux.HandleFunc("/fetch-prefixes/index", func(w http.ResponseWriter, r *http.Request) {
		w.Write(nil) // everything lives in the fake "memtable" tier
	})
	mux.HandleFunc("/fetch-blacklist-metadata", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		body, _ := json.Marshal([2]int{len(f.keys), 4})
		w.Write(body)
	})
	return mux
}

func (f *fakeServer) writePrefixesForPartition(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for k := range f.keys {
		out = append(out, k[:hashkey.PrefixSize]...)
	}
	w.Write(out)
}

func TestRebuildThenCheckFindsIngestedURL(t *testing.T) {
	fs := newFakeServer()
	key := hashkey.Sum([]byte("https://evil.example/x"))
	fs.keys[key] = true

	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	filterPath := filepath.Join(t.TempDir(), "filter.blob")
	c, err := Open(context.Background(), "tester", srv.URL, filterPath)
	require.NoError(t, err)
	require.True(t, c.HasFilter())

	verdict, err := c.CheckURL(context.Background(), "https://evil.example/x")
	require.NoError(t, err)
	require.Equal(t, Malicious, verdict)
}

func TestCheckSafeURLWithNoFilterHitsServer(t *testing.T) {
	fs := newFakeServer()
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	filterPath := filepath.Join(t.TempDir(), "filter.blob")
	c, err := Open(context.Background(), "tester", srv.URL, filterPath)
	require.NoError(t, err)
	c.f = nil // drop the filter Open built so the check goes to the server
	require.False(t, c.HasFilter())

	verdict, err := c.CheckURL(context.Background(), "https://safe.example/")
	require.NoError(t, err)
	require.Equal(t, Safe, verdict)
}

func TestSubmitThenCheckMarksMalicious(t *testing.T) {
	fs := newFakeServer()
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	filterPath := filepath.Join(t.TempDir(), "filter.blob")
	c, err := Open(context.Background(), "tester", srv.URL, filterPath)
	require.NoError(t, err)

	require.NoError(t, c.SubmitMaliciousURL(context.Background(), "https://evil.example/new"))

	verdict, err := c.CheckURL(context.Background(), "https://evil.example/new")
	require.NoError(t, err)
	require.Equal(t, Malicious, verdict)
}

func TestSubmitDuplicateReturnsError(t *testing.T) {
	fs := newFakeServer()
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	filterPath := filepath.Join(t.TempDir(), "filter.blob")
	c, err := Open(context.Background(), "tester", srv.URL, filterPath)
	require.NoError(t, err)

	require.NoError(t, c.SubmitMaliciousURL(context.Background(), "https://evil.example/dup"))
	err = c.SubmitMaliciousURL(context.Background(), "https://evil.example/dup")
	require.Error(t, err)
	require.False(t, c.HasFilter(), "filter should be invalidated on submit error")
}
