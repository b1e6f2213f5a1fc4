package ics

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const feedBody = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//feed//EN\r\nEND:VCALENDAR\r\n"

func TestFetcherConditionalGet(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(feedBody))
	}))
	t.Cleanup(srv.Close)

	f := NewFetcher(t.TempDir(), 0)
	ctx := context.Background()

	first, err := f.Fetch(ctx, srv.URL+"/room1.ics")
	require.NoError(t, err)
	assert.False(t, first.NotModified)
	assert.False(t, first.FromCache)
	assert.Equal(t, feedBody, string(first.Body))

	again, err := f.Fetch(ctx, srv.URL+"/room1.ics")
	require.NoError(t, err)
	assert.False(t, again.NotModified, "validators are only sent after Commit")

	require.NoError(t, f.Commit(first))
	second, err := f.Fetch(ctx, srv.URL+"/room1.ics")
	require.NoError(t, err)
	assert.True(t, second.NotModified)
	assert.True(t, second.FromCache)
	assert.Equal(t, feedBody, string(second.Body))
	assert.Equal(t, int32(3), hits.Load())

	res, err := Import(bytes.NewReader(second.Body), ImportOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Events)
}

func TestFetcherFallsBackToCacheOnServerError(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(feedBody))
	}))
	t.Cleanup(srv.Close)

	f := NewFetcher(t.TempDir(), 0)
	first, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.NoError(t, f.Commit(first))

	fail.Store(true)
	res, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.False(t, res.NotModified)
	assert.Equal(t, feedBody, string(res.Body))
}

func TestFetcherErrorWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	_, err := NewFetcher(t.TempDir(), 0).Fetch(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://cal.example.com/...(redacted)", redactURL("https://cal.example.com/private/abc.ics?token=x"))
	assert.Equal(t, "ics://...(redacted)", redactURL("not a url"))
	assert.True(t, IsFeedURL("https://x/y.ics"))
	assert.False(t, IsFeedURL("/tmp/y.ics"))
}
