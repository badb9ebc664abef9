package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	titles []string
	err    error
}

func (s *recordingSink) Notify(title, message string) error {
	s.titles = append(s.titles, title)
	return s.err
}

func TestDispatcher_FansOutToAllSinks(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	d := NewDispatcher(log.New(&bytes.Buffer{}, "", 0), a, b)

	d.Notify("build succeeded", "bld_1 done in 12s")

	assert.Equal(t, []string{"build succeeded"}, a.titles)
	assert.Equal(t, []string{"build succeeded"}, b.titles)
}

func TestDispatcher_FailingSinkDoesNotStopOthers(t *testing.T) {
	var buf bytes.Buffer
	failing := &recordingSink{err: errors.New("sink down")}
	healthy := &recordingSink{}
	d := NewDispatcher(log.New(&buf, "", 0), failing, healthy)

	d.Notify("build failed", "bld_2 exit 1")

	assert.Len(t, healthy.titles, 1)
	assert.Contains(t, buf.String(), "sink down")
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := LogSink{Logger: log.New(&buf, "", 0)}

	require.NoError(t, s.Notify("heal", "cleared caches"))
	assert.Contains(t, buf.String(), "heal: cleared caches")
}

func TestWebhookSink(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewWebhookSink(srv.URL)
	require.NoError(t, s.Notify("deploy", "v1.2 out"))

	assert.Equal(t, "deploy", got["title"])
	assert.Equal(t, "v1.2 out", got["message"])
	assert.NotEmpty(t, got["timestamp"])
}

func TestWebhookSink_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewWebhookSink(srv.URL)
	err := s.Notify("x", "y")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
