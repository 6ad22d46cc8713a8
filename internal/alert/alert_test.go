package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramNotifier_PostsMarkdownMessage(t *testing.T) {
	var (
		path string
		body sendMessageRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier(srv.URL, "TOKEN", "chat-1", zerolog.Nop())
	n.Alert(context.Background(), "Schedule fetch blocked", "group 42")

	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.Equal(t, "chat-1", body.ChatID)
	assert.Equal(t, "Markdown", body.ParseMode)
	assert.Contains(t, body.Text, "*Schedule fetch blocked*")
	assert.Contains(t, body.Text, "group 42")
}

func TestTelegramNotifier_FailureIsLoggedNotReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	n := NewTelegramNotifier(srv.URL, "TOKEN", "chat-1", zerolog.New(&buf))
	n.Alert(context.Background(), "t", "m")
	assert.Contains(t, buf.String(), "sending telegram alert failed")
}

func TestNew_FallsBackToLog(t *testing.T) {
	_, ok := New("", "", zerolog.Nop()).(*LogNotifier)
	assert.True(t, ok)
	_, ok = New("token", "chat", zerolog.Nop()).(Multi)
	assert.True(t, ok)
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	r.Alert(context.Background(), "a", "b")
	assert.Equal(t, []Message{{Title: "a", Body: "b"}}, r.Messages())
}
