package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	name string
	err  error

	mu     sync.Mutex
	titles []string
}

func (c *captureSender) Send(_ context.Context, title, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.titles = append(c.titles, title)
	return c.err
}

func (c *captureSender) Name() string { return c.name }

func (c *captureSender) Titles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.titles...)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierFiltersEvents(t *testing.T) {
	s := &captureSender{name: "cap"}
	n := NewNotifier([]Sender{s}, Config{Events: []string{"unknown", " fatal "}}, discard())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "circuit_open", "Source unavailable", "curve"))
	require.NoError(t, n.Notify(ctx, "fatal", "Stopped", "no signer"))
	assert.Equal(t, []string{"Stopped"}, s.Titles())
}

func TestNotifierCooldownAndLabel(t *testing.T) {
	s := &captureSender{name: "cap"}
	n := NewNotifier([]Sender{s}, Config{Label: "prod", Cooldown: time.Minute}, discard())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "unknown", "Execution unknown", "route a"))
	require.NoError(t, n.Notify(ctx, "unknown", "Execution unknown", "route a"))
	require.NoError(t, n.Notify(ctx, "unknown", "Execution unknown", "route b"))
	now = now.Add(2 * time.Minute)
	require.NoError(t, n.Notify(ctx, "unknown", "Execution unknown", "route a"))

	assert.Equal(t, []string{
		"[prod] Execution unknown",
		"[prod] Execution unknown",
		"[prod] Execution unknown",
	}, s.Titles())
}

func TestNotifierCollectsSenderErrors(t *testing.T) {
	bad := &captureSender{name: "bad", err: errors.New("403 forbidden")}
	good := &captureSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, Config{}, discard())

	err := n.Notify(context.Background(), "system_failure", "Execution system_failure", "details")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: 403 forbidden")
	assert.Len(t, good.Titles(), 1, "a failing sender does not block the others")
}

func TestTelegramSender(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42", srv.URL)
	require.NoError(t, s.Send(context.Background(), "Execution <unknown>", "class confirmation_timeout"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "HTML", got["parse_mode"])
	assert.Equal(t, "<b>Execution &lt;unknown&gt;</b>\nclass confirmation_timeout", got["text"])
}

func TestDiscordSenderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "Unknown Webhook"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord: unexpected status 404")
	assert.Contains(t, err.Error(), "Unknown Webhook")
}

func TestDiscordSenderTruncates(t *testing.T) {
	var content string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content string `json:"content"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		content = body.Content
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	long := make([]byte, 3000)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), "t", string(long)))
	assert.Len(t, []rune(content), discordLimit)
}
