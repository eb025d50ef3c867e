package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keshon/textcmd/pkg/chat"
	"github.com/keshon/textcmd/pkg/chat/chattest"
	"github.com/keshon/textcmd/pkg/cmd"
	"github.com/keshon/textcmd/pkg/cooldown"
	"github.com/keshon/textcmd/pkg/dispatch"
	"github.com/keshon/textcmd/pkg/prompt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, stats StatsFunc) (*Server, *prompt.Registry) {
	t.Helper()
	cd, err := cooldown.New(context.Background(), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(cd.Close)

	reg := cmd.NewRegistry(nil)
	noop := func(context.Context, *cmd.Call) (any, error) { return nil, nil }
	reg.MustRegister(
		&cmd.Command{ID: "ping", Aliases: []string{"p"}, Category: "general", Description: "Pong", Exec: noop},
		&cmd.Command{ID: "roll", Category: "fun", Scope: cmd.ScopeGuildText, Cooldown: cd, Exec: noop},
	)
	prompts := prompt.NewRegistry(zerolog.Nop())
	return New(reg, prompts, stats, zerolog.Nop()), prompts
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := do(t, s, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 2, body["commands"])
	assert.EqualValues(t, 0, body["prompts"])
}

func TestListCommands(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := do(t, s, http.MethodGet, "/commands")
	require.Equal(t, http.StatusOK, w.Code)

	var got []CommandInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "ping", got[0].ID)
	assert.Equal(t, []string{"p"}, got[0].Aliases)
	assert.Equal(t, "any", got[0].Scope)
	assert.Empty(t, got[0].Cooldown)
	assert.Equal(t, "roll", got[1].ID)
	assert.Equal(t, "guild-text", got[1].Scope)
	assert.Equal(t, "5s", got[1].Cooldown)
}

func TestGetCommandByAlias(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodGet, "/commands/P")
	require.Equal(t, http.StatusOK, w.Code)
	var got CommandInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "ping", got.ID)

	w = do(t, s, http.MethodGet, "/commands/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPromptsListAndCancel(t *testing.T) {
	s, prompts := newTestServer(t, nil)
	ch := chattest.NewChannel("c1")
	p, err := prompts.Start(context.Background(), prompt.Request{UserID: "u1", Channel: ch, Trigger: "name?"})
	require.NoError(t, err)

	w := do(t, s, http.MethodGet, "/prompts")
	require.Equal(t, http.StatusOK, w.Code)
	var snaps []prompt.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, "u1", snaps[0].UserID)
	assert.Equal(t, "c1", snaps[0].ChannelID)

	w = do(t, s, http.MethodDelete, "/prompts/u1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cancelled":1}`, w.Body.String())
	assert.True(t, p.Ended())
	assert.Zero(t, prompts.Len())
}

func TestStats(t *testing.T) {
	s, _ := newTestServer(t, nil)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/stats").Code)

	s, _ = newTestServer(t, func() map[string]any { return map[string]any{"keys": 3} })
	w := do(t, s, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"keys":3}`, w.Body.String())
}

func TestRunStopsOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	s, _ := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestUsageCountsDispatchedCommands(t *testing.T) {
	reg := cmd.NewRegistry(nil)
	reg.MustRegister(
		&cmd.Command{ID: "ping", Aliases: []string{"p"}, Exec: func(context.Context, *cmd.Call) (any, error) { return "pong", nil }},
		&cmd.Command{ID: "fail", Exec: func(context.Context, *cmd.Call) (any, error) { return nil, errors.New("nope") }},
	)
	prompts := prompt.NewRegistry(zerolog.Nop())
	usage := NewUsage()
	d := dispatch.New(reg, prompts, &chattest.Platform{}, dispatch.Options{
		OnError: func(context.Context, *chat.Message, *cmd.Command, error) {},
	})
	d.OnCommandUsed(usage.Record)

	s := New(reg, prompts, nil, zerolog.Nop(), WithUsage(usage))
	ch := chattest.NewChannel("c1")
	for _, content := range []string{"!ping", "!P", "!fail"} {
		d.Handle(context.Background(), chattest.Message(chat.User{ID: "u1"}, ch, content))
	}

	w := do(t, s, http.MethodGet, "/usage")
	require.Equal(t, http.StatusOK, w.Code)
	var report UsageReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, map[string]int{"ping": 2}, report.Commands)
	assert.NotNil(t, report.LastUsed)

	s, _ = newTestServer(t, nil)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/usage").Code)
}
