package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helenejs/helene/internal/protocol"
)

// tokenAuth accepts payloads carrying token "letmein" and identifies them as
// user u1 with a role claim.
func tokenAuth(ctx context.Context, payload map[string]any) (map[string]any, error) {
	if payload["token"] == "letmein" {
		return map[string]any{"userId": "u1", "role": "admin", "secretKey": "hidden"}, nil
	}
	return nil, nil
}

func TestRPCInitAuthenticatesAndProjects(t *testing.T) {
	s := newTestServer(t, Options{
		Auth:               tokenAuth,
		AllowedContextKeys: []string{"role"},
	})
	sess, _ := newTestSession(s, "sess-init")

	reply := callMethod(t, s, sess, protocol.MethodRPCInit, map[string]any{
		"token": "letmein",
		"meta":  map[string]any{"app": "test"},
	})
	require.Equal(t, protocol.FrameResult, reply.Type)

	projection, ok := reply.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "u1", projection["userId"])
	assert.Equal(t, "admin", projection["role"])
	assert.NotContains(t, projection, "secretKey")

	assert.True(t, sess.Authenticated())
	assert.Equal(t, "u1", sess.UserID())
	assert.Equal(t, map[string]any{"app": "test"}, sess.Meta())
}

func TestRPCInitFalsyResultLeavesUnauthenticated(t *testing.T) {
	s := newTestServer(t, Options{Auth: tokenAuth})
	sess, _ := newTestSession(s, "sess-init-falsy")

	reply := callMethod(t, s, sess, protocol.MethodRPCInit, map[string]any{"token": "wrong"})
	require.Equal(t, protocol.FrameResult, reply.Type)
	assert.Equal(t, false, reply.Result)
	assert.False(t, sess.Authenticated())
	assert.Empty(t, sess.Context())
}

func TestRPCInitWithoutAuthFuncReturnsFalse(t *testing.T) {
	s := newTestServer(t, Options{})
	sess, _ := newTestSession(s, "sess-init-open")

	reply := callMethod(t, s, sess, protocol.MethodRPCInit, map[string]any{"token": "anything"})
	assert.Equal(t, false, reply.Result)
	assert.False(t, sess.Authenticated())
}

func TestRPCInitMissingUserIDFails(t *testing.T) {
	s := newTestServer(t, Options{
		Auth: func(ctx context.Context, payload map[string]any) (map[string]any, error) {
			return map[string]any{"role": "ghost"}, nil
		},
	})
	sess, _ := newTestSession(s, "sess-init-nouser")

	reply := callMethod(t, s, sess, protocol.MethodRPCInit, nil)
	assert.Equal(t, protocol.MsgAuthenticationFailed, reply.Message)
	assert.False(t, sess.Authenticated())
}

func TestRPCLogoutClearsAuth(t *testing.T) {
	s := newTestServer(t, Options{Auth: tokenAuth})
	sess, _ := newTestSession(s, "sess-logout")

	callMethod(t, s, sess, protocol.MethodRPCInit, map[string]any{"token": "letmein"})
	require.True(t, sess.Authenticated())

	reply := callMethod(t, s, sess, protocol.MethodRPCLogout, nil)
	assert.Equal(t, true, reply.Result)
	assert.False(t, sess.Authenticated())
	assert.Empty(t, sess.UserID())
	assert.Empty(t, sess.Context())
}

func TestRPCLoginOnlyRegisteredWithAuth(t *testing.T) {
	open := newTestServer(t, Options{})
	sess, _ := newTestSession(open, "sess-login-open")
	reply := callMethod(t, open, sess, protocol.MethodRPCLogin, nil)
	assert.Equal(t, protocol.MsgMethodNotFound, reply.Message)

	authed := newTestServer(t, Options{Auth: tokenAuth})
	sess2, _ := newTestSession(authed, "sess-login")
	reply = callMethod(t, authed, sess2, protocol.MethodRPCLogin, map[string]any{"token": "letmein"})
	require.Equal(t, protocol.FrameResult, reply.Type)
	projection := reply.Result.(map[string]any)
	assert.Equal(t, "u1", projection["userId"])

	reply = callMethod(t, authed, sess2, protocol.MethodRPCLogin, map[string]any{"token": "wrong"})
	assert.Equal(t, protocol.MsgAuthenticationFailed, reply.Message)
}

func TestRPCOnReportsPerEventVerdicts(t *testing.T) {
	s := newTestServer(t, Options{})
	s.AddEvent("news", EventOptions{})
	s.AddEvent("vip", EventOptions{Protected: true})
	s.AddEvent("picky", EventOptions{
		ShouldSubscribe: func(sess *Session, event, channel string) bool { return false },
	})

	sess, _ := newTestSession(s, "sess-on")
	reply := callMethod(t, s, sess, protocol.MethodRPCOn, map[string]any{
		"events": []any{"news", "vip", "picky", "ghost"},
	})
	require.Equal(t, protocol.FrameResult, reply.Type)
	verdicts := reply.Result.(map[string]any)
	assert.Equal(t, true, verdicts["news"])
	assert.Equal(t, false, verdicts["vip"], "protected event requires auth")
	assert.Equal(t, false, verdicts["picky"], "predicate denied")
	assert.Equal(t, false, verdicts["ghost"], "unregistered event")

	assert.True(t, s.Channel("").subscribed(sess, "news"))
	assert.False(t, s.Channel("").subscribed(sess, "vip"))
}

func TestRPCOnChannelGate(t *testing.T) {
	s := newTestServer(t, Options{
		ShouldSubscribeToChannel: func(sess *Session, channel string) bool {
			return channel != "forbidden-room"
		},
	})
	s.AddEvent("news", EventOptions{})
	sess, _ := newTestSession(s, "sess-chan-gate")

	reply := callMethod(t, s, sess, protocol.MethodRPCOn, map[string]any{
		"events":  "news",
		"channel": "forbidden-room",
	})
	verdicts := reply.Result.(map[string]any)
	assert.Equal(t, false, verdicts["news"])

	reply = callMethod(t, s, sess, protocol.MethodRPCOn, map[string]any{
		"events":  "news",
		"channel": "open-room",
	})
	verdicts = reply.Result.(map[string]any)
	assert.Equal(t, true, verdicts["news"])
}

func TestRPCOnIdempotent(t *testing.T) {
	s := newTestServer(t, Options{})
	s.AddEvent("news", EventOptions{})
	sess, transport := newTestSession(s, "sess-idem")

	for i := 0; i < 2; i++ {
		reply := callMethod(t, s, sess, protocol.MethodRPCOn, map[string]any{"events": "news"})
		verdicts := reply.Result.(map[string]any)
		require.Equal(t, true, verdicts["news"])
	}

	s.Channel("").Emit("news", "once")
	events := 0
	for _, f := range transport.frames(t) {
		if f.Type == protocol.FrameEvent {
			events++
		}
	}
	assert.Equal(t, 1, events, "double subscription must not double delivery")
}

func TestRPCOffMirrorsVerdicts(t *testing.T) {
	s := newTestServer(t, Options{})
	s.AddEvent("news", EventOptions{})
	sess, _ := newTestSession(s, "sess-off")

	callMethod(t, s, sess, protocol.MethodRPCOn, map[string]any{"events": "news"})

	reply := callMethod(t, s, sess, protocol.MethodRPCOff, map[string]any{"events": []any{"news", "ghost"}})
	verdicts := reply.Result.(map[string]any)
	assert.Equal(t, true, verdicts["news"])
	assert.Equal(t, false, verdicts["ghost"])

	// A second off finds nothing to remove.
	reply = callMethod(t, s, sess, protocol.MethodRPCOff, map[string]any{"events": "news"})
	verdicts = reply.Result.(map[string]any)
	assert.Equal(t, false, verdicts["news"])
}

func TestEventProbe(t *testing.T) {
	s := newTestServer(t, Options{})
	s.AddEvent("known", EventOptions{})
	sess, _ := newTestSession(s, "sess-probe")

	reply := callMethod(t, s, sess, protocol.MethodEventProbe, map[string]any{
		"events": []any{"known", "unknown"},
	})
	verdicts := reply.Result.(map[string]any)
	assert.Equal(t, true, verdicts["known"])
	assert.Equal(t, false, verdicts["unknown"])
}

func TestListMethodsIncludesDefaults(t *testing.T) {
	s := newTestServer(t, Options{})
	s.AddMethod("custom", func(c *CallContext) (any, error) { return nil, nil }, MethodOptions{})
	sess, _ := newTestSession(s, "sess-list")

	reply := callMethod(t, s, sess, protocol.MethodListMethods, nil)
	names, ok := reply.Result.([]string)
	require.True(t, ok)
	assert.Contains(t, names, protocol.MethodRPCInit)
	assert.Contains(t, names, protocol.MethodRPCOn)
	assert.Contains(t, names, "custom")
	assert.NotContains(t, names, protocol.MethodRPCLogin, "login absent without auth")
}
