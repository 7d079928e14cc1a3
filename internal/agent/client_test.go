package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStdin captures everything the client writes to the subprocess.
type fakeStdin struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (f *fakeStdin) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Write(p)
}

func (f *fakeStdin) Close() error { return nil }

func (f *fakeStdin) Contains(sub string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Contains(f.buf.String(), sub)
}

// newTestClient wires a Client to an in-process pipe so tests can play the
// subprocess side without spawning anything.
func newTestClient(t *testing.T) (*Client, *fakeStdin, *io.PipeWriter) {
	t.Helper()
	c := New("fake-agent", t.TempDir())
	stdin := &fakeStdin{}
	pr, pw := io.Pipe()
	c.started = true
	c.stdin = stdin
	go c.readLoop(pr)
	t.Cleanup(func() { _ = pw.Close() })
	return c, stdin, pw
}

func feed(t *testing.T, pw *io.PipeWriter, line string) {
	t.Helper()
	_, err := pw.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func TestRequestEncodingRoundTrip(t *testing.T) {
	id := int64(7)
	line, err := json.Marshal(request{
		JSONRPC: jsonrpcVersion,
		ID:      &id,
		Method:  MethodConversationFork,
		Params:  ConversationForkParams{ParentConversationID: "conv-1", Instructions: "focus on security"},
	})
	require.NoError(t, err)

	var back inbound
	require.NoError(t, json.Unmarshal(line, &back))
	assert.Equal(t, MethodConversationFork, back.Method)
	require.NotNil(t, back.ID)
	assert.Equal(t, id, *back.ID)

	var params ConversationForkParams
	require.NoError(t, json.Unmarshal(back.Params, &params))
	assert.Equal(t, "conv-1", params.ParentConversationID)
	assert.Equal(t, "focus on security", params.Instructions)
}

func TestConcurrentRequestsResolveOutOfOrder(t *testing.T) {
	c, stdin, pw := newTestClient(t)
	ctx := context.Background()

	type res struct {
		raw json.RawMessage
		err error
	}
	first := make(chan res, 1)
	second := make(chan res, 1)

	go func() {
		raw, err := c.Request(ctx, "conversation/start", nil)
		first <- res{raw, err}
	}()
	require.Eventually(t, func() bool { return stdin.Contains(`"id":1`) }, time.Second, time.Millisecond)

	go func() {
		raw, err := c.Request(ctx, "conversation/fork", nil)
		second <- res{raw, err}
	}()
	require.Eventually(t, func() bool { return stdin.Contains(`"id":2`) }, time.Second, time.Millisecond)

	// Respond to the second request before the first.
	feed(t, pw, `{"jsonrpc":"2.0","id":2,"result":{"conversation_id":"fork"}}`)
	feed(t, pw, `{"jsonrpc":"2.0","id":1,"result":{"conversation_id":"root"}}`)

	gotSecond := <-second
	require.NoError(t, gotSecond.err)
	assert.JSONEq(t, `{"conversation_id":"fork"}`, string(gotSecond.raw))

	gotFirst := <-first
	require.NoError(t, gotFirst.err)
	assert.JSONEq(t, `{"conversation_id":"root"}`, string(gotFirst.raw))
}

func TestRemoteErrorRejectsCall(t *testing.T) {
	c, stdin, pw := newTestClient(t)

	done := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "review/start", nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return stdin.Contains(`"id":1`) }, time.Second, time.Millisecond)

	feed(t, pw, `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"usage limit exceeded"}}`)

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usage limit exceeded")
}

func TestUnmatchedResponseIsDropped(t *testing.T) {
	c, _, pw := newTestClient(t)

	feed(t, pw, `{"jsonrpc":"2.0","id":99,"result":{}}`)
	feed(t, pw, `{"jsonrpc":"2.0","method":"turn/completed","params":{"thread_id":"t1","turn_id":"u1","status":"completed"}}`)

	// The late response must not wedge the read loop.
	done, err := c.WaitForTurnCompletion(context.Background(), "t1", "u1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "u1", done.TurnID)
}

func TestUnparseableLineIsNonFatal(t *testing.T) {
	c, _, pw := newTestClient(t)

	var notifications []Notification
	var mu sync.Mutex
	c.OnNotification(func(n Notification) {
		mu.Lock()
		notifications = append(notifications, n)
		mu.Unlock()
	})

	feed(t, pw, `this is not json`)
	feed(t, pw, `{"jsonrpc":"2.0","method":"turn/completed","params":{"thread_id":"t1","turn_id":"u1","status":"completed"}}`)

	_, err := c.WaitForTurnCompletion(context.Background(), "t1", "u1", time.Second)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(notifications), 2)
	assert.Equal(t, "agent/unparseable", notifications[0].Method)
}

func TestWaitForTurnCompletionCachedFastPath(t *testing.T) {
	c, _, pw := newTestClient(t)

	feed(t, pw, `{"jsonrpc":"2.0","method":"turn/completed","params":{"thread_id":"t1","turn_id":"u1","status":"completed"}}`)
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.completed[turnKey{"t1", "u1"}]
		return ok
	}, time.Second, time.Millisecond)

	start := time.Now()
	done, err := c.WaitForTurnCompletion(context.Background(), "t1", "u1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "t1", done.ThreadID)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForTurnCompletionTimeout(t *testing.T) {
	c, _, _ := newTestClient(t)

	_, err := c.WaitForTurnCompletion(context.Background(), "t1", "never", 20*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")

	// The expired waiter must be unregistered.
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.waiters)
}

func TestWaitForTurnCompletionFailedStatus(t *testing.T) {
	c, _, pw := newTestClient(t)

	go feed(t, pw, `{"jsonrpc":"2.0","method":"turn/completed","params":{"thread_id":"t1","turn_id":"u1","status":"failed","error":"usage limit exceeded"}}`)

	_, err := c.WaitForTurnCompletion(context.Background(), "t1", "u1", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usage limit exceeded")
}

func TestSubprocessExitFailsPendingAndWaiters(t *testing.T) {
	c, stdin, _ := newTestClient(t)

	pendingErr := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "review/start", nil)
		pendingErr <- err
	}()
	require.Eventually(t, func() bool { return stdin.Contains(`"id":1`) }, time.Second, time.Millisecond)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := c.WaitForTurnCompletion(context.Background(), "t1", "u1", time.Minute)
		waiterErr <- err
	}()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.waiters) == 1
	}, time.Second, time.Millisecond)

	c.onExit(errors.New("signal: killed"))

	err := <-pendingErr
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited")

	err = <-waiterErr
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited")

	// Future calls fail immediately, no respawn.
	_, err = c.Request(context.Background(), "review/start", nil)
	require.Error(t, err)
}

func TestLatestTurnDiffKeepsNewest(t *testing.T) {
	c, _, pw := newTestClient(t)

	feed(t, pw, `{"jsonrpc":"2.0","method":"turn/diff_updated","params":{"turn_id":"u1","diff":"first"}}`)
	feed(t, pw, `{"jsonrpc":"2.0","method":"turn/diff_updated","params":{"turn_id":"u1","diff":"second"}}`)

	require.Eventually(t, func() bool {
		d, ok := c.LatestTurnDiff("u1")
		return ok && d == "second"
	}, time.Second, time.Millisecond)

	_, ok := c.LatestTurnDiff("other-turn")
	assert.False(t, ok)
}

func TestTokenUsageCachedPerThread(t *testing.T) {
	c, _, pw := newTestClient(t)

	feed(t, pw, `{"jsonrpc":"2.0","method":"token_usage/updated","params":{"thread_id":"t1","input_tokens":120,"output_tokens":40}}`)

	require.Eventually(t, func() bool {
		u, ok := c.LatestTokenUsage("t1")
		return ok && u.InputTokens == 120 && u.OutputTokens == 40
	}, time.Second, time.Millisecond)
}

func TestUnknownNotificationPassesThrough(t *testing.T) {
	c, _, pw := newTestClient(t)

	got := make(chan Notification, 1)
	c.OnNotification(func(n Notification) {
		if n.Method == "agent/heartbeat" {
			got <- n
		}
	})

	feed(t, pw, `{"jsonrpc":"2.0","method":"agent/heartbeat","params":{"uptime_s":12}}`)

	select {
	case n := <-got:
		assert.Nil(t, n.TurnCompleted)
		assert.Nil(t, n.TurnDiff)
		assert.Nil(t, n.TokenUsage)
		assert.JSONEq(t, `{"uptime_s":12}`, string(n.Raw))
	case <-time.After(time.Second):
		t.Fatal("unknown notification never reached observer")
	}
}

func TestBlockedStdinWriteDoesNotStallReadLoop(t *testing.T) {
	c := New("fake-agent", t.TempDir())
	// A pipe with no reader: the request's stdin write blocks forever,
	// standing in for subprocess back-pressure.
	stdinR, stdinW := io.Pipe()
	outR, outW := io.Pipe()
	c.started = true
	c.stdin = stdinW
	go c.readLoop(outR)
	t.Cleanup(func() {
		_ = stdinR.Close()
		_ = stdinW.Close()
		_ = outW.Close()
	})

	requestDone := make(chan struct{})
	go func() {
		defer close(requestDone)
		_, _ = c.Request(context.Background(), "review/start", nil)
	}()

	// Stdout traffic must keep dispatching while the write is stuck.
	feed(t, outW, `{"jsonrpc":"2.0","method":"turn/diff_updated","params":{"turn_id":"u1","diff":"d"}}`)
	require.Eventually(t, func() bool {
		d, ok := c.LatestTurnDiff("u1")
		return ok && d == "d"
	}, time.Second, time.Millisecond)

	feed(t, outW, `{"jsonrpc":"2.0","method":"turn/completed","params":{"thread_id":"t1","turn_id":"u1","status":"completed"}}`)
	done, err := c.WaitForTurnCompletion(context.Background(), "t1", "u1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "u1", done.TurnID)

	// Releasing the pipe unwedges the stuck request.
	_ = stdinR.Close()
	select {
	case <-requestDone:
	case <-time.After(time.Second):
		t.Fatal("request never returned after stdin was released")
	}
}

func TestStartSpawnFailureFailsFutureCalls(t *testing.T) {
	c := New(fmt.Sprintf("/nonexistent-agent-%d", time.Now().UnixNano()), t.TempDir())
	require.Error(t, c.Start())

	_, err := c.Request(context.Background(), "conversation/start", nil)
	require.Error(t, err)
}
