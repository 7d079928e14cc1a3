// Package agent drives the review agent subprocess over line-delimited
// JSON-RPC 2.0 on its stdin/stdout. One Client owns one subprocess for the
// lifetime of one run; concurrent callers multiplex over it by request id.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNotStarted is returned when a call is made before Start succeeds.
var ErrNotStarted = errors.New("agent: subprocess not started")

// maxLineBytes bounds one stdout line. Streamed diffs can get large.
const maxLineBytes = 16 * 1024 * 1024

// stopGrace is how long Stop waits for a voluntary exit before killing.
const stopGrace = 2 * time.Second

type turnKey struct {
	threadID string
	turnID   string
}

type pendingCall struct {
	ch chan callOutcome
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

// Client manages one agent subprocess. Safe for concurrent use: all calls
// are multiplexed over the single stdin/stdout pair by request id.
type Client struct {
	binPath    string
	workingDir string

	// writeMu serializes stdin writes only. It is never taken together
	// with mu, so a back-pressured stdin can never stall the read loop.
	writeMu sync.Mutex

	mu         sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	started    bool
	exitErr    error
	exited     chan struct{}
	nextID     int64
	pending    map[int64]*pendingCall
	waiters    map[turnKey][]chan callOutcome
	completed  map[turnKey]TurnCompleted
	turnDiffs  map[string]string
	tokenUsage map[string]TokenUsageUpdated
	observer   func(Notification)
}

// New creates a client for the agent binary at binPath, which will run with
// workingDir as its working directory. Call Start before anything else.
func New(binPath, workingDir string) *Client {
	return &Client{
		binPath:    binPath,
		workingDir: workingDir,
		exited:     make(chan struct{}),
		pending:    make(map[int64]*pendingCall),
		waiters:    make(map[turnKey][]chan callOutcome),
		completed:  make(map[turnKey]TurnCompleted),
		turnDiffs:  make(map[string]string),
		tokenUsage: make(map[string]TokenUsageUpdated),
	}
}

// OnNotification registers an observer that receives every inbound
// notification, recognized or not, for audit logging. Must be called
// before Start.
func (c *Client) OnNotification(fn func(Notification)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = fn
}

// Start spawns the subprocess. Idempotent if already running. If the spawn
// fails, every current and future call fails immediately.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}
	if c.exitErr != nil {
		return c.exitErr
	}

	cmd := exec.Command(c.binPath)
	cmd.Dir = c.workingDir
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("agent: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("agent: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		err = fmt.Errorf("agent: spawn %s: %w", c.binPath, err)
		c.failAllLocked(err)
		return err
	}

	c.cmd = cmd
	c.stdin = stdin
	c.started = true

	go c.readLoop(stdout)
	go func() {
		waitErr := cmd.Wait()
		c.onExit(waitErr)
	}()

	log.Debug().Str("bin", c.binPath).Str("dir", c.workingDir).Msg("agent subprocess started")
	return nil
}

// Initialize performs the protocol handshake. Callers must run it before
// conversation-level methods; the client does not enforce the ordering.
func (c *Client) Initialize(ctx context.Context, clientName, clientVersion string) error {
	_, err := c.Request(ctx, MethodInitialize, InitializeParams{
		ClientName:    clientName,
		ClientVersion: clientVersion,
	})
	return err
}

// Request sends one JSON-RPC call and blocks until the matching response
// arrives, the subprocess dies, or ctx is done. Concurrent requests are
// multiplexed by id; completion order is not guaranteed.
func (c *Client) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if !c.started {
		err := c.exitErr
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, ErrNotStarted
	}
	if c.exitErr != nil {
		err := c.exitErr
		c.mu.Unlock()
		return nil, err
	}

	c.nextID++
	id := c.nextID
	call := &pendingCall{ch: make(chan callOutcome, 1)}
	c.pending[id] = call
	stdin := c.stdin
	c.mu.Unlock()

	line, err := json.Marshal(request{JSONRPC: jsonrpcVersion, ID: &id, Method: method, Params: params})
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("agent: marshal %s request: %w", method, err)
	}
	if err := c.writeLine(stdin, line); err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("agent: write %s request: %w", method, err)
	}

	select {
	case out := <-call.ch:
		return out.result, out.err
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification to the subprocess.
func (c *Client) Notify(method string, params interface{}) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	stdin := c.stdin
	c.mu.Unlock()

	line, err := json.Marshal(request{JSONRPC: jsonrpcVersion, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("agent: marshal %s notification: %w", method, err)
	}
	return c.writeLine(stdin, line)
}

// WaitForTurnCompletion blocks until the turn/completed notification for
// (threadID, turnID) arrives. Returns immediately if it was already
// observed. A turn whose reported status is not "completed" is an error
// carrying the agent's detail. Rejects on timeout or subprocess exit.
func (c *Client) WaitForTurnCompletion(ctx context.Context, threadID, turnID string, timeout time.Duration) (TurnCompleted, error) {
	key := turnKey{threadID: threadID, turnID: turnID}

	c.mu.Lock()
	if done, ok := c.completed[key]; ok {
		c.mu.Unlock()
		return done, turnStatusErr(done)
	}
	if c.exitErr != nil {
		err := c.exitErr
		c.mu.Unlock()
		return TurnCompleted{}, err
	}
	ch := make(chan callOutcome, 1)
	c.waiters[key] = append(c.waiters[key], ch)
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		if out.err != nil {
			return TurnCompleted{}, out.err
		}
		var done TurnCompleted
		if err := json.Unmarshal(out.result, &done); err != nil {
			return TurnCompleted{}, fmt.Errorf("agent: decode turn completion: %w", err)
		}
		return done, turnStatusErr(done)
	case <-timer.C:
		c.dropWaiter(key, ch)
		return TurnCompleted{}, fmt.Errorf("agent: turn %s on thread %s timed out after %s", turnID, threadID, timeout)
	case <-ctx.Done():
		c.dropWaiter(key, ch)
		return TurnCompleted{}, ctx.Err()
	}
}

// LatestTurnDiff returns the most recently streamed diff for turnID, if any
// was emitted. The diff is only guaranteed complete once the turn completed.
func (c *Client) LatestTurnDiff(turnID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.turnDiffs[turnID]
	return d, ok
}

// LatestTokenUsage returns the cumulative token totals last reported for
// threadID.
func (c *Client) LatestTokenUsage(threadID string) (TokenUsageUpdated, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.tokenUsage[threadID]
	return u, ok
}

// Interrupt asks the agent to abort the in-flight turn. Best-effort; the
// agent acknowledges via the normal turn/completed flow.
func (c *Client) Interrupt(ctx context.Context, threadID, turnID string) error {
	_, err := c.Request(ctx, MethodTurnInterrupt, interruptParams{ThreadID: threadID, TurnID: turnID})
	return err
}

// Stop shuts the subprocess down: closes stdin to request termination,
// then kills after a bounded grace period. Idempotent and never fails.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.started || c.cmd == nil {
		c.mu.Unlock()
		return
	}
	stdin := c.stdin
	cmd := c.cmd
	exited := c.exited
	c.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}

	select {
	case <-exited:
	case <-time.After(stopGrace):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-exited
	}
}

// Conversation-level typed wrappers.

func (c *Client) StartConversation(ctx context.Context, instructions string) (string, error) {
	raw, err := c.Request(ctx, MethodConversationStart, ConversationStartParams{
		WorkingDir:   c.workingDir,
		Instructions: instructions,
	})
	if err != nil {
		return "", err
	}
	var res ConversationResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("agent: decode conversation/start result: %w", err)
	}
	return res.ConversationID, nil
}

func (c *Client) ForkConversation(ctx context.Context, parentID, instructions string) (string, error) {
	raw, err := c.Request(ctx, MethodConversationFork, ConversationForkParams{
		ParentConversationID: parentID,
		Instructions:         instructions,
	})
	if err != nil {
		return "", err
	}
	var res ConversationResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("agent: decode conversation/fork result: %w", err)
	}
	return res.ConversationID, nil
}

func (c *Client) StartReview(ctx context.Context, conversationID, baseBranch, prompt string) (TurnResult, error) {
	raw, err := c.Request(ctx, MethodReviewStart, ReviewStartParams{
		ConversationID: conversationID,
		BaseBranch:     baseBranch,
		Prompt:         prompt,
	})
	if err != nil {
		return TurnResult{}, err
	}
	var res TurnResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return TurnResult{}, fmt.Errorf("agent: decode review/start result: %w", err)
	}
	return res, nil
}

func (c *Client) StartTurn(ctx context.Context, conversationID, prompt string, outputSchema json.RawMessage) (TurnResult, error) {
	raw, err := c.Request(ctx, MethodTurnStart, TurnStartParams{
		ConversationID: conversationID,
		Prompt:         prompt,
		OutputSchema:   outputSchema,
	})
	if err != nil {
		return TurnResult{}, err
	}
	var res TurnResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return TurnResult{}, fmt.Errorf("agent: decode turn/start result: %w", err)
	}
	return res, nil
}

func (c *Client) ReadConversation(ctx context.Context, conversationID string) (string, error) {
	raw, err := c.Request(ctx, MethodConversationRead, ConversationReadParams{ConversationID: conversationID})
	if err != nil {
		return "", err
	}
	var res ConversationReadResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("agent: decode conversation/read result: %w", err)
	}
	return res.Message, nil
}

// Internals

func (c *Client) writeLine(w io.Writer, line []byte) error {
	c.mu.Lock()
	err := c.exitErr
	c.mu.Unlock()
	if err != nil {
		return err
	}

	// Serialize writes so concurrent requests never interleave bytes.
	// The write itself can block on subprocess back-pressure, so it must
	// not happen under mu: the read loop needs mu to dispatch responses.
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := w.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

func (c *Client) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg inbound
		if err := json.Unmarshal(line, &msg); err != nil {
			// Non-fatal: report and keep reading subsequent lines.
			log.Warn().Err(err).Int("bytes", len(line)).Msg("agent emitted unparseable line")
			raw, _ := json.Marshal(string(line))
			c.emit(Notification{Method: "agent/unparseable", Raw: raw})
			continue
		}
		if msg.ID != nil {
			c.resolve(*msg.ID, msg)
			continue
		}
		if msg.Method != "" {
			c.handleNotification(decodeNotification(msg.Method, msg.Params))
		}
	}
}

func (c *Client) resolve(id int64, msg inbound) {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		// Late or duplicate response; drop silently.
		return
	}
	if msg.Error != nil {
		call.ch <- callOutcome{err: msg.Error}
		return
	}
	call.ch <- callOutcome{result: msg.Result}
}

func (c *Client) handleNotification(n Notification) {
	c.mu.Lock()
	switch {
	case n.TurnCompleted != nil:
		done := *n.TurnCompleted
		key := turnKey{threadID: done.ThreadID, turnID: done.TurnID}
		c.completed[key] = done
		raw, _ := json.Marshal(done)
		for _, ch := range c.waiters[key] {
			ch <- callOutcome{result: raw}
		}
		delete(c.waiters, key)
	case n.TurnDiff != nil:
		c.turnDiffs[n.TurnDiff.TurnID] = n.TurnDiff.Diff
	case n.TokenUsage != nil:
		c.tokenUsage[n.TokenUsage.ThreadID] = *n.TokenUsage
	}
	observer := c.observer
	c.mu.Unlock()

	if observer != nil {
		observer(n)
	}
}

func (c *Client) emit(n Notification) {
	c.mu.Lock()
	observer := c.observer
	c.mu.Unlock()
	if observer != nil {
		observer(n)
	}
}

func (c *Client) onExit(waitErr error) {
	err := fmt.Errorf("agent: subprocess exited: %v", waitErr)
	if waitErr == nil {
		err = errors.New("agent: subprocess exited")
	}

	c.mu.Lock()
	c.failAllLocked(err)
	c.started = false
	c.mu.Unlock()

	close(c.exited)
}

// failAllLocked rejects every pending call and turn waiter. Caller holds mu.
func (c *Client) failAllLocked(err error) {
	c.exitErr = err
	for id, call := range c.pending {
		call.ch <- callOutcome{err: err}
		delete(c.pending, id)
	}
	for key, chans := range c.waiters {
		for _, ch := range chans {
			ch <- callOutcome{err: err}
		}
		delete(c.waiters, key)
	}
}

func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) dropWaiter(key turnKey, ch chan callOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chans := c.waiters[key]
	for i, candidate := range chans {
		if candidate == ch {
			c.waiters[key] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(c.waiters[key]) == 0 {
		delete(c.waiters, key)
	}
}

func turnStatusErr(done TurnCompleted) error {
	if done.Status == "completed" || done.Status == "" {
		return nil
	}
	if done.Error != "" {
		return fmt.Errorf("agent: turn %s failed: %s", done.TurnID, done.Error)
	}
	return fmt.Errorf("agent: turn %s reported status %q", done.TurnID, done.Status)
}
