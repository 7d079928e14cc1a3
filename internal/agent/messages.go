package agent

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 wire types for the agent subprocess. Each stdin/stdout line
// carries exactly one message.

const jsonrpcVersion = "2.0"

// Agent method names.
const (
	MethodInitialize        = "initialize"
	MethodConversationStart = "conversation/start"
	MethodConversationFork  = "conversation/fork"
	MethodConversationRead  = "conversation/read"
	MethodReviewStart       = "review/start"
	MethodTurnStart         = "turn/start"
	MethodTurnInterrupt     = "turn/interrupt"
)

// Notification method names emitted by the agent.
const (
	NotifyTurnCompleted   = "turn/completed"
	NotifyTurnDiffUpdated = "turn/diff_updated"
	NotifyTokenUsage      = "token_usage/updated"
)

type request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *int64      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// inbound is the decoded shape of one stdout line: a response when ID is
// set, a notification when Method is set.
type inbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("agent rpc error %d: %s", e.Code, e.Message)
}

// TurnCompleted reports that one turn finished, successfully or not.
type TurnCompleted struct {
	ThreadID string `json:"thread_id"`
	TurnID   string `json:"turn_id"`
	Status   string `json:"status"` // completed | failed
	Error    string `json:"error,omitempty"`
}

// TurnDiffUpdated streams the latest accumulated diff for a turn. Not
// guaranteed complete until the matching TurnCompleted arrives.
type TurnDiffUpdated struct {
	TurnID string `json:"turn_id"`
	Diff   string `json:"diff"`
}

// TokenUsageUpdated carries cumulative token totals for one thread.
type TokenUsageUpdated struct {
	ThreadID     string `json:"thread_id"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Notification is a closed union over the agent's known notification
// methods. Exactly one of the typed fields is set for a recognized method;
// unrecognized methods pass through with only Method and Raw populated.
type Notification struct {
	Method        string
	TurnCompleted *TurnCompleted
	TurnDiff      *TurnDiffUpdated
	TokenUsage    *TokenUsageUpdated
	Raw           json.RawMessage
}

func decodeNotification(method string, params json.RawMessage) Notification {
	n := Notification{Method: method, Raw: params}
	switch method {
	case NotifyTurnCompleted:
		var p TurnCompleted
		if json.Unmarshal(params, &p) == nil {
			n.TurnCompleted = &p
		}
	case NotifyTurnDiffUpdated:
		var p TurnDiffUpdated
		if json.Unmarshal(params, &p) == nil {
			n.TurnDiff = &p
		}
	case NotifyTokenUsage:
		var p TokenUsageUpdated
		if json.Unmarshal(params, &p) == nil {
			n.TokenUsage = &p
		}
	}
	return n
}

// Typed params/results for the conversation-level methods.

type InitializeParams struct {
	ClientName    string `json:"client_name"`
	ClientVersion string `json:"client_version"`
}

type ConversationStartParams struct {
	WorkingDir   string `json:"working_dir"`
	Instructions string `json:"instructions"`
}

type ConversationForkParams struct {
	ParentConversationID string `json:"parent_conversation_id"`
	Instructions         string `json:"instructions"`
}

type ConversationResult struct {
	ConversationID string `json:"conversation_id"`
}

type ReviewStartParams struct {
	ConversationID string `json:"conversation_id"`
	BaseBranch     string `json:"base_branch"`
	Prompt         string `json:"prompt"`
}

type TurnStartParams struct {
	ConversationID string          `json:"conversation_id"`
	Prompt         string          `json:"prompt"`
	OutputSchema   json.RawMessage `json:"output_schema,omitempty"`
}

// TurnResult identifies the turn an operation started; completion is
// signaled later via a turn/completed notification.
type TurnResult struct {
	ThreadID string `json:"thread_id"`
	TurnID   string `json:"turn_id"`
}

type ConversationReadParams struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationReadResult returns the latest agent-authored message of a
// conversation.
type ConversationReadResult struct {
	Message string `json:"message"`
}

type interruptParams struct {
	ThreadID string `json:"thread_id"`
	TurnID   string `json:"turn_id"`
}
