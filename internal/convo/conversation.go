package convo

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tacitdev/tacit/pkg/models"
)

// State is the conversation lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateWaiting    State = "waiting"
	StateProcessing State = "processing"
	StateStreaming  State = "streaming"
	StateError      State = "error"
	StateTerminated State = "terminated"
)

// validTransitions encodes the lifecycle machine. Terminated is reachable
// from anywhere.
var validTransitions = map[State][]State{
	StateIdle:       {StateWaiting},
	StateWaiting:    {StateProcessing, StateError},
	StateProcessing: {StateStreaming, StateError},
	StateStreaming:  {StateIdle, StateError},
	StateError:      {StateIdle},
}

func transitionAllowed(from, to State) bool {
	if to == StateTerminated {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// HistoryFilter narrows the view returned by History. Zero values match
// everything.
type HistoryFilter struct {
	Role  models.Role
	After time.Time
	Until time.Time
}

// Conversation is an append-only message log with incremental token
// accounting. Single-writer in normal operation (the agent loop); the lock
// covers any external mutation.
type Conversation struct {
	mu           sync.Mutex
	id           string
	model        string
	systemPrompt string
	state        State
	messages     []*models.Message
	tokenCount   int
	toolUseIDs   map[string]bool
	createdAt    time.Time
	updatedAt    time.Time
}

// New creates an empty conversation in the idle state.
func New(model string) *Conversation {
	now := time.Now()
	return &Conversation{
		id:         uuid.New().String(),
		model:      model,
		state:      StateIdle,
		toolUseIDs: make(map[string]bool),
		createdAt:  now,
		updatedAt:  now,
	}
}

// ID returns the conversation id.
func (c *Conversation) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Model returns the model name.
func (c *Conversation) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// SetModel changes the model used for subsequent turns.
func (c *Conversation) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
	c.updatedAt = time.Now()
}

// State returns the current lifecycle state.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState transitions the lifecycle machine, refusing invalid moves.
func (c *Conversation) SetState(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !transitionAllowed(c.state, to) {
		return fmt.Errorf("invalid state transition %s -> %s", c.state, to)
	}
	c.state = to
	c.updatedAt = time.Now()
	return nil
}

// SetSystemPrompt replaces the system prompt.
func (c *Conversation) SetSystemPrompt(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemPrompt = text
	c.updatedAt = time.Now()
}

// SystemPrompt returns the current system prompt.
func (c *Conversation) SystemPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.systemPrompt
}

// AddMessage validates the sequence invariants, estimates tokens, and
// appends. String content should be wrapped by the caller with
// models.TextBlock; an empty content slice is rejected.
func (c *Conversation) AddMessage(role models.Role, content []models.ContentBlock, metadata map[string]any) (*models.Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("message has no content")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	msg := &models.Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
		Metadata:  metadata,
	}
	if err := c.checkSequence(msg); err != nil {
		return nil, err
	}

	msg.TokenEstimate = EstimateMessage(msg)
	c.messages = append(c.messages, msg)
	c.tokenCount += msg.TokenEstimate
	for _, b := range content {
		if b.Type == models.BlockToolUse {
			c.toolUseIDs[b.ID] = true
		}
	}
	c.updatedAt = time.Now()
	return msg, nil
}

// checkSequence enforces the log invariants: the first message is user or
// system; assistant and user messages alternate except across the tool
// loop; every tool_result references an earlier tool_use.
func (c *Conversation) checkSequence(msg *models.Message) error {
	for _, b := range msg.Content {
		if b.Type == models.BlockToolResult && !c.toolUseIDs[b.ToolUseID] {
			return fmt.Errorf("tool_result %q references unknown tool_use id", b.ToolUseID)
		}
	}

	prev := c.lastNonSystem()
	if prev == nil {
		if msg.Role != models.RoleUser && msg.Role != models.RoleSystem {
			return fmt.Errorf("conversation must open with a user or system message, got %s", msg.Role)
		}
		return nil
	}
	if msg.Role == models.RoleSystem {
		return nil
	}

	if msg.Role == prev.Role {
		// The tool loop permits a user tool_result message directly after
		// a prior user message only when the roles genuinely alternate, so
		// same-role appends are always a protocol violation.
		return fmt.Errorf("consecutive %s messages violate alternation", msg.Role)
	}
	return nil
}

func (c *Conversation) lastNonSystem() *models.Message {
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role != models.RoleSystem {
			return c.messages[i]
		}
	}
	return nil
}

// Messages returns a snapshot of the full message list.
func (c *Conversation) Messages() []*models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*models.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Wire returns messages in wire format: role plus content blocks, internal
// bookkeeping stripped.
func (c *Conversation) Wire() []models.WireMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.WireMessage, 0, len(c.messages))
	for _, m := range c.messages {
		out = append(out, m.Wire())
	}
	return out
}

// History returns a filtered read-only view of the log.
func (c *Conversation) History(filter HistoryFilter) []*models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*models.Message
	for _, m := range c.messages {
		if filter.Role != "" && m.Role != filter.Role {
			continue
		}
		if !filter.After.IsZero() && m.CreatedAt.Before(filter.After) {
			continue
		}
		if !filter.Until.IsZero() && m.CreatedAt.After(filter.Until) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// TokenCount returns the running token estimate for the log.
func (c *Conversation) TokenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokenCount
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// replace swaps the message list wholesale and recomputes the token count
// from scratch. Used by the compactor.
func (c *Conversation) replace(messages []*models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = messages
	c.tokenCount = 0
	c.toolUseIDs = make(map[string]bool)
	for _, m := range messages {
		if m.TokenEstimate == 0 {
			m.TokenEstimate = EstimateMessage(m)
		}
		c.tokenCount += m.TokenEstimate
		for _, b := range m.Content {
			if b.Type == models.BlockToolUse {
				c.toolUseIDs[b.ID] = true
			}
		}
	}
	c.updatedAt = time.Now()
}
