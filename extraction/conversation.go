package extraction

import "sync"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one provider-neutral history item. Exactly one of Text,
// ToolCall or ToolResult is set.
type Entry struct {
	Role       Role
	Text       string
	ToolCall   *ToolCall
	ToolResult *ToolResult
}

// ToolResult answers a ToolCall.
type ToolResult struct {
	CallID  string
	Content string
	IsError bool
}

// Conversation is the persistent history of one session with the
// extraction model. The system prompt is fixed at creation.
type Conversation struct {
	SessionID string
	System    string

	mu      sync.Mutex
	entries []Entry
}

// NewConversation creates an empty conversation.
func NewConversation(sessionID, system string) *Conversation {
	return &Conversation{SessionID: sessionID, System: system}
}

func (c *Conversation) append(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

func (c *Conversation) AddUser(text string) {
	c.append(Entry{Role: RoleUser, Text: text})
}

func (c *Conversation) AddAssistantText(text string) {
	c.append(Entry{Role: RoleAssistant, Text: text})
}

func (c *Conversation) AddToolCall(call ToolCall) {
	c.append(Entry{Role: RoleAssistant, ToolCall: &call})
}

func (c *Conversation) AddToolResult(callID, content string, isError bool) {
	c.append(Entry{Role: RoleUser, ToolResult: &ToolResult{CallID: callID, Content: content, IsError: isError}})
}

// Entries returns a copy of the history.
func (c *Conversation) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.entries...)
}

// Trim drops the oldest turns until the history costs at most budget as
// measured by count. Turns start at plain user messages, so every tool call
// keeps its result. The newest turn is always kept. Trim returns the number
// of entries dropped.
func (c *Conversation) Trim(budget int, count func(string) int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if budget <= 0 || count == nil || len(c.entries) == 0 {
		return 0
	}

	costs := make([]int, len(c.entries))
	total := 0
	for i, e := range c.entries {
		costs[i] = count(e.text())
		total += costs[i]
	}

	cut := 0
	for i := 1; i < len(c.entries) && total > budget; i++ {
		if !c.entries[i].turnStart() {
			continue
		}
		for _, n := range costs[cut:i] {
			total -= n
		}
		cut = i
	}
	if cut == 0 {
		return 0
	}
	c.entries = append([]Entry(nil), c.entries[cut:]...)
	return cut
}

func (e Entry) turnStart() bool {
	return e.Role == RoleUser && e.ToolCall == nil && e.ToolResult == nil
}

func (e Entry) text() string {
	switch {
	case e.ToolCall != nil:
		return e.ToolCall.Name + " " + string(e.ToolCall.Arguments)
	case e.ToolResult != nil:
		return e.ToolResult.Content
	default:
		return e.Text
	}
}

// Len returns the number of history entries.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Conversations holds one Conversation per session.
type Conversations struct {
	mu    sync.Mutex
	bySID map[string]*Conversation
}

func NewConversations() *Conversations {
	return &Conversations{bySID: make(map[string]*Conversation)}
}

// Get returns the session's conversation, creating it with system if new.
// The system prompt of an existing conversation is kept.
func (c *Conversations) Get(sessionID, system string) *Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.bySID[sessionID]
	if !ok {
		conv = NewConversation(sessionID, system)
		c.bySID[sessionID] = conv
	}
	return conv
}

// Reset starts the session's conversation over.
func (c *Conversations) Reset(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conv, ok := c.bySID[sessionID]; ok {
		c.bySID[sessionID] = NewConversation(sessionID, conv.System)
	}
}

// Drop forgets the session.
func (c *Conversations) Drop(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bySID, sessionID)
}

// Len returns the number of tracked sessions.
func (c *Conversations) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bySID)
}
