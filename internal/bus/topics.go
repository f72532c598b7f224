package bus

// Lifecycle event topics.
const (
	TopicAgentRegistered    = "agent.registered"
	TopicAgentStatusChanged = "agent.status_changed"
	TopicAgentCompleted     = "agent.completed"

	TopicTaskCreated      = "task.created"
	TopicTaskAssigned     = "task.assigned"
	TopicTaskStateChanged = "task.state_changed"

	TopicLockAcquired = "lock.acquired"
	TopicLockReleased = "lock.released"

	TopicMessageSent = "message.sent"

	TopicSessionStarted = "session.started"
	TopicSessionEnded   = "session.ended"
)

// AgentStatusEvent is published when an agent's status changes.
type AgentStatusEvent struct {
	AgentID   string // Agent ID
	OldStatus string // Previous status (empty on registration)
	NewStatus string // New status
}

// TaskStateChangedEvent is published when a task's state changes.
type TaskStateChangedEvent struct {
	TaskID    string // Task ID
	SessionID string // Session ID, may be empty
	AgentID   string // Assigned agent, may be empty
	NewStatus string // New status (e.g. running)
}

// LockEvent is published on lock grant and release.
type LockEvent struct {
	ResourceID string // Locked resource
	AgentID    string // Owning agent
	SessionID  string // Owning session, may be empty
}

// MessageEvent is published when a message is persisted.
type MessageEvent struct {
	MessageID   string // Message ID
	Channel     string // broadcast, direct, or custom
	SenderID    string // Sending agent
	RecipientID string // Empty for broadcast
}

// SessionEvent is published on session boundaries.
type SessionEvent struct {
	SessionID string // Session ID
	Status    string // active, completed, or failed
}
