package shared

import (
	"encoding/json"
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types. They are published after the owning state change is
// durable and are advisory: nothing that must happen exactly once hangs off them.
const (
	// Ledger events
	EventActivityAccepted EventType = "ledger.activity_accepted"

	// Progress events
	EventProgressUpdated    EventType = "progress.updated"
	EventStudentEnrolled    EventType = "progress.enrolled"
	EventMilestoneTriggered EventType = "progress.milestone_triggered"

	// Workflow events
	EventWorkflowStepCompleted EventType = "workflow.step_completed"
	EventWorkflowCompleted     EventType = "workflow.completed"
	EventWorkflowAbandoned     EventType = "workflow.abandoned"

	// Version chain events
	EventCurriculumPublished EventType = "curriculum.published"
	EventPortfolioCommitted  EventType = "portfolio.committed"

	// Outbox events
	EventSideEffectQueued EventType = "outbox.queued"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Ledger & Progress Events
// ═══════════════════════════════════════════════════════════════════════════

// ActivityAcceptedEvent is emitted once per newly accepted ledger event.
type ActivityAcceptedEvent struct {
	BaseEvent
	Seq          int64  `json:"seq"`
	StudentID    string `json:"student_id"`
	ActivityType string `json:"activity_type"`
	ResourceID   string `json:"resource_id"`
}

// Payload implements Event interface.
func (e ActivityAcceptedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"seq":           e.Seq,
		"student_id":    e.StudentID,
		"activity_type": e.ActivityType,
		"resource_id":   e.ResourceID,
	}
}

// NewActivityAcceptedEvent creates a new ActivityAcceptedEvent.
func NewActivityAcceptedEvent(seq int64, studentID, activityType, resourceID string) ActivityAcceptedEvent {
	return ActivityAcceptedEvent{
		BaseEvent:    NewBaseEvent(EventActivityAccepted, studentID),
		Seq:          seq,
		StudentID:    studentID,
		ActivityType: activityType,
		ResourceID:   resourceID,
	}
}

// ProgressUpdatedEvent is emitted after an enrollment absorbed an event.
type ProgressUpdatedEvent struct {
	BaseEvent
	StudentID        string  `json:"student_id"`
	LearningPathID   string  `json:"learning_path_id"`
	LessonsCompleted int     `json:"lessons_completed"`
	TotalLessons     int     `json:"total_lessons"`
	PerformanceScore float64 `json:"performance_score"`
}

// Payload implements Event interface.
func (e ProgressUpdatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"student_id":        e.StudentID,
		"learning_path_id":  e.LearningPathID,
		"lessons_completed": e.LessonsCompleted,
		"total_lessons":     e.TotalLessons,
		"performance_score": e.PerformanceScore,
	}
}

// NewProgressUpdatedEvent creates a new ProgressUpdatedEvent.
func NewProgressUpdatedEvent(studentID, pathID string, completed, total int, score float64) ProgressUpdatedEvent {
	return ProgressUpdatedEvent{
		BaseEvent:        NewBaseEvent(EventProgressUpdated, studentID),
		StudentID:        studentID,
		LearningPathID:   pathID,
		LessonsCompleted: completed,
		TotalLessons:     total,
		PerformanceScore: score,
	}
}

// StudentEnrolledEvent is emitted when an enrollment is created.
type StudentEnrolledEvent struct {
	BaseEvent
	StudentID      string `json:"student_id"`
	LearningPathID string `json:"learning_path_id"`
	ClassID        string `json:"class_id,omitempty"`
}

// Payload implements Event interface.
func (e StudentEnrolledEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"student_id":       e.StudentID,
		"learning_path_id": e.LearningPathID,
		"class_id":         e.ClassID,
	}
}

// NewStudentEnrolledEvent creates a new StudentEnrolledEvent.
func NewStudentEnrolledEvent(studentID, pathID, classID string) StudentEnrolledEvent {
	return StudentEnrolledEvent{
		BaseEvent:      NewBaseEvent(EventStudentEnrolled, studentID),
		StudentID:      studentID,
		LearningPathID: pathID,
		ClassID:        classID,
	}
}

// MilestoneTriggeredEvent is emitted when a milestone is first created.
type MilestoneTriggeredEvent struct {
	BaseEvent
	MilestoneID    string `json:"milestone_id"`
	StudentID      string `json:"student_id"`
	LearningPathID string `json:"learning_path_id"`
	Kind           string `json:"kind"`
	Crossing       int    `json:"crossing"`
}

// Payload implements Event interface.
func (e MilestoneTriggeredEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"milestone_id":     e.MilestoneID,
		"student_id":       e.StudentID,
		"learning_path_id": e.LearningPathID,
		"kind":             e.Kind,
		"crossing":         e.Crossing,
	}
}

// NewMilestoneTriggeredEvent creates a new MilestoneTriggeredEvent.
func NewMilestoneTriggeredEvent(milestoneID, studentID, pathID, kind string, crossing int) MilestoneTriggeredEvent {
	return MilestoneTriggeredEvent{
		BaseEvent:      NewBaseEvent(EventMilestoneTriggered, studentID),
		MilestoneID:    milestoneID,
		StudentID:      studentID,
		LearningPathID: pathID,
		Kind:           kind,
		Crossing:       crossing,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Workflow Events
// ═══════════════════════════════════════════════════════════════════════════

// WorkflowTransitionEvent covers step completion, completion and abandonment.
type WorkflowTransitionEvent struct {
	BaseEvent
	StudentID string `json:"student_id"`
	StepID    string `json:"step_id,omitempty"`
	StepIndex int    `json:"step_index"`
	Status    string `json:"status"`
}

// Payload implements Event interface.
func (e WorkflowTransitionEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"student_id": e.StudentID,
		"step_id":    e.StepID,
		"step_index": e.StepIndex,
		"status":     e.Status,
	}
}

// NewWorkflowTransitionEvent creates a workflow event of the given type.
func NewWorkflowTransitionEvent(eventType EventType, workflowID, studentID, stepID string, stepIndex int, status string) WorkflowTransitionEvent {
	return WorkflowTransitionEvent{
		BaseEvent: NewBaseEvent(eventType, workflowID),
		StudentID: studentID,
		StepID:    stepID,
		StepIndex: stepIndex,
		Status:    status,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Version Chain Events
// ═══════════════════════════════════════════════════════════════════════════

// VersionAppendedEvent is emitted for curriculum and portfolio appends.
type VersionAppendedEvent struct {
	BaseEvent
	Number         int  `json:"number"`
	Resync         bool `json:"resync,omitempty"`
	RolledBackFrom int  `json:"rolled_back_from,omitempty"`
}

// Payload implements Event interface.
func (e VersionAppendedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"number":           e.Number,
		"resync":           e.Resync,
		"rolled_back_from": e.RolledBackFrom,
	}
}

// NewCurriculumPublishedEvent creates a curriculum version event.
func NewCurriculumPublishedEvent(pathID string, number int, resync bool) VersionAppendedEvent {
	return VersionAppendedEvent{
		BaseEvent: NewBaseEvent(EventCurriculumPublished, pathID),
		Number:    number,
		Resync:    resync,
	}
}

// NewPortfolioCommittedEvent creates a portfolio version event.
func NewPortfolioCommittedEvent(portfolioID string, number, rolledBackFrom int) VersionAppendedEvent {
	return VersionAppendedEvent{
		BaseEvent:      NewBaseEvent(EventPortfolioCommitted, portfolioID),
		Number:         number,
		RolledBackFrom: rolledBackFrom,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Outbox Events
// ═══════════════════════════════════════════════════════════════════════════

// SideEffectQueuedEvent tells dispatchers new work is available.
type SideEffectQueuedEvent struct {
	BaseEvent
	Kind     string `json:"kind"`
	DedupKey string `json:"dedup_key"`
}

// Payload implements Event interface.
func (e SideEffectQueuedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"kind":      e.Kind,
		"dedup_key": e.DedupKey,
	}
}

// NewSideEffectQueuedEvent creates a SideEffectQueuedEvent.
func NewSideEffectQueuedEvent(entryID, kind, dedupKey string) SideEffectQueuedEvent {
	return SideEffectQueuedEvent{
		BaseEvent: NewBaseEvent(EventSideEffectQueued, entryID),
		Kind:      kind,
		DedupKey:  dedupKey,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Envelope (for serialization and transport)
// ═══════════════════════════════════════════════════════════════════════════

// EventEnvelope wraps an event for transport.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish implements EventPublisher.
func (NopPublisher) Publish(Event) error { return nil }
