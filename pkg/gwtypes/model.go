package gwtypes

import "time"

// ModelDescriptor names a model a worker advertises. Two descriptors with
// the same Name from different workers are the same model for availability
// purposes; the newest ModifiedAt wins for externally reported metadata.
type ModelDescriptor struct {
	Name       string
	ModifiedAt time.Time
	SizeBytes  int64 // 0 when unknown
	Family     string
}

// MergeNewer returns whichever of a, b carries the newer ModifiedAt,
// implementing the "newest modification timestamp wins" rule from the data
// model.
func MergeNewer(a, b ModelDescriptor) ModelDescriptor {
	if b.ModifiedAt.After(a.ModifiedAt) {
		return b
	}
	return a
}

// Liveness is a worker's registration lifecycle state.
type Liveness string

const (
	LivenessJoining  Liveness = "joining"
	LivenessReady    Liveness = "ready"
	LivenessDraining Liveness = "draining"
	LivenessLost     Liveness = "lost"
)

// AcceptsAssignments reports whether a worker in this liveness state may
// receive new job assignments.
func (l Liveness) AcceptsAssignments() bool {
	return l == LivenessReady
}

// Capabilities is what a worker declares at registration time.
type Capabilities struct {
	Models            map[string]ModelDescriptor
	MaxConcurrency    int
	SupportsStreaming bool
}

// HasModel reports whether the capability set advertises the named model.
func (c Capabilities) HasModel(name string) bool {
	_, ok := c.Models[name]
	return ok
}

// ModelNames returns the advertised model names, unsorted.
func (c Capabilities) ModelNames() []string {
	names := make([]string, 0, len(c.Models))
	for name := range c.Models {
		names = append(names, name)
	}
	return names
}

// Priority is a request's scheduling priority. Ordered high > medium > low.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// Priorities lists all priority levels from highest to lowest, the order
// the Job Queue scans in take_matching.
var Priorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority parses a priority string, defaulting to medium for an
// unrecognized value.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// RequestKind tags which of the three request shapes an InferenceRequest
// carries. Re-architected from the source's dynamic bag-of-fields metadata
// into an explicit tagged variant, per the redesign notes.
type RequestKind int

const (
	KindGenerate RequestKind = iota
	KindChat
	KindEmbed
)

// ChatMessage is one message in a chat-shaped request.
type ChatMessage struct {
	Role    string
	Content string
}

// Payload is the tagged variant over the three accepted request shapes:
// exactly one of Prompt, Messages, or EmbeddingInput is populated,
// consistent with Kind.
type Payload struct {
	Kind           RequestKind
	Prompt         string
	Messages       []ChatMessage
	EmbeddingInput []string
}

// PassthroughOptions is the explicit, fully-enumerated bag of fields the
// Worker Adapter forwards to the worker wire protocol when present. This
// replaces the source's loosely-typed metadata object, per the redesign
// notes: every field the wire protocol accepts is named and typed, and the
// adapter serializes only fields that are non-nil.
type PassthroughOptions struct {
	Temperature       *float64
	TopP              *float64
	NumPredict        *int
	Seed              *int64
	Stop              []string
	FrequencyPenalty  *float64
	PresencePenalty   *float64
	Suffix            *string
	Images            []string
	Format            *string
	System            *string
	Template          *string
	Raw               *bool
	KeepAlive         *string
	Context           []int
	Tools             []map[string]any
	Think             *bool
	Truncate          *int
	AdditionalOptions map[string]any // last-resort passthrough for engine-specific keys
}

// SubmissionMetadata records where and how a request entered the gateway.
type SubmissionMetadata struct {
	ClientIP       string
	UserAgent      string
	SubmittedAt    time.Time
	OriginProtocol string // "native" or "openai"
}

// InferenceRequest is a validated request as submitted to the scheduler.
type InferenceRequest struct {
	ID         string
	Model      string
	Payload    Payload
	Options    PassthroughOptions
	Priority   Priority
	Stream     bool
	Deadline   time.Time
	Submission SubmissionMetadata
}

// Expired reports whether the request's deadline has already passed at t.
func (r InferenceRequest) Expired(t time.Time) bool {
	return !r.Deadline.IsZero() && t.After(r.Deadline)
}

// Usage reports the token counts a worker returned for a completed job.
// Zero when the worker did not report counts (e.g. an embed request).
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// JobState is a Job's position in its state machine.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobAssigned  JobState = "assigned"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether s is one of the terminal job states.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}
