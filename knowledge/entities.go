// Package knowledge defines the entities the extraction pipeline produces
// and persists: content chunks, screens, tasks, actions, transitions,
// business functions, operational workflows and user flows, plus the
// orchestration records (workflow state, checkpoints, activity log).
//
// All entities share an envelope: (entity_id, knowledge_id, job_id,
// website_id, metadata, created_at). knowledge_id is the logical identity of
// a knowledge base and is stable across resyncs; job_id identifies one
// workflow run. Entities reference each other by id only — the linker
// populates cross-reference arrays, never pointers.
package knowledge

import "time"

// Envelope carries the identity fields shared by every extracted entity.
type Envelope struct {
	EntityID    string            `bson:"entity_id" json:"entity_id"`
	KnowledgeID string            `bson:"knowledge_id" json:"knowledge_id"`
	JobID       string            `bson:"job_id" json:"job_id"`
	WebsiteID   string            `bson:"website_id,omitempty" json:"website_id,omitempty"`
	Metadata    map[string]string `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt   time.Time         `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time         `bson:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// ContentType distinguishes screens observed in a live UI from screens
// described in documentation.
type ContentType string

const (
	ContentWebUI         ContentType = "web_ui"
	ContentDocumentation ContentType = "documentation"
)

// StateSignature is the pair of indicator sets that distinguishes a screen
// from its siblings. Negative indicators are what separates near-identical
// screens.
type StateSignature struct {
	RequiredIndicators []string `bson:"required_indicators,omitempty" json:"required_indicators,omitempty"`
	NegativeIndicators []string `bson:"negative_indicators,omitempty" json:"negative_indicators,omitempty"`
}

// Screen is a recognizable UI state.
type Screen struct {
	Envelope            `bson:",inline" json:",inline"`
	Name                string         `bson:"name" json:"name"`
	URLPatterns         []string       `bson:"url_patterns,omitempty" json:"url_patterns,omitempty"`
	StateSignature      StateSignature `bson:"state_signature" json:"state_signature"`
	UIElements          []string       `bson:"ui_elements,omitempty" json:"ui_elements,omitempty"`
	ActionIDs           []string       `bson:"action_ids,omitempty" json:"action_ids,omitempty"`
	TaskIDs             []string       `bson:"task_ids,omitempty" json:"task_ids,omitempty"`
	OutgoingTransitions []string       `bson:"outgoing_transitions,omitempty" json:"outgoing_transitions,omitempty"`
	IncomingTransitions []string       `bson:"incoming_transitions,omitempty" json:"incoming_transitions,omitempty"`
	BusinessFunctionIDs []string       `bson:"business_function_ids,omitempty" json:"business_function_ids,omitempty"`
	UserFlowIDs         []string       `bson:"user_flow_ids,omitempty" json:"user_flow_ids,omitempty"`
	WorkflowIDs         []string       `bson:"workflow_ids,omitempty" json:"workflow_ids,omitempty"`
	ContentType         ContentType    `bson:"content_type" json:"content_type"`
	IsActionable        bool           `bson:"is_actionable" json:"is_actionable"`
	Confidence          float64        `bson:"confidence,omitempty" json:"confidence,omitempty"`
}

// IteratorType describes how a task repeats, if at all.
type IteratorType string

const (
	IteratorNone    IteratorType = "none"
	IteratorForEach IteratorType = "for_each"
	IteratorWhile   IteratorType = "while"
	IteratorUntil   IteratorType = "until"
)

// IteratorSpec captures loop semantics detected in a task description.
type IteratorSpec struct {
	Type                 IteratorType `bson:"type" json:"type"`
	CollectionSelector   string       `bson:"collection_selector,omitempty" json:"collection_selector,omitempty"`
	TerminationCondition string       `bson:"termination_condition,omitempty" json:"termination_condition,omitempty"`
}

// IOSpec lists named inputs and outputs of a task.
type IOSpec struct {
	Inputs  []string `bson:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs []string `bson:"outputs,omitempty" json:"outputs,omitempty"`
}

// TaskStep is one ordered step in a task. Steps form a DAG: a step may only
// depend on earlier steps, checked at extraction time.
type TaskStep struct {
	StepID         string            `bson:"step_id" json:"step_id"`
	Order          int               `bson:"order" json:"order"`
	Type           string            `bson:"type,omitempty" json:"type,omitempty"`
	Action         map[string]string `bson:"action,omitempty" json:"action,omitempty"`
	Preconditions  []string          `bson:"preconditions,omitempty" json:"preconditions,omitempty"`
	Postconditions []string          `bson:"postconditions,omitempty" json:"postconditions,omitempty"`
	Required       bool              `bson:"required" json:"required"`
	CanSkip        bool              `bson:"can_skip" json:"can_skip"`
}

// Task is a multi-step procedure.
type Task struct {
	Envelope     `bson:",inline" json:",inline"`
	Name         string       `bson:"name" json:"name"`
	Description  string       `bson:"description,omitempty" json:"description,omitempty"`
	Category     string       `bson:"category,omitempty" json:"category,omitempty"`
	Complexity   string       `bson:"complexity,omitempty" json:"complexity,omitempty"`
	Steps        []TaskStep   `bson:"steps,omitempty" json:"steps,omitempty"`
	IOSpec       IOSpec       `bson:"io_spec" json:"io_spec"`
	IteratorSpec IteratorSpec `bson:"iterator_spec" json:"iterator_spec"`
	ScreenIDs    []string     `bson:"screen_ids,omitempty" json:"screen_ids,omitempty"`
	ActionIDs    []string     `bson:"action_ids,omitempty" json:"action_ids,omitempty"`
}

// ActionType enumerates atomic UI operations.
type ActionType string

const (
	ActionClick        ActionType = "click"
	ActionTypeText     ActionType = "type"
	ActionSelectOption ActionType = "select_option"
	ActionNavigate     ActionType = "navigate"
	ActionSendKeys     ActionType = "send_keys"
	ActionSubmit       ActionType = "submit"
	ActionHover        ActionType = "hover"
)

// Action is an atomic UI operation.
type Action struct {
	Envelope         `bson:",inline" json:",inline"`
	Name             string            `bson:"name" json:"name"`
	ActionType       ActionType        `bson:"action_type" json:"action_type"`
	Category         string            `bson:"category,omitempty" json:"category,omitempty"`
	TargetSelector   string            `bson:"target_selector,omitempty" json:"target_selector,omitempty"`
	Parameters       map[string]string `bson:"parameters,omitempty" json:"parameters,omitempty"`
	Preconditions    []string          `bson:"preconditions,omitempty" json:"preconditions,omitempty"`
	Postconditions   []string          `bson:"postconditions,omitempty" json:"postconditions,omitempty"`
	Idempotent       bool              `bson:"idempotent" json:"idempotent"`
	ReversibleBy     string            `bson:"reversible_by,omitempty" json:"reversible_by,omitempty"`
	ScreenIDs        []string          `bson:"screen_ids,omitempty" json:"screen_ids,omitempty"`
	TransitionIDs    []string          `bson:"transition_ids,omitempty" json:"transition_ids,omitempty"`
	BrowserUseAction string            `bson:"browser_use_action,omitempty" json:"browser_use_action,omitempty"`
	ConfidenceScore  float64           `bson:"confidence_score,omitempty" json:"confidence_score,omitempty"`
	ScreenName       string            `bson:"screen_name,omitempty" json:"screen_name,omitempty"`
}

// TransitionTrigger names what fires a transition.
type TransitionTrigger struct {
	ActionType ActionType `bson:"action_type,omitempty" json:"action_type,omitempty"`
	ElementID  string     `bson:"element_id,omitempty" json:"element_id,omitempty"`
}

// TransitionCost estimates the latency of taking a transition.
type TransitionCost struct {
	EstimatedMS int64 `bson:"estimated_ms,omitempty" json:"estimated_ms,omitempty"`
}

// Transition is a directed edge between two screens. Both endpoints must
// share the transition's knowledge_id; general transitions may form cycles.
type Transition struct {
	Envelope         `bson:",inline" json:",inline"`
	FromScreenID     string            `bson:"from_screen_id" json:"from_screen_id"`
	ToScreenID       string            `bson:"to_screen_id" json:"to_screen_id"`
	TriggeredBy      TransitionTrigger `bson:"triggered_by" json:"triggered_by"`
	Conditions       []string          `bson:"conditions,omitempty" json:"conditions,omitempty"`
	Cost             TransitionCost    `bson:"cost" json:"cost"`
	ReliabilityScore float64           `bson:"reliability_score" json:"reliability_score"`
	ActionID         string            `bson:"action_id,omitempty" json:"action_id,omitempty"`
}

// BusinessFunction is a user-visible capability with extended business
// context produced by the LLM extractor.
type BusinessFunction struct {
	Envelope             `bson:",inline" json:",inline"`
	Name                 string   `bson:"name" json:"name"`
	Category             string   `bson:"category,omitempty" json:"category,omitempty"`
	Description          string   `bson:"description,omitempty" json:"description,omitempty"`
	BusinessReasoning    string   `bson:"business_reasoning,omitempty" json:"business_reasoning,omitempty"`
	BusinessImpact       string   `bson:"business_impact,omitempty" json:"business_impact,omitempty"`
	BusinessRequirements []string `bson:"business_requirements,omitempty" json:"business_requirements,omitempty"`
	OperationalAspects   []string `bson:"operational_aspects,omitempty" json:"operational_aspects,omitempty"`
	WorkflowSteps        []string `bson:"workflow_steps,omitempty" json:"workflow_steps,omitempty"`
	ScreensMentioned     []string `bson:"screens_mentioned,omitempty" json:"screens_mentioned,omitempty"`
	RelatedScreens       []string `bson:"related_screens,omitempty" json:"related_screens,omitempty"`
	RelatedTasks         []string `bson:"related_tasks,omitempty" json:"related_tasks,omitempty"`
	RelatedActions       []string `bson:"related_actions,omitempty" json:"related_actions,omitempty"`
	RelatedWorkflows     []string `bson:"related_workflows,omitempty" json:"related_workflows,omitempty"`
	RelatedUserFlows     []string `bson:"related_user_flows,omitempty" json:"related_user_flows,omitempty"`
}

// BusinessFeature is a capability narrower than a function, kept as a
// sibling entity.
type BusinessFeature struct {
	Envelope           `bson:",inline" json:",inline"`
	Name               string   `bson:"name" json:"name"`
	Category           string   `bson:"category,omitempty" json:"category,omitempty"`
	Description        string   `bson:"description,omitempty" json:"description,omitempty"`
	BusinessFunctionID string   `bson:"business_function_id,omitempty" json:"business_function_id,omitempty"`
	RelatedScreens     []string `bson:"related_screens,omitempty" json:"related_screens,omitempty"`
}

// WorkflowStep is one ordered step of an operational workflow.
type WorkflowStep struct {
	Order         int    `bson:"order" json:"order"`
	Action        string `bson:"action,omitempty" json:"action,omitempty"`
	Screen        string `bson:"screen,omitempty" json:"screen,omitempty"`
	Task          string `bson:"task,omitempty" json:"task,omitempty"`
	Precondition  string `bson:"precondition,omitempty" json:"precondition,omitempty"`
	Postcondition string `bson:"postcondition,omitempty" json:"postcondition,omitempty"`
	ErrorHandling string `bson:"error_handling,omitempty" json:"error_handling,omitempty"`
}

// OperationalWorkflow is a named sequence of workflow steps.
type OperationalWorkflow struct {
	Envelope           `bson:",inline" json:",inline"`
	Name               string         `bson:"name" json:"name"`
	BusinessFunction   string         `bson:"business_function,omitempty" json:"business_function,omitempty"`
	BusinessFunctionID string         `bson:"business_function_id,omitempty" json:"business_function_id,omitempty"`
	Steps              []WorkflowStep `bson:"steps,omitempty" json:"steps,omitempty"`
	ScreenIDs          []string       `bson:"screen_ids,omitempty" json:"screen_ids,omitempty"`
	TaskIDs            []string       `bson:"task_ids,omitempty" json:"task_ids,omitempty"`
	ActionIDs          []string       `bson:"action_ids,omitempty" json:"action_ids,omitempty"`
	TransitionIDs      []string       `bson:"transition_ids,omitempty" json:"transition_ids,omitempty"`
}

// ScreenSequenceEntry is one position in a user flow. Order is 1-based and
// gap-free.
type ScreenSequenceEntry struct {
	Order        int    `bson:"order" json:"order"`
	ScreenID     string `bson:"screen_id" json:"screen_id"`
	TransitionID string `bson:"transition_id,omitempty" json:"transition_id,omitempty"`
}

// UserFlow is a synthesized screen-by-screen navigation path derived from
// screens, transitions and workflows.
type UserFlow struct {
	Envelope          `bson:",inline" json:",inline"`
	Name              string                `bson:"name" json:"name"`
	EntryScreen       string                `bson:"entry_screen,omitempty" json:"entry_screen,omitempty"`
	ExitScreen        string                `bson:"exit_screen,omitempty" json:"exit_screen,omitempty"`
	ScreenSequence    []ScreenSequenceEntry `bson:"screen_sequence,omitempty" json:"screen_sequence,omitempty"`
	Steps             []string              `bson:"steps,omitempty" json:"steps,omitempty"`
	TotalSteps        int                   `bson:"total_steps" json:"total_steps"`
	EstimatedDuration string                `bson:"estimated_duration,omitempty" json:"estimated_duration,omitempty"`
	Complexity        string                `bson:"complexity,omitempty" json:"complexity,omitempty"`
	MermaidDiagram    string                `bson:"mermaid_diagram,omitempty" json:"mermaid_diagram,omitempty"`
}
