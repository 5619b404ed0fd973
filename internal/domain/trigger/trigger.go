package trigger

import "time"

// ConditionType distinguishes stateless predicates from the stateful
// aggregates that read/write TriggerState.
type ConditionType string

const (
	ConditionStateless ConditionType = "stateless"
	ConditionRate       ConditionType = "rate"
	ConditionThreshold  ConditionType = "threshold"
	ConditionEMA        ConditionType = "ema"
)

type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpLt       Operator = "lt"
	OpLe       Operator = "le"
	OpGt       Operator = "gt"
	OpGe       Operator = "ge"
	OpContains Operator = "contains"
	OpMatches  Operator = "matches"
	OpIn       Operator = "in"
)

// Condition is a single predicate clause. All conditions on a trigger
// combine with logical AND, in the order they appear.
type Condition struct {
	ConditionID string         `json:"conditionId"`
	TriggerID   string         `json:"triggerId"`
	Type        ConditionType  `json:"type"`
	Field       string         `json:"field"` // dotted path into event payload
	Operator    Operator       `json:"operator"`
	Value       any            `json:"value"`
	Config      ConditionConfig `json:"config"`
}

// ConditionConfig carries the type-specific knobs for rate/ema
// conditions. Fields are only meaningful for their matching Type.
type ConditionConfig struct {
	WindowSeconds int     `json:"windowSeconds,omitempty"` // rate
	Threshold     float64 `json:"threshold,omitempty"`     // rate, ema
	Alpha         float64 `json:"alpha,omitempty"`         // ema
}

// ActionType tags the variant dispatched by the Worker Pool's executors.
// Kept as a closed enum rather than open-ended polymorphism, per design.
type ActionType string

const (
	ActionChat ActionType = "chat"
	ActionHTTP ActionType = "http"
	ActionTool ActionType = "tool"
)

// ActionSpec is the user-authored configuration of a single action.
// Config is a discriminated bag; only the fields relevant to Type are
// populated. Validated by the owning executor before use.
type ActionSpec struct {
	ActionIndex int        `json:"actionIndex"`
	Type        ActionType `json:"type"`

	// Chat
	ChatWebhookURL string `json:"chatWebhookUrl,omitempty"`
	ChatTemplate   string `json:"chatTemplate,omitempty"`

	// HTTP
	HTTPMethod  string            `json:"httpMethod,omitempty"`
	HTTPURL     string            `json:"httpUrl,omitempty"`
	HTTPHeaders map[string]string `json:"httpHeaders,omitempty"`
	HTTPBody    string            `json:"httpBody,omitempty"` // templated

	// Tool
	ToolName   string         `json:"toolName,omitempty"`
	ToolParams map[string]any `json:"toolParams,omitempty"`

	TimeoutMS int `json:"timeoutMs,omitempty"`
}

// CircuitConfig is the per-trigger override of the breaker's defaults.
type CircuitConfig struct {
	FailureThreshold      int `json:"failureThreshold,omitempty"`
	RecoveryTimeoutSeconds int `json:"recoveryTimeoutSeconds,omitempty"`
	HalfOpenMaxCalls      int `json:"halfOpenMaxCalls,omitempty"`
}

// Trigger is the user-authored rule matched against incoming events.
// Mutated only by the (out of core scope) control plane; the core treats
// it as read-only and invalidates its in-memory index on Version bumps.
type Trigger struct {
	TriggerID       string        `json:"triggerId"`
	OrganizationID  string        `json:"organizationId"`
	Name            string        `json:"name"`
	ChainID         *string       `json:"chainId,omitempty"`
	Registry        *string       `json:"registry,omitempty"`
	EventTypeFilter *string       `json:"eventTypeFilter,omitempty"`
	Enabled         bool          `json:"enabled"`
	IsStateful      bool          `json:"isStateful"`
	Conditions      []Condition   `json:"conditions"`
	Actions         []ActionSpec  `json:"actions"`
	CircuitConfig   CircuitConfig `json:"circuitConfig"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
	Version         int64         `json:"version"`
}

// MatchesRoute reports whether the trigger's (possibly wildcard) routing
// fields admit the given event coordinates. Used by the Trigger Matcher
// index to build/prune its (chain_id|*, registry|*, event_type|*) buckets.
func (t Trigger) MatchesRoute(chainID, registry, eventType string) bool {
	if !t.Enabled {
		return false
	}
	if t.ChainID != nil && *t.ChainID != chainID {
		return false
	}
	if t.Registry != nil && *t.Registry != registry {
		return false
	}
	if t.EventTypeFilter != nil && *t.EventTypeFilter != eventType {
		return false
	}
	return true
}
