package models

import (
	"encoding/json"
	"fmt"
)

type ActionType string

const (
	ActionRollback       ActionType = "rollback"
	ActionScaleUp        ActionType = "scale_up"
	ActionScaleDown      ActionType = "scale_down"
	ActionRestart        ActionType = "restart"
	ActionConfigChange   ActionType = "config_change"
	ActionCircuitBreaker ActionType = "circuit_breaker"
)

func (t ActionType) Known() bool {
	switch t {
	case ActionRollback, ActionScaleUp, ActionScaleDown, ActionRestart, ActionConfigChange, ActionCircuitBreaker:
		return true
	}
	return false
}

// Destructive reports whether the action disrupts running workloads.
// Unknown action types are treated as destructive.
func (t ActionType) Destructive() bool {
	switch t {
	case ActionRollback, ActionRestart, ActionScaleDown:
		return true
	case ActionScaleUp, ActionConfigChange, ActionCircuitBreaker:
		return false
	}
	return true
}

// ActionParams is implemented by every action variant.
type ActionParams interface {
	ActionType() ActionType
}

type RollbackParams struct {
	TargetVersion string `json:"targetVersion,omitempty"`
}

func (RollbackParams) ActionType() ActionType { return ActionRollback }

type ScaleParams struct {
	Direction ActionType `json:"-"`
	Replicas  int        `json:"replicas,omitempty"`
	Factor    float64    `json:"factor,omitempty"`
}

func (p ScaleParams) ActionType() ActionType { return p.Direction }

type RestartParams struct {
	Graceful  bool `json:"graceful"`
	Instances int  `json:"instances,omitempty"`
}

func (RestartParams) ActionType() ActionType { return ActionRestart }

type ConfigChangeParams struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (ConfigChangeParams) ActionType() ActionType { return ActionConfigChange }

type CircuitBreakerParams struct {
	Target          string `json:"target,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
}

func (CircuitBreakerParams) ActionType() ActionType { return ActionCircuitBreaker }

// GenericParams carries parameters of action types this build does not know.
type GenericParams struct {
	Kind   ActionType
	Fields map[string]any
}

func (p GenericParams) ActionType() ActionType { return p.Kind }

func (p GenericParams) MarshalJSON() ([]byte, error) {
	if p.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p.Fields)
}

// Action is a tagged union over ActionParams variants.
type Action struct {
	Type   ActionType
	Params ActionParams
}

type actionWire struct {
	Type   ActionType      `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (a Action) MarshalJSON() ([]byte, error) {
	w := actionWire{Type: a.Type, Params: json.RawMessage("{}")}
	if a.Params != nil {
		raw, err := json.Marshal(a.Params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", a.Type, err)
		}
		w.Params = raw
	}
	return json.Marshal(w)
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var w actionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	decoded, err := DecodeAction(w.Type, w.Params)
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

// DecodeAction builds an Action from a type tag and raw parameters.
func DecodeAction(t ActionType, raw json.RawMessage) (Action, error) {
	if t == "" {
		return Action{}, fmt.Errorf("action type is required")
	}
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	var (
		params ActionParams
		err    error
	)
	switch t {
	case ActionRollback:
		var p RollbackParams
		err = json.Unmarshal(raw, &p)
		params = p
	case ActionScaleUp, ActionScaleDown:
		p := ScaleParams{Direction: t}
		err = json.Unmarshal(raw, &p)
		params = p
	case ActionRestart:
		var p RestartParams
		err = json.Unmarshal(raw, &p)
		params = p
	case ActionConfigChange:
		var p ConfigChangeParams
		err = json.Unmarshal(raw, &p)
		params = p
	case ActionCircuitBreaker:
		var p CircuitBreakerParams
		err = json.Unmarshal(raw, &p)
		params = p
	default:
		p := GenericParams{Kind: t}
		err = json.Unmarshal(raw, &p.Fields)
		params = p
	}
	if err != nil {
		return Action{}, fmt.Errorf("decode %s params: %w", t, err)
	}
	return Action{Type: t, Params: params}, nil
}

type CheckType string

const (
	CheckPreviousVersionAvailable CheckType = "previous_version_available"
	CheckServiceStatus            CheckType = "service_status"
	CheckMinRollbackSafety        CheckType = "min_rollback_safety"
	CheckNoDeploymentInProgress   CheckType = "no_deployment_in_progress"
	CheckMaxBlastRadius           CheckType = "max_blast_radius"
)

func (c CheckType) Known() bool {
	switch c {
	case CheckPreviousVersionAvailable, CheckServiceStatus, CheckMinRollbackSafety,
		CheckNoDeploymentInProgress, CheckMaxBlastRadius:
		return true
	}
	return false
}

// Condition is a prerequisite or post-check. Fields beyond Check are read
// according to the check type; Extra keeps anything else verbatim.
type Condition struct {
	Check     CheckType      `json:"check" yaml:"check"`
	Service   string         `json:"service,omitempty" yaml:"service,omitempty"`
	Statuses  []HealthStatus `json:"statuses,omitempty" yaml:"statuses,omitempty"`
	Threshold *float64       `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Extra     map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}
