package models

import "strings"

type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "not_equals"
	OperatorContains    Operator = "contains"
	OperatorGreaterThan Operator = "greater_than"
	OperatorLessThan    Operator = "less_than"
	OperatorExists      Operator = "exists"
)

// Logic joins a condition to the one that follows it.
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

const (
	EventFieldPrefix   = "event."
	ContactFieldPrefix = "contact."
)

// Condition is a single predicate over the triggering event or the subject record.
// Fields prefixed with "event." address the event payload; "contact." or unprefixed
// fields address the subject.
type Condition struct {
	Field    string   `json:"field"           validate:"required"`
	Operator Operator `json:"operator"        validate:"required,oneof=equals not_equals contains greater_than less_than exists"`
	Value    any      `json:"value,omitempty"`
	Logic    Logic    `json:"logic,omitempty" validate:"omitempty,oneof=and or"`
}

// TargetsEvent reports whether the condition reads from the event payload.
func (c Condition) TargetsEvent() bool {
	return strings.HasPrefix(c.Field, EventFieldPrefix)
}

// SubjectPath returns the field path relative to the subject record.
func (c Condition) SubjectPath() string {
	return strings.TrimPrefix(c.Field, ContactFieldPrefix)
}
