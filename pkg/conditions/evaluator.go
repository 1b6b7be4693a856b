// Package conditions evaluates trigger and branch conditions against the
// triggering event and the subject's current record.
package conditions

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/nurture/pkg/models"
)

var (
	// ErrUnresolvableField is returned for malformed field references.
	ErrUnresolvableField = errors.New("unresolvable condition field")

	// ErrUnknownOperator is returned for operators the evaluator does not implement.
	ErrUnknownOperator = errors.New("unknown condition operator")

	// ErrSubjectRequired is returned when a condition reads the subject but none was supplied.
	ErrSubjectRequired = errors.New("condition requires subject data")
)

// Evaluate combines conditions left to right. Conditions are AND-ed unless a
// condition carries logic "or", in which case its success short-circuits to a
// match and its failure defers to the next condition. An empty list matches.
func Evaluate(conds []models.Condition, subject *models.Subject, event *models.TriggerEvent) (bool, error) {
	for i, cond := range conds {
		ok, err := EvaluateOne(cond, subject, event)
		if err != nil {
			return false, err
		}

		orWithNext := cond.Logic == models.LogicOr && i < len(conds)-1

		if orWithNext {
			if ok {
				return true, nil
			}

			continue
		}

		if !ok {
			return false, nil
		}
	}

	return true, nil
}

// EvaluateOne evaluates a single condition.
func EvaluateOne(cond models.Condition, subject *models.Subject, event *models.TriggerEvent) (bool, error) {
	actual, found, err := Resolve(cond.Field, subject, event)
	if err != nil {
		return false, err
	}

	switch cond.Operator {
	case models.OperatorExists:
		exists := found && actual != nil
		if want, ok := cond.Value.(bool); ok && !want {
			return !exists, nil
		}

		return exists, nil
	case models.OperatorEquals:
		return found && equal(actual, cond.Value), nil
	case models.OperatorNotEquals:
		return !found || !equal(actual, cond.Value), nil
	case models.OperatorContains:
		return found && contains(actual, cond.Value), nil
	case models.OperatorGreaterThan:
		if !found {
			return false, nil
		}

		c, ok := compare(actual, cond.Value)

		return ok && c > 0, nil
	case models.OperatorLessThan:
		if !found {
			return false, nil
		}

		c, ok := compare(actual, cond.Value)

		return ok && c < 0, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, cond.Operator)
	}
}

// Resolve looks a field reference up in the event payload ("event.") or the
// subject record ("contact." or unprefixed). Nested maps are addressed with dots.
func Resolve(field string, subject *models.Subject, event *models.TriggerEvent) (any, bool, error) {
	if strings.TrimSpace(field) == "" {
		return nil, false, fmt.Errorf("%w: empty field", ErrUnresolvableField)
	}

	if strings.HasPrefix(field, models.EventFieldPrefix) {
		path := strings.TrimPrefix(field, models.EventFieldPrefix)
		if path == "" {
			return nil, false, fmt.Errorf("%w: %q", ErrUnresolvableField, field)
		}

		if event == nil {
			return nil, false, nil
		}

		value, found := lookup(eventFields(event), path)

		return value, found, nil
	}

	path := strings.TrimPrefix(field, models.ContactFieldPrefix)
	if path == "" {
		return nil, false, fmt.Errorf("%w: %q", ErrUnresolvableField, field)
	}

	if subject == nil {
		return nil, false, fmt.Errorf("%w: %s", ErrSubjectRequired, field)
	}

	value, found := lookup(subject.Fields(), path)

	return value, found, nil
}

// NeedsSubject reports whether any condition reads from the subject record.
func NeedsSubject(conds []models.Condition) bool {
	for _, c := range conds {
		if !c.TargetsEvent() {
			return true
		}
	}

	return false
}

// SubjectFilter keeps only the conditions addressing the subject record.
func SubjectFilter(conds []models.Condition) []models.Condition {
	filtered := make([]models.Condition, 0, len(conds))

	for _, c := range conds {
		if !c.TargetsEvent() {
			filtered = append(filtered, c)
		}
	}

	return filtered
}

func eventFields(event *models.TriggerEvent) map[string]any {
	fields := make(map[string]any, len(event.Payload)+4)
	for k, v := range event.Payload {
		fields[k] = v
	}

	fields["id"] = event.ID
	fields["type"] = event.Type
	fields["subject_id"] = event.SubjectID
	fields["source"] = event.Source
	fields["payload"] = event.Payload

	return fields
}

func lookup(fields map[string]any, path string) (any, bool) {
	if value, ok := fields[path]; ok {
		return value, true
	}

	parts := strings.Split(path, ".")

	var current any = fields

	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

func equal(actual, expected any) bool {
	if a, ok := toFloat(actual); ok {
		if b, ok := toFloat(expected); ok {
			return a == b
		}
	}

	if a, ok := actual.(bool); ok {
		if b, ok := toBool(expected); ok {
			return a == b
		}
	}

	if reflect.DeepEqual(actual, expected) {
		return true
	}

	return fmt.Sprint(actual) == fmt.Sprint(expected)
}

func contains(actual, expected any) bool {
	switch v := actual.(type) {
	case string:
		return strings.Contains(strings.ToLower(v), strings.ToLower(fmt.Sprint(expected)))
	case []any:
		for _, item := range v {
			if equal(item, expected) {
				return true
			}
		}

		return false
	case []string:
		for _, item := range v {
			if item == fmt.Sprint(expected) {
				return true
			}
		}

		return false
	case map[string]any:
		_, ok := v[fmt.Sprint(expected)]

		return ok
	default:
		return false
	}
}

// compare orders two values numerically, as RFC3339 timestamps, or as strings.
func compare(actual, expected any) (int, bool) {
	if a, ok := toFloat(actual); ok {
		if b, ok := toFloat(expected); ok {
			switch {
			case a < b:
				return -1, true
			case a > b:
				return 1, true
			default:
				return 0, true
			}
		}

		return 0, false
	}

	if a, ok := toTime(actual); ok {
		if b, ok := toTime(expected); ok {
			return a.Compare(b), true
		}
	}

	as, aok := actual.(string)
	bs, bok := expected.(string)

	if aok && bok {
		return strings.Compare(as, bs), true
	}

	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, !math.IsNaN(n)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)

		return f, err == nil
	default:
		return 0, false
	}
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)

		return parsed, err == nil
	default:
		return false, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)

		return parsed, err == nil
	default:
		return time.Time{}, false
	}
}
