package domain

import (
	"fmt"
	"strings"
)

type SwimlaneKind uint8

const (
	SwimlaneNone SwimlaneKind = iota
	SwimlaneByField
	SwimlaneByProject
	SwimlaneByAssignee
)

func (k SwimlaneKind) String() string {
	switch k {
	case SwimlaneByField:
		return "custom-field"
	case SwimlaneByProject:
		return "project"
	case SwimlaneByAssignee:
		return "assignee"
	default:
		return "none"
	}
}

// SingleLaneKey is the key of the only swimlane of a board without a
// swimlane strategy.
const SingleLaneKey = ""

// SwimlaneStrategy decides the swimlane of an issue. Field is only set for
// SwimlaneByField and names a board custom field.
type SwimlaneStrategy struct {
	Kind  SwimlaneKind
	Field string
}

func ParseSwimlaneStrategy(def SwimlaneDefinition) (SwimlaneStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(def.Strategy)) {
	case "", "none":
		return SwimlaneStrategy{Kind: SwimlaneNone}, nil
	case "project":
		return SwimlaneStrategy{Kind: SwimlaneByProject}, nil
	case "assignee":
		return SwimlaneStrategy{Kind: SwimlaneByAssignee}, nil
	case "custom-field", "custom_field", "field":
		if def.Field == "" {
			return SwimlaneStrategy{}, fmt.Errorf("strategy %q requires a field", def.Strategy)
		}
		return SwimlaneStrategy{Kind: SwimlaneByField, Field: def.Field}, nil
	default:
		return SwimlaneStrategy{}, fmt.Errorf("unknown swimlane strategy %q", def.Strategy)
	}
}

// Key returns the swimlane key of an issue. A strategy that cannot resolve a
// value yields NoneKey, the unassigned swimlane.
func (s SwimlaneStrategy) Key(issue Issue) string {
	var v string
	switch s.Kind {
	case SwimlaneNone:
		return SingleLaneKey
	case SwimlaneByField:
		v, _ = issue.CustomField(s.Field)
	case SwimlaneByProject:
		v = issue.Project
	case SwimlaneByAssignee:
		v = issue.Assignee
	}
	if v == "" {
		return NoneKey
	}
	return v
}

func (s SwimlaneStrategy) String() string {
	if s.Kind == SwimlaneByField {
		return s.Kind.String() + "(" + s.Field + ")"
	}
	return s.Kind.String()
}
