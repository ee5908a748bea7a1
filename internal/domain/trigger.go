package domain

import "strings"

// TriggerSource identifies what caused a session to be created. The exact
// set is {tick, external, trigger, route} plus the parametric form
// "schedule:<name>" where <name> is any non-empty token (spec §4.3, §6).
type TriggerSource string

const (
	TriggerTick     TriggerSource = "tick"
	TriggerExternal TriggerSource = "external"
	TriggerTrigger  TriggerSource = "trigger"
	TriggerRoute    TriggerSource = "route"

	scheduleTriggerPrefix = "schedule:"
)

// ScheduleTrigger builds the parametric trigger_source for a scheduled task.
func ScheduleTrigger(name string) TriggerSource {
	return TriggerSource(scheduleTriggerPrefix + name)
}

// IsValid reports whether t is one of the exact set or a well-formed
// schedule:<name> form. Unknown forms are rejected at create time.
func (t TriggerSource) IsValid() bool {
	switch t {
	case TriggerTick, TriggerExternal, TriggerTrigger, TriggerRoute:
		return true
	}
	if name, ok := strings.CutPrefix(string(t), scheduleTriggerPrefix); ok {
		return name != ""
	}
	return false
}

// IsScheduled reports whether t is a schedule:<name> trigger and returns the
// schedule name.
func (t TriggerSource) IsScheduled() (string, bool) {
	name, ok := strings.CutPrefix(string(t), scheduleTriggerPrefix)
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

func (t TriggerSource) String() string { return string(t) }
