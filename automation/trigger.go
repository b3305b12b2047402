package automation

// Ignore reasons reported by ClassifyTrigger
const (
	ReasonWrongEntityType       = "wrong entity type"
	ReasonUnsupportedChangeKind = "unsupported change kind"
)

// Classification is the outcome of mapping a change notification to a trigger
type Classification struct {
	Trigger Trigger
	Ignored bool
	Reason  string
}

// ClassifyTrigger maps a change kind on an entity type to a rule trigger.
// Changes to any entity type other than watched are ignored.
func ClassifyTrigger(kind ChangeKind, entityType, watched string) Classification {
	if entityType != watched {
		return Classification{Ignored: true, Reason: ReasonWrongEntityType}
	}

	switch kind {
	case ChangeCreated:
		return Classification{Trigger: TriggerCreated}
	case ChangeUpdated:
		return Classification{Trigger: TriggerUpdated}
	default:
		return Classification{Ignored: true, Reason: ReasonUnsupportedChangeKind}
	}
}

// IsKnownTrigger reports whether t is a trigger a rule may subscribe to
func IsKnownTrigger(t Trigger) bool {
	return t == TriggerCreated || t == TriggerUpdated
}
