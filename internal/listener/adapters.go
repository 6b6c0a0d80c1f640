package listener

import (
	"encoding/json"
	"fmt"

	"opsline/internal/domain"
)

// CanonicalAdapter parses payloads already in the canonical event shape.
type CanonicalAdapter struct{}

func (CanonicalAdapter) Parse(raw []byte) (domain.Event, error) {
	var evt domain.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return domain.Event{}, err
	}
	if evt.Type == "" {
		return domain.Event{}, fmt.Errorf("missing type")
	}
	return evt, nil
}

// MappedAdapter translates a vendor payload whose event names differ from
// the canonical set, e.g. a scheduling system posting {"event":
// "cancellation", "ref": "...", "slot_id": "..."}.
type MappedAdapter struct {
	// TypeField and TypeMap translate the vendor's event name.
	TypeField string
	TypeMap   map[string]domain.EventType
	// IDField carries the vendor's delivery id used for dedup.
	IDField string
	// SubjectField, when set, names a single-subject reference.
	SubjectField string
}

func (a MappedAdapter) Parse(raw []byte) (domain.Event, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return domain.Event{}, err
	}
	name, _ := body[a.TypeField].(string)
	if name == "" {
		return domain.Event{}, fmt.Errorf("missing %s", a.TypeField)
	}
	evtType, ok := a.TypeMap[name]
	if !ok {
		return domain.Event{}, fmt.Errorf("unmapped event name %q", name)
	}
	evt := domain.Event{Type: evtType, Payload: body}
	if a.IDField != "" {
		if id, _ := body[a.IDField].(string); id != "" {
			evt.ID = id
		}
	}
	if a.SubjectField != "" {
		if subj, _ := body[a.SubjectField].(string); subj != "" {
			evt.SubjectIDs = []string{subj}
		}
	}
	return evt, nil
}

// RegisterDefaults wires a canonical adapter for each configured source.
func (l *Listener) RegisterDefaults(sources []string) {
	for _, s := range sources {
		l.Register(s, CanonicalAdapter{})
	}
}
