package model

// EventRecord is reported to the model's event logger as the tick runs.
type EventRecord struct {
	Type    string
	AgentID AgentID
	Step    int
	Body    any
}

const EventRelocation = "Relocation"

// RelocationEventBody is the body of a "Relocation" event.
type RelocationEventBody struct {
	AgentType AgentType
	From      Cell
	To        Cell
}

func (m *SchellingModel) logEvent(eventType string, agent *SchellingAgent, body any) {
	if m.EventLogger == nil {
		return
	}
	m.EventLogger(&EventRecord{
		Type:    eventType,
		AgentID: agent.ID,
		Step:    m.CurStep,
		Body:    body,
	})
}
