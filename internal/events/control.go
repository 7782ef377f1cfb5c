package events

// PauseControl adapts the bus to the overseer's pause/resume subscription
// for one issue.
type PauseControl struct {
	bus     *Bus
	issueID string
}

// NewPauseControl returns a control that forwards pause-provider and
// resume-provider commands addressed to issueID or to every session.
func NewPauseControl(bus *Bus, issueID string) *PauseControl {
	return &PauseControl{bus: bus, issueID: issueID}
}

// Subscribe calls handler(true) on pause and handler(false) on resume.
func (c *PauseControl) Subscribe(handler func(paused bool)) func() {
	return c.bus.Subscribe(func(ev Event) {
		if !ev.Targets(c.issueID) {
			return
		}
		handler(ev.Type == CommandPauseProvider)
	}, CommandPauseProvider, CommandResumeProvider)
}
