package distributed

// EventSubjects names the bus subjects a Mastermind/ExecutorWorker pair
// communicates on. WorkUnitDispatch and WorkUnitResult carry
// WorkUnitDispatchPayload/WorkUnitResultPayload, missionctl's own vocabulary,
// rather than a generic "task" label.
type EventSubjects struct {
	Register         string
	Heartbeat        string
	WorkUnitDispatch string
	WorkUnitResult   string
	ServiceRequest   string
	ServiceResult    string
}

func DefaultEventSubjects(prefix string) EventSubjects {
	if prefix == "" {
		prefix = "missionctl"
	}
	return EventSubjects{
		Register:         prefix + ".executor.register",
		Heartbeat:        prefix + ".executor.heartbeat",
		WorkUnitDispatch: prefix + ".workunit.dispatch",
		WorkUnitResult:   prefix + ".workunit.result",
		ServiceRequest:   prefix + ".service.request",
		ServiceResult:    prefix + ".service.response",
	}
}
