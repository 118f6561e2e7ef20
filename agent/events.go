package agent

// EventKind tags an Event.
type EventKind string

const (
	EventToken     EventKind = "token"
	EventToolStart EventKind = "tool_start"
	EventToolEnd   EventKind = "tool_end"
	EventDone      EventKind = "done"
)

// Event is one item of the loop's output sequence. Text is set for token
// events; Tool and Input for tool starts; Tool and Output for tool ends.
type Event struct {
	Kind   EventKind
	Text   string
	Tool   string
	Input  string
	Output string
}

// EmitFunc receives events in order. Returning an error aborts the run.
type EmitFunc func(Event) error

func TokenEvent(text string) Event {
	return Event{Kind: EventToken, Text: text}
}

func ToolStartEvent(tool, input string) Event {
	return Event{Kind: EventToolStart, Tool: tool, Input: input}
}

func ToolEndEvent(tool, output string) Event {
	return Event{Kind: EventToolEnd, Tool: tool, Output: output}
}

func DoneEvent() Event {
	return Event{Kind: EventDone}
}
