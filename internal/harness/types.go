package harness

// Trace entry kinds.
const (
	KindStep  = "step"
	KindWrite = "write"
	KindEvent = "event"
)

// TraceEvent is one entry of a scenario trace: a step that ran, a write
// the app sent to the remote store, or an entity event on the state bus.
type TraceEvent struct {
	Seq  int64          `json:"seq"`
	Kind string         `json:"kind"`
	Name string         `json:"name"`
	Data map[string]any `json:"data"`
}

// Key is the name assertions refer to this entry by: "step:<action>",
// "write:<op>", or the event name.
func (e TraceEvent) Key() string {
	switch e.Kind {
	case KindStep:
		return "step:" + e.Name
	case KindWrite:
		return "write:" + e.Name
	default:
		return e.Name
	}
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step behaved as expected and every assertion
	// held.
	Pass bool `json:"pass"`

	// Trace lists steps, writes and events in the order they happened.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is the final local state tree.
	State map[string]any `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]any),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// add appends an entry with the next sequence number.
func (r *Result) add(kind, name string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	r.Trace = append(r.Trace, TraceEvent{
		Seq:  int64(len(r.Trace) + 1),
		Kind: kind,
		Name: name,
		Data: data,
	})
}
