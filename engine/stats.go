package engine

// Snapshot is a point-in-time view of engine activity, JSON-serializable
// for the debug API. A growing gap between Submitted and Completed with
// a non-empty pending list is the observable signature of a worker that
// stopped emitting terminal events.
type Snapshot struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Pending   int   `json:"pending"`
	InFlight  bool  `json:"inFlight"`
	Fragments int64 `json:"fragments"`
	Captions  int64 `json:"captions"`
	Metadata  int64 `json:"metadata"`
}

// Snapshot returns current engine counters.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	pending := len(e.pending)
	inFlight := e.current != nil
	e.mu.Unlock()

	return Snapshot{
		Submitted: e.submitted.Load(),
		Completed: e.completed.Load(),
		Pending:   pending,
		InFlight:  inFlight,
		Fragments: e.fragments.Load(),
		Captions:  e.captions.Load(),
		Metadata:  e.metadata.Load(),
	}
}
