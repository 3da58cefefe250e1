// Package sequence defines the value types describing a request's
// generation state: Sequence, SequenceGroup, and their lifecycle.
package sequence

// State is the lifecycle state of a Sequence.
//
//	Waiting -> Running -> (Preempted -> Waiting)* -> Finished
type State string

const (
	Waiting   State = "waiting"
	Running   State = "running"
	Preempted State = "preempted"
	Finished  State = "finished"
)

// Sink receives newly decoded text fragments for a Sequence. Send must
// be non-blocking from the engine's point of view: implementations that
// wrap a bounded channel should drop and log on a full channel rather
// than block the step loop.
type Sink interface {
	// Send delivers one UTF-8 text fragment. A false return means the
	// fragment was dropped (e.g. receiver gone or channel full); the
	// engine does not retry.
	Send(text string) bool
	// Close releases the sink. Called exactly once, when the sequence
	// transitions to Finished.
	Close()
}

// Sequence is one in-flight generation.
//
// Invariant: Len() never decreases across the sequence's lifetime.
// OutputText is always a prefix-consistent detokenization of
// OutputTokenIDs under the active tokenizer.
type Sequence struct {
	ID             uint64
	Prompt         string
	PromptTokenIDs []int // immutable after creation
	OutputTokenIDs []int // append-only
	OutputText     string
	Status         State
	sink           Sink
	sinkClosed     bool
}

// New creates a Sequence in the Waiting state.
func New(id uint64, prompt string, promptTokenIDs []int, sink Sink) *Sequence {
	return &Sequence{
		ID:             id,
		Prompt:         prompt,
		PromptTokenIDs: promptTokenIDs,
		Status:         Waiting,
		sink:           sink,
	}
}

// Len returns the sequence's total length: prompt tokens plus output
// tokens generated so far.
func (s *Sequence) Len() int {
	return len(s.PromptTokenIDs) + len(s.OutputTokenIDs)
}

// AppendToken records a newly sampled token.
func (s *Sequence) AppendToken(tokenID int) {
	s.OutputTokenIDs = append(s.OutputTokenIDs, tokenID)
}

// SetStatus transitions the sequence to a new lifecycle state.
func (s *Sequence) SetStatus(st State) {
	s.Status = st
}

func (s *Sequence) IsRunning() bool  { return s.Status == Running }
func (s *Sequence) IsWaiting() bool  { return s.Status == Waiting }
func (s *Sequence) IsFinished() bool { return s.Status == Finished }

// Stream pushes a text delta to the sink, if any and not yet closed.
// A no-op when the sink is nil (tests that don't care about streaming)
// or already closed.
func (s *Sequence) Stream(delta string) {
	if s.sink == nil || s.sinkClosed {
		return
	}
	if delta == "" {
		return
	}
	s.sink.Send(delta)
}

// CloseSink closes the sink exactly once. Subsequent calls are no-ops,
// matching the block allocator's idempotent-free convention.
func (s *Sequence) CloseSink() {
	if s.sink == nil || s.sinkClosed {
		return
	}
	s.sink.Close()
	s.sinkClosed = true
}

// Group is a request bundle owning one or more sequences. The core
// implements exactly one sequence per group; the group exists so the
// abstraction extends to parallel sampling later.
type Group struct {
	RequestID   string
	Sequences   []*Sequence
	ArrivalTime int64 // used for FIFO tie-breaking
}

// NewGroup wraps a single sequence in a Group, which is what the core
// spec requires; ParallelSampling groups would append more sequences.
func NewGroup(requestID string, arrivalTime int64, seqs ...*Sequence) *Group {
	return &Group{
		RequestID:   requestID,
		Sequences:   seqs,
		ArrivalTime: arrivalTime,
	}
}

// IsFinished reports whether every sequence in the group is Finished.
func (g *Group) IsFinished() bool {
	for _, s := range g.Sequences {
		if !s.IsFinished() {
			return false
		}
	}
	return true
}

// Seq returns the group's sole sequence. The core only ever constructs
// single-sequence groups; callers that need multi-sequence support
// should iterate Sequences directly.
func (g *Group) Seq() *Sequence {
	if len(g.Sequences) == 0 {
		return nil
	}
	return g.Sequences[0]
}

// TotalLen returns the sum of Len() across all sequences in the group,
// the scheduling cost of the group as a whole.
func (g *Group) TotalLen() int {
	total := 0
	for _, s := range g.Sequences {
		total += s.Len()
	}
	return total
}
