package scheduler

import (
	"sort"

	"github.com/batchserve/engine/internal/sequence"
)

// QueueOrderer reorders the waiting queue before the prefill phase
// chooses a head-of-line candidate. Implementations sort in place
// using sort.SliceStable for determinism.
//
// Grounded on the teacher's sim/scheduler.go InstanceScheduler family
// (FCFSScheduler / PriorityFCFSScheduler / SJFScheduler). The default,
// FCFS, is a no-op and matches the pure-FIFO waiting queue
// exactly; the others are opt-in alternatives a deployment can select.
type QueueOrderer interface {
	OrderWaiting(groups []*sequence.Group)
}

// FCFS preserves First-Come-First-Served order: a no-op, since groups
// are already enqueued (and re-enqueued, on preemption, at the front)
// in that order.
type FCFS struct{}

func (FCFS) OrderWaiting(_ []*sequence.Group) {}

// Priority orders by an externally-assigned priority score (descending),
// then arrival time (ascending), then request id (ascending) for a
// total, deterministic order. Priority is looked up via PriorityOf,
// since sequence.Group itself carries no priority field in the core
// data model.
type Priority struct {
	PriorityOf func(g *sequence.Group) float64
}

func (p Priority) OrderWaiting(groups []*sequence.Group) {
	sort.SliceStable(groups, func(i, j int) bool {
		pi, pj := p.PriorityOf(groups[i]), p.PriorityOf(groups[j])
		if pi != pj {
			return pi > pj
		}
		if groups[i].ArrivalTime != groups[j].ArrivalTime {
			return groups[i].ArrivalTime < groups[j].ArrivalTime
		}
		return groups[i].RequestID < groups[j].RequestID
	})
}

// ShortestJobFirst orders by prompt length (ascending), then arrival
// time, then request id. Can starve long prompts under sustained load;
// offered as an opt-in policy, not the default.
type ShortestJobFirst struct{}

func (ShortestJobFirst) OrderWaiting(groups []*sequence.Group) {
	sort.SliceStable(groups, func(i, j int) bool {
		li, lj := groups[i].TotalLen(), groups[j].TotalLen()
		if li != lj {
			return li < lj
		}
		if groups[i].ArrivalTime != groups[j].ArrivalTime {
			return groups[i].ArrivalTime < groups[j].ArrivalTime
		}
		return groups[i].RequestID < groups[j].RequestID
	})
}
