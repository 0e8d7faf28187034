package engine

import (
	"concord/engine/internal/clock"
	"concord/engine/internal/op"
)

// ResolutionPolicy selects how concurrent conflicting operations are
// settled. Configured per engine instance.
type ResolutionPolicy string

const (
	PolicyLastWriterWins ResolutionPolicy = "last-writer-wins"
	PolicySemanticMerge  ResolutionPolicy = "semantic-merge"
	PolicyUserPriority   ResolutionPolicy = "user-priority"
)

func ParsePolicy(raw string) ResolutionPolicy {
	switch ResolutionPolicy(raw) {
	case PolicyLastWriterWins, PolicySemanticMerge, PolicyUserPriority:
		return ResolutionPolicy(raw)
	default:
		return PolicyLastWriterWins
	}
}

// detectConflicts scans the log for operations from other nodes whose
// clocks are concurrent with the incoming operation and whose positions
// collide under the type-pair rules.
func detectConflicts(doc *Document, incoming op.Operation) []op.Operation {
	var conflicts []op.Operation
	for i := range doc.Operations {
		logged := doc.Operations[i]
		if logged.NodeID == incoming.NodeID {
			continue
		}
		if _, superseded := doc.Superseded[logged.ID]; superseded {
			continue
		}
		if clock.Compare(logged.Clock, incoming.Clock) != clock.Concurrent {
			continue
		}
		if positionallyConflicting(logged, incoming) {
			conflicts = append(conflicts, logged)
		}
	}
	return conflicts
}

// positionallyConflicting applies the type-pair rules: delete vs insert
// collide on the same path only when their character ranges overlap;
// update vs update collide on exactly equal positions; every other
// pairing applies independently.
func positionallyConflicting(a, b op.Operation) bool {
	switch {
	case a.Type == op.Delete && b.Type == op.Insert:
		return sameLineRangeOverlap(a, b)
	case a.Type == op.Insert && b.Type == op.Delete:
		return sameLineRangeOverlap(b, a)
	case a.Type == op.Update && b.Type == op.Update:
		return a.Position.Equal(b.Position)
	default:
		return false
	}
}

// sameLineRangeOverlap checks a delete against an insert addressing the
// same path: they conflict only when the deleted span intersects the
// span the insert occupies.
func sameLineRangeOverlap(del, ins op.Operation) bool {
	if !del.Position.Path.Equal(ins.Position.Path) {
		return false
	}
	delStart := del.Position.Offset
	delEnd := delStart + del.DeleteLength()
	insStart := ins.Position.Offset
	insEnd := insStart + ins.InsertLength()
	if insEnd == insStart {
		insEnd = insStart + 1
	}
	return delStart < insEnd && insStart < delEnd
}

// resolve settles a detected conflict. It returns whether the incoming
// operation should be applied to content, whether it should still be
// recorded in the log when it loses, and the winning operation id.
// Losing logged operations are marked superseded but kept for audit.
func (e *Engine) resolve(doc *Document, incoming op.Operation, conflicts []op.Operation) (applyIncoming, logIncoming bool, winnerID string) {
	switch e.opts.Policy {
	case PolicySemanticMerge:
		if e.opts.Merge != nil && e.opts.Merge(doc, incoming, conflicts) {
			// Merge handled content reconciliation; the incoming
			// operation is recorded as the winner.
			for _, c := range conflicts {
				doc.Superseded[c.ID] = incoming.ID
			}
			return true, true, incoming.ID
		}
		return e.resolveLWW(doc, incoming, conflicts)

	case PolicyUserPriority:
		if e.opts.Priority == nil {
			return e.resolveLWW(doc, incoming, conflicts)
		}
		winner := incoming
		best := e.opts.Priority(operationActor(incoming))
		for _, c := range conflicts {
			if p := e.opts.Priority(operationActor(c)); p > best {
				best = p
				winner = c
			}
		}
		if winner.ID == incoming.ID {
			for _, c := range conflicts {
				doc.Superseded[c.ID] = incoming.ID
			}
			return true, true, incoming.ID
		}
		// Priority losers are discarded outright.
		return false, false, winner.ID

	default:
		return e.resolveLWW(doc, incoming, conflicts)
	}
}

// resolveLWW picks the operation with the greatest wall-clock
// timestamp; ties break on lexically greater node id so every replica
// picks the same winner.
func (e *Engine) resolveLWW(doc *Document, incoming op.Operation, conflicts []op.Operation) (bool, bool, string) {
	winner := incoming
	for _, c := range conflicts {
		if laterWriter(c, winner) {
			winner = c
		}
	}
	if winner.ID == incoming.ID {
		for _, c := range conflicts {
			doc.Superseded[c.ID] = incoming.ID
		}
		return true, true, incoming.ID
	}
	// Incoming loses: keep it in the log for audit, marked superseded.
	return false, true, winner.ID
}

func laterWriter(a, b op.Operation) bool {
	if a.Timestamp.After(b.Timestamp) {
		return true
	}
	if b.Timestamp.After(a.Timestamp) {
		return false
	}
	return a.NodeID > b.NodeID
}
