// Package digitization drives scanned documents through capture, OCR and
// quality review, and keeps each batch's status in step with its members.
package digitization

import (
	"recordflow/internal/domain"
	"recordflow/internal/transition"
)

// Aggregate derives a batch status from its members' statuses. Any member
// in error marks the batch in error; a non-empty batch whose members all
// reached completed or rejected is completed; anything else is in progress.
func Aggregate(members []domain.Status) domain.Status {
	if len(members) == 0 {
		return transition.BatchInProgress
	}
	done := 0
	for _, s := range members {
		switch s {
		case transition.ScanError:
			return transition.BatchError
		case transition.ScanCompleted, transition.ScanRejected:
			done++
		}
	}
	if done == len(members) {
		return transition.BatchCompleted
	}
	return transition.BatchInProgress
}

// Counts groups member statuses.
func Counts(members []domain.Status) map[domain.Status]int {
	out := make(map[domain.Status]int, len(members))
	for _, s := range members {
		out[s]++
	}
	return out
}
