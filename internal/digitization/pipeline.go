package digitization

import (
	"context"
	"fmt"
	"io"

	"recordflow/internal/domain"
	"recordflow/internal/engine"
	"recordflow/internal/events"
	"recordflow/internal/repo"
	"recordflow/internal/transition"
)

// Pipeline owns batch bookkeeping. Member transitions go through the
// engine; the batch status is recomputed in the same transaction.
type Pipeline struct {
	Engine *engine.Engine
}

// New registers the batch recompute hook on eng.
func New(eng *engine.Engine) *Pipeline {
	p := &Pipeline{Engine: eng}
	eng.OnTransition(p.recompute)
	return p
}

func (p *Pipeline) recompute(ctx context.Context, q repo.Querier, c engine.Change) error {
	if c.After.Kind != domain.KindScannedDocument || c.After.BatchID == "" {
		return nil
	}
	r := p.Engine.Repo
	batch, err := r.GetEntity(ctx, q, c.After.BatchID)
	if err != nil {
		return fmt.Errorf("load batch %s: %w", c.After.BatchID, err)
	}
	members, err := r.MemberStatuses(ctx, q, batch.ID)
	if err != nil {
		return err
	}
	next := Aggregate(members)
	updated := batch
	updated.Status = next
	updated.Version = batch.Version + 1
	updated.UpdatedAt = c.At
	// concurrent member updates conflict on the batch version
	if err := r.UpdateEntity(ctx, q, updated, batch.Version); err != nil {
		return err
	}
	if c.Action == "" {
		if err := p.Engine.Events.Append(ctx, q, events.TypeBatchMemberAdded, string(batch.Kind), batch.ID, c.Actor.ID, events.EventPayload{
			"member": c.After.ID,
		}); err != nil {
			return err
		}
	}
	return p.Engine.Events.Append(ctx, q, events.TypeBatchRecomputed, string(batch.Kind), batch.ID, c.Actor.ID, events.EventPayload{
		"from":    batch.Status,
		"to":      next,
		"member":  c.After.ID,
		"members": len(members),
	})
}

// CreateBatch registers an empty batch.
func (p *Pipeline) CreateBatch(ctx context.Context, title string, actor domain.Actor) (engine.Snapshot, error) {
	return p.Engine.Create(ctx, engine.CreateOptions{
		Kind:  domain.KindDigitizationBatch,
		Title: title,
		Actor: actor,
	})
}

// AddDocument registers a scanned document in batchID. Completed batches
// accept no new members.
func (p *Pipeline) AddDocument(ctx context.Context, batchID, title string, actor domain.Actor) (engine.Snapshot, error) {
	return p.Engine.Create(ctx, engine.CreateOptions{
		Kind:    domain.KindScannedDocument,
		Title:   title,
		BatchID: batchID,
		Actor:   actor,
	})
}

type BatchView struct {
	Batch   engine.Snapshot       `json:"batch"`
	Members []engine.Snapshot     `json:"members"`
	Counts  map[domain.Status]int `json:"counts"`
}

// Batch returns a batch with its members oldest first.
func (p *Pipeline) Batch(ctx context.Context, batchID string) (BatchView, error) {
	b, err := p.Engine.Get(ctx, batchID)
	if err != nil {
		return BatchView{}, err
	}
	if b.Entity.Kind != domain.KindDigitizationBatch {
		return BatchView{}, fmt.Errorf("%s is not a digitization batch: %w", batchID, domain.ErrNotFound)
	}
	members, err := p.Engine.List(ctx, engine.ListFilter{BatchID: batchID})
	if err != nil {
		return BatchView{}, err
	}
	// List is newest first
	for i, j := 0, len(members)-1; i < j; i, j = i+1, j-1 {
		members[i], members[j] = members[j], members[i]
	}
	statuses := make([]domain.Status, len(members))
	for i, m := range members {
		statuses[i] = m.Entity.Status
	}
	return BatchView{Batch: b, Members: members, Counts: Counts(statuses)}, nil
}

// IngestOCR records the page count and confidence found in an hOCR
// document and completes the OCR step.
func (p *Pipeline) IngestOCR(ctx context.Context, docID string, hocr io.Reader, actor domain.Actor) (engine.Snapshot, OCRResult, error) {
	res, err := ParseHOCR(hocr)
	if err != nil {
		return engine.Snapshot{}, OCRResult{}, fmt.Errorf("%w: %w", err, domain.ErrInvalidInput)
	}
	pages, conf := res.Pages, res.Confidence
	snap, err := p.Engine.Apply(ctx, docID, transition.ActionOCRComplete, actor, domain.ActionPayload{
		PageCount:     &pages,
		OCRConfidence: &conf,
		Note:          fmt.Sprintf("%d words over %d pages", res.Words, res.Pages),
	})
	if err != nil {
		return engine.Snapshot{}, res, err
	}
	return snap, res, nil
}
