package engine

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"

	"bountyline/internal/domain"
	"bountyline/internal/events"
)

// RegisterParticipant stores or updates a participant's payout method.
func (e Engine) RegisterParticipant(ctx context.Context, p domain.Participant, actorID string) (domain.Participant, error) {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return p, domain.InputError{Field: "id", Message: "is required"}
	case strings.TrimSpace(p.Rail) == "":
		return p, domain.InputError{Field: "rail", Message: "is required"}
	case strings.TrimSpace(p.Destination) == "":
		return p, domain.InputError{Field: "destination", Message: "is required"}
	}
	if _, ok := e.Config.Rails[p.Rail]; !ok {
		return p, domain.InputError{Field: "rail", Message: fmt.Sprintf("unknown rail %q", p.Rail)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	now := e.Stamp()
	p.CreatedAt, p.UpdatedAt = now, now
	if err := e.Repo.UpsertParticipant(ctx, tx, p); err != nil {
		return p, err
	}
	if err := e.Events().Append(ctx, tx, events.ParticipantRegistered, "", "participant", p.ID, actorID, events.EventPayload{"rail": p.Rail}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return e.Repo.GetParticipant(ctx, e.DB, p.ID)
}

func (e Engine) ListParticipants(ctx context.Context) ([]domain.Participant, error) {
	return e.Repo.ListParticipants(ctx)
}

func validateScore(rec domain.ScoreRecord) error {
	switch {
	case strings.TrimSpace(rec.ParticipantID) == "":
		return domain.InputError{Field: "participant_id", Message: "is required"}
	case strings.TrimSpace(rec.Criterion) == "":
		return domain.InputError{Field: "criterion", Message: "is required"}
	case math.IsNaN(rec.Score) || math.IsInf(rec.Score, 0):
		return domain.InputError{Field: "score", Message: "must be finite"}
	case rec.Score < 0:
		return domain.InputError{Field: "score", Message: "must not be negative"}
	case rec.SubmittedAt.IsZero():
		return domain.InputError{Field: "submitted_at", Message: "is required"}
	}
	return nil
}

// RecordScore accepts one judged score for a draft or open pool.
func (e Engine) RecordScore(ctx context.Context, rec domain.ScoreRecord, actorID string) error {
	return e.RecordScores(ctx, rec.PoolID, []domain.ScoreRecord{rec}, actorID)
}

// RecordScores accepts a batch of judged scores atomically. Intake does not
// take the pool writer lock; the status check and the writes share one
// transaction, which cannot interleave with the lock transition.
func (e Engine) RecordScores(ctx context.Context, poolID string, recs []domain.ScoreRecord, actorID string) error {
	for i := range recs {
		if recs[i].PoolID == "" {
			recs[i].PoolID = poolID
		}
		if recs[i].PoolID != poolID {
			return domain.InputError{Field: fmt.Sprintf("scores[%d].pool_id", i), Message: "belongs to another pool"}
		}
		if err := validateScore(recs[i]); err != nil {
			return err
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetPoolTx(ctx, tx, poolID)
	if err != nil {
		return fmt.Errorf("pool %s: %w", poolID, err)
	}
	if p.Status != domain.PoolDraft && p.Status != domain.PoolOpen {
		return domain.StateError{Reason: domain.ReasonSubmissionsClosed, Entity: "pool", ID: poolID, From: p.Status}
	}
	for _, rec := range recs {
		if err := e.recordScoreTx(ctx, tx, rec, actorID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (e Engine) recordScoreTx(ctx context.Context, tx *sql.Tx, rec domain.ScoreRecord, actorID string) error {
	if err := e.Repo.UpsertScore(ctx, tx, rec); err != nil {
		return fmt.Errorf("store score %s/%s: %w", rec.ParticipantID, rec.Criterion, err)
	}
	return e.Events().Append(ctx, tx, events.ScoreRecorded, rec.PoolID, "participant", rec.ParticipantID, actorID, events.EventPayload{
		"criterion":    rec.Criterion,
		"score":        rec.Score,
		"submitted_at": domain.FormatTime(rec.SubmittedAt),
	})
}

// Submissions returns the pool's current submission view.
func (e Engine) Submissions(ctx context.Context, poolID string) ([]domain.Submission, error) {
	if _, err := e.GetPool(ctx, poolID); err != nil {
		return nil, err
	}
	return e.Repo.ListSubmissions(ctx, e.DB, poolID)
}
