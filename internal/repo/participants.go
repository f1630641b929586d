package repo

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"time"

	"bountyline/internal/domain"
)

func (r Repo) UpsertParticipant(ctx context.Context, q DBTX, p domain.Participant) error {
	_, err := q.ExecContext(ctx, `INSERT INTO participants(id,rail,destination,created_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET rail=excluded.rail, destination=excluded.destination, updated_at=excluded.updated_at`,
		p.ID, p.Rail, p.Destination, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetParticipant(ctx context.Context, q DBTX, id string) (domain.Participant, error) {
	var p domain.Participant
	err := q.QueryRowContext(ctx, `SELECT id,rail,destination,created_at,updated_at FROM participants WHERE id=?`, id).
		Scan(&p.ID, &p.Rail, &p.Destination, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListParticipants(ctx context.Context) ([]domain.Participant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,rail,destination,created_at,updated_at FROM participants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.ID, &p.Rail, &p.Destination, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpsertScore stores a judged score. For the same (participant, criterion) the
// record with the later timestamp wins and equal timestamps keep the higher
// score, so the stored state does not depend on arrival order.
func (r Repo) UpsertScore(ctx context.Context, q DBTX, rec domain.ScoreRecord) error {
	_, err := q.ExecContext(ctx, `INSERT INTO scores(pool_id,participant_id,criterion,score,submitted_at) VALUES (?,?,?,?,?)
ON CONFLICT(pool_id,participant_id,criterion) DO UPDATE SET score=excluded.score, submitted_at=excluded.submitted_at
WHERE excluded.submitted_at > scores.submitted_at
   OR (excluded.submitted_at = scores.submitted_at AND CAST(excluded.score AS REAL) > CAST(scores.score AS REAL))`,
		rec.PoolID, rec.ParticipantID, rec.Criterion, strconv.FormatFloat(rec.Score, 'g', -1, 64), domain.FormatTime(rec.SubmittedAt))
	return err
}

// ListSubmissions aggregates a pool's score records per participant. The
// submission timestamp is the earliest record of that participant.
func (r Repo) ListSubmissions(ctx context.Context, q DBTX, poolID string) ([]domain.Submission, error) {
	rows, err := q.QueryContext(ctx, `SELECT participant_id,criterion,score,submitted_at FROM scores WHERE pool_id=? ORDER BY participant_id, criterion`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byParticipant := map[string]*domain.Submission{}
	for rows.Next() {
		var participantID, criterion, score, ts string
		if err := rows.Scan(&participantID, &criterion, &score, &ts); err != nil {
			return nil, err
		}
		value, err := strconv.ParseFloat(score, 64)
		if err != nil {
			return nil, fmt.Errorf("score %s/%s: %w", participantID, criterion, err)
		}
		at, err := time.Parse(domain.TimeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("score %s/%s timestamp: %w", participantID, criterion, err)
		}
		s, ok := byParticipant[participantID]
		if !ok {
			s = &domain.Submission{ParticipantID: participantID, Scores: map[string]float64{}, SubmittedAt: at}
			byParticipant[participantID] = s
		}
		s.Scores[criterion] = value
		if at.Before(s.SubmittedAt) {
			s.SubmittedAt = at
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]domain.Submission, 0, len(byParticipant))
	for _, s := range byParticipant {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}
