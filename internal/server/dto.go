package server

import (
	"time"

	"bountyline/internal/config"
	"bountyline/internal/domain"
)

// Request payloads

type CreatePoolRequest struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name,omitempty"`
	OrganizerID string         `json:"organizer_id"`
	Currency    string         `json:"currency"`
	Rules       domain.RuleSet `json:"rules"`
}

func (r CreatePoolRequest) poolConfig() config.PoolConfig {
	return config.PoolConfig{
		ID:          r.ID,
		Name:        r.Name,
		OrganizerID: r.OrganizerID,
		Currency:    r.Currency,
		Rules:       r.Rules,
	}
}

type DepositRequest struct {
	Amount int64  `json:"amount" minimum:"1"`
	Source string `json:"source,omitempty"`
}

type TransitionRequest struct {
	Status string `json:"status" enum:"open,locked,distributing,closed,cancelled"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RegisterParticipantRequest struct {
	ID          string `json:"id"`
	Rail        string `json:"rail"`
	Destination string `json:"destination"`
}

type ScoreInput struct {
	ParticipantID string    `json:"participant_id"`
	Criterion     string    `json:"criterion"`
	Score         float64   `json:"score"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

type RecordScoresRequest struct {
	Scores []ScoreInput `json:"scores"`
}

type ResolveIssueRequest struct {
	Resolution string `json:"resolution"`
}

// Responses

type RecordScoresResponse struct {
	Recorded int `json:"recorded"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func scoreRecords(poolID string, in []ScoreInput) []domain.ScoreRecord {
	out := make([]domain.ScoreRecord, 0, len(in))
	for _, s := range in {
		out = append(out, domain.ScoreRecord{
			PoolID:        poolID,
			ParticipantID: s.ParticipantID,
			Criterion:     s.Criterion,
			Score:         s.Score,
			SubmittedAt:   s.SubmittedAt,
		})
	}
	return out
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

type ClaimLeaseRequest struct {
	TTLSeconds int `json:"ttl_seconds,omitempty" minimum:"0"`
}
