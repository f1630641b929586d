package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bountyline/internal/domain"
)

// ScoreEntry is one line of a judging export.
type ScoreEntry struct {
	ParticipantID string  `yaml:"participant_id"`
	Criterion     string  `yaml:"criterion"`
	Score         float64 `yaml:"score"`
	SubmittedAt   string  `yaml:"submitted_at"`
}

type scoreDocument struct {
	Scores []ScoreEntry `yaml:"scores"`
}

// ParseScores decodes a YAML or JSON score batch, either a bare list or a
// document with a top-level scores key. Timestamps are RFC 3339.
func ParseScores(poolID string, data []byte) ([]domain.ScoreRecord, error) {
	var entries []ScoreEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		var doc scoreDocument
		if derr := yaml.Unmarshal(data, &doc); derr != nil {
			return nil, domain.InputError{Field: "document", Message: "cannot decode: " + derr.Error()}
		}
		entries = doc.Scores
	}
	recs := make([]domain.ScoreRecord, 0, len(entries))
	for i, e := range entries {
		at, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(e.SubmittedAt))
		if err != nil {
			return nil, domain.InputError{Field: fmt.Sprintf("scores[%d].submitted_at", i), Message: "must be an RFC 3339 timestamp"}
		}
		recs = append(recs, domain.ScoreRecord{
			PoolID:        poolID,
			ParticipantID: e.ParticipantID,
			Criterion:     e.Criterion,
			Score:         e.Score,
			SubmittedAt:   at.UTC(),
		})
	}
	return recs, nil
}

// ScoresFromFile reads a score batch from disk.
func ScoresFromFile(poolID, path string) ([]domain.ScoreRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseScores(poolID, data)
}
