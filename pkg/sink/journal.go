package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fluxorio/orchestrator/pkg/agent"
	"github.com/fluxorio/orchestrator/pkg/journal"
)

// JournalSink appends results as JSON records to a segment journal.
type JournalSink struct {
	journal *journal.Journal
}

func NewJournalSink(j *journal.Journal) (*JournalSink, error) {
	if j == nil {
		return nil, fmt.Errorf("journal sink requires a journal")
	}
	return &JournalSink{journal: j}, nil
}

func (s *JournalSink) Name() string { return "journal" }

func (s *JournalSink) Save(ctx context.Context, r agent.OrchestrationResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = s.journal.Append(data)
	return err
}

// Replay decodes up to limit journaled results starting at offset from.
func (s *JournalSink) Replay(from journal.Offset, limit int) ([]agent.OrchestrationResult, error) {
	recs, err := s.journal.Read(from, limit)
	if err != nil {
		return nil, err
	}
	out := make([]agent.OrchestrationResult, 0, len(recs))
	for _, rec := range recs {
		var r agent.OrchestrationResult
		if err := json.Unmarshal(rec.Data, &r); err != nil {
			return nil, fmt.Errorf("decode record %d: %w", rec.Offset, err)
		}
		out = append(out, r)
	}
	return out, nil
}
