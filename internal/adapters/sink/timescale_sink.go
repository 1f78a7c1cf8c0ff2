package sink

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/eminmutu/sweepflow/internal/domain"
	"github.com/eminmutu/sweepflow/internal/ports"
)

// TimescaleSink archives finalized runs to a Postgres/Timescale table, one
// row per run, the point arrays as JSON.
type TimescaleSink struct {
	db        *sql.DB
	tableName string
}

func NewTimescaleSink(db *sql.DB, table string) *TimescaleSink {
	return &TimescaleSink{db: db, tableName: table}
}

func (t *TimescaleSink) Name() string { return "timescaledb" }

func (t *TimescaleSink) WriteRuns(runs []domain.RunSnapshot) error {
	if len(runs) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(t.tableName)
	b.WriteString(" (run_id, run_index, started_at, finished_at, point_count, adjusted, partial, levels, responses, corrected) VALUES ")

	args := make([]any, 0, len(runs)*10)
	for i, run := range runs {
		if i > 0 {
			b.WriteString(",")
		}
		base := len(args)
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10))

		levels, err := json.Marshal(run.MeasuredLevels)
		if err != nil {
			return fmt.Errorf("marshal levels: %w", err)
		}
		responses, err := json.Marshal(run.MeasuredResponses)
		if err != nil {
			return fmt.Errorf("marshal responses: %w", err)
		}
		corrected, err := json.Marshal(run.CorrectedLevels)
		if err != nil {
			return fmt.Errorf("marshal corrected: %w", err)
		}

		args = append(args,
			run.RunID,
			run.RunIndex,
			run.StartedAt,
			run.FinishedAt,
			run.PointCount,
			run.Adjusted,
			run.Partial,
			levels,
			responses,
			corrected,
		)
	}

	b.WriteString(" ON CONFLICT (run_id) DO NOTHING")

	_, err := t.db.Exec(b.String(), args...)
	return err
}

var _ ports.RunSink = (*TimescaleSink)(nil)
