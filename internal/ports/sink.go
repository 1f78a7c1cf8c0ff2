package ports

import "github.com/eminmutu/sweepflow/internal/domain"

// RunSink persists finalized run snapshots to a downstream system (database
// archive, on-disk journal, caller callback).
type RunSink interface {
	WriteRuns(runs []domain.RunSnapshot) error
	Name() string
}
