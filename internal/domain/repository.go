package domain

import "context"

// JobArchive persists terminal job outcomes for the job-list view. A nil
// archive disables persistence; progress tracking never depends on it.
type JobArchive interface {
	RecordStart(ctx context.Context, rec *JobRecord) error
	RecordFinish(ctx context.Context, rec *JobRecord) error
	GetByID(ctx context.Context, id JobID) (*JobRecord, error)
	ListRecent(ctx context.Context, limit int) ([]JobRecord, error)
}
