package repository

import "database/sql"

// PostgresStore is the Postgres backed Store.
type PostgresStore struct {
	*StepRepository
	*EnrollmentRepository
	*AttemptRepository
	*PolicyRepository
	*StagingRepository
	*SnapshotRepository
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		StepRepository:       &StepRepository{DB: db},
		EnrollmentRepository: &EnrollmentRepository{DB: db},
		AttemptRepository:    &AttemptRepository{DB: db},
		PolicyRepository:     &PolicyRepository{DB: db},
		StagingRepository:    &StagingRepository{DB: db},
		SnapshotRepository:   &SnapshotRepository{DB: db},
	}
}
