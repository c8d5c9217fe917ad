package store

import (
	"context"

	"github.com/episurv/surveillance/internal/store/model"
	"gorm.io/gorm"
)

type Store interface {
	NewTransactionContext(ctx context.Context) (context.Context, error)
	Job() Job
	Address() Address
	RiverJob() RiverJob
	InitialMigration(ctx context.Context) error
	Close() error
}

type DataStore struct {
	db       *gorm.DB
	job      Job
	address  Address
	riverJob RiverJob
}

func NewStore(db *gorm.DB) Store {
	return &DataStore{
		job:      NewJobStore(db),
		address:  NewAddressStore(db),
		riverJob: NewRiverJobStore(db),
		db:       db,
	}
}

func (s *DataStore) NewTransactionContext(ctx context.Context) (context.Context, error) {
	return newTransactionContext(ctx, s.db)
}

func (s *DataStore) Job() Job {
	return s.job
}

func (s *DataStore) Address() Address {
	return s.address
}

func (s *DataStore) RiverJob() RiverJob {
	return s.riverJob
}

// InitialMigration creates or updates the tables from the models. Deployments backed by
// postgres use the goose migrations instead; this is what sqlite and the tests rely on.
func (s *DataStore) InitialMigration(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&model.Job{}, &model.Address{})
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
