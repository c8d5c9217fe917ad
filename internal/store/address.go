package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/episurv/surveillance/internal/store/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Address interface for domicilio geocoding-state operations.
type Address interface {
	EnsurePending(ctx context.Context, address model.Address) (*model.Address, bool, error)
	Get(ctx context.Context, id uint) (*model.Address, error)
	List(ctx context.Context, filter *AddressQueryFilter) (model.AddressList, error)
	ClaimEligible(ctx context.Context, limit int, maxAttempts int) (model.AddressList, error)
	SaveOutcomes(ctx context.Context, addresses model.AddressList) error
	CountEligible(ctx context.Context, maxAttempts int) (int64, error)
	CountByStatus(ctx context.Context) (model.GeocodingStats, error)
	RequeueDisabled(ctx context.Context) (int64, error)
}

type AddressStore struct {
	db *gorm.DB
}

// Make sure we conform to Address interface
var _ Address = (*AddressStore)(nil)

func NewAddressStore(db *gorm.DB) Address {
	return &AddressStore{db: db}
}

// EnsurePending returns the address with the same (street, number, locality id) identity,
// inserting it as PENDING when it does not exist yet. The boolean is true on insert.
func (s *AddressStore) EnsurePending(ctx context.Context, address model.Address) (*model.Address, bool, error) {
	address.ID = 0
	address.GeocodingStatus = model.GeocodingStatusPending
	address.AttemptCount = 0
	address.Latitude = nil
	address.Longitude = nil

	result := s.getDB(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&address)
	if result.Error != nil {
		return nil, false, fmt.Errorf("creating address: %w", result.Error)
	}
	if result.RowsAffected == 1 && address.ID != 0 {
		return &address, true, nil
	}

	var existing model.Address
	err := s.getDB(ctx).
		Where("street = ? AND number = ? AND locality_id = ?", address.Street, address.Number, address.LocalityID).
		First(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, ErrRecordNotFound
		}
		return nil, false, fmt.Errorf("querying address: %w", err)
	}
	return &existing, false, nil
}

func (s *AddressStore) Get(ctx context.Context, id uint) (*model.Address, error) {
	var address model.Address
	if err := s.getDB(ctx).First(&address, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying address: %w", err)
	}
	return &address, nil
}

func (s *AddressStore) List(ctx context.Context, filter *AddressQueryFilter) (model.AddressList, error) {
	var addresses model.AddressList
	tx := s.getDB(ctx).Model(&addresses).Order("id")

	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}

	if err := tx.Find(&addresses).Error; err != nil {
		return nil, err
	}
	return addresses, nil
}

// ClaimEligible selects up to limit addresses in PENDING, QUEUED or TRANSIENT_FAILURE with
// attempts left, ordered by id, and marks them PROCESSING. It must run inside a transaction
// context so the claim and the outcome writes form one commit unit. On postgres the selected
// rows are locked with SKIP LOCKED so concurrent batches never share a row.
func (s *AddressStore) ClaimEligible(ctx context.Context, limit int, maxAttempts int) (model.AddressList, error) {
	db := s.getDB(ctx)

	query := db.Model(&model.Address{}).
		Where("geocoding_status IN ?", model.EligibleGeocodingStatuses).
		Where("attempt_count < ?", maxAttempts).
		Order("id").
		Limit(limit)
	if db.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}

	var addresses model.AddressList
	if err := query.Find(&addresses).Error; err != nil {
		return nil, fmt.Errorf("selecting eligible addresses: %w", err)
	}
	if len(addresses) == 0 {
		return addresses, nil
	}

	ids := make([]uint, 0, len(addresses))
	for _, a := range addresses {
		ids = append(ids, a.ID)
	}

	now := time.Now().UTC()
	result := db.Model(&model.Address{}).
		Where("id IN ?", ids).
		Where("geocoding_status IN ?", model.EligibleGeocodingStatuses).
		Updates(map[string]any{
			"geocoding_status": model.GeocodingStatusProcessing,
			"updated_at":       now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("claiming addresses: %w", result.Error)
	}
	if result.RowsAffected != int64(len(ids)) {
		return nil, fmt.Errorf("claimed %d of %d addresses: %w", result.RowsAffected, len(ids), ErrStaleWrite)
	}

	for i := range addresses {
		addresses[i].GeocodingStatus = model.GeocodingStatusProcessing
		addresses[i].UpdatedAt = now
	}
	return addresses, nil
}

// SaveOutcomes writes the geocoding state of claimed addresses. Only rows still PROCESSING
// are written, so a GEOCODED address can never be overwritten, and attempt counts never go down.
func (s *AddressStore) SaveOutcomes(ctx context.Context, addresses model.AddressList) error {
	db := s.getDB(ctx)
	now := time.Now().UTC()

	for _, a := range addresses {
		if a.GeocodingStatus == model.GeocodingStatusProcessing {
			return fmt.Errorf("address %d has no outcome", a.ID)
		}
		result := db.Model(&model.Address{}).
			Where("id = ?", a.ID).
			Where("geocoding_status = ?", model.GeocodingStatusProcessing).
			Where("attempt_count <= ?", a.AttemptCount).
			Updates(map[string]any{
				"geocoding_status": a.GeocodingStatus,
				"latitude":         a.Latitude,
				"longitude":        a.Longitude,
				"provider":         a.Provider,
				"confidence":       a.Confidence,
				"attempt_count":    a.AttemptCount,
				"last_error":       a.LastError,
				"updated_at":       now,
			})
		if result.Error != nil {
			return fmt.Errorf("saving outcome of address %d: %w", a.ID, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("saving outcome of address %d: %w", a.ID, ErrStaleWrite)
		}
	}
	return nil
}

// CountEligible counts the addresses a future batch could still select.
func (s *AddressStore) CountEligible(ctx context.Context, maxAttempts int) (int64, error) {
	var count int64
	err := s.getDB(ctx).Model(&model.Address{}).
		Where("geocoding_status IN ?", model.EligibleGeocodingStatuses).
		Where("attempt_count < ?", maxAttempts).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("counting eligible addresses: %w", err)
	}
	return count, nil
}

func (s *AddressStore) CountByStatus(ctx context.Context) (model.GeocodingStats, error) {
	var rows []struct {
		Status model.GeocodingStatus
		Count  int64
	}
	err := s.getDB(ctx).Model(&model.Address{}).
		Select("geocoding_status AS status, COUNT(*) AS count").
		Group("geocoding_status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("counting addresses by status: %w", err)
	}

	stats := make(model.GeocodingStats, len(model.AllGeocodingStatuses))
	for _, status := range model.AllGeocodingStatuses {
		stats[status] = 0
	}
	for _, r := range rows {
		stats[r.Status] = r.Count
	}
	return stats, nil
}

// RequeueDisabled moves DISABLED addresses back to QUEUED. Attempt counts are kept.
func (s *AddressStore) RequeueDisabled(ctx context.Context) (int64, error) {
	result := s.getDB(ctx).Model(&model.Address{}).
		Where("geocoding_status = ?", model.GeocodingStatusDisabled).
		Updates(map[string]any{
			"geocoding_status": model.GeocodingStatusQueued,
			"last_error":       nil,
			"updated_at":       time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("requeueing disabled addresses: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *AddressStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db.WithContext(ctx)
}
