package model

import (
	"encoding/json"
	"strings"
	"time"
)

type GeocodingStatus string

const (
	GeocodingStatusPending          GeocodingStatus = "PENDING"
	GeocodingStatusQueued           GeocodingStatus = "QUEUED"
	GeocodingStatusProcessing       GeocodingStatus = "PROCESSING"
	GeocodingStatusGeocoded         GeocodingStatus = "GEOCODED"
	GeocodingStatusTransientFailure GeocodingStatus = "TRANSIENT_FAILURE"
	GeocodingStatusPermanentFailure GeocodingStatus = "PERMANENT_FAILURE"
	GeocodingStatusNotGeocodable    GeocodingStatus = "NOT_GEOCODABLE"
	GeocodingStatusDisabled         GeocodingStatus = "DISABLED"
)

// EligibleGeocodingStatuses are the statuses a batch may select from.
var EligibleGeocodingStatuses = []GeocodingStatus{
	GeocodingStatusPending,
	GeocodingStatusQueued,
	GeocodingStatusTransientFailure,
}

var AllGeocodingStatuses = []GeocodingStatus{
	GeocodingStatusPending,
	GeocodingStatusQueued,
	GeocodingStatusProcessing,
	GeocodingStatusGeocoded,
	GeocodingStatusTransientFailure,
	GeocodingStatusPermanentFailure,
	GeocodingStatusNotGeocodable,
	GeocodingStatusDisabled,
}

// Address (domicilio) is one physical address referenced by case records.
// Street, number and locality id identify it; coordinates are immutable once geocoded.
type Address struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	Street          string `gorm:"not null;default:'';uniqueIndex:domicilios_identity_idx"`
	Number          string `gorm:"not null;default:'';uniqueIndex:domicilios_identity_idx"`
	LocalityID      string `gorm:"not null;default:'';uniqueIndex:domicilios_identity_idx"`
	Locality        string `gorm:"type:TEXT"`
	Province        string `gorm:"type:TEXT"`
	Country         string `gorm:"type:TEXT"`
	Latitude        *float64
	Longitude       *float64
	GeocodingStatus GeocodingStatus `gorm:"not null;type:VARCHAR(32);default:'PENDING';index:domicilios_status_idx"`
	Provider        *string         `gorm:"type:VARCHAR(32)"`
	Confidence      *float64
	AttemptCount    int     `gorm:"not null;default:0"`
	LastError       *string `gorm:"type:TEXT"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (Address) TableName() string {
	return "domicilios"
}

type AddressList []Address

func (a Address) String() string {
	val, _ := json.Marshal(a)
	return string(val)
}

// IsGeocodable reports whether the address carries the minimum fields a provider needs.
func (a Address) IsGeocodable() bool {
	return strings.TrimSpace(a.Street) != "" && strings.TrimSpace(a.Number) != ""
}

// GeocodingStats holds address counts keyed by geocoding status.
type GeocodingStats map[GeocodingStatus]int64

func (s GeocodingStats) Total() int64 {
	var total int64
	for _, c := range s {
		total += c
	}
	return total
}
