package auth

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"moltrelay/models"
)

// NonceStore provides atomic insert-if-absent on (pubkey, nonce_hash). The
// boolean result is true when the nonce was accepted, false on replay.
type NonceStore interface {
	Insert(ctx context.Context, pubKey, nonceHash string, now time.Time) (bool, error)
}

// GormNonceStore persists nonces in the relational store so replay defense
// survives restarts within the TTL window.
type GormNonceStore struct {
	db  *gorm.DB
	ttl time.Duration
}

// NewGormNonceStore builds a store sweeping rows older than ttl before each
// insert.
func NewGormNonceStore(db *gorm.DB, ttl time.Duration) *GormNonceStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &GormNonceStore{db: db, ttl: ttl}
}

// Insert sweeps expired rows, then inserts under the composite uniqueness
// constraint. A conflicting row means the nonce was replayed.
func (s *GormNonceStore) Insert(ctx context.Context, pubKey, nonceHash string, now time.Time) (bool, error) {
	db := s.db.WithContext(ctx)
	cutoff := now.Add(-s.ttl)
	if err := db.Where("created_at < ?", cutoff).Delete(&models.AuthNonce{}).Error; err != nil {
		return false, fmt.Errorf("sweep nonces: %w", err)
	}
	record := models.AuthNonce{PubKey: pubKey, NonceHash: nonceHash, CreatedAt: now}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if res.Error != nil {
		return false, fmt.Errorf("insert nonce: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}
