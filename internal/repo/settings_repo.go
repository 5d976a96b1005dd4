package repo

import (
	"context"
	"errors"

	"github.com/libraryhub/services/library/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrSettingsNotFound is returned when no library settings row exists yet.
// Loan operations fail closed until a librarian configures the policy.
var ErrSettingsNotFound = errors.New("library settings not found")

// settingsRowID pins the policy record to a single slot instead of relying
// on arbitrary row order.
const settingsRowID = 1

// SettingsRepository handles the singleton library policy record
type SettingsRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository(database *db.DB, logger *zap.Logger) *SettingsRepository {
	return &SettingsRepository{
		db:  database,
		log: logger,
	}
}

// Get returns the active policy record
func (r *SettingsRepository) Get(ctx context.Context) (*db.LibrarySettings, error) {
	var settings db.LibrarySettings
	err := r.db.WithContext(ctx).First(&settings, settingsRowID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSettingsNotFound
		}
		r.log.Error("Failed to get settings", zap.Error(err))
		return nil, err
	}

	return &settings, nil
}

// Update creates or replaces the policy record
func (r *SettingsRepository) Update(ctx context.Context, maxBookLimit int, penaltyPerDay int64) (*db.LibrarySettings, error) {
	settings := &db.LibrarySettings{
		ID:            settingsRowID,
		MaxBookLimit:  maxBookLimit,
		PenaltyPerDay: penaltyPerDay,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing db.LibrarySettings
		err := tx.First(&existing, settingsRowID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(settings).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&db.LibrarySettings{}).
			Where("id = ?", settingsRowID).
			Updates(map[string]interface{}{
				"max_book_limit":  maxBookLimit,
				"penalty_per_day": penaltyPerDay,
			}).Error
	})
	if err != nil {
		r.log.Error("Failed to update settings", zap.Error(err))
		return nil, err
	}

	r.log.Info("Settings updated",
		zap.Int("max_book_limit", maxBookLimit),
		zap.Int64("penalty_per_day", penaltyPerDay),
	)
	return settings, nil
}
