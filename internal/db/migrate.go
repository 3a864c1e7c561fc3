package db

import (
	"fmt"

	"github.com/fabianlipp/telegram-shoutout-bot/internal/config"
	"github.com/fabianlipp/telegram-shoutout-bot/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Channel{},
		&models.Subscription{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedChannels upserts Channel rows from configuration. Existing channels
// (matched case-insensitively) get their attributes updated; channels not
// listed in the configuration are left alone.
func SeedChannels(gdb *gorm.DB, channels []config.ChannelConfig) error {
	for _, cc := range channels {
		ch := models.Channel{
			Name:        cc.Name,
			NameKey:     models.ChannelKey(cc.Name),
			Description: cc.Description,
			Default:     cc.Default,
			Mandatory:   cc.Mandatory,
			Filter:      cc.Filter,
		}
		result := gdb.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "description", "is_default", "is_mandatory", "filter"}),
		}).Create(&ch)
		if result.Error != nil {
			return fmt.Errorf("db: seed channel %q: %w", cc.Name, result.Error)
		}
	}
	return nil
}
