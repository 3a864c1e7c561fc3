package models

import (
	"time"

	"golang.org/x/text/cases"
	"gorm.io/gorm"
)

// Channel is a named broadcast topic. Names are unique ignoring case;
// NameKey holds the case-folded name and carries the unique index.
type Channel struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Name        string `gorm:"size:64;not null"`
	NameKey     string `gorm:"size:64;not null;uniqueIndex"`
	Description string `gorm:"type:text"`
	// Default channels are attached to every newly created user.
	Default bool `gorm:"column:is_default"`
	// Mandatory subscriptions cannot be removed by the user.
	Mandatory bool `gorm:"column:is_mandatory"`
	// Filter is the directory predicate a sender must satisfy to post.
	// An empty filter means nobody may post.
	Filter    string `gorm:"type:text"`
	CreatedAt time.Time
}

// BeforeSave keeps NameKey in sync with Name.
func (c *Channel) BeforeSave(tx *gorm.DB) error {
	c.NameKey = ChannelKey(c.Name)
	return nil
}

// ChannelKey returns the case-folded lookup key for a channel name.
func ChannelKey(name string) string {
	return cases.Fold().String(name)
}

// Subscription links a user to a channel.
type Subscription struct {
	UserChatID int64     `gorm:"primaryKey;autoIncrement:false"`
	ChannelID  uint      `gorm:"primaryKey;autoIncrement:false;index"`
	CreatedAt  time.Time
}
