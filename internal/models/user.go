package models

import "time"

// User is a chat participant known to the bot. ChatID is assigned by the
// chat platform and never changes.
type User struct {
	ChatID    int64  `gorm:"primaryKey;autoIncrement:false"`
	UserName  string `gorm:"size:64"`
	FirstName string `gorm:"size:128"`
	LastName  string `gorm:"size:128"`

	// ExternalAccount is the linked directory identity (a DN). It is only
	// set through the registration protocol.
	ExternalAccount *string `gorm:"size:255"`
	// RegisterToken is the pending single-use registration token. It is
	// nil whenever ExternalAccount is set.
	RegisterToken *string `gorm:"size:64"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Linked reports whether the user has a linked external identity.
func (u *User) Linked() bool {
	return u.ExternalAccount != nil && *u.ExternalAccount != ""
}

// DisplayName returns the best human-readable name for the user.
func (u *User) DisplayName() string {
	switch {
	case u.UserName != "":
		return "@" + u.UserName
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	default:
		return "unknown"
	}
}

// Profile is the mutable display information reported by the chat platform.
type Profile struct {
	UserName  string
	FirstName string
	LastName  string
}

// Apply copies the profile fields onto u.
func (p Profile) Apply(u *User) {
	u.UserName = p.UserName
	u.FirstName = p.FirstName
	u.LastName = p.LastName
}
