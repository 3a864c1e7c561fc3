// Package store provides transactional access to users, channels and
// subscriptions.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/fabianlipp/telegram-shoutout-bot/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when a user or channel does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrTokenMismatch is returned by CompleteRegistration when the
	// presented token is not the user's pending token.
	ErrTokenMismatch = errors.New("store: registration token mismatch")
)

// Store wraps the database handle. All reads and writes go through Scope.
type Store struct {
	db *gorm.DB
}

// New creates a Store.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	return &Store{db: db}, nil
}

// Scope runs fn inside a single transaction. The transaction commits when
// fn returns nil and rolls back when fn returns an error or panics; the
// transaction is released on every path.
func (s *Store) Scope(ctx context.Context, fn func(tx *Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(g *gorm.DB) error {
		return fn(&Tx{db: g})
	})
}

// Tx exposes the store operations inside a transaction scope. A Tx must
// not be used after its scope returns.
type Tx struct {
	db *gorm.DB
}

// GetUser returns the user with the given chat id or ErrNotFound.
func (t *Tx) GetUser(chatID int64) (*models.User, error) {
	var u models.User
	if err := t.db.First(&u, "chat_id = ?", chatID).Error; err != nil {
		return nil, notFound(err, "get user %d", chatID)
	}
	return &u, nil
}

// AddUser creates the user and subscribes it to every default channel.
// Adding an existing user is a no-op; created reports which case applied.
// Existence is checked up front because MySQL reports a matched duplicate
// as an affected row under ClientFoundRows.
func (t *Tx) AddUser(chatID int64, p models.Profile) (created bool, err error) {
	var count int64
	if err := t.db.Model(&models.User{}).Where("chat_id = ?", chatID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("store: add user %d: %w", chatID, err)
	}
	if count > 0 {
		return false, nil
	}
	u := models.User{ChatID: chatID}
	p.Apply(&u)
	if err := t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&u).Error; err != nil {
		return false, fmt.Errorf("store: add user %d: %w", chatID, err)
	}

	var defaults []models.Channel
	if err := t.db.Where("is_default = ?", true).Find(&defaults).Error; err != nil {
		return false, fmt.Errorf("store: default channels: %w", err)
	}
	for _, ch := range defaults {
		if _, err := t.AddSubscription(chatID, ch.ID); err != nil {
			return false, err
		}
	}
	return true, nil
}

// UpdateProfile refreshes the display name fields of an existing user.
func (t *Tx) UpdateProfile(chatID int64, p models.Profile) error {
	result := t.db.Model(&models.User{}).Where("chat_id = ?", chatID).
		Updates(map[string]interface{}{
			"user_name":  p.UserName,
			"first_name": p.FirstName,
			"last_name":  p.LastName,
		})
	if result.Error != nil {
		return fmt.Errorf("store: update profile %d: %w", chatID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: update profile %d: %w", chatID, ErrNotFound)
	}
	return nil
}

// DeleteUser removes the user and all of its subscriptions.
func (t *Tx) DeleteUser(chatID int64) error {
	if err := t.db.Where("user_chat_id = ?", chatID).Delete(&models.Subscription{}).Error; err != nil {
		return fmt.Errorf("store: delete subscriptions of %d: %w", chatID, err)
	}
	result := t.db.Delete(&models.User{}, "chat_id = ?", chatID)
	if result.Error != nil {
		return fmt.Errorf("store: delete user %d: %w", chatID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: delete user %d: %w", chatID, ErrNotFound)
	}
	return nil
}

// GetAllUsers returns every known user ordered by chat id.
func (t *Tx) GetAllUsers() ([]models.User, error) {
	var users []models.User
	if err := t.db.Order("chat_id").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("store: all users: %w", err)
	}
	return users, nil
}

// SetExternalAccount links (or, with nil, unlinks) the directory identity.
// Linking clears any pending registration token.
func (t *Tx) SetExternalAccount(chatID int64, account *string) error {
	updates := map[string]interface{}{"external_account": account}
	if account != nil {
		updates["register_token"] = nil
	}
	result := t.db.Model(&models.User{}).Where("chat_id = ?", chatID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("store: set external account %d: %w", chatID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: set external account %d: %w", chatID, ErrNotFound)
	}
	return nil
}

// SetRegisterToken stores a new pending registration token, superseding
// any previous one.
func (t *Tx) SetRegisterToken(chatID int64, token string) error {
	result := t.db.Model(&models.User{}).Where("chat_id = ?", chatID).
		Update("register_token", token)
	if result.Error != nil {
		return fmt.Errorf("store: set register token %d: %w", chatID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: set register token %d: %w", chatID, ErrNotFound)
	}
	return nil
}

// CompleteRegistration consumes the pending token and links the account.
// It returns ErrNotFound for an unknown user and ErrTokenMismatch when the
// token does not match; neither case modifies the user.
func (t *Tx) CompleteRegistration(chatID int64, token, account string) error {
	u, err := t.GetUser(chatID)
	if err != nil {
		return err
	}
	if u.RegisterToken == nil || token == "" || *u.RegisterToken != token {
		return ErrTokenMismatch
	}
	return t.SetExternalAccount(chatID, &account)
}

// GetChannelByName looks a channel up by name, ignoring case.
func (t *Tx) GetChannelByName(name string) (*models.Channel, error) {
	var ch models.Channel
	if err := t.db.First(&ch, "name_key = ?", models.ChannelKey(name)).Error; err != nil {
		return nil, notFound(err, "get channel %q", name)
	}
	return &ch, nil
}

// GetChannelByID returns the channel with the given id or ErrNotFound.
func (t *Tx) GetChannelByID(id uint) (*models.Channel, error) {
	var ch models.Channel
	if err := t.db.First(&ch, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "get channel %d", id)
	}
	return &ch, nil
}

// GetChannels returns all channels ordered by name.
func (t *Tx) GetChannels() ([]models.Channel, error) {
	var channels []models.Channel
	if err := t.db.Order("name_key").Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("store: channels: %w", err)
	}
	return channels, nil
}

// CreateChannel provisions a new channel.
func (t *Tx) CreateChannel(ch *models.Channel) error {
	if err := t.db.Create(ch).Error; err != nil {
		return fmt.Errorf("store: create channel %q: %w", ch.Name, err)
	}
	return nil
}

// DeleteChannel removes a channel and every subscription to it.
func (t *Tx) DeleteChannel(id uint) error {
	if err := t.db.Where("channel_id = ?", id).Delete(&models.Subscription{}).Error; err != nil {
		return fmt.Errorf("store: delete subscriptions of channel %d: %w", id, err)
	}
	result := t.db.Delete(&models.Channel{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("store: delete channel %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: delete channel %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetSubscriptions returns the channels the user is subscribed to.
func (t *Tx) GetSubscriptions(chatID int64) ([]models.Channel, error) {
	var channels []models.Channel
	err := t.db.Joins("JOIN subscriptions ON subscriptions.channel_id = channels.id").
		Where("subscriptions.user_chat_id = ?", chatID).
		Order("channels.name_key").
		Find(&channels).Error
	if err != nil {
		return nil, fmt.Errorf("store: subscriptions of %d: %w", chatID, err)
	}
	return channels, nil
}

// GetUnsubscribedChannels returns the channels the user is not subscribed to.
func (t *Tx) GetUnsubscribedChannels(chatID int64) ([]models.Channel, error) {
	var channels []models.Channel
	err := t.db.Where("id NOT IN (?)",
		t.db.Model(&models.Subscription{}).Select("channel_id").Where("user_chat_id = ?", chatID),
	).Order("name_key").Find(&channels).Error
	if err != nil {
		return nil, fmt.Errorf("store: unsubscribed channels of %d: %w", chatID, err)
	}
	return channels, nil
}

// IsSubscribed reports whether the user holds a subscription to the channel.
func (t *Tx) IsSubscribed(chatID int64, channelID uint) (bool, error) {
	var count int64
	err := t.db.Model(&models.Subscription{}).
		Where("user_chat_id = ? AND channel_id = ?", chatID, channelID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("store: is subscribed %d/%d: %w", chatID, channelID, err)
	}
	return count > 0, nil
}

// AddSubscription subscribes the user to the channel. added is false when
// the subscription already existed.
func (t *Tx) AddSubscription(chatID int64, channelID uint) (added bool, err error) {
	exists, err := t.IsSubscribed(chatID, channelID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	err = t.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.Subscription{UserChatID: chatID, ChannelID: channelID}).Error
	if err != nil {
		return false, fmt.Errorf("store: add subscription %d/%d: %w", chatID, channelID, err)
	}
	return true, nil
}

// RemoveSubscription removes the subscription. removed is false when the
// user was not subscribed. Mandatory channels are enforced by callers.
func (t *Tx) RemoveSubscription(chatID int64, channelID uint) (removed bool, err error) {
	result := t.db.Where("user_chat_id = ? AND channel_id = ?", chatID, channelID).
		Delete(&models.Subscription{})
	if result.Error != nil {
		return false, fmt.Errorf("store: remove subscription %d/%d: %w", chatID, channelID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// GetSubscribers returns the users currently subscribed to the channel,
// ordered by chat id.
func (t *Tx) GetSubscribers(channelID uint) ([]models.User, error) {
	var users []models.User
	err := t.db.Joins("JOIN subscriptions ON subscriptions.user_chat_id = users.chat_id").
		Where("subscriptions.channel_id = ?", channelID).
		Order("users.chat_id").
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("store: subscribers of channel %d: %w", channelID, err)
	}
	return users, nil
}

// notFound maps gorm.ErrRecordNotFound to ErrNotFound and wraps everything
// else with the operation description.
func notFound(err error, format string, args ...interface{}) error {
	op := fmt.Sprintf(format, args...)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("store: %s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("store: %s: %w", op, err)
}
