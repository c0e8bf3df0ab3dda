//nolint:lll // struct tags can't be split
package deyvam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// SettingKey names a guild setting. Keys are also the column names in
// the settings table.
type SettingKey string

const (
	SettingWelcomeChannel   SettingKey = "welcome_channel_id"
	SettingGoodbyeChannel   SettingKey = "goodbye_channel_id"
	SettingVoiceLogChannel  SettingKey = "voice_log_channel_id"
	SettingTicketCategory   SettingKey = "ticket_category_id"
	SettingTicketLogChannel SettingKey = "ticket_log_channel_id"
	SettingStaffRole        SettingKey = "staff_role_id"
	SettingMobileGamerRole  SettingKey = "mobile_gamer_role_id"
	SettingPCPlayerRole     SettingKey = "pc_player_role_id"
)

var settingKeys = []SettingKey{
	SettingWelcomeChannel,
	SettingGoodbyeChannel,
	SettingVoiceLogChannel,
	SettingTicketCategory,
	SettingTicketLogChannel,
	SettingStaffRole,
	SettingMobileGamerRole,
	SettingPCPlayerRole,
}

var errUnknownSetting = errors.New("unknown setting")

// SettingsProvider is how handlers read and write guild settings. Values
// are read at call time, so changes apply to the next event handled.
// An unset value is the empty string.
type SettingsProvider interface {
	Get(ctx context.Context, key SettingKey) (string, error)
	Set(ctx context.Context, key SettingKey, value string) error
}

// GuildSettings holds the channel and role IDs the bot is configured with
type GuildSettings struct {
	WelcomeChannelID   string `json:"welcome_channel_id" yaml:"welcome_channel_id" mapstructure:"welcome_channel_id" gorm:"type:string"`
	GoodbyeChannelID   string `json:"goodbye_channel_id" yaml:"goodbye_channel_id" mapstructure:"goodbye_channel_id" gorm:"type:string"`
	VoiceLogChannelID  string `json:"voice_log_channel_id" yaml:"voice_log_channel_id" mapstructure:"voice_log_channel_id" gorm:"type:string"`
	TicketCategoryID   string `json:"ticket_category_id" yaml:"ticket_category_id" mapstructure:"ticket_category_id" gorm:"type:string"`
	TicketLogChannelID string `json:"ticket_log_channel_id" yaml:"ticket_log_channel_id" mapstructure:"ticket_log_channel_id" gorm:"type:string"`
	StaffRoleID        string `json:"staff_role_id" yaml:"staff_role_id" mapstructure:"staff_role_id" gorm:"type:string"`
	MobileGamerRoleID  string `json:"mobile_gamer_role_id" yaml:"mobile_gamer_role_id" mapstructure:"mobile_gamer_role_id" gorm:"type:string"`
	PCPlayerRoleID     string `json:"pc_player_role_id" yaml:"pc_player_role_id" mapstructure:"pc_player_role_id" gorm:"type:string"`
}

func (g *GuildSettings) field(key SettingKey) (*string, error) {
	switch key {
	case SettingWelcomeChannel:
		return &g.WelcomeChannelID, nil
	case SettingGoodbyeChannel:
		return &g.GoodbyeChannelID, nil
	case SettingVoiceLogChannel:
		return &g.VoiceLogChannelID, nil
	case SettingTicketCategory:
		return &g.TicketCategoryID, nil
	case SettingTicketLogChannel:
		return &g.TicketLogChannelID, nil
	case SettingStaffRole:
		return &g.StaffRoleID, nil
	case SettingMobileGamerRole:
		return &g.MobileGamerRoleID, nil
	case SettingPCPlayerRole:
		return &g.PCPlayerRoleID, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownSetting, key)
	}
}

// Get returns the value for key
func (g GuildSettings) Get(key SettingKey) (string, error) {
	p, err := g.field(key)
	if err != nil {
		return "", err
	}
	return *p, nil
}

// RuntimeConfig is the single settings row. It's loaded at startup,
// cached, and reloaded when changed (by this or another instance).
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime
	GuildSettings

	// PresenceEnabled toggles the "Watching N Members" activity
	PresenceEnabled bool `json:"presence_enabled" gorm:"not null;default:true"`

	// AdminUsername for the admin API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the argon2id hash of the admin password
	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`

	LogLevel          DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level"`
	DiscordLogLevel   DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level"`
	DiscordGoLogLevel DBLogLevel `gorm:"default:WARN;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level"`
	DatabaseLogLevel  DBLogLevel `gorm:"default:WARN;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level"`
	APILogLevel       DBLogLevel `gorm:"default:INFO;column:api_log_level;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level"`
	TicketLogLevel    DBLogLevel `gorm:"default:INFO;type:string;check:ticket_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"ticket_log_level"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func (c RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DefaultRuntimeConfig returns the settings row created on first start,
// seeded with the given guild settings.
func DefaultRuntimeConfig(seed GuildSettings) RuntimeConfig {
	return RuntimeConfig{
		GuildSettings:     seed,
		PresenceEnabled:   true,
		LogLevel:          DBLogLevelInfo,
		DiscordLogLevel:   DBLogLevelInfo,
		DiscordGoLogLevel: DBLogLevelWarn,
		DatabaseLogLevel:  DBLogLevelWarn,
		APILogLevel:       DBLogLevelInfo,
		TicketLogLevel:    DBLogLevelInfo,
	}
}

// RuntimeConfigUpdate is a partial update; nil fields are left unchanged
type RuntimeConfigUpdate struct {
	WelcomeChannelID   *string `json:"welcome_channel_id,omitempty" binding:"omitnil,numeric|len=0"`
	GoodbyeChannelID   *string `json:"goodbye_channel_id,omitempty" binding:"omitnil,numeric|len=0"`
	VoiceLogChannelID  *string `json:"voice_log_channel_id,omitempty" binding:"omitnil,numeric|len=0"`
	TicketCategoryID   *string `json:"ticket_category_id,omitempty" binding:"omitnil,numeric|len=0"`
	TicketLogChannelID *string `json:"ticket_log_channel_id,omitempty" binding:"omitnil,numeric|len=0"`
	StaffRoleID        *string `json:"staff_role_id,omitempty" binding:"omitnil,numeric|len=0"`
	MobileGamerRoleID  *string `json:"mobile_gamer_role_id,omitempty" binding:"omitnil,numeric|len=0"`
	PCPlayerRoleID     *string `json:"pc_player_role_id,omitempty" binding:"omitnil,numeric|len=0"`

	PresenceEnabled *bool `json:"presence_enabled,omitempty"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	TicketLogLevel    *DBLogLevel `json:"ticket_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (u RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(u)
}

// columns returns the column/value pairs to update
func (u RuntimeConfigUpdate) columns() map[string]any {
	cols := map[string]any{}
	strs := map[SettingKey]*string{
		SettingWelcomeChannel:   u.WelcomeChannelID,
		SettingGoodbyeChannel:   u.GoodbyeChannelID,
		SettingVoiceLogChannel:  u.VoiceLogChannelID,
		SettingTicketCategory:   u.TicketCategoryID,
		SettingTicketLogChannel: u.TicketLogChannelID,
		SettingStaffRole:        u.StaffRoleID,
		SettingMobileGamerRole:  u.MobileGamerRoleID,
		SettingPCPlayerRole:     u.PCPlayerRoleID,
	}
	for k, v := range strs {
		if v != nil {
			cols[string(k)] = *v
		}
	}
	if u.PresenceEnabled != nil {
		cols["presence_enabled"] = *u.PresenceEnabled
	}
	levels := map[string]*DBLogLevel{
		"log_level":           u.LogLevel,
		"discord_log_level":   u.DiscordLogLevel,
		"discordgo_log_level": u.DiscordGoLogLevel,
		"database_log_level":  u.DatabaseLogLevel,
		"api_log_level":       u.APILogLevel,
		"ticket_log_level":    u.TicketLogLevel,
	}
	for k, v := range levels {
		if v != nil {
			cols[k] = *v
		}
	}
	return cols
}

// settingsStore caches the RuntimeConfig row and implements
// SettingsProvider on top of it.
type settingsStore struct {
	db     DBI
	logger *slog.Logger

	mu  sync.RWMutex
	cfg *RuntimeConfig

	// onChange is called with the new config after every load or update
	onChange func(RuntimeConfig)

	// notify tells other instances to reload
	notify func(ctx context.Context)
}

func newSettingsStore(db DBI, logger *slog.Logger) *settingsStore {
	return &settingsStore{db: db, logger: logger}
}

// loadOrCreate loads the settings row, creating it from seed if it
// doesn't exist yet.
func (s *settingsStore) loadOrCreate(ctx context.Context, seed GuildSettings) error {
	var cfg RuntimeConfig
	err := s.db.DB().WithContext(ctx).Last(&cfg).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		cfg = DefaultRuntimeConfig(seed)
		s.logger.InfoContext(ctx, "creating settings", "settings", cfg)
		if _, err = s.db.Create(ctx, &cfg); err != nil {
			return fmt.Errorf("error creating settings: %w", err)
		}
	case err != nil:
		return fmt.Errorf("error loading settings: %w", err)
	}
	s.store(cfg)
	return nil
}

// Reload re-reads the settings row from the database
func (s *settingsStore) Reload(ctx context.Context) error {
	s.mu.RLock()
	id := uint(0)
	if s.cfg != nil {
		id = s.cfg.ID
	}
	s.mu.RUnlock()

	var cfg RuntimeConfig
	if err := s.db.DB().WithContext(ctx).Where("id = ?", id).Last(&cfg).Error; err != nil {
		return fmt.Errorf("error reloading settings: %w", err)
	}
	s.store(cfg)
	return nil
}

func (s *settingsStore) store(cfg RuntimeConfig) {
	s.mu.Lock()
	s.cfg = &cfg
	s.mu.Unlock()
	if s.onChange != nil {
		s.onChange(cfg)
	}
}

// RuntimeConfig returns a copy of the current settings
func (s *settingsStore) RuntimeConfig() RuntimeConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return RuntimeConfig{}
	}
	return *s.cfg
}

func (s *settingsStore) Get(_ context.Context, key SettingKey) (string, error) {
	cfg := s.RuntimeConfig()
	return cfg.GuildSettings.Get(key)
}

func (s *settingsStore) Set(ctx context.Context, key SettingKey, value string) error {
	var probe GuildSettings
	if _, err := probe.field(key); err != nil {
		return err
	}
	_, err := s.Apply(ctx, map[string]any{string(key): value})
	return err
}

// Update validates and applies a partial update
func (s *settingsStore) Update(ctx context.Context, u RuntimeConfigUpdate) (RuntimeConfig, error) {
	if err := u.validate(); err != nil {
		return s.RuntimeConfig(), err
	}
	return s.Apply(ctx, u.columns())
}

// Apply writes the given columns to the settings row, then reloads it
// and notifies other instances.
func (s *settingsStore) Apply(ctx context.Context, columns map[string]any) (RuntimeConfig, error) {
	if len(columns) == 0 {
		return s.RuntimeConfig(), nil
	}
	current := s.RuntimeConfig()
	if current.ID == 0 {
		return current, errors.New("settings not loaded")
	}

	if _, err := s.db.Updates(ctx, &RuntimeConfig{ModelUintID: ModelUintID{ID: current.ID}}, columns); err != nil {
		s.logger.ErrorContext(ctx, "error updating settings", tint.Err(err))
		return current, err
	}
	if err := s.Reload(ctx); err != nil {
		return current, err
	}
	names := make([]string, 0, len(columns))
	for k := range columns {
		names = append(names, k)
	}
	sort.Strings(names)
	s.logger.InfoContext(ctx, "updated settings", "columns", names)
	if s.notify != nil {
		s.notify(ctx)
	}
	return s.RuntimeConfig(), nil
}
