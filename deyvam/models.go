//nolint:lll // struct tags can't be split
package deyvam

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// InteractionLog records every interaction the bot receives
type InteractionLog struct {
	ModelUintID
	InteractionID string `json:"interaction_id" gorm:"not null"`
	Type          string `json:"type" gorm:"type:string"`
	Name          string `json:"name" gorm:"type:string"`
	UserID        string `json:"user_id" gorm:"not null;index"`
	Username      string `json:"username" gorm:"type:string"`
	GuildID       string `json:"guild_id" gorm:"type:string"`
	ChannelID     string `json:"channel_id" gorm:"type:string"`
	Payload       string `json:"payload" gorm:"type:string"`
	CreatedAt     int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(i *discordgo.InteractionCreate, u *discordgo.User) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	return &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		Name:          interactionName(i),
		UserID:        u.ID,
		Username:      u.Username,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Payload:       string(p),
	}, nil
}

// interactionName is the command name for slash commands, or the custom
// ID for components
func interactionName(i *discordgo.InteractionCreate) string {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		return i.ApplicationCommandData().Name
	case discordgo.InteractionMessageComponent:
		return i.MessageComponentData().CustomID
	default:
		return ""
	}
}

type TicketEventKind string

const (
	TicketEventCreated TicketEventKind = "created"
	TicketEventClaimed TicketEventKind = "claimed"
	TicketEventClosed  TicketEventKind = "closed"
)

// TicketEvent is an audit row written for each ticket transition. Ticket
// existence is still derived from live channels; these rows are history.
type TicketEvent struct {
	ModelUintID
	ModelUnixTime
	EventID     string          `json:"event_id" gorm:"uniqueIndex;not null"`
	Kind        TicketEventKind `json:"kind" gorm:"type:string;index;not null"`
	GuildID     string          `json:"guild_id" gorm:"type:string"`
	ChannelID   string          `json:"channel_id" gorm:"type:string;index"`
	ChannelName string          `json:"channel_name" gorm:"type:string"`
	RequesterID string          `json:"requester_id" gorm:"type:string;index"`
	ActorID     string          `json:"actor_id" gorm:"type:string"`
	Reason      string          `json:"reason,omitempty" gorm:"type:string"`

	// ArchiveKey is the object key of the archived transcript, if any
	ArchiveKey string `json:"archive_key,omitempty" gorm:"type:string"`

	// Detail holds non-fatal step failures (e.g., log delivery)
	Detail string `json:"detail,omitempty" gorm:"type:string"`
}

func newTicketEvent(kind TicketEventKind, t *Ticket, actorID string) *TicketEvent {
	return &TicketEvent{
		EventID:     uuid.NewString(),
		Kind:        kind,
		GuildID:     t.GuildID,
		ChannelID:   t.ChannelID,
		ChannelName: t.Name,
		RequesterID: t.RequesterID,
		ActorID:     actorID,
		Reason:      t.Reason,
	}
}

func (e TicketEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("event_id", e.EventID),
		slog.String("kind", string(e.Kind)),
		slog.String("channel_id", e.ChannelID),
		slog.String("requester_id", e.RequesterID),
		slog.String("actor_id", e.ActorID),
	)
}

// TicketEventFilter narrows ListTicketEvents. Zero values match everything.
type TicketEventFilter struct {
	Kind        TicketEventKind `form:"kind" binding:"omitempty,oneof=created claimed closed"`
	RequesterID string          `form:"requester_id"`
	ChannelID   string          `form:"channel_id"`
	Limit       int             `form:"limit" binding:"omitempty,min=1,max=500"`
}

func ListTicketEvents(ctx context.Context, db *gorm.DB, f TicketEventFilter) ([]TicketEvent, error) {
	q := db.WithContext(ctx).Model(&TicketEvent{})
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.RequesterID != "" {
		q = q.Where("requester_id = ?", f.RequesterID)
	}
	if f.ChannelID != "" {
		q = q.Where("channel_id = ?", f.ChannelID)
	}
	limit := f.Limit
	if limit == 0 {
		limit = 100
	}
	var events []TicketEvent
	err := q.Order("id desc").Limit(limit).Find(&events).Error
	return events, err
}
