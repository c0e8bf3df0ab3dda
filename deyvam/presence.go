package deyvam

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// updatePresence sets the bot's activity to the guild's member count
func (b *Bot) updatePresence(ctx context.Context) error {
	guild, err := b.discord.session.GuildWithCounts(b.config.Discord.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error getting guild: %w", err)
	}
	return b.discord.session.UpdateStatusComplex(presenceStatus(guild.ApproximateMemberCount))
}

func presenceStatus(members int) discordgo.UpdateStatusData {
	return discordgo.UpdateStatusData{
		Status: string(discordgo.StatusOnline),
		Activities: []*discordgo.Activity{
			{
				Name: fmt.Sprintf("%d Members", members),
				Type: discordgo.ActivityTypeWatching,
			},
		},
	}
}

// presenceEnabled reports whether presence updates should be sent
func (b *Bot) presenceEnabled() bool {
	return b.config.Discord.PresenceRefresh > 0 &&
		b.config.Discord.GuildID != "" &&
		b.RuntimeConfig().PresenceEnabled
}

// startPresenceRefresher updates the presence every PresenceRefresh.
// The first update is sent from the ready handler.
func (b *Bot) startPresenceRefresher(ctx context.Context, runtimeWG *sync.WaitGroup) {
	interval := b.config.Discord.PresenceRefresh
	logger := b.discord.logger
	if interval <= 0 || b.config.Discord.GuildID == "" {
		logger.InfoContext(ctx, "presence updates disabled")
		return
	}

	refresh := func() {
		if !b.presenceEnabled() {
			return
		}
		if !b.discord.connected.Load() {
			logger.DebugContext(ctx, "not connected, skipping presence update")
			return
		}
		rctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		if err := b.updatePresence(rctx); err != nil {
			logger.WarnContext(ctx, "error updating presence", tint.Err(err))
		}
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refresh()
			}
		}
	}()
}
