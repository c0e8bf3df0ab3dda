package deyvam

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	guildDisplayName = "DEYVAM Gaming"
	embedDivider     = "━━━━━━━━━━━━━━━━━━━━━"
)

// memberEventChannel returns the configured channel for key, falling back
// to the guild's system channel.
func (b *Bot) memberEventChannel(
	ctx context.Context,
	guildID string,
	key SettingKey,
) (string, *discordgo.Guild, error) {
	guild, err := b.discord.session.GuildWithCounts(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return "", nil, err
	}
	channelID, _ := b.settings.Get(ctx, key)
	if channelID == "" {
		channelID = guild.SystemChannelID
	}
	return channelID, guild, nil
}

func welcomeEmbed(u *discordgo.User, guild *discordgo.Guild, now time.Time) *discordgo.MessageEmbed {
	created := "Unknown"
	if ts, err := discordgo.SnowflakeTimestamp(u.ID); err == nil {
		created = fmt.Sprintf("<t:%d:R>", ts.Unix())
	}
	embed := &discordgo.MessageEmbed{
		Color: colorGreen,
		Title: fmt.Sprintf("🎮 Welcome %s to **%s**! 🕹️", u.Username, guildDisplayName),
		Description: embedDivider + "\n" +
			"📌 Check out the **#rules** channel first.\n" +
			"📌 Grab a **role** in the **#roles** channel.\n" +
			"📌 Hop into a voice channel and start gaming!\n" +
			embedDivider,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Account Created", Value: created, Inline: true},
		},
		Footer:    &discordgo.MessageEmbedFooter{Text: "DEYVAM • Game On! 🌍"},
		Timestamp: now.Format(time.RFC3339),
	}
	if guild != nil && guild.Icon != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: guild.IconURL("")}
	}
	return embed
}

func goodbyeEmbed(u *discordgo.User, guild *discordgo.Guild, now time.Time) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Color: colorRed,
		Title: fmt.Sprintf("🚪 %s logged off from **%s**...", userTag(u), guildDisplayName),
		Description: embedDivider + "\n" +
			"We lost a player! The lobby feels empty now. 💔\n" +
			"We hope to see your high score again soon! 🎮\n" +
			embedDivider,
		Footer:    &discordgo.MessageEmbedFooter{Text: "DEYVAM • AFK Mode 🌌"},
		Timestamp: now.Format(time.RFC3339),
	}
	if guild != nil && guild.Icon != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: guild.IconURL("")}
	}
	return embed
}

func (b *Bot) handleGuildMemberAdd(ctx context.Context, m *discordgo.GuildMemberAdd) {
	if m.Member == nil || m.User == nil {
		return
	}
	logger := loggerOrDefault(ctx, b.logger).With("user_id", m.User.ID, "guild_id", m.GuildID)
	logger.InfoContext(ctx, "member joined")

	channelID, guild, err := b.memberEventChannel(ctx, m.GuildID, SettingWelcomeChannel)
	if err != nil {
		logger.ErrorContext(ctx, "error getting guild", tint.Err(err))
		return
	}
	if channelID == "" {
		return
	}
	if _, err = b.discord.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Content: fmt.Sprintf("Welcome <@%s>!", m.User.ID),
			Embeds:  []*discordgo.MessageEmbed{welcomeEmbed(m.User, guild, time.Now())},
		},
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error sending welcome message", tint.Err(err), "channel_id", channelID)
	}
}

func (b *Bot) handleGuildMemberRemove(ctx context.Context, m *discordgo.GuildMemberRemove) {
	if m.Member == nil || m.User == nil {
		return
	}
	logger := loggerOrDefault(ctx, b.logger).With("user_id", m.User.ID, "guild_id", m.GuildID)
	logger.InfoContext(ctx, "member left")

	channelID, guild, err := b.memberEventChannel(ctx, m.GuildID, SettingGoodbyeChannel)
	if err != nil {
		logger.ErrorContext(ctx, "error getting guild", tint.Err(err))
		return
	}
	if channelID == "" {
		return
	}
	if _, err = b.discord.session.ChannelMessageSendEmbed(
		channelID,
		goodbyeEmbed(m.User, guild, time.Now()),
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error sending goodbye message", tint.Err(err), "channel_id", channelID)
	}
}
