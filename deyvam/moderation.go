package deyvam

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	msgMemberNotFound   = "❌ Member not found."
	msgKickFailed       = "❌ Failed to kick. Check permissions."
	msgBanFailed        = "❌ Failed to ban. Check permissions."
	msgNotVoiceChannel  = "❌ Not a voice channel."
	msgMemberNotInVoice = "❌ Member not in VC."
	msgMoveFailed       = "❌ Failed to move. Check permissions."
)

// moderationTarget resolves the `target` user option and reason
func moderationTarget(i *discordgo.InteractionCreate) (*discordgo.User, string) {
	data := i.ApplicationCommandData()
	opts := optionMap(data.Options)

	reason := defaultModerationReason
	if opt, ok := opts[optionReason]; ok {
		if r := strings.TrimSpace(opt.StringValue()); r != "" {
			reason = r
		}
	}

	opt, ok := opts[optionTarget]
	if !ok {
		return nil, reason
	}
	id := optionID(opt)
	if data.Resolved != nil {
		if u, found := data.Resolved.Users[id]; found {
			return u, reason
		}
	}
	return &discordgo.User{ID: id}, reason
}

// targetName is the user's tag, or a mention when only the ID is known
func targetName(u *discordgo.User) string {
	if u.Username == "" {
		return "<@" + u.ID + ">"
	}
	return userTag(u)
}

func (b *Bot) commandKick(ctx context.Context, h InteractionHandler) {
	i := h.GetInteraction()
	logger := h.Logger()
	target, reason := moderationTarget(i)
	if target == nil {
		_ = respondMessage(ctx, h, msgMissingOption, true)
		return
	}

	member, err := b.discord.session.GuildMember(i.GuildID, target.ID, discordgo.WithContext(ctx))
	if err != nil {
		logger.InfoContext(ctx, "kick target not found", tint.Err(err), "target_id", target.ID)
		_ = respondMessage(ctx, h, msgMemberNotFound, true)
		return
	}
	if target.Username == "" && member.User != nil {
		target = member.User
	}
	if err = b.discord.session.GuildMemberDeleteWithReason(
		i.GuildID,
		target.ID,
		reason,
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error kicking member", tint.Err(err), "target_id", target.ID)
		_ = respondMessage(ctx, h, msgKickFailed, true)
		return
	}
	logger.InfoContext(ctx, "kicked member", "target_id", target.ID, "reason", reason)
	_ = respondMessage(
		ctx,
		h,
		fmt.Sprintf("✅ Kicked **%s** (`%s`). Reason: %s", targetName(target), target.ID, reason),
		false,
	)
}

func (b *Bot) commandBan(ctx context.Context, h InteractionHandler) {
	i := h.GetInteraction()
	logger := h.Logger()
	target, reason := moderationTarget(i)
	if target == nil {
		_ = respondMessage(ctx, h, msgMissingOption, true)
		return
	}

	member, err := b.discord.session.GuildMember(i.GuildID, target.ID, discordgo.WithContext(ctx))
	if err != nil {
		logger.InfoContext(ctx, "ban target not found", tint.Err(err), "target_id", target.ID)
		_ = respondMessage(ctx, h, msgMemberNotFound, true)
		return
	}
	if target.Username == "" && member.User != nil {
		target = member.User
	}
	if err = b.discord.session.GuildBanCreateWithReason(
		i.GuildID,
		target.ID,
		reason,
		0,
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error banning member", tint.Err(err), "target_id", target.ID)
		_ = respondMessage(ctx, h, msgBanFailed, true)
		return
	}
	logger.InfoContext(ctx, "banned member", "target_id", target.ID, "reason", reason)
	_ = respondMessage(
		ctx,
		h,
		fmt.Sprintf("✅ Banned **%s** (`%s`). Reason: %s", targetName(target), target.ID, reason),
		false,
	)
}

// commandMoveUser moves a member who is already in voice to another
// voice channel
func (b *Bot) commandMoveUser(ctx context.Context, h InteractionHandler) {
	i := h.GetInteraction()
	logger := h.Logger()
	data := i.ApplicationCommandData()

	target, _ := moderationTarget(i)
	chOpt, ok := optionMap(data.Options)[optionChannel]
	if target == nil || !ok {
		_ = respondMessage(ctx, h, msgMissingOption, true)
		return
	}

	channelID := optionID(chOpt)
	var channel *discordgo.Channel
	if data.Resolved != nil {
		channel = data.Resolved.Channels[channelID]
	}
	if channel == nil {
		c, err := b.discord.session.Channel(channelID, discordgo.WithContext(ctx))
		if err != nil {
			logger.ErrorContext(ctx, "error getting channel", tint.Err(err), "channel_id", channelID)
			_ = respondMessage(ctx, h, msgNotVoiceChannel, true)
			return
		}
		channel = c
	}
	if channel.Type != discordgo.ChannelTypeGuildVoice {
		_ = respondMessage(ctx, h, msgNotVoiceChannel, true)
		return
	}

	if b.voice.channelOf(i.GuildID, target.ID) == "" {
		_ = respondMessage(ctx, h, msgMemberNotInVoice, true)
		return
	}

	if err := b.discord.session.GuildMemberMove(
		i.GuildID,
		target.ID,
		&channelID,
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error moving member", tint.Err(err), "target_id", target.ID)
		_ = respondMessage(ctx, h, msgMoveFailed, true)
		return
	}
	logger.InfoContext(ctx, "moved member", "target_id", target.ID, "channel_id", channelID)
	_ = respondMessage(
		ctx,
		h,
		fmt.Sprintf("✅ Moved **%s** to **%s**", targetName(target), channel.Name),
		false,
	)
}
