package deyvam

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	msgMessageSent    = "✅ Message sent!"
	msgMessageFailed  = "❌ Failed to send message. Check permissions."
	msgSettingFailed  = "❌ Failed to save the setting. Please try again."
	msgMissingOption  = "❌ Missing required option."
	colorHelp         = 0x0099FF
	helpFieldConfig   = "⚙️ Configuration Commands (Admin)"
	helpFieldModerate = "🛠️ Moderation Commands (Admin)"
	helpFieldGeneral  = "💬 General & Utility Commands"
)

func helpEmbed(guild *discordgo.Guild, now time.Time) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Color:       colorHelp,
		Title:       "🤖 DEYVAM Bot Command List",
		Description: "Here is a list of commands you can use in the server.",
		Fields: []*discordgo.MessageEmbedField{
			{
				Name: helpFieldConfig,
				Value: strings.Join([]string{
					"**/setwelcome #channel**: Set the channel for member arrival messages.",
					"**/setgoodbye #channel**: Set the channel for member exit messages.",
					"**/setvoicelog #channel**: Set the channel to log all voice activity (Join/Leave/Move/Mute/Stream).",
					"**/setticketcategory <category>**: Set the parent category for new tickets.",
					"**/setticketlog #channel**: Set the channel for ticket transcripts and creation/closure logs.",
					"**/setrolepanel**: Creates the self-role button panel in the current channel.",
				}, "\n"),
			},
			{
				Name: helpFieldModerate,
				Value: strings.Join([]string{
					"**/kick @user [reason]**: Removes a member from the server.",
					"**/ban @user [reason]**: Permanently bans a member from the server.",
					"**/moveuser @user #channel**: Moves a user to a different voice channel.",
				}, "\n"),
			},
			{
				Name: helpFieldGeneral,
				Value: strings.Join([]string{
					"**/ticket create [reason]**: Opens a private support ticket.",
					"**/say [message]**: Makes the bot repeat your message.",
					"**/help**: Shows this command list.",
				}, "\n"),
			},
		},
		Timestamp: now.Format(time.RFC3339),
	}
	if guild != nil {
		embed.Footer = &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Serving %d members in %s", guild.ApproximateMemberCount, guild.Name),
		}
	}
	return embed
}

// commandHelp replies with the command list, and a button to open a
// ticket
func (b *Bot) commandHelp(ctx context.Context, h InteractionHandler) {
	i := h.GetInteraction()
	guild, err := b.discord.session.GuildWithCounts(i.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		h.Logger().WarnContext(ctx, "error getting guild for help footer", tint.Err(err))
		guild = nil
	}
	_ = h.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Flags:  discordgo.MessageFlagsEphemeral,
				Embeds: []*discordgo.MessageEmbed{helpEmbed(guild, time.Now())},
				Components: []discordgo.MessageComponent{
					discordgo.ActionsRow{
						Components: []discordgo.MessageComponent{ticketCreateButton()},
					},
				},
			},
		},
	)
}

func (b *Bot) commandSay(ctx context.Context, h InteractionHandler) {
	i := h.GetInteraction()
	opt, ok := discordInteractionOptions(i)[optionMessage]
	if !ok || opt.StringValue() == "" {
		_ = respondMessage(ctx, h, msgMissingOption, true)
		return
	}
	if _, err := b.discord.session.ChannelMessageSend(
		i.ChannelID,
		truncate(opt.StringValue(), discordMaxMessageLength),
		discordgo.WithContext(ctx),
	); err != nil {
		h.Logger().ErrorContext(ctx, "error sending message", tint.Err(err))
		_ = respondMessage(ctx, h, msgMessageFailed, true)
		return
	}
	_ = respondMessage(ctx, h, msgMessageSent, true)
}

// channelSettingCommands maps each channel setting command to the
// setting it changes and its confirmation
var channelSettingCommands = map[string]struct {
	key     SettingKey
	confirm string
}{
	commandSetWelcome:   {SettingWelcomeChannel, "✅ Welcome messages will now be sent in <#%s>."},
	commandSetGoodbye:   {SettingGoodbyeChannel, "✅ Goodbye messages will now be sent in <#%s>."},
	commandSetVoiceLog:  {SettingVoiceLogChannel, "✅ Voice logs will now be sent in <#%s>."},
	commandSetTicketLog: {SettingTicketLogChannel, "✅ Ticket logs will now be sent in <#%s>."},
}

// commandSetChannel persists the channel option for one of the channel
// setting commands
func (b *Bot) commandSetChannel(ctx context.Context, h InteractionHandler, name string) {
	cmd, ok := channelSettingCommands[name]
	if !ok {
		_ = respondMessage(ctx, h, msgUnknownCommand, true)
		return
	}
	if err := deferResponse(ctx, h, true); err != nil {
		return
	}
	opt, ok := discordInteractionOptions(h.GetInteraction())[optionChannel]
	if !ok {
		editContent(ctx, h, msgMissingOption)
		return
	}
	channelID := optionID(opt)
	if err := b.settings.Set(ctx, cmd.key, channelID); err != nil {
		h.Logger().ErrorContext(ctx, "error saving setting", tint.Err(err), "setting", cmd.key)
		editContent(ctx, h, msgSettingFailed)
		return
	}
	h.Logger().InfoContext(ctx, "updated setting", "setting", cmd.key, "value", channelID)
	editContent(ctx, h, fmt.Sprintf(cmd.confirm, channelID))
}

func (b *Bot) commandSetTicketCategory(ctx context.Context, h InteractionHandler) {
	if err := deferResponse(ctx, h, true); err != nil {
		return
	}
	i := h.GetInteraction()
	opt, ok := discordInteractionOptions(i)[optionCategory]
	if !ok {
		editContent(ctx, h, msgMissingOption)
		return
	}
	categoryID := optionID(opt)
	if err := b.settings.Set(ctx, SettingTicketCategory, categoryID); err != nil {
		h.Logger().ErrorContext(ctx, "error saving setting", tint.Err(err), "setting", SettingTicketCategory)
		editContent(ctx, h, msgSettingFailed)
		return
	}

	name := categoryID
	if resolved := i.ApplicationCommandData().Resolved; resolved != nil {
		if ch, found := resolved.Channels[categoryID]; found && ch.Name != "" {
			name = ch.Name
		}
	}
	editContent(ctx, h, fmt.Sprintf("✅ Ticket category set to **%s**.", name))
}

// optionID returns the snowflake held by a channel, user or role option
func optionID(opt *discordgo.ApplicationCommandInteractionDataOption) string {
	if s, ok := opt.Value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", opt.Value)
}
