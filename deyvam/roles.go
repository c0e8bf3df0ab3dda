package deyvam

import (
	"context"
	"fmt"
	"slices"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	colorRolePanel       = 0x3498DB
	msgUnknownRoleButton = "❌ Unknown role button."
	msgRoleNotConfigured = "❌ This role hasn't been configured yet. Ask an administrator."
	msgRoleFailed        = "❌ Failed to modify the role. Check the bot's permissions " +
		"(Must have \"Manage Roles\" and the bot's role must be above the role being assigned)."
)

type selfRole struct {
	key  SettingKey
	name string
}

var selfRoles = map[string]selfRole{
	customIDRoleMobileGamer: {SettingMobileGamerRole, "Mobile Gamer"},
	customIDRolePCPlayer:    {SettingPCPlayerRole, "PC Player"},
}

func rolePanelMessage() *discordgo.InteractionResponseData {
	return &discordgo.InteractionResponseData{
		Embeds: []*discordgo.MessageEmbed{
			{
				Color:       colorRolePanel,
				Title:       "🎮 Self-Assignable Roles",
				Description: "Click the buttons below to assign yourself a gaming role:",
				Fields: []*discordgo.MessageEmbedField{
					{Name: "📱 Mobile Gamer", Value: "Get notifications for mobile gaming events.", Inline: true},
					{Name: "💻 PC Player", Value: "Get notifications for PC gaming events.", Inline: true},
				},
				Footer: &discordgo.MessageEmbedFooter{Text: "Click again to remove the role."},
			},
		},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.Button{
						Label:    "Mobile Gamer",
						Style:    discordgo.PrimaryButton,
						CustomID: customIDRoleMobileGamer,
						Emoji:    &discordgo.ComponentEmoji{Name: "📱"},
					},
					discordgo.Button{
						Label:    "PC Player",
						Style:    discordgo.SuccessButton,
						CustomID: customIDRolePCPlayer,
						Emoji:    &discordgo.ComponentEmoji{Name: "💻"},
					},
				},
			},
		},
	}
}

// commandSetRolePanel posts the role panel as the (public) response
func (b *Bot) commandSetRolePanel(ctx context.Context, h InteractionHandler) {
	_ = h.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: rolePanelMessage(),
		},
	)
}

// toggleRole adds the button's role to the member, or removes it if
// they already have it
func (b *Bot) toggleRole(ctx context.Context, h InteractionHandler, customID string) {
	i := h.GetInteraction()
	logger := h.Logger()

	if err := deferResponse(ctx, h, true); err != nil {
		return
	}

	role, ok := selfRoles[customID]
	if !ok {
		editContent(ctx, h, msgUnknownRoleButton)
		return
	}
	roleID, _ := b.settings.Get(ctx, role.key)
	if roleID == "" {
		logger.WarnContext(ctx, "self role not configured", "setting", role.key)
		editContent(ctx, h, msgRoleNotConfigured)
		return
	}
	if i.Member == nil || i.Member.User == nil {
		editContent(ctx, h, msgGuildOnly)
		return
	}
	userID := i.Member.User.ID

	if slices.Contains(i.Member.Roles, roleID) {
		if err := b.discord.session.GuildMemberRoleRemove(
			i.GuildID,
			userID,
			roleID,
			discordgo.WithContext(ctx),
		); err != nil {
			logger.ErrorContext(ctx, "error removing role", tint.Err(err), "role_id", roleID)
			editContent(ctx, h, msgRoleFailed)
			return
		}
		editContent(ctx, h, fmt.Sprintf("🔴 Removed the **%s** role.", role.name))
		return
	}

	if err := b.discord.session.GuildMemberRoleAdd(
		i.GuildID,
		userID,
		roleID,
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error adding role", tint.Err(err), "role_id", roleID)
		editContent(ctx, h, msgRoleFailed)
		return
	}
	editContent(ctx, h, fmt.Sprintf("🟢 Added the **%s** role!", role.name))
}
