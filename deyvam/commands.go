package deyvam

import (
	"github.com/bwmarrin/discordgo"
)

// Slash command names
const (
	commandHelp              = "help"
	commandSay               = "say"
	commandSetWelcome        = "setwelcome"
	commandSetGoodbye        = "setgoodbye"
	commandSetVoiceLog       = "setvoicelog"
	commandSetTicketCategory = "setticketcategory"
	commandSetTicketLog      = "setticketlog"
	commandTicket            = "ticket"
	commandKick              = "kick"
	commandBan               = "ban"
	commandMoveUser          = "moveuser"
	commandSetRolePanel      = "setrolepanel"

	subcommandTicketCreate = "create"
)

// Option names
const (
	optionMessage  = "message"
	optionChannel  = "channel"
	optionCategory = "category"
	optionReason   = "reason"
	optionTarget   = "target"
)

// Message component custom IDs
const (
	customIDClaimTicket     = "claim_ticket"
	customIDCloseTicket     = "close_ticket"
	customIDCreateTicket    = "ticket_create"
	customIDRoleMobileGamer = "role_mobile_gamer"
	customIDRolePCPlayer    = "role_pc_player"
)

const (
	defaultTicketReason     = "No reason provided."
	defaultModerationReason = "No reason given"
)

func permissions(p int64) *int64 {
	return &p
}

// applicationCommands returns the commands registered with discord on
// startup and on an admin reload.
func applicationCommands() []*discordgo.ApplicationCommand {
	admin := permissions(discordgo.PermissionAdministrator)

	channelOption := func(description string, types ...discordgo.ChannelType) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:         discordgo.ApplicationCommandOptionChannel,
			Name:         optionChannel,
			Description:  description,
			Required:     true,
			ChannelTypes: types,
		}
	}
	reasonOption := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        optionReason,
		Description: "Reason",
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:        commandHelp,
			Description: "Show the list of bot commands",
		},
		{
			Name:        commandSay,
			Description: "Make the bot say something",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionMessage,
					Description: "The message to send",
					Required:    true,
				},
			},
		},
		{
			Name:                     commandSetWelcome,
			Description:              "Set the welcome channel",
			DefaultMemberPermissions: admin,
			Options: []*discordgo.ApplicationCommandOption{
				channelOption("Channel for welcome messages", discordgo.ChannelTypeGuildText),
			},
		},
		{
			Name:                     commandSetGoodbye,
			Description:              "Set the goodbye channel",
			DefaultMemberPermissions: admin,
			Options: []*discordgo.ApplicationCommandOption{
				channelOption("Channel for goodbye messages", discordgo.ChannelTypeGuildText),
			},
		},
		{
			Name:                     commandSetVoiceLog,
			Description:              "Set the voice activity log channel",
			DefaultMemberPermissions: admin,
			Options: []*discordgo.ApplicationCommandOption{
				channelOption("Channel for voice logs", discordgo.ChannelTypeGuildText),
			},
		},
		{
			Name:                     commandSetTicketCategory,
			Description:              "Set the category where new tickets are created",
			DefaultMemberPermissions: admin,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:         discordgo.ApplicationCommandOptionChannel,
					Name:         optionCategory,
					Description:  "The category for ticket channels",
					Required:     true,
					ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildCategory},
				},
			},
		},
		{
			Name:                     commandSetTicketLog,
			Description:              "Set the channel for ticket logs and transcripts",
			DefaultMemberPermissions: admin,
			Options: []*discordgo.ApplicationCommandOption{
				channelOption("Channel for ticket logs", discordgo.ChannelTypeGuildText),
			},
		},
		{
			Name:        commandTicket,
			Description: "Support tickets",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandTicketCreate,
					Description: "Open a new support ticket",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        optionReason,
							Description: "Why are you opening this ticket?",
						},
					},
				},
			},
		},
		{
			Name:                     commandKick,
			Description:              "Kick a member",
			DefaultMemberPermissions: permissions(discordgo.PermissionKickMembers),
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        optionTarget,
					Description: "Member to kick",
					Required:    true,
				},
				reasonOption,
			},
		},
		{
			Name:                     commandBan,
			Description:              "Ban a member",
			DefaultMemberPermissions: permissions(discordgo.PermissionBanMembers),
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        optionTarget,
					Description: "Member to ban",
					Required:    true,
				},
				reasonOption,
			},
		},
		{
			Name:                     commandMoveUser,
			Description:              "Move a member to another voice channel",
			DefaultMemberPermissions: permissions(discordgo.PermissionVoiceMoveMembers),
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        optionTarget,
					Description: "Member to move",
					Required:    true,
				},
				{
					Type:         discordgo.ApplicationCommandOptionChannel,
					Name:         optionChannel,
					Description:  "Voice channel to move them to",
					Required:     true,
					ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildVoice},
				},
			},
		},
		{
			Name:                     commandSetRolePanel,
			Description:              "Post the self-assignable role panel in this channel",
			DefaultMemberPermissions: admin,
		},
	}
}
