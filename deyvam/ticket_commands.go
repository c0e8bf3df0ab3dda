package deyvam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// commandTicket handles `/ticket create [reason]`
func (b *Bot) commandTicket(ctx context.Context, h InteractionHandler) {
	options := h.GetInteraction().ApplicationCommandData().Options
	if len(options) == 0 || options[0].Name != subcommandTicketCreate {
		_ = respondMessage(ctx, h, msgUnknownCommand, true)
		return
	}
	var reason string
	if opt, ok := optionMap(options[0].Options)[optionReason]; ok {
		reason = opt.StringValue()
	}
	b.createTicket(ctx, h, reason)
}

// createTicket is used by both the slash command and the create button
func (b *Bot) createTicket(ctx context.Context, h InteractionHandler, reason string) {
	i := h.GetInteraction()
	logger := h.Logger()

	if err := deferResponse(ctx, h, true); err != nil {
		return
	}

	t, err := b.tickets.Create(
		ctx,
		CreateRequest{
			GuildID:   i.GuildID,
			Requester: getDiscordUser(i),
			Reason:    reason,
		},
	)
	if err != nil {
		logTicketError(ctx, logger, "create", err)
		// a channel that was created before a later step failed is still
		// the requester's ticket
		if t != nil && errors.Is(err, ErrCollaboratorFailure) {
			editContent(ctx, h, fmt.Sprintf(msgTicketCreated, t.ChannelID))
			return
		}
		editContent(ctx, h, ticketErrorMessage(err))
		return
	}
	editContent(ctx, h, fmt.Sprintf(msgTicketCreated, t.ChannelID))
}

func (b *Bot) claimTicket(ctx context.Context, h InteractionHandler) {
	i := h.GetInteraction()
	logger := h.Logger()

	if err := deferResponse(ctx, h, true); err != nil {
		return
	}

	req := ClaimRequest{
		GuildID:   i.GuildID,
		ChannelID: i.ChannelID,
		Actor:     getDiscordUser(i),
	}
	if i.Member != nil {
		req.ActorRoles = i.Member.Roles
	}

	if _, err := b.tickets.Claim(ctx, req); err != nil {
		logTicketError(ctx, logger, "claim", err)
		editContent(ctx, h, ticketErrorMessage(err))
		return
	}
	editContent(ctx, h, msgTicketClaimed)
}

func (b *Bot) closeTicket(ctx context.Context, h InteractionHandler) {
	i := h.GetInteraction()
	logger := h.Logger()

	if err := deferResponse(ctx, h, true); err != nil {
		return
	}

	req := CloseRequest{
		GuildID:   i.GuildID,
		ChannelID: i.ChannelID,
		Actor:     getDiscordUser(i),
	}
	if i.Member != nil {
		req.ActorRoles = i.Member.Roles
	}

	report, err := b.tickets.Close(ctx, req)
	if err != nil {
		logTicketError(ctx, logger, "close", err)
		editContent(ctx, h, ticketErrorMessage(err))
		return
	}

	// the channel is gone at this point, so the edit usually falls back
	// to a followup
	if ferr := report.Err(); ferr != nil {
		logger.WarnContext(ctx, "ticket closed with failures", tint.Err(ferr))
	}
	for _, f := range report.Failures {
		if f.Step == closeStepDeliverLog {
			editContent(ctx, h, msgTicketClosedPartial)
			return
		}
	}
	editContent(ctx, h, msgTicketClosing)
}

// logTicketError logs expected rejections at info, and collaborator
// failures at error.
func logTicketError(ctx context.Context, logger *slog.Logger, op string, err error) {
	if errors.Is(err, ErrCollaboratorFailure) {
		logger.ErrorContext(ctx, "ticket "+op+" failed", tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "ticket "+op+" rejected", "reason", err.Error())
}

// ticketCreateButton can be posted anywhere to let members open a
// ticket without the slash command.
func ticketCreateButton() discordgo.Button {
	return discordgo.Button{
		Label:    "Open Ticket",
		Style:    discordgo.PrimaryButton,
		CustomID: customIDCreateTicket,
		Emoji:    &discordgo.ComponentEmoji{Name: "🎫"},
	}
}
