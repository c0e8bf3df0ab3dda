package deyvam

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// Ticket error kinds. A *TicketError always matches exactly one of these
// with errors.Is.
var (
	ErrNotConfigured          = errors.New("ticket system not configured")
	ErrDuplicateTicket        = errors.New("requester already has an open ticket")
	ErrForbidden              = errors.New("actor is not allowed to do this")
	ErrControlMessageNotFound = errors.New("ticket control message not found")
	ErrAlreadyClaimed         = errors.New("ticket already claimed")
	ErrCollaboratorFailure    = errors.New("discord request failed")
)

// ErrNotFound is wrapped into collaborator failures when discord reports
// that a channel, message, role or member no longer exists.
var ErrNotFound = errors.New("not found")

type ticketOp string

const (
	ticketOpCreate ticketOp = "create"
	ticketOpClaim  ticketOp = "claim"
	ticketOpClose  ticketOp = "close"
)

// TicketError is returned by every TicketController operation.
type TicketError struct {
	Kind error
	Op   ticketOp

	// ChannelID is the ticket channel involved. For ErrDuplicateTicket
	// it's the already-open ticket.
	ChannelID string

	// Err is the underlying cause, if any
	Err error
}

func (e *TicketError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Op))
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.ChannelID != "" {
		b.WriteString(" (channel ")
		b.WriteString(e.ChannelID)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TicketError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newTicketError(op ticketOp, kind error, channelID string, err error) *TicketError {
	return &TicketError{Op: op, Kind: kind, ChannelID: channelID, Err: err}
}

// collaboratorError wraps an error returned by the discord session. A
// 404 from the REST API is additionally marked with ErrNotFound.
func collaboratorError(op ticketOp, channelID string, step string, err error) *TicketError {
	cause := fmt.Errorf("%s: %w", step, err)
	if isNotFound(err) {
		cause = fmt.Errorf("%s: %w: %w", step, ErrNotFound, err)
	}
	return newTicketError(op, ErrCollaboratorFailure, channelID, cause)
}

func isNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode == http.StatusNotFound
	}
	return false
}

const (
	msgNotConfigured       = "❌ Ticket system not configured. An administrator must use **/setticketcategory** first."
	msgDuplicateTicket     = "❌ You already have an active ticket open: <#%s>."
	msgClaimForbidden      = "❌ Only staff members can claim tickets."
	msgCloseForbidden      = "❌ You must be staff or the ticket creator to close this ticket."
	msgControlNotFound     = "❌ Could not find the initial ticket message to update."
	msgAlreadyClaimed      = "❌ This ticket has already been claimed."
	msgCreateFailed        = "❌ Failed to create ticket channel. Check bot permissions."
	msgClaimFailed         = "❌ Failed to modify channel permissions for claiming. Check bot permissions."
	msgCloseFailed         = "❌ Failed to close ticket. The channel may need to be deleted manually, or the logging channel is misconfigured."
	msgUnexpectedError     = "❌ Something went wrong. Please try again, or contact a staff member."
	msgTicketCreated       = "✅ Your ticket has been created in <#%s>."
	msgTicketClaimed       = "✅ You have claimed this ticket! Only you and the ticket creator can view this now."
	msgTicketClosedPartial = "⚠️ Ticket closed, but the transcript could not be delivered to the log channel."
	msgTicketClosing       = "🔒 Closing ticket..."
	msgGuildOnly           = "❌ This command can only be used in a server."
	msgUnknownCommand      = "❌ Unknown command."
)

// ticketErrorMessage returns the terse message shown to the member who
// triggered the failed operation.
func ticketErrorMessage(err error) string {
	var te *TicketError
	if !errors.As(err, &te) {
		return msgUnexpectedError
	}
	switch {
	case errors.Is(te.Kind, ErrNotConfigured):
		return msgNotConfigured
	case errors.Is(te.Kind, ErrDuplicateTicket):
		return fmt.Sprintf(msgDuplicateTicket, te.ChannelID)
	case errors.Is(te.Kind, ErrForbidden):
		if te.Op == ticketOpClose {
			return msgCloseForbidden
		}
		return msgClaimForbidden
	case errors.Is(te.Kind, ErrControlMessageNotFound):
		return msgControlNotFound
	case errors.Is(te.Kind, ErrAlreadyClaimed):
		return msgAlreadyClaimed
	case errors.Is(te.Kind, ErrCollaboratorFailure):
		switch te.Op {
		case ticketOpCreate:
			return msgCreateFailed
		case ticketOpClaim:
			return msgClaimFailed
		default:
			return msgCloseFailed
		}
	}
	return msgUnexpectedError
}
