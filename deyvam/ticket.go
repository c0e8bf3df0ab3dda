package deyvam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	ticketChannelPrefix  = "ticket-"
	ticketNameMaxLength  = 15
	colorTicketOpened    = 0x0099FF
	colorTicketCreateLog = 0x00FF00
	colorTicketClaimed   = 0xFEE75C
	colorTicketCloseLog  = 0xFF0000
)

type TicketState string

const (
	TicketOpen    TicketState = "open"
	TicketClaimed TicketState = "claimed"
	TicketClosed  TicketState = "closed"
)

// Ticket is a support request backed by a private channel. The channel
// topic holds the requester's user ID, and is the only place ticket
// ownership is stored.
type Ticket struct {
	GuildID     string      `json:"guild_id"`
	ChannelID   string      `json:"channel_id"`
	Name        string      `json:"name"`
	RequesterID string      `json:"requester_id"`
	Reason      string      `json:"reason"`
	State       TicketState `json:"state"`
	ClaimantID  string      `json:"claimant_id,omitempty"`
}

func (t Ticket) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("channel_id", t.ChannelID),
		slog.String("name", t.Name),
		slog.String("requester_id", t.RequesterID),
		slog.String("state", string(t.State)),
	)
}

type CreateRequest struct {
	GuildID   string
	Requester *discordgo.User
	Reason    string
}

type ClaimRequest struct {
	GuildID    string
	ChannelID  string
	Actor      *discordgo.User
	ActorRoles []string
}

type CloseRequest struct {
	GuildID    string
	ChannelID  string
	Actor      *discordgo.User
	ActorRoles []string
}

// ticketRecorder persists ticket audit rows. DBI satisfies it.
type ticketRecorder interface {
	Create(ctx context.Context, value any, omit ...string) (int64, error)
}

// TicketController runs the create/claim/close lifecycle against the
// discord API. Guild settings are read through the SettingsProvider on
// every call.
type TicketController struct {
	session     TicketSession
	settings    SettingsProvider
	transcripts *TranscriptGenerator
	locker      requesterLocker
	config      *TicketConfig
	logger      *slog.Logger
	now         func() time.Time

	// archiver and recorder are optional
	archiver TranscriptArchiver
	recorder ticketRecorder
}

func newTicketController(
	session TicketSession,
	settings SettingsProvider,
	config *TicketConfig,
	logger *slog.Logger,
) (*TicketController, error) {
	transcripts, err := newTranscriptGenerator(session, config)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &TicketController{
		session:     session,
		settings:    settings,
		transcripts: transcripts,
		locker:      newKeyedMutex(),
		config:      config,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Create opens a ticket channel for the requester under the configured
// ticket category. Only one open ticket per requester is allowed; the
// existing channel is returned in the error otherwise.
func (c *TicketController) Create(ctx context.Context, req CreateRequest) (*Ticket, error) {
	logger := loggerOrDefault(ctx, c.logger)
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = defaultTicketReason
	}

	categoryID, err := c.settings.Get(ctx, SettingTicketCategory)
	if err != nil {
		return nil, newTicketError(ticketOpCreate, ErrNotConfigured, "", err)
	}
	if categoryID == "" {
		return nil, newTicketError(ticketOpCreate, ErrNotConfigured, "", nil)
	}

	unlock, err := c.locker.Lock(ctx, req.GuildID+":"+req.Requester.ID)
	if err != nil {
		return nil, collaboratorError(ticketOpCreate, "", "lock requester", err)
	}
	defer unlock()

	existing, err := c.findOpenTicket(ctx, req.GuildID, categoryID, req.Requester.ID)
	if err != nil {
		return nil, collaboratorError(ticketOpCreate, "", "list channels", err)
	}
	if existing != nil {
		logger.InfoContext(
			ctx,
			"requester already has an open ticket",
			"requester_id", req.Requester.ID,
			"channel_id", existing.ID,
		)
		return nil, newTicketError(ticketOpCreate, ErrDuplicateTicket, existing.ID, nil)
	}

	staffRoleID, _ := c.settings.Get(ctx, SettingStaffRole)
	if staffRoleID == "" {
		logger.WarnContext(ctx, "staff role not configured, ticket will only be visible to the requester")
	}

	ch, err := c.session.GuildChannelCreateComplex(
		req.GuildID,
		discordgo.GuildChannelCreateData{
			Name:                 ticketChannelName(req.Requester),
			Type:                 discordgo.ChannelTypeGuildText,
			Topic:                req.Requester.ID,
			ParentID:             categoryID,
			PermissionOverwrites: ticketOverwrites(req.GuildID, req.Requester.ID, staffRoleID),
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, collaboratorError(ticketOpCreate, "", "create channel", err)
	}

	t := &Ticket{
		GuildID:     req.GuildID,
		ChannelID:   ch.ID,
		Name:        ch.Name,
		RequesterID: req.Requester.ID,
		Reason:      reason,
		State:       TicketOpen,
	}
	logger = logger.With("ticket", t)

	if _, err = c.session.ChannelMessageSendComplex(
		ch.ID,
		ticketControlMessage(req.Requester, staffRoleID, reason, c.now()),
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error sending ticket control message", tint.Err(err))
		return t, collaboratorError(ticketOpCreate, ch.ID, "send control message", err)
	}
	logger.InfoContext(ctx, "ticket created")

	if logChannelID, _ := c.settings.Get(ctx, SettingTicketLogChannel); logChannelID != "" {
		if _, err = c.session.ChannelMessageSendComplex(
			logChannelID,
			&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{ticketCreatedLogEmbed(t, c.now())}},
			discordgo.WithContext(ctx),
		); err != nil {
			logger.WarnContext(ctx, "error logging ticket creation", tint.Err(err), "log_channel_id", logChannelID)
		}
	}

	c.record(ctx, newTicketEvent(TicketEventCreated, t, req.Requester.ID))
	return t, nil
}

// findOpenTicket scans the guild's channels for one under categoryID
// whose topic is the requester's ID.
func (c *TicketController) findOpenTicket(
	ctx context.Context,
	guildID string,
	categoryID string,
	requesterID string,
) (*discordgo.Channel, error) {
	channels, err := c.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	for _, ch := range channels {
		if ch.ParentID == categoryID && ch.Topic == requesterID {
			return ch, nil
		}
	}
	return nil, nil
}

// Claim narrows the ticket's visibility to the claiming staff member
// and the requester, and replaces the control message's buttons with a
// single close button. A ticket can only be claimed once.
func (c *TicketController) Claim(ctx context.Context, req ClaimRequest) (*Ticket, error) {
	logger := loggerOrDefault(ctx, c.logger).With("channel_id", req.ChannelID, "actor_id", req.Actor.ID)

	staffRoleID, _ := c.settings.Get(ctx, SettingStaffRole)
	if staffRoleID == "" || !slices.Contains(req.ActorRoles, staffRoleID) {
		return nil, newTicketError(ticketOpClaim, ErrForbidden, req.ChannelID, nil)
	}

	ch, err := c.session.Channel(req.ChannelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, collaboratorError(ticketOpClaim, req.ChannelID, "get channel", err)
	}

	control, err := c.findControlMessage(ctx, req.ChannelID)
	if err != nil {
		return nil, err
	}

	for _, ow := range claimOverwrites(staffRoleID, req.Actor.ID, ch.Topic) {
		if err = c.session.ChannelPermissionSet(
			req.ChannelID,
			ow.ID,
			ow.Type,
			ow.Allow,
			ow.Deny,
			discordgo.WithContext(ctx),
		); err != nil {
			return nil, collaboratorError(ticketOpClaim, req.ChannelID, "set permissions", err)
		}
	}

	edit := discordgo.NewMessageEdit(req.ChannelID, control.ID).
		SetContent(fmt.Sprintf("Ticket claimed by <@%s>.", req.Actor.ID)).
		SetEmbeds([]*discordgo.MessageEmbed{ticketClaimedEmbed(req.Actor.ID, c.now())})
	components := []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{closeTicketButton("Close Ticket")}},
	}
	edit.Components = &components
	if _, err = c.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx)); err != nil {
		return nil, collaboratorError(ticketOpClaim, req.ChannelID, "edit control message", err)
	}

	if _, err = c.session.ChannelMessageSend(
		req.ChannelID,
		fmt.Sprintf("🙋 This ticket has been claimed by <@%s>.", req.Actor.ID),
		discordgo.WithContext(ctx),
	); err != nil {
		logger.WarnContext(ctx, "error sending claim notice", tint.Err(err))
	}

	t := &Ticket{
		GuildID:     req.GuildID,
		ChannelID:   ch.ID,
		Name:        ch.Name,
		RequesterID: ch.Topic,
		State:       TicketClaimed,
		ClaimantID:  req.Actor.ID,
	}
	logger.InfoContext(ctx, "ticket claimed", "ticket", t)
	c.record(ctx, newTicketEvent(TicketEventClaimed, t, req.Actor.ID))
	return t, nil
}

// findControlMessage looks for the message carrying the ticket buttons
// in the most recent messages. If it's found but the claim button is
// gone, the ticket was already claimed.
func (c *TicketController) findControlMessage(ctx context.Context, channelID string) (*discordgo.Message, error) {
	messages, err := c.session.ChannelMessages(
		channelID,
		c.config.ControlScanLimit,
		"",
		"",
		"",
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, collaboratorError(ticketOpClaim, channelID, "fetch messages", err)
	}

	var claimed *discordgo.Message
	for _, m := range messages {
		ids := firstRowCustomIDs(m)
		switch {
		case slices.Contains(ids, customIDClaimTicket):
			return m, nil
		case claimed == nil && slices.Contains(ids, customIDCloseTicket):
			claimed = m
		}
	}
	if claimed != nil {
		return nil, newTicketError(ticketOpClaim, ErrAlreadyClaimed, channelID, nil)
	}
	return nil, newTicketError(ticketOpClaim, ErrControlMessageNotFound, channelID, nil)
}

// firstRowCustomIDs returns the custom IDs of the buttons in the
// message's first action row. Messages we build hold value components,
// messages decoded from the API hold pointers.
func firstRowCustomIDs(m *discordgo.Message) []string {
	if len(m.Components) == 0 {
		return nil
	}
	var row []discordgo.MessageComponent
	switch r := m.Components[0].(type) {
	case *discordgo.ActionsRow:
		row = r.Components
	case discordgo.ActionsRow:
		row = r.Components
	default:
		return nil
	}
	ids := make([]string, 0, len(row))
	for _, comp := range row {
		switch b := comp.(type) {
		case *discordgo.Button:
			ids = append(ids, b.CustomID)
		case discordgo.Button:
			ids = append(ids, b.CustomID)
		}
	}
	return ids
}

// CloseReport describes what a Close call did. Non-fatal step failures
// are listed in Failures.
type CloseReport struct {
	Ticket       *Ticket
	Transcript   *Transcript
	ArchiveKey   string
	LogDelivered bool
	Failures     []CloseStepFailure
}

type CloseStepFailure struct {
	Step string
	Err  error
}

func (r *CloseReport) failed(step string, err error) {
	r.Failures = append(r.Failures, CloseStepFailure{Step: step, Err: err})
}

// Err joins the recorded step failures
func (r *CloseReport) Err() error {
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("%s: %w", f.Step, f.Err))
	}
	return errors.Join(errs...)
}

// closeState is passed between the close steps
type closeState struct {
	req        CloseRequest
	channel    *discordgo.Channel
	logChannel string
	transcript *Transcript
	stagedPath string
	report     *CloseReport
}

const closeStepDeliverLog = "log delivery"

type closeStep struct {
	name string

	// fatal steps stop the sequence when they fail
	fatal bool
	run   func(ctx context.Context, s *closeState) error
}

// Close archives the ticket's history and deletes the channel. Staff
// and the original requester may close a ticket.
//
// Steps run in order. A failed closing notice, archive upload, log
// delivery or temp file cleanup is recorded in the report and the
// sequence continues. A failed transcript or channel delete stops it,
// leaving completed steps in place.
func (c *TicketController) Close(ctx context.Context, req CloseRequest) (*CloseReport, error) {
	logger := loggerOrDefault(ctx, c.logger).With("channel_id", req.ChannelID, "actor_id", req.Actor.ID)

	ch, err := c.session.Channel(req.ChannelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, collaboratorError(ticketOpClose, req.ChannelID, "get channel", err)
	}

	staffRoleID, _ := c.settings.Get(ctx, SettingStaffRole)
	isStaff := staffRoleID != "" && slices.Contains(req.ActorRoles, staffRoleID)
	isRequester := ch.Topic != "" && ch.Topic == req.Actor.ID
	if !isStaff && !isRequester {
		return nil, newTicketError(ticketOpClose, ErrForbidden, req.ChannelID, nil)
	}

	logChannelID, _ := c.settings.Get(ctx, SettingTicketLogChannel)
	state := &closeState{
		req:        req,
		channel:    ch,
		logChannel: logChannelID,
		report: &CloseReport{
			Ticket: &Ticket{
				GuildID:     req.GuildID,
				ChannelID:   ch.ID,
				Name:        ch.Name,
				RequesterID: ch.Topic,
				State:       TicketClosed,
			},
		},
	}

	for _, step := range c.closeSteps() {
		err = step.run(ctx, state)
		if err == nil {
			continue
		}
		logger.ErrorContext(ctx, "ticket close step failed", tint.Err(err), "step", step.name)
		if step.fatal {
			state.report.Ticket.State = TicketOpen
			return state.report, collaboratorError(ticketOpClose, req.ChannelID, step.name, err)
		}
		state.report.failed(step.name, err)
	}

	logger.InfoContext(
		ctx,
		"ticket closed",
		"ticket", state.report.Ticket,
		"log_delivered", state.report.LogDelivered,
		"archive_key", state.report.ArchiveKey,
	)

	ev := newTicketEvent(TicketEventClosed, state.report.Ticket, req.Actor.ID)
	ev.ArchiveKey = state.report.ArchiveKey
	if ferr := state.report.Err(); ferr != nil {
		ev.Detail = ferr.Error()
	}
	c.record(ctx, ev)
	return state.report, nil
}

func (c *TicketController) closeSteps() []closeStep {
	return []closeStep{
		{name: "closing notice", run: c.stepNotice},
		{name: "transcript", fatal: true, run: c.stepTranscript},
		{name: "archive", run: c.stepArchive},
		{name: closeStepDeliverLog, run: c.stepDeliverLog},
		{name: "temp cleanup", run: c.stepCleanup},
		{name: "delete channel", fatal: true, run: c.stepDeleteChannel},
	}
}

func (c *TicketController) stepNotice(ctx context.Context, s *closeState) error {
	_, err := c.session.ChannelMessageSend(
		s.channel.ID,
		fmt.Sprintf("🔒 Ticket is closing and transcript is being generated by %s...", userTag(s.req.Actor)),
		discordgo.WithContext(ctx),
	)
	return err
}

// stepTranscript renders the transcript and stages it in a temp file
func (c *TicketController) stepTranscript(ctx context.Context, s *closeState) error {
	t, err := c.transcripts.Generate(ctx, s.channel, s.req.Actor)
	if err != nil {
		return err
	}
	s.transcript = t
	s.report.Transcript = t

	f, err := os.CreateTemp(c.config.TempDir, "transcript-*.txt")
	if err != nil {
		return fmt.Errorf("error creating temp file: %w", err)
	}
	if _, err = f.Write(t.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return fmt.Errorf("error writing transcript: %w", err)
	}
	if err = f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return fmt.Errorf("error writing transcript: %w", err)
	}
	s.stagedPath = f.Name()
	return nil
}

func (c *TicketController) stepArchive(ctx context.Context, s *closeState) error {
	if c.archiver == nil {
		return nil
	}
	key, err := c.archiver.Archive(ctx, s.transcript.FileName(), s.transcript.Body)
	if err != nil {
		return err
	}
	s.report.ArchiveKey = key
	return nil
}

func (c *TicketController) stepDeliverLog(ctx context.Context, s *closeState) error {
	if s.logChannel == "" {
		return nil
	}
	f, err := os.Open(s.stagedPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = c.session.ChannelMessageSendComplex(
		s.logChannel,
		&discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{ticketClosedLogEmbed(s.channel, s.req.Actor, c.now())},
			Files: []*discordgo.File{
				{
					Name:        s.transcript.FileName(),
					ContentType: "text/plain",
					Reader:      f,
				},
			},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	s.report.LogDelivered = true
	return nil
}

func (c *TicketController) stepCleanup(_ context.Context, s *closeState) error {
	if s.stagedPath == "" {
		return nil
	}
	return os.Remove(s.stagedPath)
}

func (c *TicketController) stepDeleteChannel(ctx context.Context, s *closeState) error {
	_, err := c.session.ChannelDelete(
		s.channel.ID,
		discordgo.WithContext(ctx),
		discordgo.WithAuditLogReason("Ticket closed by "+userTag(s.req.Actor)),
	)
	return err
}

func (c *TicketController) record(ctx context.Context, ev *TicketEvent) {
	if c.recorder == nil {
		return
	}
	if _, err := c.recorder.Create(ctx, ev); err != nil {
		loggerOrDefault(ctx, c.logger).ErrorContext(ctx, "error recording ticket event", tint.Err(err), "event", ev)
	}
}

// sanitizeTicketName lowercases name, drops anything that isn't a-z or
// 0-9, and truncates the result to 15 characters.
func sanitizeTicketName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() == ticketNameMaxLength {
				break
			}
		}
	}
	return b.String()
}

// ticketChannelName falls back to the user ID when nothing in the
// username survives sanitizing.
func ticketChannelName(u *discordgo.User) string {
	name := sanitizeTicketName(u.Username)
	if name == "" {
		name = u.ID
	}
	return ticketChannelPrefix + name
}

func ticketOverwrites(guildID, requesterID, staffRoleID string) []*discordgo.PermissionOverwrite {
	overwrites := []*discordgo.PermissionOverwrite{
		{ID: guildID, Type: discordgo.PermissionOverwriteTypeRole, Deny: permView},
		{ID: requesterID, Type: discordgo.PermissionOverwriteTypeMember, Allow: permView | permSend},
	}
	if staffRoleID != "" {
		overwrites = append(overwrites, &discordgo.PermissionOverwrite{
			ID:    staffRoleID,
			Type:  discordgo.PermissionOverwriteTypeRole,
			Allow: permView | permSend,
		})
	}
	return overwrites
}

// claimOverwrites removes the staff role's access and grants it to the
// claimer and the requester individually.
func claimOverwrites(staffRoleID, claimerID, requesterID string) []*discordgo.PermissionOverwrite {
	overwrites := []*discordgo.PermissionOverwrite{
		{ID: staffRoleID, Type: discordgo.PermissionOverwriteTypeRole, Deny: permView | permSend},
		{ID: claimerID, Type: discordgo.PermissionOverwriteTypeMember, Allow: permView | permSend},
	}
	if requesterID != "" {
		overwrites = append(overwrites, &discordgo.PermissionOverwrite{
			ID:    requesterID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: permView | permSend,
		})
	}
	return overwrites
}

func claimTicketButton() discordgo.Button {
	return discordgo.Button{
		Label:    "Claim",
		Style:    discordgo.SecondaryButton,
		CustomID: customIDClaimTicket,
		Emoji:    &discordgo.ComponentEmoji{Name: "🙋"},
	}
}

func closeTicketButton(label string) discordgo.Button {
	return discordgo.Button{
		Label:    label,
		Style:    discordgo.DangerButton,
		CustomID: customIDCloseTicket,
		Emoji:    &discordgo.ComponentEmoji{Name: "🔒"},
	}
}

func ticketControlMessage(requester *discordgo.User, staffRoleID, reason string, now time.Time) *discordgo.MessageSend {
	content := fmt.Sprintf("<@%s>", requester.ID)
	if staffRoleID != "" {
		content += fmt.Sprintf(" <@&%s>", staffRoleID)
	}
	return &discordgo.MessageSend{
		Content: content,
		Embeds: []*discordgo.MessageEmbed{
			{
				Color:       colorTicketOpened,
				Title:       "🎫 New Support Ticket Opened",
				Description: fmt.Sprintf("Welcome, <@%s>! Our staff team has been notified.", requester.ID),
				Fields: []*discordgo.MessageEmbedField{
					{Name: "Opened By", Value: userTag(requester), Inline: true},
					{Name: "Reason", Value: truncate(reason, 1024)},
				},
				Footer:    &discordgo.MessageEmbedFooter{Text: `Staff: Click "Claim" to take this ticket.`},
				Timestamp: now.Format(time.RFC3339),
			},
		},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					claimTicketButton(),
					closeTicketButton("Close"),
				},
			},
		},
	}
}

func ticketClaimedEmbed(claimerID string, now time.Time) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Color: colorTicketClaimed,
		Title: "🎫 Ticket Claimed",
		Description: fmt.Sprintf(
			"This ticket has been claimed by <@%s>. They will assist you shortly.",
			claimerID,
		),
		Footer:    &discordgo.MessageEmbedFooter{Text: "The claim button is now removed."},
		Timestamp: now.Format(time.RFC3339),
	}
}

func ticketCreatedLogEmbed(t *Ticket, now time.Time) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Color:       colorTicketCreateLog,
		Title:       "Ticket Created",
		Description: fmt.Sprintf("User <@%s> opened a new ticket: <#%s>", t.RequesterID, t.ChannelID),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Ticket ID", Value: t.ChannelID, Inline: true},
			{Name: "Reason", Value: truncate(t.Reason, 1024)},
		},
		Timestamp: now.Format(time.RFC3339),
	}
}

func ticketClosedLogEmbed(ch *discordgo.Channel, closer *discordgo.User, now time.Time) *discordgo.MessageEmbed {
	creator := ch.Topic
	if creator == "" {
		creator = "N/A"
	}
	return &discordgo.MessageEmbed{
		Color:       colorTicketCloseLog,
		Title:       "Ticket Closed",
		Description: fmt.Sprintf("Ticket #%s closed by %s. Transcript attached.", ch.Name, userTag(closer)),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Ticket Creator ID", Value: creator},
		},
		Timestamp: now.Format(time.RFC3339),
	}
}
