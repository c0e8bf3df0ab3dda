package deyvam

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	testGuildID          = "100000000000000001"
	testBotUserID        = "100000000000000002"
	testCategoryID       = "100000000000000003"
	testLogChannelID     = "100000000000000004"
	testStaffRoleID      = "100000000000000005"
	testRequesterID      = "100000000000000006"
	testStaffUserID      = "100000000000000007"
	testOtherUserID      = "100000000000000008"
	testWelcomeChannelID = "100000000000000009"
)

// sentMessage records a message sent through the mock session. Files
// are read at send time, since their readers may be closed afterward.
type sentMessage struct {
	ChannelID string
	Content   string
	Embeds    []*discordgo.MessageEmbed
	Files     map[string][]byte
}

type permissionSet struct {
	ChannelID string
	TargetID  string
	Type      discordgo.PermissionOverwriteType
	Allow     int64
	Deny      int64
}

// mockDiscordSession is a stateful, in-memory DiscordSessionHandler.
// Channels and messages created through it can be read back, so ticket
// flows can be exercised end to end.
type mockDiscordSession struct {
	mu     sync.Mutex
	nextID int64

	guild    *discordgo.Guild
	channels map[string]*discordgo.Channel

	// newest first, like the REST API returns them
	messages map[string][]*discordgo.Message
	members  map[string]*discordgo.Member

	sent          []sentMessage
	edits         []*discordgo.MessageEdit
	permissions   []permissionSet
	deleted       []string
	createdData   []discordgo.GuildChannelCreateData
	roleAdds      []string
	roleRemoves   []string
	kicks         []string
	bans          []string
	moves         map[string]string
	statuses      []discordgo.UpdateStatusData
	commands      []*discordgo.ApplicationCommand
	responses     []*discordgo.InteractionResponse
	webhookEdits  []*discordgo.WebhookEdit
	followups     []*discordgo.WebhookParams
	handlersAdded int

	// errs makes the named method fail
	errs map[string]error

	// sendErrs makes ChannelMessageSend(Complex) fail for one channel
	sendErrs map[string]error
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{
		nextID: 200000000000000000,
		guild: &discordgo.Guild{
			ID:                     testGuildID,
			Name:                   "DEYVAM Gaming",
			ApproximateMemberCount: 42,
		},
		channels: map[string]*discordgo.Channel{},
		messages: map[string][]*discordgo.Message{},
		members:  map[string]*discordgo.Member{},
		moves:    map[string]string{},
		errs:     map[string]error{},
		sendErrs: map[string]error{},
	}
}

func (m *mockDiscordSession) id() string {
	m.nextID++
	return strconv.FormatInt(m.nextID, 10)
}

func (m *mockDiscordSession) failWith(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[method] = err
}

func (m *mockDiscordSession) err(method string) error {
	return m.errs[method]
}

func (m *mockDiscordSession) addChannel(ch *discordgo.Channel) *discordgo.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch.ID == "" {
		ch.ID = m.id()
	}
	if ch.GuildID == "" {
		ch.GuildID = testGuildID
	}
	m.channels[ch.ID] = ch
	return ch
}

func (m *mockDiscordSession) addMember(member *discordgo.Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[member.User.ID] = member
}

// postMessage appends a message to the channel as if a user sent it
func (m *mockDiscordSession) postMessage(channelID string, msg *discordgo.Message) *discordgo.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = m.id()
	}
	msg.ChannelID = channelID
	m.messages[channelID] = append([]*discordgo.Message{msg}, m.messages[channelID]...)
	return msg
}

func (m *mockDiscordSession) sentTo(channelID string) []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sentMessage
	for _, s := range m.sent {
		if s.ChannelID == channelID {
			out = append(out, s)
		}
	}
	return out
}

func (m *mockDiscordSession) channelExists(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.channels[channelID]
	return ok
}

func notFoundError() error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusNotFound, Status: "404 Not Found"},
		Message:  &discordgo.APIErrorMessage{Code: discordgo.ErrCodeUnknownChannel, Message: "Unknown Channel"},
	}
}

func (m *mockDiscordSession) Channel(channelID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("Channel"); err != nil {
		return nil, err
	}
	ch, ok := m.channels[channelID]
	if !ok {
		return nil, notFoundError()
	}
	c := *ch
	return &c, nil
}

func (m *mockDiscordSession) GuildChannels(guildID string, _ ...discordgo.RequestOption) ([]*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("GuildChannels"); err != nil {
		return nil, err
	}
	var out []*discordgo.Channel
	for _, ch := range m.channels {
		if ch.GuildID == guildID {
			c := *ch
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *mockDiscordSession) GuildChannelCreateComplex(
	guildID string,
	data discordgo.GuildChannelCreateData,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("GuildChannelCreateComplex"); err != nil {
		return nil, err
	}
	m.createdData = append(m.createdData, data)
	ch := &discordgo.Channel{
		ID:                   m.id(),
		GuildID:              guildID,
		Name:                 data.Name,
		Type:                 data.Type,
		Topic:                data.Topic,
		ParentID:             data.ParentID,
		PermissionOverwrites: data.PermissionOverwrites,
	}
	m.channels[ch.ID] = ch
	c := *ch
	return &c, nil
}

func (m *mockDiscordSession) ChannelPermissionSet(
	channelID string,
	targetID string,
	targetType discordgo.PermissionOverwriteType,
	allow int64,
	deny int64,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("ChannelPermissionSet"); err != nil {
		return err
	}
	m.permissions = append(m.permissions, permissionSet{channelID, targetID, targetType, allow, deny})
	if ch, ok := m.channels[channelID]; ok {
		ow := &discordgo.PermissionOverwrite{ID: targetID, Type: targetType, Allow: allow, Deny: deny}
		ch.PermissionOverwrites = slices.DeleteFunc(
			ch.PermissionOverwrites,
			func(o *discordgo.PermissionOverwrite) bool { return o.ID == targetID },
		)
		ch.PermissionOverwrites = append(ch.PermissionOverwrites, ow)
	}
	return nil
}

func (m *mockDiscordSession) ChannelMessages(
	channelID string,
	limit int,
	_ string,
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("ChannelMessages"); err != nil {
		return nil, err
	}
	msgs := m.messages[channelID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return slices.Clone(msgs), nil
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return m.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{Content: content}, options...)
}

func (m *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("ChannelMessageSendComplex"); err != nil {
		return nil, err
	}
	if err := m.sendErrs[channelID]; err != nil {
		return nil, err
	}

	s := sentMessage{ChannelID: channelID, Content: data.Content, Embeds: data.Embeds}
	for _, f := range data.Files {
		body, err := io.ReadAll(f.Reader)
		if err != nil {
			return nil, err
		}
		if s.Files == nil {
			s.Files = map[string][]byte{}
		}
		s.Files[f.Name] = body
	}
	m.sent = append(m.sent, s)

	msg := &discordgo.Message{
		ID:         m.id(),
		ChannelID:  channelID,
		Content:    data.Content,
		Embeds:     data.Embeds,
		Components: data.Components,
		Author:     &discordgo.User{ID: testBotUserID, Username: "deyvam", Bot: true},
		Timestamp:  time.Now(),
	}
	m.messages[channelID] = append([]*discordgo.Message{msg}, m.messages[channelID]...)
	return msg, nil
}

func (m *mockDiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return m.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}},
		options...,
	)
}

func (m *mockDiscordSession) ChannelMessageEditComplex(
	edit *discordgo.MessageEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("ChannelMessageEditComplex"); err != nil {
		return nil, err
	}
	m.edits = append(m.edits, edit)
	for _, msg := range m.messages[edit.Channel] {
		if msg.ID != edit.ID {
			continue
		}
		if edit.Content != nil {
			msg.Content = *edit.Content
		}
		if edit.Embeds != nil {
			msg.Embeds = *edit.Embeds
		}
		if edit.Components != nil {
			msg.Components = *edit.Components
		}
		return msg, nil
	}
	return nil, notFoundError()
}

func (m *mockDiscordSession) ChannelDelete(channelID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("ChannelDelete"); err != nil {
		return nil, err
	}
	ch, ok := m.channels[channelID]
	if !ok {
		return nil, notFoundError()
	}
	delete(m.channels, channelID)
	delete(m.messages, channelID)
	m.deleted = append(m.deleted, channelID)
	return ch, nil
}

func (m *mockDiscordSession) GuildWithCounts(guildID string, _ ...discordgo.RequestOption) (*discordgo.Guild, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("GuildWithCounts"); err != nil {
		return nil, err
	}
	if guildID != m.guild.ID {
		return nil, notFoundError()
	}
	g := *m.guild
	return &g, nil
}

func (m *mockDiscordSession) GuildRoles(string, ...discordgo.RequestOption) ([]*discordgo.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.guild.Roles, m.err("GuildRoles")
}

func (m *mockDiscordSession) GuildMember(
	_ string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[userID]
	if !ok {
		return nil, notFoundError()
	}
	return member, nil
}

func (m *mockDiscordSession) GuildMemberDeleteWithReason(
	_ string,
	userID string,
	_ string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("GuildMemberDeleteWithReason"); err != nil {
		return err
	}
	m.kicks = append(m.kicks, userID)
	delete(m.members, userID)
	return nil
}

func (m *mockDiscordSession) GuildBanCreateWithReason(
	_ string,
	userID string,
	_ string,
	_ int,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("GuildBanCreateWithReason"); err != nil {
		return err
	}
	m.bans = append(m.bans, userID)
	delete(m.members, userID)
	return nil
}

func (m *mockDiscordSession) GuildMemberMove(
	_ string,
	userID string,
	channelID *string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("GuildMemberMove"); err != nil {
		return err
	}
	m.moves[userID] = *channelID
	return nil
}

func (m *mockDiscordSession) GuildMemberRoleAdd(
	_ string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("GuildMemberRoleAdd"); err != nil {
		return err
	}
	m.roleAdds = append(m.roleAdds, userID+":"+roleID)
	return nil
}

func (m *mockDiscordSession) GuildMemberRoleRemove(
	_ string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("GuildMemberRoleRemove"); err != nil {
		return err
	}
	m.roleRemoves = append(m.roleRemoves, userID+":"+roleID)
	return nil
}

func (m *mockDiscordSession) Open() error  { return m.err("Open") }
func (m *mockDiscordSession) Close() error { return nil }

func (m *mockDiscordSession) AddHandler(any) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlersAdded++
	return func() {}
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("ApplicationCommandBulkOverwrite"); err != nil {
		return nil, err
	}
	m.commands = make([]*discordgo.ApplicationCommand, len(commands))
	for i, c := range commands {
		m.commands[i] = &discordgo.ApplicationCommand{ID: m.id(), Name: c.Name, Description: c.Description}
	}
	return m.commands, nil
}

func (m *mockDiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, data)
	return nil
}

func (m *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	return m.err("InteractionRespond")
}

func (m *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	edit *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhookEdits = append(m.webhookEdits, edit)
	return &discordgo.Message{}, m.err("InteractionResponseEdit")
}

func (m *mockDiscordSession) FollowupMessageCreate(
	_ *discordgo.Interaction,
	_ bool,
	params *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.followups = append(m.followups, params)
	return &discordgo.Message{}, nil
}

func (m *mockDiscordSession) SetHTTPClient(*http.Client) {}

func (m *mockDiscordSession) SetLogLevel(slog.Level) error { return nil }

// mockSettings is an in-memory SettingsProvider
type mockSettings struct {
	mu     sync.Mutex
	values map[SettingKey]string
}

func newMockSettings(values map[SettingKey]string) *mockSettings {
	if values == nil {
		values = map[SettingKey]string{}
	}
	return &mockSettings{values: values}
}

func (s *mockSettings) Get(_ context.Context, key SettingKey) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key], nil
}

func (s *mockSettings) Set(_ context.Context, key SettingKey, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// configuredSettings returns settings with the ticket category, log
// channel and staff role set
func configuredSettings() *mockSettings {
	return newMockSettings(
		map[SettingKey]string{
			SettingTicketCategory:   testCategoryID,
			SettingTicketLogChannel: testLogChannelID,
			SettingStaffRole:        testStaffRoleID,
		},
	)
}

// mockInteractionHandler records what a command handler sends back
type mockInteractionHandler struct {
	mu          sync.Mutex
	interaction *discordgo.InteractionCreate
	responses   []*discordgo.InteractionResponse
	edits       []*discordgo.WebhookEdit
	followups   []*discordgo.WebhookParams
	editErr     error
	logger      *slog.Logger
}

func newMockInteractionHandler(i *discordgo.InteractionCreate) *mockInteractionHandler {
	return &mockInteractionHandler{interaction: i, logger: discardLogger()}
}

func (h *mockInteractionHandler) Respond(_ context.Context, r *discordgo.InteractionResponse) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responses = append(h.responses, r)
	return nil
}

func (h *mockInteractionHandler) Edit(
	_ context.Context,
	e *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.editErr != nil {
		return nil, h.editErr
	}
	h.edits = append(h.edits, e)
	return &discordgo.Message{}, nil
}

func (h *mockInteractionHandler) FollowUp(
	_ context.Context,
	p *discordgo.WebhookParams,
) (*discordgo.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.followups = append(h.followups, p)
	return &discordgo.Message{}, nil
}

func (h *mockInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return h.interaction
}

func (h *mockInteractionHandler) Logger() *slog.Logger {
	return h.logger
}

// lastContent returns the content of the most recent edit, or of the
// most recent response if there were no edits
func (h *mockInteractionHandler) lastContent(t testing.TB) string {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.edits); n > 0 && h.edits[n-1].Content != nil {
		return *h.edits[n-1].Content
	}
	if n := len(h.followups); n > 0 {
		return h.followups[n-1].Content
	}
	if n := len(h.responses); n > 0 && h.responses[n-1].Data != nil {
		return h.responses[n-1].Data.Content
	}
	t.Fatalf("no response recorded")
	return ""
}

func newTestUser(id, username string) *discordgo.User {
	return &discordgo.User{ID: id, Username: username, Discriminator: "0"}
}

// newCommandInteraction builds a slash command interaction invoked by
// member in the test guild
func newCommandInteraction(
	member *discordgo.Member,
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        fmt.Sprintf("interaction-%s-%d", name, time.Now().UnixNano()),
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   testGuildID,
			ChannelID: testWelcomeChannelID,
			Member:    member,
			Data: discordgo.ApplicationCommandInteractionData{
				ID:      "command-" + name,
				Name:    name,
				Options: options,
			},
		},
	}
}

// newComponentInteraction builds a button press in channelID
func newComponentInteraction(
	member *discordgo.Member,
	channelID string,
	customID string,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        fmt.Sprintf("interaction-%s-%d", customID, time.Now().UnixNano()),
			Type:      discordgo.InteractionMessageComponent,
			GuildID:   testGuildID,
			ChannelID: channelID,
			Member:    member,
			Data: discordgo.MessageComponentInteractionData{
				CustomID:      customID,
				ComponentType: discordgo.ButtonComponent,
			},
		},
	}
}
