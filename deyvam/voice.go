package deyvam

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	colorBlurple = 0x5865F2
	colorYellow  = 0xFEE75C
	colorGreen   = 0x57F287
	colorRed     = 0xED4245
)

// voiceTracker keeps the last known voice state of each member, since
// the session state cache is disabled. It's seeded from GuildCreate and
// updated on every VoiceStateUpdate.
type voiceTracker struct {
	mu     sync.RWMutex
	states map[string]discordgo.VoiceState
	guilds map[string]string
}

func newVoiceTracker() *voiceTracker {
	return &voiceTracker{
		states: map[string]discordgo.VoiceState{},
		guilds: map[string]string{},
	}
}

func voiceKey(guildID, userID string) string {
	return guildID + ":" + userID
}

// seed replaces the known states for the guild
func (v *voiceTracker) seed(g *discordgo.Guild) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.guilds[g.ID] = g.Name
	for k, s := range v.states {
		if s.GuildID == g.ID {
			delete(v.states, k)
		}
	}
	for _, s := range g.VoiceStates {
		if s == nil || s.ChannelID == "" {
			continue
		}
		st := *s
		st.GuildID = g.ID
		v.states[voiceKey(g.ID, s.UserID)] = st
	}
}

// update records the new state and returns the previous one, or nil if
// the member wasn't known to be in voice.
func (v *voiceTracker) update(s *discordgo.VoiceState) *discordgo.VoiceState {
	key := voiceKey(s.GuildID, s.UserID)
	v.mu.Lock()
	defer v.mu.Unlock()

	var before *discordgo.VoiceState
	if prev, ok := v.states[key]; ok {
		before = &prev
	}
	if s.ChannelID == "" {
		delete(v.states, key)
	} else {
		v.states[key] = *s
	}
	return before
}

// channelOf returns the voice channel the member is in, if any
func (v *voiceTracker) channelOf(guildID, userID string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.states[voiceKey(guildID, userID)].ChannelID
}

func (v *voiceTracker) guildName(guildID string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.guilds[guildID]
}

func voiceSessionStatus(s *discordgo.VoiceState) string {
	var status []string
	if s.SelfMute {
		status = append(status, "🎤 Muted")
	}
	if s.SelfDeaf {
		status = append(status, "🔇 Deafened")
	}
	if s.SelfStream {
		status = append(status, "📺 Streaming")
	}
	if s.SelfVideo {
		status = append(status, "📹 Video On")
	}
	if len(status) == 0 {
		return "✅ None"
	}
	return strings.Join(status, ", ")
}

// voiceEvent holds what's needed to render voice log embeds
type voiceEvent struct {
	before *discordgo.VoiceState
	after  *discordgo.VoiceState
	user   *discordgo.User

	// previousChannel is the display name of before.ChannelID
	previousChannel string
	guildName       string
	now             time.Time
}

// voiceLogEmbeds returns the embeds describing the change from before to
// after. Nothing is returned for updates that don't change the channel
// or any logged toggle.
func voiceLogEmbeds(e voiceEvent) []*discordgo.MessageEmbed {
	var beforeChannel string
	if e.before != nil {
		beforeChannel = e.before.ChannelID
	}
	after := e.after
	tag := userTag(e.user)
	author := func(name string) *discordgo.MessageEmbedAuthor {
		return &discordgo.MessageEmbedAuthor{Name: name, IconURL: e.user.AvatarURL("")}
	}
	footer := &discordgo.MessageEmbedFooter{Text: "User ID: " + e.user.ID}
	ts := e.now.Format(time.RFC3339)

	switch {
	case beforeChannel == "" && after.ChannelID != "":
		return []*discordgo.MessageEmbed{{
			Color:       colorGreen,
			Author:      author(fmt.Sprintf("[CONNECT] %s connected", tag)),
			Description: fmt.Sprintf("**Member:** <@%s> (`%s`) has connected to voice.", e.user.ID, e.user.ID),
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Channel", Value: fmt.Sprintf("<#%s>", after.ChannelID), Inline: true},
				{Name: "Session Status", Value: voiceSessionStatus(after), Inline: true},
			},
			Footer:    footer,
			Timestamp: ts,
		}}
	case beforeChannel != "" && after.ChannelID == "":
		return []*discordgo.MessageEmbed{{
			Color:       colorRed,
			Author:      author(fmt.Sprintf("[DISCONNECT] %s disconnected", tag)),
			Description: fmt.Sprintf("**Member:** <@%s> (`%s`) has disconnected from voice.", e.user.ID, e.user.ID),
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Channel Left", Value: e.previousChannel, Inline: true},
				{Name: "Server", Value: orDefault(e.guildName, "Unknown Server"), Inline: true},
			},
			Footer:    footer,
			Timestamp: ts,
		}}
	case beforeChannel != after.ChannelID:
		return []*discordgo.MessageEmbed{{
			Color:       colorYellow,
			Author:      author(fmt.Sprintf("[MOVE] %s switched channels", tag)),
			Description: fmt.Sprintf("**Member:** <@%s> (`%s`) switched channels.", e.user.ID, e.user.ID),
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Previous Channel", Value: e.previousChannel, Inline: true},
				{Name: "New Channel", Value: fmt.Sprintf("<#%s>", after.ChannelID), Inline: true},
				{Name: "Session Status", Value: voiceSessionStatus(after), Inline: true},
			},
			Footer:    footer,
			Timestamp: ts,
		}}
	case beforeChannel == "":
		return nil
	}

	toggles := []struct {
		kind              string
		was, is           bool
		color             int
		emojiOn, emojiOff string
	}{
		{"Mute", e.before.SelfMute, after.SelfMute, colorBlurple, "🎤", "🔊"},
		{"Deaf", e.before.SelfDeaf, after.SelfDeaf, colorBlurple, "🔇", "🦻"},
		{"Stream", e.before.SelfStream, after.SelfStream, colorYellow, "📺", "🔴"},
		{"Video", e.before.SelfVideo, after.SelfVideo, colorYellow, "📹", "❌"},
	}
	var embeds []*discordgo.MessageEmbed
	for _, t := range toggles {
		if t.was == t.is {
			continue
		}
		action, emoji := "OFF", t.emojiOff
		if t.is {
			action, emoji = "ON", t.emojiOn
		}
		embeds = append(embeds, &discordgo.MessageEmbed{
			Color:       t.color,
			Author:      author(fmt.Sprintf("[STATUS] %s Update", t.kind)),
			Description: fmt.Sprintf("%s **%s** turned %s %s.", emoji, tag, t.kind, action),
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Channel", Value: fmt.Sprintf("<#%s>", after.ChannelID), Inline: true},
			},
			Footer:    footer,
			Timestamp: ts,
		})
	}
	return embeds
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// handleVoiceStateUpdate tracks the new state and posts voice log
// embeds when a voice log channel is configured.
func (b *Bot) handleVoiceStateUpdate(ctx context.Context, vs *discordgo.VoiceStateUpdate) {
	if vs.VoiceState == nil {
		return
	}
	before := b.voice.update(vs.VoiceState)

	logChannelID, _ := b.settings.Get(ctx, SettingVoiceLogChannel)
	if logChannelID == "" {
		return
	}
	logger := loggerOrDefault(ctx, b.logger).With("user_id", vs.UserID, "guild_id", vs.GuildID)

	user := &discordgo.User{ID: vs.UserID}
	if vs.Member != nil && vs.Member.User != nil {
		user = vs.Member.User
	}
	if user.Bot {
		return
	}

	e := voiceEvent{
		before:    before,
		after:     vs.VoiceState,
		user:      user,
		guildName: b.voice.guildName(vs.GuildID),
		now:       time.Now(),
	}
	if before != nil && before.ChannelID != "" {
		e.previousChannel = fmt.Sprintf("<#%s>", before.ChannelID)
		if ch, err := b.discord.session.Channel(before.ChannelID, discordgo.WithContext(ctx)); err == nil {
			e.previousChannel = "#" + ch.Name
		}
	}

	for _, embed := range voiceLogEmbeds(e) {
		if _, err := b.discord.session.ChannelMessageSendEmbed(
			logChannelID,
			embed,
			discordgo.WithContext(ctx),
		); err != nil {
			logger.ErrorContext(ctx, "error sending voice log", tint.Err(err), "log_channel_id", logChannelID)
			return
		}
	}
}
