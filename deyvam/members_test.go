package deyvam

import (
	"context"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSystemChannelID = "100000000000000401"

func TestHandleGuildMemberAdd(t *testing.T) {
	b, session := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, b.settings.Set(ctx, SettingWelcomeChannel, testWelcomeChannelID))

	member := requesterMember()
	b.handleGuildMemberAdd(ctx, &discordgo.GuildMemberAdd{Member: member})

	sent := session.sentTo(testWelcomeChannelID)
	require.Len(t, sent, 1)
	assert.Equal(t, "Welcome <@"+testRequesterID+">!", sent[0].Content)
	require.Len(t, sent[0].Embeds, 1)
	embed := sent[0].Embeds[0]
	assert.Equal(t, "🎮 Welcome Alice_The.Gamer! to **DEYVAM Gaming**! 🕹️", embed.Title)
	assert.Equal(t, colorGreen, embed.Color)
	require.Len(t, embed.Fields, 1)
	assert.Equal(t, "Account Created", embed.Fields[0].Name)
	assert.Regexp(t, `^<t:\d+:R>$`, embed.Fields[0].Value)
}

func TestHandleGuildMemberAdd_SystemChannelFallback(t *testing.T) {
	b, session := newTestBot(t)
	session.guild.SystemChannelID = testSystemChannelID

	b.handleGuildMemberAdd(context.Background(), &discordgo.GuildMemberAdd{Member: requesterMember()})
	assert.Len(t, session.sentTo(testSystemChannelID), 1)
}

func TestHandleGuildMemberAdd_NoChannel(t *testing.T) {
	b, session := newTestBot(t)
	b.handleGuildMemberAdd(context.Background(), &discordgo.GuildMemberAdd{Member: requesterMember()})
	assert.Empty(t, session.sent)

	b.handleGuildMemberAdd(context.Background(), &discordgo.GuildMemberAdd{})
	assert.Empty(t, session.sent)
}

func TestHandleGuildMemberRemove(t *testing.T) {
	b, session := newTestBot(t)
	ctx := context.Background()
	const goodbyeChannelID = "100000000000000402"
	require.NoError(t, b.settings.Set(ctx, SettingGoodbyeChannel, goodbyeChannelID))

	b.handleGuildMemberRemove(ctx, &discordgo.GuildMemberRemove{Member: requesterMember()})

	sent := session.sentTo(goodbyeChannelID)
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Embeds, 1)
	assert.Equal(t, "🚪 Alice_The.Gamer! logged off from **DEYVAM Gaming**...", sent[0].Embeds[0].Title)
	assert.Equal(t, colorRed, sent[0].Embeds[0].Color)
}

func TestHandleGuildMemberRemove_GuildLookupFails(t *testing.T) {
	b, session := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, b.settings.Set(ctx, SettingGoodbyeChannel, "100000000000000402"))
	session.failWith("GuildWithCounts", notFoundError())

	b.handleGuildMemberRemove(ctx, &discordgo.GuildMemberRemove{Member: requesterMember()})
	assert.Empty(t, session.sent)
}

func TestWelcomeEmbed_Thumbnail(t *testing.T) {
	guild := &discordgo.Guild{ID: testGuildID, Icon: "abc123"}
	embed := welcomeEmbed(requester(), guild, testNow)
	require.NotNil(t, embed.Thumbnail)
	assert.Contains(t, embed.Thumbnail.URL, "abc123")

	embed = goodbyeEmbed(requester(), nil, testNow)
	assert.Nil(t, embed.Thumbnail)
}
