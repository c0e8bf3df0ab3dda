package deyvam

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTranscriptChannel(session *mockDiscordSession) *discordgo.Channel {
	return session.addChannel(
		&discordgo.Channel{
			Name:     "ticket-alice",
			Topic:    testRequesterID,
			ParentID: testCategoryID,
		},
	)
}

func TestTranscriptGenerate(t *testing.T) {
	session := newMockDiscordSession()
	ch := newTestTranscriptChannel(session)
	alice := newTestUser(testRequesterID, "alice")
	bob := &discordgo.User{ID: testStaffUserID, Username: "bob", Discriminator: "1234"}

	session.postMessage(
		ch.ID,
		&discordgo.Message{
			Author:    &discordgo.User{ID: testBotUserID, Username: "deyvam", Bot: true},
			Content:   "<@" + testRequesterID + ">",
			Timestamp: testNow.Add(-3 * time.Hour),
			Components: []discordgo.MessageComponent{
				&discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						&discordgo.Button{CustomID: customIDClaimTicket},
					},
				},
			},
		},
	)
	session.postMessage(
		ch.ID,
		&discordgo.Message{Author: alice, Content: "first", Timestamp: testNow.Add(-2 * time.Hour)},
	)
	session.postMessage(
		ch.ID,
		&discordgo.Message{
			Author:    bob,
			Content:   "second",
			Timestamp: testNow.Add(-time.Hour),
			Attachments: []*discordgo.MessageAttachment{
				{URL: "https://cdn.example/a.png"},
				{URL: "https://cdn.example/b.png"},
			},
		},
	)

	g, err := newTranscriptGenerator(session, &TicketConfig{HistoryLimit: 100, TranscriptTimezone: "UTC"})
	require.NoError(t, err)
	g.now = func() time.Time { return testNow }

	tr, err := g.Generate(context.Background(), ch, bob)
	require.NoError(t, err)

	expected := "Ticket Transcript for #ticket-alice\n" +
		"Opened by User ID: " + testRequesterID + "\n" +
		"Closed by: bob#1234 (" + testStaffUserID + ")\n" +
		"Date Closed: Sat, 17 Oct 2026 12:30:00 GMT\n\n" +
		"--- CONVERSATION ---\n\n" +
		"[10/17/2026, 10:30:00 AM] alice: first\n" +
		"[10/17/2026, 11:30:00 AM] bob#1234: second\n" +
		"[ATTACHMENT] https://cdn.example/a.png\n" +
		"[ATTACHMENT] https://cdn.example/b.png\n"
	assert.Equal(t, expected, string(tr.Body))
	assert.Equal(t, 2, tr.Lines)
	assert.Equal(t, "bob#1234", tr.ClosedBy)
	assert.Equal(t, testRequesterID, tr.RequesterID)
	assert.Equal(t, fmt.Sprintf("ticket-alice-%d.txt", testNow.UnixMilli()), tr.FileName())
}

func TestTranscriptTimezone(t *testing.T) {
	session := newMockDiscordSession()
	ch := newTestTranscriptChannel(session)
	session.postMessage(
		ch.ID,
		&discordgo.Message{Author: newTestUser(testRequesterID, "alice"), Content: "hi", Timestamp: testNow},
	)

	g, err := newTranscriptGenerator(session, &TicketConfig{HistoryLimit: 100, TranscriptTimezone: "Asia/Kolkata"})
	require.NoError(t, err)
	g.now = func() time.Time { return testNow }

	tr, err := g.Generate(context.Background(), ch, newTestUser(testRequesterID, "alice"))
	require.NoError(t, err)
	body := string(tr.Body)
	assert.Contains(t, body, "[10/17/2026, 6:00:00 PM] alice: hi\n")
	// the close date is always rendered in UTC
	assert.Contains(t, body, "Date Closed: Sat, 17 Oct 2026 12:30:00 GMT\n")
}

func TestTranscriptInvalidTimezone(t *testing.T) {
	_, err := newTranscriptGenerator(newMockDiscordSession(), &TicketConfig{TranscriptTimezone: "Mars/Olympus"})
	assert.Error(t, err)
}

func TestTranscriptHistoryLimit(t *testing.T) {
	session := newMockDiscordSession()
	ch := newTestTranscriptChannel(session)
	alice := newTestUser(testRequesterID, "alice")
	for i := 0; i < 150; i++ {
		session.postMessage(
			ch.ID,
			&discordgo.Message{
				Author:    alice,
				Content:   fmt.Sprintf("message %03d", i),
				Timestamp: testNow.Add(time.Duration(i-150) * time.Minute),
			},
		)
	}

	// out of range limits fall back to the API maximum
	g, err := newTranscriptGenerator(session, &TicketConfig{HistoryLimit: 500, TranscriptTimezone: "UTC"})
	require.NoError(t, err)
	assert.Equal(t, maxMessageFetchLimit, g.limit)

	tr, err := g.Generate(context.Background(), ch, alice)
	require.NoError(t, err)
	assert.Equal(t, 100, tr.Lines)

	body := string(tr.Body)
	assert.NotContains(t, body, "message 049")
	assert.Contains(t, body, "message 050")
	assert.Contains(t, body, "message 149")
	assert.Less(t, strings.Index(body, "message 050"), strings.Index(body, "message 149"))
}

func TestTranscriptEmptyChannel(t *testing.T) {
	session := newMockDiscordSession()
	ch := newTestTranscriptChannel(session)

	g, err := newTranscriptGenerator(session, &TicketConfig{HistoryLimit: 10, TranscriptTimezone: "UTC"})
	require.NoError(t, err)

	tr, err := g.Generate(context.Background(), ch, newTestUser(testRequesterID, "alice"))
	require.NoError(t, err)
	assert.Equal(t, 0, tr.Lines)
	assert.True(t, strings.HasSuffix(string(tr.Body), "--- CONVERSATION ---\n\n"))
}

func TestIsControlMessage(t *testing.T) {
	bot := &discordgo.User{ID: testBotUserID, Bot: true}
	row := []discordgo.MessageComponent{discordgo.ActionsRow{}}

	assert.True(t, isControlMessage(&discordgo.Message{Author: bot, Components: row}))
	assert.False(t, isControlMessage(&discordgo.Message{Author: bot}))
	assert.False(t, isControlMessage(&discordgo.Message{Author: newTestUser("1", "a"), Components: row}))
	assert.False(t, isControlMessage(&discordgo.Message{}))
}
