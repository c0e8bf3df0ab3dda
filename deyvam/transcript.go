package deyvam

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	transcriptClosedFormat  = "Mon, 02 Jan 2006 15:04:05 GMT"
	transcriptMessageFormat = "1/2/2006, 3:04:05 PM"

	// discord won't return more than this many messages per request
	maxMessageFetchLimit = 100
)

// Transcript is the rendered history of a ticket channel at close time
type Transcript struct {
	ChannelID   string
	ChannelName string
	RequesterID string
	ClosedBy    string
	ClosedAt    time.Time

	// Lines is the number of conversation lines, not counting
	// attachment lines
	Lines int
	Body  []byte
}

// FileName is the attachment name used for log delivery and archiving
func (t *Transcript) FileName() string {
	return fmt.Sprintf("%s-%d.txt", t.ChannelName, t.ClosedAt.UnixMilli())
}

// TranscriptGenerator renders a bounded window of a channel's history
// into a plain text record.
type TranscriptGenerator struct {
	session  TicketSession
	limit    int
	location *time.Location
	now      func() time.Time
}

func newTranscriptGenerator(session TicketSession, config *TicketConfig) (*TranscriptGenerator, error) {
	loc, err := time.LoadLocation(config.TranscriptTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid transcript timezone: %w", err)
	}
	limit := config.HistoryLimit
	if limit <= 0 || limit > maxMessageFetchLimit {
		limit = maxMessageFetchLimit
	}
	return &TranscriptGenerator{
		session:  session,
		limit:    limit,
		location: loc,
		now:      time.Now,
	}, nil
}

// Generate fetches the most recent messages in the channel and renders
// them oldest-first. Anything older than the fetch limit is omitted.
func (g *TranscriptGenerator) Generate(
	ctx context.Context,
	channel *discordgo.Channel,
	closer *discordgo.User,
) (*Transcript, error) {
	messages, err := g.session.ChannelMessages(
		channel.ID,
		g.limit,
		"",
		"",
		"",
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("error fetching channel history: %w", err)
	}
	if len(messages) > g.limit {
		messages = messages[:g.limit]
	}

	t := &Transcript{
		ChannelID:   channel.ID,
		ChannelName: channel.Name,
		RequesterID: channel.Topic,
		ClosedBy:    userTag(closer),
		ClosedAt:    g.now().UTC(),
	}
	t.Body, t.Lines = g.render(channel, closer, t.ClosedAt, messages)
	return t, nil
}

// render writes the header and one line per message. messages are
// expected newest-first, as discord returns them.
func (g *TranscriptGenerator) render(
	channel *discordgo.Channel,
	closer *discordgo.User,
	closedAt time.Time,
	messages []*discordgo.Message,
) ([]byte, int) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Ticket Transcript for #%s\n", channel.Name)
	fmt.Fprintf(&b, "Opened by User ID: %s\n", channel.Topic)
	fmt.Fprintf(&b, "Closed by: %s (%s)\n", userTag(closer), closer.ID)
	fmt.Fprintf(&b, "Date Closed: %s\n\n", closedAt.UTC().Format(transcriptClosedFormat))
	b.WriteString("--- CONVERSATION ---\n\n")

	ordered := slices.Clone(messages)
	slices.Reverse(ordered)

	lines := 0
	for _, m := range ordered {
		if isControlMessage(m) {
			continue
		}
		fmt.Fprintf(
			&b,
			"[%s] %s: %s\n",
			m.Timestamp.In(g.location).Format(transcriptMessageFormat),
			userTag(m.Author),
			m.Content,
		)
		lines++
		for _, a := range m.Attachments {
			fmt.Fprintf(&b, "[ATTACHMENT] %s\n", a.URL)
		}
	}
	return b.Bytes(), lines
}

// isControlMessage reports whether m is a bot-authored message carrying
// interactive components
func isControlMessage(m *discordgo.Message) bool {
	return m.Author != nil && m.Author.Bot && len(m.Components) > 0
}
