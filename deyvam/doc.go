// Package deyvam implements the DEYVAM Gaming community Discord bot.
//
// The core of the package is the support ticket lifecycle: members open
// a private ticket channel, staff claim it, and closing it produces a
// plain-text transcript that is posted to the ticket log channel (and
// optionally archived to an S3-compatible object store) before the
// channel is deleted.
//
// Around that, the bot handles:
//
//   - /help, /say and the /set* commands that configure channels and roles
//   - /kick, /ban and /moveuser moderation commands
//   - a self-assignable role panel
//   - welcome and goodbye embeds
//   - a voice activity log
//   - a "Watching N Members" presence
//
// Guild settings are stored in a single database row (SQLite or Postgres)
// and can be changed with slash commands or the admin API, which is
// served alongside a keep-alive endpoint for uptime monitors.
package deyvam

// Set with -ldflags at build time
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)
