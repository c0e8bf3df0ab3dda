package deyvam

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

var defaultLogWriter io.Writer = os.Stdout

const shutdownAnnouncementInterval = 10 * time.Second

// Bot is the community bot: it holds the discord session, the database,
// the guild settings and the ticket lifecycle, and runs the admin API.
type Bot struct {
	config *Config
	logger *slog.Logger

	// db is used for reads, writeDB for writes
	db      *gorm.DB
	writeDB DBI

	dbNotifier DBNotifier
	discord    *Discord
	api        *API

	settings *settingsStore
	tickets  *TicketController
	voice    *voiceTracker

	// optional, set when enabled in the config
	redis    *redis.Client
	archiver *minioArchiver

	// a signal sent on this channel will cancel the context used by Run
	signalStop chan struct{}

	// a signal is sent on this channel once Run has connected to discord
	// and registered handlers
	signalReady chan struct{}

	// a signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	startedAt time.Time

	// getInteractionHandlerFunc returns the InteractionHandler used to
	// respond to an incoming interaction
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	// true forces a reload, false is a periodic refresh
	triggerRuntimeConfigRefreshCh chan bool
}

// New returns a Bot for the given config. The database and discord
// connections aren't opened until Run.
func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}
	if config.Discord == nil || config.API == nil || config.Tickets == nil {
		return nil, errors.Join(append(errs, errors.New("incomplete config"))...)
	}
	fillLevelVars(config)

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		voice:                         newVoiceTracker(),
	}

	b.logger = slog.New(newLogHandler(defaultLogWriter, config.LogLevel))
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(defaultLogWriter, config.Discord.DiscordGoLogLevel),
	)

	b.discord = newDiscord(
		config.Discord,
		componentLogger(defaultLogWriter, loggerNameDiscord, config.Discord.LogLevel),
	)

	api, err := newAPI(b, config.API)
	errs = append(errs, err)
	b.api = api

	return b, errors.Join(errs...)
}

// fillLevelVars sets defaults for any log level left nil, so levels can
// be updated from RuntimeConfig later.
func fillLevelVars(c *Config) {
	set := func(v **slog.LevelVar, l slog.Level) {
		if *v == nil {
			*v = newLevelVar(l)
		}
	}
	set(&c.LogLevel, DefaultLogLevel)
	set(&c.DatabaseLogLevel, DefaultDatabaseLogLevel)
	set(&c.Discord.LogLevel, DefaultDiscordLogLevel)
	set(&c.Discord.DiscordGoLogLevel, DefaultDiscordgoLogLevel)
	set(&c.API.LogLevel, DefaultAPILogLevel)
	set(&c.Tickets.LogLevel, DefaultTicketLogLevel)
}

// RuntimeConfig returns the current guild settings and runtime options
func (b *Bot) RuntimeConfig() RuntimeConfig {
	if b.settings == nil {
		return RuntimeConfig{}
	}
	return b.settings.RuntimeConfig()
}

// RegisterSlashCommands overwrites the bot's application commands
func (b *Bot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return b.discord.registerCommands(options...)
}

// Stop asks a running bot to shut down
func (b *Bot) Stop() {
	if b.signalStop == nil {
		return
	}
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

// Run connects to the database and discord, and handles events until
// ctx is canceled or a stop signal is received.
func (b *Bot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = time.Now()
	logger := b.logger

	if err := ValidateConfig(b.config); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))
	if b.signalReady == nil {
		b.signalReady = make(chan struct{}, 1)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			b.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			b.logger.Warn("context canceled")
		}
	}()

	go func() {
		httpErr := b.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			b.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		b.api.close()
		return errors.New("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			b.api.close()
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if err := b.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}
	if err := b.initTickets(ctx); err != nil {
		logger.ErrorContext(ctx, "error initializing tickets", tint.Err(err))
		return err
	}

	logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	b.startRuntimeConfigRefresher(ctx, runtimeWG, logger)
	b.startPresenceRefresher(ctx, runtimeWG)

	b.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := b.dbNotifier.Listen(ctx); e != nil {
			b.logger.ErrorContext(ctx, "error listening for notifications", tint.Err(e))
		}
	}()

	<-ctx.Done()
	return b.shutdown(ctx, runtimeWG)
}

// initRun opens the database, loads settings, and connects to the
// optional redis and object store backends.
func (b *Bot) initRun(ctx context.Context) error {
	b.logger.Debug("initializing DB...")
	if err := b.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}

	notifier, err := newDBNotifier(
		b.config.DatabaseType,
		b.config.Database,
		b.writeDB,
		notifierTargets{reload: b.triggerRuntimeConfigRefreshCh, stop: b.signalStop},
		b.logger,
	)
	if err != nil {
		return fmt.Errorf("error creating db notifier: %w", err)
	}
	b.dbNotifier = notifier

	b.settings = newSettingsStore(b.writeDB, b.logger.With(loggerNameKey, "settings"))
	b.settings.onChange = b.setRuntimeLevels
	b.settings.notify = func(ctx context.Context) {
		if !b.dbNotifier.ReloadSettings(ctx) {
			b.logger.WarnContext(ctx, "unable to notify other instances of settings change")
		}
	}
	if err = b.settings.loadOrCreate(ctx, b.config.Guild); err != nil {
		return err
	}

	if b.config.Redis != nil && b.config.Redis.Enabled && b.redis == nil {
		client, rerr := newRedisClient(ctx, b.config.Redis)
		if rerr != nil {
			return rerr
		}
		b.redis = client
		b.logger.InfoContext(ctx, "connected to redis", "addr", b.config.Redis.Addr)
	}

	if b.config.Archive != nil && b.config.Archive.Enabled && b.archiver == nil {
		archiver, aerr := newMinioArchiver(
			ctx,
			b.config.Archive,
			b.logger.With(loggerNameKey, "archive"),
		)
		if aerr != nil {
			return aerr
		}
		b.archiver = archiver
	}
	return nil
}

func (b *Bot) initDB(ctx context.Context) error {
	logger := loggerOrDefault(ctx, b.logger)

	if b.db == nil {
		gormLogger := newGORMLogger(
			newLogHandler(defaultLogWriter, b.config.DatabaseLogLevel),
			b.config.DatabaseSlowThreshold,
		)
		db, err := getDB(b.config.DatabaseType, b.config.Database, gormLogger)
		if err != nil {
			return fmt.Errorf("error opening database: %w", err)
		}
		b.db = db
	}
	if err := migrateDB(ctx, b.db); err != nil {
		return fmt.Errorf("error migrating database: %w", err)
	}
	b.writeDB = NewDatabase(
		b.db,
		b.logger.With(loggerNameKey, loggerNameDatabase),
		b.config.DatabaseType == dbTypePostgres,
	)
	logger.InfoContext(ctx, "database ready", "database_type", b.config.DatabaseType)
	return nil
}

// initTickets builds the ticket controller on the current session
func (b *Bot) initTickets(ctx context.Context) error {
	logger := componentLogger(defaultLogWriter, loggerNameTickets, b.config.Tickets.LogLevel)
	tickets, err := newTicketController(b.discord.session, b.settings, b.config.Tickets, logger)
	if err != nil {
		return err
	}
	tickets.recorder = b.writeDB
	if b.archiver != nil {
		tickets.archiver = b.archiver
	}
	if b.redis != nil {
		tickets.locker = newRedisLocker(b.redis, b.config.Redis.LockTTL, logger)
		logger.InfoContext(ctx, "using redis lock for ticket creation")
	}
	b.tickets = tickets
	return nil
}

func (b *Bot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := b.discord.logger

	if b.discord.session == nil {
		session, err := b.discord.newSession(b.config.HTTPClient)
		if err != nil {
			return err
		}
		b.discord.session = session
	}

	ctx = WithLogger(ctx, logger)

	for _, remove := range b.discord.discordgoRemoveHandlerFuncs {
		remove()
	}

	// handle runs the given event handler in its own goroutine, tracked
	// by runtimeWG so shutdown can wait on it
	handle := func(f func()) {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			defer func() {
				if rc := recover(); rc != nil {
					handleRecover(ctx, rc)
				}
			}()
			f()
		}()
	}

	session := b.discord.session
	b.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(b.discord.handlerConnect()),
		session.AddHandler(b.discord.handlerDisconnect()),
		session.AddHandler(
			func(_ *discordgo.Session, r *discordgo.Ready) {
				handle(func() { b.handleReady(ctx, r) })
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := b.getInteractionHandlerFunc(ctx, i)
				handle(func() { b.handleInteraction(ctx, handler) })
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, g *discordgo.GuildCreate) {
				if g.Guild != nil {
					b.voice.seed(g.Guild)
				}
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
				handle(func() { b.handleGuildMemberAdd(ctx, m) })
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
				handle(func() { b.handleGuildMemberRemove(ctx, m) })
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
				handle(func() { b.handleVoiceStateUpdate(ctx, vs) })
			},
		),
	}

	if b.getInteractionHandlerFunc == nil {
		b.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     b.discord.session,
				interaction: i,
				logger: b.discord.logger.With(
					slog.Group("interaction", interactionLogAttrs(*i)...),
				),
			}
		}
	}
	return nil
}

func (b *Bot) handleReady(ctx context.Context, r *discordgo.Ready) {
	logger := loggerOrDefault(ctx, b.logger)
	if r.User != nil {
		b.discord.userID.Store(r.User.ID)
		logger.InfoContext(ctx, "ready", "user_id", r.User.ID, "username", r.User.Username, "guilds", len(r.Guilds))
	}
	if b.presenceEnabled() {
		if err := b.updatePresence(ctx); err != nil {
			logger.WarnContext(ctx, "error updating presence", tint.Err(err))
		}
	}
	if !b.config.Discord.RegisterCommands {
		return
	}
	if _, err := b.RegisterSlashCommands(discordgo.WithContext(ctx)); err != nil {
		logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
	}
}

// handleInteraction logs the interaction, then dispatches it to the
// slash command or component handler it's for.
func (b *Bot) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(ctx, "no user found in interaction", "interaction", structToSlogValue(i))
		return
	}

	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "user", structToSlogValue(discordUser))

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	if interactionLog, err := newInteractionLog(i, discordUser); err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	} else if b.writeDB != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, createErr := b.writeDB.Create(ctx, interactionLog); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user_id", discordUser.ID)
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(ctx, &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
	case discordgo.InteractionApplicationCommand:
		if i.GuildID == "" {
			_ = respondMessage(ctx, handler, msgGuildOnly, true)
			return
		}
		b.handleCommand(ctx, handler)
	case discordgo.InteractionMessageComponent:
		if i.GuildID == "" {
			_ = respondMessage(ctx, handler, msgGuildOnly, true)
			return
		}
		b.handleComponent(ctx, handler)
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
	}
}

func (b *Bot) handleCommand(ctx context.Context, h InteractionHandler) {
	name := h.GetInteraction().ApplicationCommandData().Name
	switch name {
	case commandHelp:
		b.commandHelp(ctx, h)
	case commandSay:
		b.commandSay(ctx, h)
	case commandSetWelcome, commandSetGoodbye, commandSetVoiceLog, commandSetTicketLog:
		b.commandSetChannel(ctx, h, name)
	case commandSetTicketCategory:
		b.commandSetTicketCategory(ctx, h)
	case commandTicket:
		b.commandTicket(ctx, h)
	case commandKick:
		b.commandKick(ctx, h)
	case commandBan:
		b.commandBan(ctx, h)
	case commandMoveUser:
		b.commandMoveUser(ctx, h)
	case commandSetRolePanel:
		b.commandSetRolePanel(ctx, h)
	default:
		h.Logger().WarnContext(ctx, "unknown command", "command", name)
		_ = respondMessage(ctx, h, msgUnknownCommand, true)
	}
}

func (b *Bot) handleComponent(ctx context.Context, h InteractionHandler) {
	customID := h.GetInteraction().MessageComponentData().CustomID
	switch customID {
	case customIDCreateTicket:
		b.createTicket(ctx, h, "")
	case customIDClaimTicket:
		b.claimTicket(ctx, h)
	case customIDCloseTicket:
		b.closeTicket(ctx, h)
	case customIDRoleMobileGamer, customIDRolePCPlayer:
		b.toggleRole(ctx, h, customID)
	default:
		h.Logger().WarnContext(ctx, "unknown component", "custom_id", customID)
	}
}

// startRuntimeConfigRefresher reloads settings every RuntimeConfigTTL,
// and whenever a reload is triggered by another instance.
func (b *Bot) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	if ttl := b.config.RuntimeConfigTTL; ttl > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(ttl)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case b.triggerRuntimeConfigRefreshCh <- false:
					case <-time.After(5 * time.Second):
						logger.Warn("timed out sending config refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case force := <-b.triggerRuntimeConfigRefreshCh:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, dbOperationTimeout)
				if err := b.settings.Reload(refreshCtx); err != nil {
					logger.ErrorContext(ctx, "error refreshing settings", tint.Err(err))
				} else {
					logger.InfoContext(ctx, "refreshed settings", "forced", force)
				}
				refreshCancel()
			}
		}
	}()
}

// setRuntimeLevels applies the log levels stored in RuntimeConfig
func (b *Bot) setRuntimeLevels(state RuntimeConfig) {
	b.config.LogLevel.Set(state.LogLevel.Level())
	b.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	b.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	b.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	b.config.API.LogLevel.Set(state.APILogLevel.Level())
	b.config.Tickets.LogLevel.Set(state.TicketLogLevel.Level())
	if b.discord != nil && b.discord.session != nil {
		if err := b.discord.session.SetLogLevel(state.DiscordGoLogLevel.Level()); err != nil {
			b.logger.Warn("error setting discordgo log level", tint.Err(err))
		}
	}
}

// shutdown closes the gateway connection and API server, then waits for
// in-flight handlers until ShutdownTimeout.
func (b *Bot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	b.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if b.eventShutdown != nil {
			go func() {
				b.eventShutdown <- struct{}{}
			}()
		}
	}()

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(b.config.ShutdownTimeout)
	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	b.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", b.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	if b.discord.session != nil {
		for _, remove := range b.discord.discordgoRemoveHandlerFuncs {
			remove()
		}
		b.discord.discordgoRemoveHandlerFuncs = nil
		if err := b.discord.session.Close(); err != nil {
			b.logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
		}
	}

	go func() {
		if err := b.api.shutdown(closeCtx); err != nil {
			b.logger.Error("error shutting down api", tint.Err(err))
		}
	}()

	done := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		close(done)
	}()

	ticker := time.NewTicker(shutdownAnnouncementInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			b.closeBackends()
			b.logger.Info("shutdown complete", "duration", time.Since(shutdownStart))
			return nil
		case <-ticker.C:
			b.logger.Warn(
				"waiting on handlers to finish",
				"remaining", time.Until(shutdownDeadline).Round(time.Second).String(),
			)
		case <-closeCtx.Done():
			b.logger.Warn("handlers did not stop in time, forcing close")
			b.api.close()
			b.closeBackends()
			return errors.New("handlers did not stop in time")
		}
	}
}

func (b *Bot) closeBackends() {
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			b.logger.Error("error closing redis client", tint.Err(err))
		}
	}
	if b.db != nil {
		if sqlDB, err := b.db.DB(); err == nil {
			if err = sqlDB.Close(); err != nil {
				b.logger.Error("error closing database", tint.Err(err))
			}
		}
	}
}
