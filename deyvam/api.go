package deyvam

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix            = "/debug"
	apiPrefix              = "/api"
	apiPathLogin           = "/login"
	apiPathLogout          = "/logout"
	apiPathSetup           = "/setup"
	apiPathLoggedIn        = "/logged_in"
	apiPathConfig          = "/config"
	apiPathTickets         = "/tickets"
	apiPathInteractions    = "/interactions"
	apiPathReload          = "/reload"
	apiPathQuit            = "/quit"
	apiPathMetrics         = "/metrics"
	apiHealthCheck         = "/healthz"
	apiKeepAlive           = "/"
	keepAliveResponse      = "Bot is online"
	xRequestIDHeader       = "X-Request-ID"
	sessionVarName         = "deyvam_session"
	sessionVarField        = "username"
	apiHealthCheckTimeout  = 5 * time.Second
	apiReloadTimeout       = 30 * time.Second
	apiLoginRateLimitBurst = 1
)

var errNotReady = errors.New("bot is not ready")

// API is the HTTP server. It answers the keep-alive and health endpoints
// for anyone, and serves the admin routes to a logged-in admin.
type API struct {
	bot                 *Bot
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               sessions.Store
	loginRequestLimiter *rate.Limiter
	logger              *slog.Logger

	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex

	// closed after the listener is set, or Serve fails to listen
	listening chan struct{}
	listenMu  sync.Mutex
}

func newAPI(b *Bot, config *APIConfig) (*API, error) {
	logger := componentLogger(defaultLogWriter, loggerNameAPI, config.LogLevel)

	var secretKey []byte
	switch sk := config.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := cookie.NewStore(secretKey)
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			Path:     "/",
			HttpOnly: true,
			Secure:   config.SSL.enabled() || config.Development,
			MaxAge:   int(config.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)

	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		bot:                 b,
		config:              config,
		engine:              r,
		store:               store,
		logger:              logger,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), apiLoginRateLimitBurst),
		listening:           make(chan struct{}),
	}

	var tlsCfg *tls.Config
	if config.SSL.enabled() {
		c, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		tlsCfg = c
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = config.Development
		if !config.Development {
			corsConfig.AllowOrigins = []string{"http://localhost"}
		}
		if corsConfig.AllowAllOrigins {
			corsConfig.AllowCredentials = false
		}
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(api),
		cors.New(corsConfig),
		sessions.Sessions(sessionVarName, store),
	)

	r.GET(apiKeepAlive, api.keepAlive)
	r.HEAD(apiKeepAlive, api.keepAlive)
	r.GET(apiHealthCheck, api.healthCheck)
	r.POST(apiPathLogin, api.loginHandler)
	r.POST(apiPathLogout, api.logoutHandler)
	r.POST(apiPathSetup, api.adminSetup)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(api.authMiddleware())

	protected.GET(apiPathLoggedIn, api.loggedIn)
	protected.GET(apiPathConfig, api.getConfig)
	protected.PATCH(apiPathConfig, api.updateRuntimeConfig)
	protected.GET(apiPathTickets, api.getTicketEvents)
	protected.GET(apiPathInteractions, api.getInteractionLogs)
	protected.POST(apiPathReload, api.reload)
	protected.POST(apiPathQuit, api.botQuit)
	protected.GET(apiPathMetrics, api.getMetrics)

	return api, nil
}

// Serve listens on the configured address and serves until the server
// is shut down.
func (a *API) Serve(ctx context.Context) error {
	a.listenMu.Lock()
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			a.listenMu.Unlock()
			a.signalListening()
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	ln := a.listener
	a.listenMu.Unlock()
	a.signalListening()

	a.logger.InfoContext(ctx, "api listening", "addr", ln.Addr().String(), "tls", a.httpServer.TLSConfig != nil)
	return a.httpServer.Serve(ln)
}

func (a *API) signalListening() {
	select {
	case <-a.listening:
	default:
		close(a.listening)
	}
}

// shutdown gracefully stops the server
func (a *API) shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// close stops the server immediately
func (a *API) close() {
	if err := a.httpServer.Close(); err != nil {
		a.logger.Error("error closing api server", tint.Err(err))
	}
}

// keepAlive answers uptime monitors
func (a *API) keepAlive(c *gin.Context) {
	c.String(http.StatusOK, keepAliveResponse)
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool              `json:"discord_gateway_connected"`
	Uptime                  string            `json:"uptime"`
	Checks                  map[string]string `json:"checks"`
}

// healthCheck pings the database and any configured redis or object
// store, returning 503 if any of them fail.
func (a *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), apiHealthCheckTimeout)
	defer cancel()

	b := a.bot
	checks := map[string]func(context.Context) error{
		"database": func(ctx context.Context) error {
			if b.db == nil {
				return errNotReady
			}
			sqlDB, err := b.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if b.redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return b.redis.Ping(ctx).Err()
		}
	}
	if b.archiver != nil {
		checks["archive"] = b.archiver.ping
	}

	var mu sync.Mutex
	results := make(map[string]string, len(checks))
	healthy := true
	g, gctx := errgroup.WithContext(ctx)
	for name, check := range checks {
		name, check := name, check
		g.Go(func() error {
			status := "ok"
			if err := check(gctx); err != nil {
				status = err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			results[name] = status
			if status != "ok" {
				healthy = false
			}
			return nil
		})
	}
	_ = g.Wait()

	resp := healthCheckResponse{
		DiscordGatewayConnected: b.discord.connected.Load(),
		Checks:                  results,
	}
	if !b.startedAt.IsZero() {
		resp.Uptime = time.Since(b.startedAt).Round(time.Second).String()
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,min=8,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

func (a *API) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !a.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	cfg := a.bot.RuntimeConfig()
	if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	if login.Username != cfg.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	valid, err := VerifyPassword(cfg.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	session := sessions.Default(c)
	session.Set(sessionVarField, login.Username)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (a *API) logoutHandler(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		ginContextLogger(c).Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

// adminSetup sets the admin credentials, if they haven't been set yet
func (a *API) adminSetup(c *gin.Context) {
	logger := ginContextLogger(c)
	if a.bot.settings == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: errNotReady.Error()})
		return
	}
	cfg := a.bot.RuntimeConfig()
	if cfg.AdminUsername != "" && cfg.AdminPassword != "" {
		c.JSON(http.StatusForbidden, httpError{Error: "admin credentials already set"})
		return
	}

	var payload adminSetupPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	hashed, err := HashPassword(payload.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if _, err = a.bot.settings.Apply(
		c.Request.Context(),
		map[string]any{"admin_username": payload.Username, "admin_password": hashed},
	); err != nil {
		logger.Error("error saving admin credentials", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Warn("admin credentials set", "username", payload.Username)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

func (a *API) loggedIn(c *gin.Context) {
	username, _ := a.getSessionUsername(c)
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

// getSessionUsername reads the logged-in username from the session store
func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	return sessionUsername(session)
}

func sessionUsername(session *gsessions.Session) (string, error) {
	v, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	username, ok := v.(string)
	if !ok {
		return "", errors.New("username not a string")
	}
	return username, nil
}

func (a *API) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, a.bot.RuntimeConfig())
}

// updateRuntimeConfig applies a partial update to the guild settings and
// log levels
func (a *API) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c)

	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		logger.Warn("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	cfg, err := a.bot.settings.Update(c.Request.Context(), update)
	if err != nil {
		logger.Error("error updating config", tint.Err(err))
		ginReplyError(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (a *API) getTicketEvents(c *gin.Context) {
	var filter TicketEventFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	events, err := ListTicketEvents(c.Request.Context(), a.bot.db, filter)
	if err != nil {
		ginContextLogger(c).Error("error listing ticket events", tint.Err(err))
		ginReplyError(c, "error listing ticket events")
		return
	}
	c.JSON(http.StatusOK, events)
}

type interactionLogQuery struct {
	UserID string `form:"user_id" binding:"omitempty,numeric"`
	Name   string `form:"name"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=500"`
}

func (a *API) getInteractionLogs(c *gin.Context) {
	var q interactionLogQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	tx := a.bot.db.WithContext(c.Request.Context()).Model(&InteractionLog{}).Omit("payload")
	if q.UserID != "" {
		tx = tx.Where("user_id = ?", q.UserID)
	}
	if q.Name != "" {
		tx = tx.Where("name = ?", q.Name)
	}
	if q.Limit == 0 {
		q.Limit = 100
	}
	var logs []InteractionLog
	if err := tx.Order("id desc").Limit(q.Limit).Find(&logs).Error; err != nil {
		ginContextLogger(c).Error("error listing interactions", tint.Err(err))
		ginReplyError(c, "error listing interactions")
		return
	}
	c.JSON(http.StatusOK, logs)
}

type reloadResponse struct {
	Commands []string `json:"commands"`
}

// reload re-registers slash commands and reloads settings from the
// database
func (a *API) reload(c *gin.Context) {
	logger := ginContextLogger(c)
	ctx, cancel := context.WithTimeout(c.Request.Context(), apiReloadTimeout)
	defer cancel()

	var resp reloadResponse
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if a.bot.discord.session == nil {
			return errNotReady
		}
		created, err := a.bot.RegisterSlashCommands(discordgo.WithContext(gctx))
		if err != nil {
			return fmt.Errorf("error registering commands: %w", err)
		}
		for _, cmd := range created {
			resp.Commands = append(resp.Commands, cmd.Name)
		}
		return nil
	})
	g.Go(func() error {
		if a.bot.settings == nil {
			return errNotReady
		}
		return a.bot.settings.Reload(gctx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("error reloading", tint.Err(err))
		ginReplyError(c, err.Error())
		return
	}
	logger.Info("reloaded", "commands", resp.Commands)
	c.JSON(http.StatusOK, resp)
}

// botQuit tells every instance sharing the database to stop
func (a *API) botQuit(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(c.Request.Context(), dbNotifierSendTimeout)
	defer cancel()

	if a.bot.dbNotifier == nil || !a.bot.dbNotifier.Stop(ctx) {
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "unable to send stop signal"})
		return
	}
	ginReplyMessage(c, "quitting")
}

func (a *API) getMetrics(c *gin.Context) {
	a.requestMetricsMu.Lock()
	metrics := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		metrics[k] = v
	}
	a.requestMetricsMu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"requests":           metrics,
		"discord_connects":   a.bot.discord.metricConnects.Load(),
		"discord_disconnect": a.bot.discord.metricDisconnects.Load(),
	})
}

func (a *API) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.bot.settings == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: errNotReady.Error()})
			return
		}
		cfg := a.bot.RuntimeConfig()
		if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
			ginContextLogger(c).Warn("admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		username, err := a.getSessionUsername(c)
		if err != nil {
			ginContextLogger(c).Debug("no session username", tint.Err(err))
		}
		if username == "" || username != cfg.AdminUsername {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns each request an ID, used in logs and
// returned in the X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request-scoped logger set by
// ginLoggingMiddleware
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if logger, ok := v.(*slog.Logger); ok {
			return logger
		}
	}
	return slog.Default()
}

func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}
		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := base.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", path,
				"remote_ip", c.ClientIP(),
				"user_agent", c.Request.UserAgent(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)

		c.Next()

		attrs := []any{
			"duration", time.Since(start),
			slog.Group(
				"response",
				"status_code", c.Writer.Status(),
				"body_size", c.Writer.Size(),
			),
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				append(attrs, "errors", errs.String())...,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			attrs...,
		)
	}
}

// metricMiddleware counts requests per method and route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		a.requestMetricsMu.Lock()
		a.requestMetrics[c.Request.Method+" "+route]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
