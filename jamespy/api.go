package jamespy

//goland:noinspection GoLinter
import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiPathQuit             = "/quit"
	apiPathLogin            = "/login"
	apiPathLogout           = "/logout"
	apiPathRegisterCommands = "/discord/register_commands"
	apiPathLoggedIn         = "/logged_in"
	apiHealthCheck          = "/healthz"
	apiPathConfig           = "/config"
	apiPathSetup            = "/setup"
	apiPathSetupStatus      = "/setup/status"
	apiPathStarboard        = "/starboard"
	apiPathPurgeLogs        = "/purge_logs"
	apiPathMetrics          = "/metrics"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var (
	structValidator = validator.New()
)

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API is the admin HTTP server. It serves session login, health,
// runtime configuration, starboard and purge history, and optionally
// prometheus metrics and pprof.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI sets up the gin engine, session store, TLS and routes
func newAPI(d *Jamespy, config *APIConfig) (*API, error) {
	setupLogger := slog.New(newLogHandler(defaultLogWriter, config.LogLevel))

	development := d.config.Development
	if !development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
	apiHandlers := NewAPIHandlers(d)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	var certFile, keyFile string
	var minVersion uint16 = DefaultUITLSMinVersion
	if config.SSL != nil {
		certFile = config.SSL.CertFile
		keyFile = config.SSL.KeyFile
		minVersion = config.SSL.TLSMinVersion
	}
	if certFile != "" && keyFile != "" && !fileExists(certFile) && !fileExists(keyFile) {
		setupLogger.Warn(
			"certificate not found, generating self-signed certificate",
			"cert_file", certFile,
			"key_file", keyFile,
		)
		if _, e := generateSelfSignedCert(certFile, keyFile); e != nil {
			return nil, fmt.Errorf("error generating self-signed certificate: %w", e)
		}
	}
	var tlsCfg *tls.Config
	if certFile == "" && keyFile == "" {
		setupLogger.Warn("no certificate configured, serving plain HTTP")
	} else {
		var e error
		tlsCfg, e = tlsConfig(certFile, keyFile, minVersion)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.httpServer = httpServer
	api.logger = setupLogger.With(loggerNameKey, "api")

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if development {
			corsConfig.AllowOrigins = []string{"*"}
			corsConfig.AllowCredentials = false
		} else {
			corsConfig.AllowOrigins = []string{"https://" + config.Listen}
		}
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(),
		cors.New(corsConfig),
	)

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)
	r.POST(apiPathSetup, apiHandlers.adminSetup)
	r.GET(apiPathSetupStatus, apiHandlers.setupStatus)

	if d.config.Metrics {
		r.GET(apiPathMetrics, gin.WrapH(promhttp.Handler()))
	}
	if development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(d, api))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathConfig, apiHandlers.getConfig)
	protected.PATCH(apiPathConfig, apiHandlers.updateRuntimeConfig)
	protected.POST(apiPathQuit, apiHandlers.botQuit)
	protected.POST(apiPathRegisterCommands, apiHandlers.discordRegisterCommands)
	protected.GET(apiPathStarboard, apiHandlers.getStarboardEntries)
	protected.GET(apiPathPurgeLogs, apiHandlers.getPurgeLogs)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, ok := username.(string)
	if !ok || s == "" {
		return "", errors.New("username not set in session")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers holds the gin handlers for the API endpoints
type APIHandlers struct {
	d      *Jamespy
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the session store. Without a configured
// secret, a random one is generated, so sessions don't survive a
// restart.
func NewAPIHandlers(d *Jamespy) *APIHandlers {
	logger := d.logger.With(loggerNameKey, "api")

	var secretKey []byte
	switch sk := d.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	sameSite := http.SameSiteStrictMode
	if d.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			HttpOnly: true,
			Secure:   true,
			MaxAge:   int(d.config.API.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)
	return &APIHandlers{d: d, logger: logger, store: store}
}

// setupStatus reports whether admin credentials still need to be set
func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.d.pendingSetup.Load()})
}

// adminSetup sets the admin credentials, once. Afterwards it returns
// 403.
func (h *APIHandlers) adminSetup(c *gin.Context) {
	h.d.cfgMu.Lock()
	defer h.d.cfgMu.Unlock()

	if !h.d.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")
	var adminSetup adminSetupPayload

	if e := c.ShouldBindJSON(&adminSetup); e != nil {
		logger.Error("bad payload", tint.Err(e))
		c.JSON(http.StatusBadRequest, httpError{Error: e.Error()})
		return
	}

	password, err := HashPassword(adminSetup.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		ginReplyError(c, "error setting admin credentials")
		return
	}

	currentState := h.d.runtimeConfig
	if _, err = h.d.writeDB.Updates(
		c.Request.Context(),
		currentState,
		map[string]any{
			columnRuntimeConfigAdminUsername: adminSetup.Username,
			columnRuntimeConfigAdminPassword: password,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		ginReplyError(c, "error updating admin credentials")
		return
	}
	h.d.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

// loginHandler checks the credentials against the admin credentials
// in the runtime config, and starts a session. Attempts are rate
// limited.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.d.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	unauthorized := func(msg string) {
		logger.Warn(msg, "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
	}

	runtimeConfig := h.d.RuntimeConfig()
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		unauthorized("admin username and password not set")
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		unauthorized("admin username incorrect")
		return
	}
	valid, err := VerifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "Internal Server Error")
		return
	}
	if !valid {
		unauthorized("invalid login attempt")
		return
	}

	session, err := h.store.New(c.Request, sessionVarName)
	if err != nil || session == nil {
		logger.Error("error creating session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	sameSite := http.SameSiteStrictMode
	if h.d.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	session.Options = &gsessions.Options{
		MaxAge:   int(h.d.api.config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
		HttpOnly: true,
		Secure:   true,
	}
	session.Values[sessionVarField] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

// healthCheck reports whether the bot is paused and connected
func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  h.d.paused.Load(),
			DiscordGatewayConnected: h.d.discord.connected.Load(),
			Uptime:                  Duration{time.Since(h.d.startedAt).Round(time.Second)},
		},
	)
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.d.api.getSessionUsername(c)
	if err != nil {
		ginContextLogger(c).Warn("error getting session username", tint.Err(err))
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

// discordRegisterCommands overwrites the bot's slash commands
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	createdCommands, err := h.d.RegisterSlashCommands()
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, createdCommands)
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.d.RuntimeConfig())
}

// updateRuntimeConfig applies a partial update to the runtime config.
// The updated config is validated before the transaction commits. On
// success, log levels and the discord presence follow the new config,
// and other instances are notified to reload.
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	d := h.d
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	ctx := c.Request.Context()
	logger := ginContextLogger(c)

	var updateRequest RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&updateRequest); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := updateRequest.validate(); err != nil {
		logger.Warn("invalid update", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	updates, err := updateRequest.columns()
	if err != nil {
		logger.ErrorContext(ctx, "error reading update request", tint.Err(err))
		ginReplyError(c, "error reading update request")
		return
	}
	if len(updates) == 0 {
		c.JSON(http.StatusAccepted, d.runtimeConfig)
		return
	}
	logger.InfoContext(ctx, "applying updates", "updates", updates)

	rollbackConfig := *d.runtimeConfig
	updated := *d.runtimeConfig

	var statusCode int
	updateError := d.writeDB.Transaction(
		ctx, func(tx *gorm.DB) error {
			if e := tx.Model(&updated).Updates(updates).Error; e != nil {
				statusCode = http.StatusInternalServerError
				return e
			}
			if e := structValidator.Struct(updated); e != nil {
				statusCode = http.StatusBadRequest
				return e
			}
			return nil
		},
	)
	if updateError != nil {
		logger.ErrorContext(ctx, "error updating config", tint.Err(updateError))
		c.JSON(statusCode, httpError{Error: "error updating config"})
		return
	}

	d.runtimeConfig = &updated
	d.setRuntimeLevels(updated)

	wasPaused := d.paused.Swap(updated.Paused)
	switch {
	case wasPaused && !updated.Paused:
		logger.Info("unpaused bot")
	case updated.Paused && !wasPaused:
		logger.Warn("paused bot")
	}

	g := new(errgroup.Group)
	g.Go(
		func() error {
			return updateDiscordBotStatus(d, rollbackConfig, updated)
		},
	)
	if updated.DiscordNotificationChannelID != rollbackConfig.DiscordNotificationChannelID {
		g.Go(
			func() error {
				return sendStartupMessage(d.discord, updated)
			},
		)
	}
	if updErr := g.Wait(); updErr != nil {
		logger.Error("error processing update(s)", tint.Err(updErr))
	}

	c.JSON(http.StatusAccepted, updated)

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dbNotifierSendTimeout)
	defer cancel()
	if d.dbNotifier != nil && len(d.dbNotifier.Channels()) > 0 {
		if sent := d.dbNotifier.ReloadRuntimeConfig(notifyCtx); !sent {
			logger.Error("error sending config update notification")
		}
	}
}

// botQuit sends a stop signal to every instance sharing the database
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	doneCh := make(chan struct{}, 1)
	go func() {
		h.d.dbNotifier.Stop(ctx)
		doneCh <- struct{}{}
		close(doneCh)
	}()
	select {
	case <-doneCh:
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

// getStarboardEntries lists starboard entries, optionally filtered by
// status
func (h *APIHandlers) getStarboardEntries(c *gin.Context) {
	var q GetStarboardEntriesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	db := q.apply(h.d.db.WithContext(c.Request.Context()))
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	var entries []StarboardEntry
	if err := db.Find(&entries).Error; err != nil {
		ginContextLogger(c).Error("error listing starboard entries", tint.Err(err))
		ginReplyError(c, "error listing starboard entries")
		return
	}
	c.JSON(http.StatusOK, entries)
}

// getPurgeLogs lists purge jobs, optionally filtered by channel
func (h *APIHandlers) getPurgeLogs(c *gin.Context) {
	var q GetPurgeLogsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	db := q.apply(h.d.db.WithContext(c.Request.Context()))
	if q.ChannelID != "" {
		db = db.Where("channel_id = ?", q.ChannelID)
	}
	var logs []PurgeLog
	if err := db.Find(&logs).Error; err != nil {
		ginContextLogger(c).Error("error listing purge logs", tint.Err(err))
		ginReplyError(c, "error listing purge logs")
		return
	}
	c.JSON(http.StatusOK, logs)
}

// Pagination represents the pagination parameters for API requests
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

// apply adds the limit, offset and id ordering to db. Results are
// newest first by default.
func (p Pagination) apply(db *gorm.DB) *gorm.DB {
	limit := p.Limit
	if limit == 0 {
		limit = 25
	}
	order := p.Order
	if order == "" {
		order = Descending
	}
	return db.Order("id " + string(order)).Limit(limit).Offset(p.Offset)
}

type GetStarboardEntriesQuery struct {
	Pagination
	Status StarboardStatus `form:"status" binding:"omitempty,oneof=InReview Accepted Denied"`
}

type GetPurgeLogsQuery struct {
	Pagination
	ChannelID string `form:"channel_id" binding:"omitempty,numeric"`
}

// Sort is the order results are returned in
type Sort string

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Paused                  bool     `json:"paused"`
	DiscordGatewayConnected bool     `json:"discord_gateway_connected"`
	Uptime                  Duration `json:"uptime"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// adminSetupPayload sets the admin credentials the first time
type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,min=8,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse tells a client whether admin credentials still need
// to be set
type setupResponse struct {
	Required bool `json:"required"`
}

// authMiddleware rejects requests without a logged-in session, and
// every request while admin credentials are unset
func authMiddleware(d *Jamespy, api *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if d.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		username, err := api.getSessionUsername(c)
		if err != nil {
			logger.Warn("no session user", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		logger.Debug("got session", sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware assigns a unique ID to each request, set on the
// gin context and the response header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger from the gin context,
// creating it (with the request details) on first use
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := base.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.String(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests by route and status code
func metricMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metricAPIRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError aborts with a 500 and the given message
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterCustomTypeFunc(validateRuntimeUpdateLimits, RuntimeConfigUpdate{})
	structValidator.RegisterCustomTypeFunc(validateMessageCacheConfig, MessageCacheConfig{})
	if err := structValidator.RegisterValidation("snippetname", validateSnippetName); err != nil {
		panic(err)
	}
	if err := structValidator.RegisterValidation("snippetcolor", validateSnippetColor); err != nil {
		panic(err)
	}
}

// sendStartupMessage posts the startup message to the notification
// channel, if both are set
func sendStartupMessage(d *Discord, config RuntimeConfig) error {
	if config.DiscordNotificationChannelID == "" || d.config.StartupMessage == "" {
		return nil
	}
	if err := d.channelMessageSend(config.DiscordNotificationChannelID, d.config.StartupMessage); err != nil {
		return fmt.Errorf("error sending startup message: %w", err)
	}
	return nil
}

// updateDiscordBotStatus updates the presence when the paused state or
// the custom status changed
func updateDiscordBotStatus(d *Jamespy, previous RuntimeConfig, current RuntimeConfig) error {
	if d.discord.session == nil || !d.discord.connected.Load() {
		return nil
	}
	if previous.Paused == current.Paused &&
		previous.DiscordCustomStatus == current.DiscordCustomStatus {
		return nil
	}
	if err := d.discord.session.UpdateStatusComplex(getDiscordStatusData(current)); err != nil {
		return fmt.Errorf("error updating discord status: %w", err)
	}
	return nil
}

// columns converts the non-nil fields of the update to a column map,
// keyed by their json (and column) names
func (b RuntimeConfigUpdate) columns() (map[string]any, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	var updates map[string]any
	if err = json.Unmarshal(data, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}
