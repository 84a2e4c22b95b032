package jamespy

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/sazfasqq/jamespy/jamespy.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

// Jamespy is the bot. It logs and archives the messages it sees,
// announces DMs, runs purge commands and the starboard review queue,
// and serves the admin API.
type Jamespy struct {
	dbNotifier DBNotifier
	config     *Config

	// Read connection
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations. When using
	// sqlite, writes are serialized.
	writeDB DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger     *slog.Logger
	logHandler slog.Handler

	discord *Discord
	api     *API

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has finished
	// initializing and the discord session is open
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// If true, commands are ignored (except for owners). Messages are
	// still logged and archived.
	paused atomic.Bool

	// The time Run was called
	startedAt time.Time

	// Indicates admin credentials haven't been set yet. The API
	// rejects protected requests until they are.
	pendingSetup atomic.Bool

	// Runtime-configurable settings
	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	starboard      *Starboard
	snippets       *Snippets
	snippetCache   SnippetCache
	purger         *Purger
	commandLimiter *commandLimiter
	messageCache   *messageCache
	dmActivity     *dmActivityTracker

	triggerRuntimeConfigRefreshCh chan bool
}

func (d *Jamespy) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = d.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// RuntimeConfig returns a copy of the current runtime config
func (d *Jamespy) RuntimeConfig() RuntimeConfig {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return *d.runtimeConfig
}

// New creates a Jamespy instance. Loggers, the discord integration and
// the API server are set up here. The database connection and the
// runtime config are loaded by Run.
//
// Usage:
//
//	config := DefaultConfig()
//	bot, err := New(config)
//	if err != nil {
//	    log.Fatalf("Failed to initialize jamespy: %v", err)
//	}
//	err = bot.Run(ctx)
func New(config *Config) (*Jamespy, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres'"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	d := &Jamespy{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
	}

	d.logHandler = newLogHandler(defaultLogWriter, d.config.LogLevel)
	d.logger = slog.New(d.logHandler)
	slog.SetDefault(d.logger)

	d.config.Discord.httpClient = d.config.HTTPClient

	disc := newDiscord(d.config.Discord)
	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		slog.New(newLogHandler(defaultLogWriter, d.config.Discord.DiscordGoLogLevel)),
	)
	disc.logger = slog.New(
		newLogHandler(defaultLogWriter, d.config.Discord.LogLevel),
	).With(loggerNameKey, "discord")
	disc.bot = d
	d.discord = disc

	api, err := newAPI(d, config.API)
	errs = append(errs, err)
	d.api = api

	return d, errors.Join(errs...)
}

func (d *Jamespy) ValidateConfig() error {
	return structValidator.Struct(d.config)
}

// RegisterSlashCommands overwrites the bot's slash commands, globally
// or for the configured guild
func (d *Jamespy) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return d.discord.registerCommands(options...)
}

// Run starts the bot, and blocks until ctx is cancelled or a stop
// signal is received (from the API, or a postgres NOTIFY), then shuts
// down gracefully.
func (d *Jamespy) Run(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.signalStop = make(chan struct{}, 1)
	d.startedAt = time.Now()
	logger := d.logger

	if err := d.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(d)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	d.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", d.config))
	if d.signalReady == nil {
		d.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-d.signalStop:
			d.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			d.logger.Warn("context canceled")
		}
	}()

	go func() {
		httpErr := d.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			d.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- d.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err = <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if d.api != nil && d.api.listener != nil {
				if e := d.api.listener.Close(); e != nil {
					logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
				}
			}
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if d.pendingSetup.Load() {
		logger.WarnContext(
			ctx,
			fmt.Sprintf("admin credentials not set, pending setup at %s%s", d.config.API.Listen, apiPathSetup),
		)
	}

	if discErr := d.initDiscordSession(ctx, runtimeWG); discErr != nil {
		d.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	d.logger.InfoContext(ctx, "connecting to discord")
	if err = d.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	d.startRuntimeConfigRefresher(ctx, runtimeWG, logger)

	d.signalReady <- struct{}{}
	d.logger.InfoContext(ctx, "sent ready signal")

	for _, channel := range d.dbNotifier.Channels() {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			if e := d.dbNotifier.Listen(ctx, channel); e != nil {
				d.logger.ErrorContext(ctx, "error listening on channel", "channel", channel, tint.Err(e))
			}
		}()
	}

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	<-ctx.Done()

	return d.shutdown(ctx, runtimeWG)
}

// initRun connects to the database, loads (or creates) the runtime
// config, and sets up the components that don't depend on the discord
// session.
func (d *Jamespy) initRun(ctx context.Context) error {
	d.logger.Debug("initializing DB...")
	if err := d.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	d.logger.Debug("finished initializing DB")

	// the paused state is persisted, so a crash and restart while paused
	// doesn't resume the bot
	var botState RuntimeConfig
	getStateErr := d.db.WithContext(ctx).Last(&botState).Error
	if getStateErr != nil {
		if !errors.Is(getStateErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("error getting config: %w", getStateErr)
		}
		botState = DefaultRuntimeConfig()
		if _, err := d.writeDB.Create(ctx, &botState); err != nil {
			return fmt.Errorf("error creating config: %w", err)
		}
	}
	if validationErr := structValidator.Struct(botState); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}

	if botState.AdminUsername == "" || botState.AdminPassword == "" {
		d.pendingSetup.Store(true)
	}
	d.paused.Store(botState.Paused)
	d.setRuntimeLevels(botState)
	d.cfgMu.Lock()
	d.runtimeConfig = &botState
	d.cfgMu.Unlock()

	var maxItems int64
	if d.config.MessageCache != nil {
		maxItems = d.config.MessageCache.MaxItems
	}
	mc, err := newMessageCache(maxItems)
	if err != nil {
		return err
	}
	d.messageCache = mc

	d.dmActivity = newDMActivityTracker(
		d.writeDB,
		d.config.DMActivityTTL,
		func() time.Duration {
			return d.RuntimeConfig().DMAnnounceWindow.Duration
		},
	)

	if d.config.Redis != nil && d.config.Redis.Addr != "" {
		redisCache, redisErr := newRedisSnippetCache(ctx, d.config.Redis)
		if redisErr != nil {
			return redisErr
		}
		d.snippetCache = redisCache
	}
	d.snippets = newSnippets(
		d.writeDB,
		d.snippetCache,
		d.RuntimeConfig,
		d.logger.With(loggerNameKey, "snippets"),
	)
	d.commandLimiter = newCommandLimiter(DefaultPrefixCommandPerSec, DefaultPrefixCommandBurst)
	return nil
}

// initDB opens and migrates the database, logging through the
// database log level
func (d *Jamespy) initDB(ctx context.Context) error {
	_, logger := d.getLogger(ctx)

	handler := newLogHandler(defaultLogWriter, d.config.DatabaseLogLevel)
	logger.Debug("opening database")
	db, err := OpenDB(
		ctx,
		d.config.DatabaseType,
		d.config.Database,
		newGORMLogger(handler, d.config.DatabaseSlowThreshold),
	)
	if err != nil {
		logger.Error("error opening database", tint.Err(err))
		return fmt.Errorf("error opening database: %w", err)
	}
	d.db = db
	d.writeDB = NewDatabase(db, d.config.DatabaseType == dbTypePostgres)
	return nil
}

// addEventHandler registers a discordgo handler for events of type T.
// Each event is handled in its own goroutine, tracked by runtimeWG, so
// shutdown can wait on in-flight events.
func addEventHandler[T any](
	d *Jamespy,
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	handle func(context.Context, T),
) func() {
	return d.discord.session.AddHandler(
		func(_ *discordgo.Session, event T) {
			runtimeWG.Add(1)
			go func() {
				defer runtimeWG.Done()
				if d.RuntimeConfig().RecoverPanic {
					defer func() {
						if rc := recover(); rc != nil {
							d.handleRecover(ctx, rc)
						}
					}()
				}
				handle(ctx, event)
			}()
		},
	)
}

// initDiscordSession creates the discord session (if not already set),
// the components that use it, and registers the event handlers
func (d *Jamespy) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := d.logger.With(loggerNameKey, "discord_session")

	if d.discord.session == nil {
		disc, discErr := d.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		d.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range d.discord.removeHandlers {
		h()
	}

	d.discord.session.SetIdentify(
		discordgo.Identify{
			Intents:  d.config.Discord.GatewayIntents,
			Presence: getDiscordPresenceStatusUpdate(d.RuntimeConfig()),
		},
	)

	d.starboard = newStarboard(
		d.discord.session,
		d.writeDB,
		NewInFlight(),
		d.RuntimeConfig,
		d.config.Discord.OwnerIDs,
		d.logger.With(loggerNameKey, "starboard"),
	)
	d.purger = newPurger(d.discord.session, d.logger.With(loggerNameKey, "purge"))

	d.discord.removeHandlers = []func(){
		d.discord.session.AddHandler(d.discord.onConnect),
		d.discord.session.AddHandler(d.discord.onDisconnect),
		d.discord.session.AddHandler(d.discord.onReady),
		addEventHandler(
			d, ctx, runtimeWG,
			func(ctx context.Context, i *discordgo.InteractionCreate) {
				d.handleInteraction(ctx, d.interactionHandler(i))
			},
		),
		addEventHandler(d, ctx, runtimeWG, d.handleMessageCreate),
		addEventHandler(d, ctx, runtimeWG, d.handleMessageUpdate),
		addEventHandler(d, ctx, runtimeWG, d.handleMessageDelete),
		addEventHandler(d, ctx, runtimeWG, d.handleMessageDeleteBulk),
		addEventHandler(d, ctx, runtimeWG, d.handleReactionAdd),
		addEventHandler(d, ctx, runtimeWG, d.handleReactionRemove),
		addEventHandler(d, ctx, runtimeWG, d.handleGuildCreate),
		addEventHandler(d, ctx, runtimeWG, d.handleGuildDelete),
		addEventHandler(d, ctx, runtimeWG, d.handleChannelCreate),
		addEventHandler(d, ctx, runtimeWG, d.handleChannelUpdate),
		addEventHandler(d, ctx, runtimeWG, d.handleChannelDelete),
		addEventHandler(d, ctx, runtimeWG, d.handleVoiceStateUpdate),
	}
	return nil
}

func (d *Jamespy) interactionHandler(i *discordgo.InteractionCreate) InteractionHandler {
	return GatewayHandler{
		session:     d.discord.session,
		interaction: i,
		logger: d.logger.With(
			slog.Group("interaction", interactionLogAttrs(*i)...),
		),
	}
}

func (d *Jamespy) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	runtimeConfigTTL := d.config.RuntimeConfigTTL

	if runtimeConfigTTL > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(runtimeConfigTTL)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case d.triggerRuntimeConfigRefreshCh <- false:
						logger.Debug("sent config refresh signal from ticker")
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
			case forceRefresh := <-d.triggerRuntimeConfigRefreshCh:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
				d.refreshRuntimeConfig(refreshCtx, forceRefresh)
				refreshCancel()
			}
		}
	}()
}

// refreshRuntimeConfig reloads the runtime config from the database if
// forced, or if it was last updated longer ago than the TTL
func (d *Jamespy) refreshRuntimeConfig(ctx context.Context, force bool) {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	var refreshConfig RuntimeConfig
	if err := d.db.WithContext(ctx).Last(&refreshConfig).Error; err != nil {
		d.logger.Error("error getting runtime config", tint.Err(err))
		return
	}

	lastUpdated := time.Since(time.UnixMilli(refreshConfig.UpdatedAt))
	if !force && lastUpdated <= d.config.RuntimeConfigTTL {
		d.logger.Debug("runtime config is up to date, skipping refresh")
		return
	}
	d.logger.Info(
		fmt.Sprintf("runtime config last updated: %s ago, refreshing", lastUpdated.String()),
	)
	previous := *d.runtimeConfig
	d.runtimeConfig = &refreshConfig
	d.applyRuntimeConfig(previous, refreshConfig)
}

// applyRuntimeConfig sets log levels, the paused state and the discord
// presence from current. The caller must hold cfgMu.
func (d *Jamespy) applyRuntimeConfig(previous RuntimeConfig, current RuntimeConfig) {
	d.setRuntimeLevels(current)
	d.paused.Store(current.Paused)
	if current.AdminUsername != "" && current.AdminPassword != "" {
		d.pendingSetup.Store(false)
	}
	if err := updateDiscordBotStatus(d, previous, current); err != nil {
		d.logger.Error("error updating discord status", tint.Err(err))
	}
	d.logger.Info("refreshed runtime config")
}

// setRuntimeLevels sets the log levels of each component from the
// runtime config
func (d *Jamespy) setRuntimeLevels(state RuntimeConfig) {
	d.config.LogLevel.Set(state.LogLevel.Level())
	d.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	d.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	d.config.API.LogLevel.Set(state.APILogLevel.Level())
	d.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
}

// Pause stops the bot from handling commands (other than from owners).
// It returns false if the bot was already paused.
func (d *Jamespy) Pause(ctx context.Context) bool {
	return d.setPaused(ctx, true)
}

// Resume resumes command handling. It returns false if the bot wasn't
// paused.
func (d *Jamespy) Resume(ctx context.Context) bool {
	return d.setPaused(ctx, false)
}

func (d *Jamespy) setPaused(ctx context.Context, paused bool) bool {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	if prev := d.paused.Swap(paused); prev == paused {
		return false
	}
	if paused {
		d.logger.WarnContext(ctx, "bot paused")
	} else {
		d.logger.InfoContext(ctx, "bot resumed")
	}

	previous := *d.runtimeConfig
	if _, err := d.writeDB.Update(
		ctx, d.runtimeConfig, columnRuntimeConfigPaused, paused,
	); err != nil {
		d.logger.ErrorContext(ctx, "unable to update paused state in db", tint.Err(err))
	}
	d.runtimeConfig.Paused = paused
	if err := updateDiscordBotStatus(d, previous, *d.runtimeConfig); err != nil {
		d.logger.ErrorContext(ctx, "unable to update discord status", tint.Err(err))
	}
	return true
}

func (d *Jamespy) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	d.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if d.eventShutdown != nil {
			go func() {
				d.eventShutdown <- struct{}{}
			}()
		}
	}()
	shutdownStart := time.Now()
	shutdownTimeout := d.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		d.logger.Warn("immediate shutdown")
		go func() {
			_ = d.api.httpServer.Close()
		}()
		return fmt.Errorf("shutdown timeout is zero, closed immediately")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	d.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", d.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		// in-flight events and purges first, so nothing writes to the
		// caches or the database after they're closed
		runtimeWG.Wait()
		runtimeStopEnd := time.Now()
		d.logger.InfoContext(
			ctx,
			"finished handling in-flight events",
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)
		stopWG := &sync.WaitGroup{}

		if d.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				d.logger.InfoContext(ctx, "stopping http server")
				_ = d.api.httpServer.Shutdown(closeCtx)
				d.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if d.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				d.logger.InfoContext(ctx, "closing discord session")
				_ = d.discord.session.Close()
				for _, h := range d.discord.removeHandlers {
					h()
				}
				d.logger.InfoContext(ctx, "discord session closed")
			}()
		}

		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			d.messageCache.Close()
			if d.snippetCache != nil {
				if err := d.snippetCache.Close(); err != nil {
					d.logger.ErrorContext(ctx, "error closing snippet cache", tint.Err(err))
				}
			}
		}()

		go func() {
			stopWG.Wait()
			gracefulShutdownCh <- struct{}{}
		}()
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			shutdownEnded := time.Now()
			d.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			d.logger.Warn(
				fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline).String()),
			)
		case <-closeCtx.Done():
			d.logger.Warn("in-flight events did not finish in time, forcing close")
			go func() {
				_ = d.api.httpServer.Close()
			}()
			return fmt.Errorf("shutdown timed out")
		}
	}
}

func (*Jamespy) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(
			ctx, "recovered from panic", tint.Err(errors.New(v)), "stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}
