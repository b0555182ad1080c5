package doorman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/doorman/doorman.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var structValidator = validator.New()

// Doorman is the main application struct. It wires the gateway
// connection, the rate limited REST transport, the database, and the
// status API together.
type Doorman struct {
	config *Config

	db DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger     *slog.Logger
	logHandler slog.Handler

	discord *Discord
	rest    *Requester
	limiter *RateLimiter
	api     *API

	startedAt time.Time

	// prevents Run from executing concurrently
	runMu sync.Mutex
}

// New creates a Doorman instance from the given config. The database
// isn't opened and nothing connects to Discord until Run is called.
func New(config *Config) (*Doorman, error) {
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

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	d := &Doorman{config: config}

	d.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     d.config.LogLevel,
			AddSource: true,
		},
	)
	d.logger = slog.New(d.logHandler)
	slog.SetDefault(d.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     d.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	d.rest = newRequester(
		config.RateLimit,
		config.Discord.Token,
		config.HTTPClient,
		nil,
		d.logger,
	)
	d.limiter = NewRateLimiter(
		config.RateLimit,
		d.rest,
		NewGlobalRateLimit(),
		d.logger,
	)
	d.rest.setLimiter(d.limiter)

	discordLogger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     d.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	)
	disc, err := newDiscord(config.Discord, d.rest, nil, discordLogger)
	if err != nil {
		errs = append(errs, err)
	}
	d.discord = disc

	if config.API.Enabled {
		api, e := newAPI(d, config.API)
		errs = append(errs, e)
		d.api = api
	}

	return d, errors.Join(errs...)
}

func (d *Doorman) ValidateConfig() error {
	return structValidator.Struct(d.config)
}

// Run starts the bot and blocks until ctx is canceled or a component
// fails. The database is opened and migrated, the rate limit scheduler
// and status API start, and the gateway connection opens, in that
// order.
func (d *Doorman) Run(ctx context.Context) error {
	// prevents concurrent runs
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.startedAt = time.Now()
	logger := d.logger

	if err := d.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", d.config))

	startCtx, startCancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	defer startCancel()

	gdb, err := CreateDB(startCtx, d.config.DatabaseType, d.config.Database)
	if err != nil {
		logger.Error("error initializing database", tint.Err(err))
		return err
	}
	d.db = NewDatabase(
		gdb,
		logger,
		d.config.DatabaseType == dbTypePostgres,
	)
	d.rest.db = d.db
	d.discord.db = d.db

	// runtime context - canceling it triggers the graceful shutdown below
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.limiter.Start(ctx)

	g, groupCtx := errgroup.WithContext(ctx)

	if d.api != nil {
		g.Go(
			func() error {
				httpErr := d.api.Serve(groupCtx)
				if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
					logger.Error("error serving api HTTP", tint.Err(httpErr))
					return httpErr
				}
				return nil
			},
		)
	}

	if err = d.discord.connect(groupCtx); err != nil {
		logger.Error("error connecting to discord", tint.Err(err))
		cancel()
		_ = d.shutdown(context.Background())
		_ = g.Wait()
		return err
	}
	logger.InfoContext(ctx, "connected, greeting new members")

	<-groupCtx.Done()

	shutdownErr := d.shutdown(context.Background())
	if waitErr := g.Wait(); waitErr != nil &&
		!errors.Is(waitErr, context.Canceled) {
		return errors.Join(shutdownErr, waitErr)
	}
	return shutdownErr
}

// shutdown closes the gateway session, stops the rate limit scheduler,
// and shuts down the status API, bounded by ShutdownTimeout.
func (d *Doorman) shutdown(ctx context.Context) error {
	d.logger.Warn("shutting down")
	shutdownStart := time.Now()

	shutdownTimeout := d.config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		d.logger.Warn("immediate shutdown")
		d.limiter.ShutdownNow()
		if d.api != nil {
			_ = d.api.httpServer.Close()
		}
		if d.discord != nil {
			_ = d.discord.Close()
		}
		return nil
	}

	closeCtx, closeCancel := context.WithTimeout(ctx, shutdownTimeout)
	defer closeCancel()

	var errs []error
	if d.discord != nil {
		if err := d.discord.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing discord: %w", err))
		}
	}
	d.limiter.Shutdown()
	if d.api != nil {
		if err := d.api.Shutdown(closeCtx); err != nil {
			errs = append(errs, fmt.Errorf("error stopping api: %w", err))
		}
	}

	d.logger.Info(
		"shutdown complete",
		"duration", time.Since(shutdownStart),
		"uptime", time.Since(d.startedAt),
	)
	return errors.Join(errs...)
}
