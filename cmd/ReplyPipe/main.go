package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/BTreeMap/ReplyPipe/internal/api"
	"github.com/BTreeMap/ReplyPipe/internal/conversation"
	"github.com/BTreeMap/ReplyPipe/internal/events"
	"github.com/BTreeMap/ReplyPipe/internal/flow"
	"github.com/BTreeMap/ReplyPipe/internal/genai"
	"github.com/BTreeMap/ReplyPipe/internal/locale"
	"github.com/BTreeMap/ReplyPipe/internal/lockfile"
	"github.com/BTreeMap/ReplyPipe/internal/messaging"
	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/scheduler"
	"github.com/BTreeMap/ReplyPipe/internal/store"
	"github.com/BTreeMap/ReplyPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ReplyPipe/internal/util"
	"github.com/BTreeMap/ReplyPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ReplyPipe state data
	DefaultStateDir = "/var/lib/replypipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "replypipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultLogLevel matches the verbose logging used during development
	DefaultLogLevel = "debug"
)

// Transport names accepted by TRANSPORT / -transport.
const (
	TransportCloud     = "cloud"
	TransportTwilio    = "twilio"
	TransportWhatsmeow = "whatsmeow"
)

func main() {
	config := loadEnvironmentConfig()

	if err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], &config); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	initializeLogger(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping ReplyPipe", "transport", config.Transport, "state_dir", config.StateDir, "api_addr", config.APIAddr)
	if err := run(ctx, config); err != nil {
		slog.Error("ReplyPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ReplyPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir     string
	DatabaseURL  string
	DatabaseName string
	APIAddr      string
	PublicURL    string
	Transport    string
	LogLevel     string

	WhatsAppToken string
	PhoneNumberID string
	VerifyToken   string
	AppSecret     string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string

	WhatsAppDBDSN string
	QROutput      string
	NumericCode   bool

	OpenAIKey     string
	OpenAIBaseURL string
	OpenAIModel   string
	GenAIDebug    bool

	BotName      string
	CreatorName  string
	CreatorEmail string
	PrivacyURL   string
	TermsURL     string
	MemoryLimit  int
	LocaleTable  string

	RedisURL         string
	RabbitMQURL      string
	RabbitMQExchange string
	AdminToken       string

	DedupPruneSchedule string
}

// initializeLogger sets up structured logging at the configured level
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	defaults := flow.DefaultProfile()
	config := Config{
		StateDir:     util.EnvOrDefault("REPLYPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		DatabaseName: os.Getenv("DATABASE_NAME"),
		APIAddr:      util.EnvOrDefault("API_ADDR", api.DefaultAddr),
		PublicURL:    os.Getenv("PUBLIC_URL"),
		Transport:    util.EnvOrDefault("TRANSPORT", TransportCloud),
		LogLevel:     util.EnvOrDefault("LOG_LEVEL", DefaultLogLevel),

		WhatsAppToken: os.Getenv("WHATSAPP_TOKEN"),
		PhoneNumberID: os.Getenv("PHONE_NUMBER_ID"),
		VerifyToken:   os.Getenv("VERIFY_TOKEN"),
		AppSecret:     os.Getenv("APP_SECRET"),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),

		WhatsAppDBDSN: os.Getenv("WHATSAPP_DB_DSN"),

		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:   util.EnvOrDefault("OPENAI_MODEL", genai.DefaultModel),
		GenAIDebug:    util.ParseBoolEnv("GENAI_DEBUG", false),

		BotName:      util.EnvOrDefault("BOT_NAME", defaults.BotName),
		CreatorName:  util.EnvOrDefault("CREATOR_NAME", defaults.CreatorName),
		CreatorEmail: os.Getenv("CREATOR_EMAIL"),
		PrivacyURL:   os.Getenv("PRIVACY_URL"),
		TermsURL:     os.Getenv("TERMS_URL"),
		MemoryLimit:  util.ParseIntEnv("MEMORY_LIMIT", conversation.DefaultMemoryLimit),
		LocaleTable:  os.Getenv("LOCALE_TABLE"),

		RedisURL:         os.Getenv("REDIS_URL"),
		RabbitMQURL:      os.Getenv("RABBITMQ_URL"),
		RabbitMQExchange: util.EnvOrDefault("RABBITMQ_EXCHANGE", events.DefaultExchange),
		AdminToken:       os.Getenv("ADMIN_TOKEN"),

		DedupPruneSchedule: util.EnvOrDefault("DEDUP_PRUNE_SCHEDULE", scheduler.DefaultPruneSchedule),
	}

	slog.Debug("environment variables loaded",
		"REPLYPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"TRANSPORT", config.Transport,
		"WHATSAPP_TOKEN_SET", config.WhatsAppToken != "",
		"TWILIO_AUTH_TOKEN_SET", config.TwilioAuthToken != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"RABBITMQ_URL_SET", config.RabbitMQURL != "",
		"API_ADDR", config.APIAddr)

	return config
}

// parseCommandLineFlags lets flags override environment values, then fills in
// the state-directory derived defaults.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config *Config) error {
	fs.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for ReplyPipe data (overrides $REPLYPIPE_STATE_DIR)")
	fs.StringVar(&config.DatabaseURL, "db-dsn", config.DatabaseURL, "postgres://, mongodb:// or SQLite path (overrides $DATABASE_URL)")
	fs.StringVar(&config.DatabaseName, "db-name", config.DatabaseName, "MongoDB database name (overrides $DATABASE_NAME)")
	fs.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&config.Transport, "transport", config.Transport, "outbound transport: cloud, twilio or whatsmeow (overrides $TRANSPORT)")
	fs.StringVar(&config.WhatsAppDBDSN, "wa-db-dsn", config.WhatsAppDBDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&config.QROutput, "qr-output", config.QROutput, "path to write login QR code")
	fs.BoolVar(&config.NumericCode, "numeric-code", config.NumericCode, "use numeric login code instead of QR code")
	fs.StringVar(&config.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI-compatible API key (overrides $OPENAI_API_KEY)")
	fs.IntVar(&config.MemoryLimit, "memory-limit", config.MemoryLimit, "conversation window size (overrides $MEMORY_LIMIT)")
	fs.StringVar(&config.LocaleTable, "locale-table", config.LocaleTable, "country table JSON path; empty uses the built-in table (overrides $LOCALE_TABLE)")
	fs.StringVar(&config.LogLevel, "log-level", config.LogLevel, "log level: debug, info, warn, error (overrides $LOG_LEVEL)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	config.Transport = strings.ToLower(strings.TrimSpace(config.Transport))
	switch config.Transport {
	case TransportCloud, TransportTwilio, TransportWhatsmeow:
	default:
		return fmt.Errorf("unknown transport %q (want %s, %s or %s)", config.Transport, TransportCloud, TransportTwilio, TransportWhatsmeow)
	}
	if config.MemoryLimit <= 0 {
		config.MemoryLimit = conversation.DefaultMemoryLimit
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	return nil
}

// needsStateLock reports whether a single-writer file lives in the state directory.
func needsStateLock(config Config) bool {
	if store.DetectDSNType(config.DatabaseURL) == store.DSNTypeSQLite {
		return true
	}
	return config.Transport == TransportWhatsmeow && store.DetectDSNType(config.WhatsAppDBDSN) == store.DSNTypeSQLite
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(config Config) []store.Option {
	var storeOpts []store.Option
	switch store.DetectDSNType(config.DatabaseURL) {
	case store.DSNTypePostgres:
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		storeOpts = append(storeOpts, store.WithPostgresDSN(config.DatabaseURL))
	case store.DSNTypeMongo:
		slog.Debug("Detected MongoDB URI, configuring MongoDB store")
		storeOpts = append(storeOpts, store.WithMongoURI(config.DatabaseURL))
		if config.DatabaseName != "" {
			storeOpts = append(storeOpts, store.WithDatabaseName(config.DatabaseName))
		}
	default:
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", config.DatabaseURL)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(config.DatabaseURL))
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(config Config) []genai.Option {
	genaiOpts := []genai.Option{
		genai.WithModel(config.OpenAIModel),
		genai.WithStateDir(config.StateDir),
		genai.WithDebugMode(config.GenAIDebug),
	}
	if config.OpenAIKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(config.OpenAIKey))
	}
	if config.OpenAIBaseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(config.OpenAIBaseURL))
	}
	return genaiOpts
}

// buildWhatsAppOptions constructs whatsmeow configuration options
func buildWhatsAppOptions(config Config) []whatsapp.Option {
	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(config.WhatsAppDBDSN)}
	if config.QROutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(config.QROutput))
	}
	if config.NumericCode {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio configuration options
func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	return []twiliowhatsapp.Option{
		twiliowhatsapp.WithAccountSID(config.TwilioAccountSID),
		twiliowhatsapp.WithAuthToken(config.TwilioAuthToken),
		twiliowhatsapp.WithFromWhats(config.TwilioFrom),
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config) []api.Option {
	apiOpts := []api.Option{
		api.WithAddr(config.APIAddr),
		api.WithVerifyToken(config.VerifyToken),
		api.WithAppSecret(config.AppSecret),
		api.WithAdminToken(config.AdminToken),
		api.WithPublicURL(config.PublicURL),
	}
	if config.Transport == TransportTwilio {
		apiOpts = append(apiOpts, api.WithTwilioAuthToken(config.TwilioAuthToken))
	}
	return apiOpts
}

// buildProfile assembles the immutable bot profile.
func buildProfile(config Config) flow.Profile {
	return flow.Profile{
		BotName:      config.BotName,
		CreatorName:  config.CreatorName,
		CreatorEmail: config.CreatorEmail,
		PrivacyURL:   config.PrivacyURL,
		TermsURL:     config.TermsURL,
		MemoryLimit:  config.MemoryLimit,
	}
}

// run wires every module and serves until ctx is cancelled.
func run(ctx context.Context, config Config) error {
	if needsStateLock(config) {
		lock, err := lockfile.Acquire(config.StateDir, lockfile.Owner{Transport: config.Transport, Addr: config.APIAddr})
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.Open(ctx, buildStoreOptions(config)...)
	if err != nil {
		// Degrade: the dispatcher reports STORE_UNAVAILABLE per message instead of refusing to start.
		slog.Error("run: store unavailable, continuing without persistence", "error", err)
		st = store.Unavailable{}
	}
	defer st.Close()

	dedup := openDedup(ctx, config, st)
	if sched := startPruneScheduler(config, dedup); sched != nil {
		defer sched.Stop()
	}

	var convOpts []conversation.Option
	convOpts = append(convOpts, conversation.WithMemoryLimit(config.MemoryLimit))
	if config.RabbitMQURL != "" {
		publisher, err := events.NewRabbitPublisher(config.RabbitMQURL, config.RabbitMQExchange)
		if err != nil {
			slog.Warn("run: RabbitMQ unavailable, message events disabled", "error", err)
		} else {
			defer publisher.Close()
			convOpts = append(convOpts, conversation.WithPublisher(publisher))
		}
	}
	convs := conversation.NewConversationStore(st, convOpts...)
	locations := conversation.NewLocationStore(st, nil)
	resolver := locale.NewResolver(locale.LoadTable(config.LocaleTable))
	if resolver.Len() == 0 {
		slog.Warn("run: locale table empty, location detection disabled")
	}

	var completer genai.Completer
	if gaClient, err := genai.NewClient(buildGenAIOptions(config)...); err != nil {
		slog.Warn("run: completion backend not configured, replies will echo", "error", err)
	} else {
		completer = gaClient
		slog.Info("run: completion backend ready", "model", gaClient.Model())
	}

	svc, err := newTransport(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to initialize %s transport: %w", config.Transport, err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start %s transport: %w", config.Transport, err)
	}
	defer svc.Stop()

	profile := buildProfile(config)
	replies := flow.NewReplyGenerator(flow.NewPromptBuilder(convs, locations, profile), completer)
	dispatcher := flow.NewDispatcher(convs, locations, resolver, replies, svc,
		flow.WithProfile(profile), flow.WithDedup(dedup))

	go consumeTransportEvents(ctx, svc, dispatcher)

	health := func(ctx context.Context) map[string]string {
		return healthStatus(ctx, st, completer != nil, resolver.Len(), config.Transport)
	}
	server := api.NewServer(dispatcher, convs, health, buildAPIOptions(config)...)
	return server.Run(ctx)
}

// openDedup prefers Redis and falls back to the store's own ledger.
func openDedup(ctx context.Context, config Config, st store.Store) store.DedupRepo {
	if config.RedisURL == "" {
		return st
	}
	rd, err := store.NewRedisDedup(ctx, config.RedisURL, store.DefaultDedupTTL)
	if err != nil {
		slog.Warn("openDedup: Redis unavailable, using store dedup", "error", err)
		return st
	}
	go func() {
		<-ctx.Done()
		rd.Close()
	}()
	return rd
}

// startPruneScheduler schedules ledger pruning when the dedup backend does not expire records itself.
// Setting the schedule to "off" disables it.
func startPruneScheduler(config Config, dedup store.DedupRepo) *scheduler.Scheduler {
	pruner, ok := dedup.(store.DedupPruner)
	if !ok || config.DedupPruneSchedule == "" || config.DedupPruneSchedule == "off" {
		return nil
	}
	sched := scheduler.NewScheduler()
	job := scheduler.PruneDedupJob(pruner, store.DefaultDedupTTL)
	if err := sched.AddJob("prune-dedup", config.DedupPruneSchedule, job); err != nil {
		slog.Warn("startPruneScheduler: invalid schedule, pruning disabled", "error", err)
		sched.Stop()
		return nil
	}
	return sched
}

// newTransport builds the configured outbound messaging service.
func newTransport(ctx context.Context, config Config) (messaging.Service, error) {
	switch config.Transport {
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(config)...)
		if err != nil {
			return nil, err
		}
		return messaging.NewTwilioService(client), nil
	case TransportWhatsmeow:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(config)...)
		if err != nil {
			return nil, err
		}
		go func() {
			<-ctx.Done()
			client.Disconnect()
		}()
		return messaging.NewWhatsAppService(client), nil
	default:
		return messaging.NewCloudService(config.WhatsAppToken, config.PhoneNumberID), nil
	}
}

// consumeTransportEvents feeds transport-delivered messages and statuses to the
// dispatcher until both channels close or ctx is cancelled.
func consumeTransportEvents(ctx context.Context, svc messaging.Service, dispatcher *flow.Dispatcher) {
	inbound, statuses := svc.Inbound(), svc.Statuses()
	for inbound != nil || statuses != nil {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			go processSafely(ctx, dispatcher, msg)
		case st, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			dispatcher.ObserveStatus(st)
		}
	}
}

// processSafely mirrors the HTTP boundary: a panic is logged with a correlation id.
// Shutdown does not cancel a message already being processed.
func processSafely(ctx context.Context, dispatcher *flow.Dispatcher, msg models.InboundMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("processSafely: panic while processing message", "correlation_id", util.CorrelationID(), "id", msg.ID, "panic", rec)
		}
	}()
	dispatcher.ProcessMessage(context.WithoutCancel(ctx), msg)
}

// healthStatus summarises collaborator state for GET /health.
func healthStatus(ctx context.Context, st store.Store, aiReady bool, localeEntries int, transport string) map[string]string {
	status := map[string]string{"transport": transport}
	if _, err := st.CountMessages(ctx, store.MessageFilter{UserID: "health-check"}); err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			status["database"] = "unavailable"
		} else {
			status["database"] = "error"
		}
	} else {
		status["database"] = "connected"
	}
	if aiReady {
		status["ai"] = "ready"
	} else {
		status["ai"] = "echo"
	}
	status["location_table"] = fmt.Sprintf("%d countries", localeEntries)
	return status
}
