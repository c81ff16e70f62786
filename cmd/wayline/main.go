package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wayline/wayline/internal/api"
	"github.com/wayline/wayline/internal/broadcast"
	"github.com/wayline/wayline/internal/conversation"
	"github.com/wayline/wayline/internal/engine"
	"github.com/wayline/wayline/internal/genai"
	"github.com/wayline/wayline/internal/journey"
	"github.com/wayline/wayline/internal/messaging"
	"github.com/wayline/wayline/internal/policy"
	"github.com/wayline/wayline/internal/session"
	"github.com/wayline/wayline/internal/store"
	"github.com/wayline/wayline/internal/tools"
	"github.com/wayline/wayline/internal/twiliowhatsapp"
	"github.com/wayline/wayline/internal/util"
	"github.com/wayline/wayline/internal/whatsapp"
)

const (
	// DefaultStateDir is the default directory for Wayline state data.
	DefaultStateDir = "/var/lib/wayline"
	// DefaultDBFileName is the default SQLite database filename.
	DefaultDBFileName = "wayline.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		slog.Error("Wayline failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Wayline exited successfully")
}

// Config holds environment configuration.
type Config struct {
	DatabaseURL     string
	StateDir        string
	OpenAIKey       string
	APIAddr         string
	WorkflowDir     string
	DefaultWorkflow string
	Transport       string
	ToolEndpoint    string
	SessionTimeout  time.Duration
	RegoConditions  bool
}

// Flags holds command line flag values.
type Flags struct {
	qrOutput        *string
	numeric         *bool
	stateDir        *string
	dbDSN           *string
	openaiKey       *string
	apiAddr         *string
	workflowDir     *string
	defaultWorkflow *string
	transport       *string
	toolEndpoint    *string
	sessionTimeout  *time.Duration
	regoConditions  *bool
}

// initializeLogger sets up structured logging with debug level.
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and
// the .env file.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		StateDir:        os.Getenv("WAYLINE_STATE_DIR"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		APIAddr:         os.Getenv("API_ADDR"),
		WorkflowDir:     os.Getenv("WAYLINE_WORKFLOW_DIR"),
		DefaultWorkflow: os.Getenv("WAYLINE_DEFAULT_WORKFLOW"),
		Transport:       os.Getenv("WAYLINE_TRANSPORT"),
		ToolEndpoint:    os.Getenv("WAYLINE_TOOL_ENDPOINT"),
		SessionTimeout:  util.ParseDurationEnv("WAYLINE_SESSION_TIMEOUT", 30*time.Minute),
		RegoConditions:  util.ParseBoolEnv("WAYLINE_REGO_CONDITIONS", true),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WorkflowDir == "" {
		config.WorkflowDir = filepath.Join(config.StateDir, "workflows")
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WAYLINE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"WAYLINE_WORKFLOW_DIR", config.WorkflowDir,
		"WAYLINE_TRANSPORT", config.Transport,
		"WAYLINE_TOOL_ENDPOINT", config.ToolEndpoint)
	return config
}

// parseCommandLineFlags parses command line arguments with environment
// defaults.
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:        flag.String("qr-output", "", "path to write login QR code"),
		numeric:         flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:        flag.String("state-dir", config.StateDir, "state directory for Wayline data (overrides $WAYLINE_STATE_DIR)"),
		dbDSN:           flag.String("db-dsn", config.DatabaseURL, "database DSN for the store (overrides $DATABASE_URL)"),
		openaiKey:       flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:         flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		workflowDir:     flag.String("workflow-dir", config.WorkflowDir, "directory of workflow JSON files (overrides $WAYLINE_WORKFLOW_DIR)"),
		defaultWorkflow: flag.String("default-workflow", config.DefaultWorkflow, "workflow started for new messaging participants (overrides $WAYLINE_DEFAULT_WORKFLOW)"),
		transport:       flag.String("transport", config.Transport, "messaging transport: whatsapp, twilio or none (overrides $WAYLINE_TRANSPORT)"),
		toolEndpoint:    flag.String("tool-endpoint", config.ToolEndpoint, "HTTP endpoint invoked for tool and parallel states (overrides $WAYLINE_TOOL_ENDPOINT)"),
		sessionTimeout:  flag.Duration("session-timeout", config.SessionTimeout, "idle session timeout (overrides $WAYLINE_SESSION_TIMEOUT)"),
		regoConditions:  flag.Bool("rego-conditions", config.RegoConditions, "evaluate transition conditions as Rego expressions (overrides $WAYLINE_REGO_CONDITIONS)"),
	}
	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"workflowDir", *flags.workflowDir,
		"transport", *flags.transport,
		"sessionTimeout", *flags.sessionTimeout)
	return flags
}

// run wires the services together and blocks until a termination signal.
func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if store.DetectDSNType(*flags.dbDSN) != "postgres" {
		if err := os.MkdirAll(filepath.Dir(*flags.dbDSN), 0755); err != nil {
			return err
		}
	}
	st, err := store.NewStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	engineOpts := []engine.Option{engine.WithPersistence(st)}
	if *flags.regoConditions {
		engineOpts = append(engineOpts, engine.WithConditionEvaluator(policy.NewRegoEvaluator()))
	}
	if *flags.toolEndpoint != "" {
		engineOpts = append(engineOpts, engine.WithToolAdapter(tools.NewHTTPAdapter(*flags.toolEndpoint)))
	} else {
		slog.Info("No tool endpoint configured, tool and parallel states will fail recoverably")
	}
	eng := engine.NewEngine(engineOpts...)

	broadcaster := broadcast.NewService()
	defer broadcaster.Stop()

	sessions := session.NewService(eng,
		session.WithTimeout(*flags.sessionTimeout),
		session.WithBroadcaster(broadcaster),
		session.WithPersistence(st),
	)
	sessions.Start(ctx)
	defer sessions.Stop()

	var convOpts []conversation.Option
	if *flags.openaiKey != "" {
		genaiClient, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
		if err != nil {
			return err
		}
		convOpts = append(convOpts, conversation.WithGenAI(genaiClient))
	} else {
		slog.Info("No OpenAI API key configured, tutorial phrasing disabled")
	}
	conversations := conversation.NewService(sessions, convOpts...)

	workflows := journey.NewFileSource(*flags.workflowDir)

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}

	if *flags.transport != "" && *flags.transport != "none" {
		msgSvc, err := buildTransport(flags)
		if err != nil {
			return err
		}
		if err := msgSvc.Start(ctx); err != nil {
			return err
		}
		defer msgSvc.Stop()

		if twilioSvc, ok := msgSvc.(*messaging.TwilioService); ok {
			apiOpts = append(apiOpts, api.WithTwilioWebhook(twilioSvc))
		}

		router := messaging.NewRouter(msgSvc, sessions, conversations, workflows, *flags.defaultWorkflow)
		router.Start(ctx)
		defer router.Stop()
	}
	server := api.NewServer(sessions, conversations, broadcaster, workflows, st, apiOpts...)
	server.Start()
	defer server.Stop()

	slog.Info("Wayline running", "apiAddr", *flags.apiAddr, "transport", *flags.transport)
	<-ctx.Done()
	return nil
}

// buildTransport constructs the configured messaging transport.
func buildTransport(flags Flags) (messaging.Service, error) {
	switch *flags.transport {
	case "twilio":
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, err
		}
		return messaging.NewTwilioService(client), nil
	default:
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(*flags.dbDSN)}
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, err
		}
		return messaging.NewWhatsAppService(client), nil
	}
}
