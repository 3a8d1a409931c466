package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	mssqlmcp "github.com/rickchristie/mssql-mcp"
	"github.com/rickchristie/mssql-mcp/internal/meta"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the MCP server on server.port, serving streamable HTTP at /mcp.

Credentials are never read from the config file. Set GOMSSQLMCP_CONNSTRING to
a full go-mssqldb connection string, or GOMSSQLMCP_USER and GOMSSQLMCP_PASSWORD,
or enter them when prompted. A blank username uses integrated authentication.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath(cmd))
		},
	}
}

func runServe(ctx context.Context, path string) error {
	// 1. Load ServerConfig
	serverConfig, err := loadServerConfig(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := validateServerSettings(serverConfig); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// 2. Resolve connection string
	connString := resolveConnString(serverConfig.Connection)

	// 3. Setup logger
	logger := setupLogger(serverConfig.Logging)

	// 4. Create SqlServerMcp instance
	var opts []mssqlmcp.Option
	if len(serverConfig.ServerHooks.BeforeQuery) > 0 || len(serverConfig.ServerHooks.AfterQuery) > 0 {
		opts = append(opts, mssqlmcp.WithServerHooks(serverConfig.ServerHooks))
	}
	if serverConfig.Connection.CommandTimeoutSeconds > 0 {
		opts = append(opts, mssqlmcp.WithCommandTimeout(time.Duration(serverConfig.Connection.CommandTimeoutSeconds)*time.Second))
	}
	engine, err := mssqlmcp.New(ctx, connString, serverConfig.Config, logger, opts...)
	if err != nil {
		return fmt.Errorf("failed to create SqlServerMcp: %w", err)
	}
	defer engine.Close(context.Background())

	// 5. Test database connection
	logger.Info().Str("connection", mssqlmcp.RedactConnString(connString)).Msg("testing database connection")
	if err := engine.Ping(ctx); err != nil {
		logger.Error().Err(err).Msg("database connection test failed")
		return fmt.Errorf("database connection test failed: %w", err)
	}
	logger.Info().Msg("database connection test successful")

	// 6. Build the MCP server and HTTP routes
	mcpServer := newMCPServer(engine, logger)
	mux, err := newServeMux(serverConfig.Server, engine, mcpServer)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", serverConfig.Server.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Int("port", serverConfig.Server.Port).Msg("starting gomssqlmcp server")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info().Msg("shutting down gomssqlmcp server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}

// newMCPServer creates the MCP server with all tools registered and
// initialize lifecycle logging.
func newMCPServer(engine *mssqlmcp.SqlServerMcp, logger zerolog.Logger) *server.MCPServer {
	hooks := &server.Hooks{}
	hooks.AddAfterInitialize(func(ctx context.Context, id any, req *mcp.InitializeRequest, result *mcp.InitializeResult) {
		logger.Info().
			Str("client_name", req.Params.ClientInfo.Name).
			Str("client_version", req.Params.ClientInfo.Version).
			Msg("AI agent connected (MCP initialize)")
	})

	mcpServer := server.NewMCPServer("gomssqlmcp", meta.Version,
		server.WithToolCapabilities(true),
		server.WithHooks(hooks),
	)
	mssqlmcp.RegisterMCPTools(mcpServer, engine)
	return mcpServer
}

// newServeMux routes /mcp to the stateless streamable HTTP transport, plus
// the optional health check and Prometheus endpoints.
func newServeMux(settings mssqlmcp.ServerSettings, engine *mssqlmcp.SqlServerMcp, mcpServer *server.MCPServer) (*http.ServeMux, error) {
	mux := http.NewServeMux()

	// Health check endpoint (process liveness only, not DB connectivity)
	if settings.HealthCheckEnabled {
		mux.HandleFunc(settings.HealthCheckPath, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})
	}

	if settings.MetricsEnabled {
		registry := prometheus.NewRegistry()
		err := registry.Register(engine.Collector())
		if err == nil {
			err = registry.Register(collectors.NewGoCollector())
		}
		if err == nil {
			err = registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		mux.Handle(settings.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	mux.Handle("/mcp", server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithStateLess(true),
	))
	return mux, nil
}

// resolveConnString returns GOMSSQLMCP_CONNSTRING when set. Otherwise the
// connection string is built from the config plus credentials taken from
// GOMSSQLMCP_USER/GOMSSQLMCP_PASSWORD or prompted for on a terminal.
func resolveConnString(conn mssqlmcp.ConnectionConfig) string {
	if s := os.Getenv(envPrefix + "_CONNSTRING"); s != "" {
		return s
	}
	username, hasUser := os.LookupEnv(envPrefix + "_USER")
	password := os.Getenv(envPrefix + "_PASSWORD")
	if !hasUser && isTTY(os.Stdin.Fd()) {
		username = promptInput("Username (blank for integrated auth): ")
		if username != "" {
			password = promptPassword("Password: ")
		}
	}
	return mssqlmcp.BuildConnString(conn, username, password)
}

func setupLogger(config mssqlmcp.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch strings.ToLower(config.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	var output io.Writer = os.Stderr
	if config.Output == "stdout" {
		output = os.Stdout
	} else if config.Output != "" && config.Output != "stderr" {
		f, err := os.OpenFile(config.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			output = f
		}
	}

	if config.Format == "text" {
		output = zerolog.ConsoleWriter{Out: output}
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

func promptInput(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	var input string
	fmt.Scanln(&input)
	return input
}

func promptPassword(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr) // newline after password input
	if err != nil {
		return ""
	}
	return string(password)
}
