package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/sergeyklay/dbinspect"
)

func runServe(args []string) error {
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to config file (default $DBINSPECT_CONFIG_PATH or .dbinspect/config.json)")
	socketPath := flags.String("socket", "", "unix socket path (overrides config)")
	stdio := flags.Bool("stdio", false, "serve a single session over stdin/stdout instead of a socket")
	debug := flags.Bool("debug", false, "force debug log level")
	if err := flags.Parse(args); err != nil {
		return err
	}

	serverConfig, err := loadServerConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *socketPath != "" {
		serverConfig.Server.Socket = *socketPath
	}
	if !*stdio && serverConfig.Server.Socket == "" {
		return errors.New("server.socket must be set (or pass --stdio)")
	}

	connString := os.Getenv("DBINSPECT_PG_CONNSTRING")
	if connString == "" {
		username := promptInput("Username: ")
		password := promptPassword("Password: ")
		connString = buildConnString(serverConfig.Connection, username, password)
	}

	logger := setupLogger(serverConfig.Logging)
	if *debug {
		logger = logger.Level(zerolog.DebugLevel)
	}
	if *stdio && serverConfig.Logging.Output == "stdout" {
		// stdout carries protocol frames in stdio mode.
		return errors.New("logging.output must not be stdout with --stdio")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	insp, err := dbinspect.New(connString, serverConfig.Config, logger)
	if err != nil {
		return fmt.Errorf("failed to create inspector: %w", err)
	}
	defer insp.Close(context.Background())

	logger.Info().Msg("connecting to database")
	if err := insp.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("database connection failed")
		return err
	}
	if err := insp.Ping(ctx); err != nil {
		logger.Error().Err(err).Msg("database connection test failed")
		return fmt.Errorf("database connection test failed: %w", err)
	}
	logger.Info().Msg("database connection test successful")

	dispatcher := dbinspect.NewDispatcher(insp, dbinspect.SessionLimits{
		MaxFrameSize: serverConfig.Server.MaxFrameSize,
	}, logger)

	if serverConfig.Server.MCPPort > 0 {
		go func() {
			if err := serveMCP(insp, serverConfig.Server.MCPPort, logger); err != nil {
				logger.Error().Err(err).Msg("mcp server stopped")
			}
		}()
	}

	if *stdio {
		logger.Info().Msg("serving on stdio")
		return dispatcher.ServeConn(ctx, stdioConn{Reader: os.Stdin, Writer: os.Stdout})
	}
	return serveSocket(ctx, dispatcher, serverConfig.Server.Socket, logger)
}

// serveSocket accepts framed-protocol sessions on a unix socket until ctx is
// cancelled, then waits for in-flight sessions to drain.
func serveSocket(ctx context.Context, dispatcher *dbinspect.Dispatcher, socketPath string, logger zerolog.Logger) error {
	// A stale socket file from a previous run would fail the bind.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket %s: %w", socketPath, err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	defer os.Remove(socketPath)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	logger.Info().Str("socket", socketPath).Msg("serving")

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dispatcher.ServeConn(ctx, conn); err != nil {
				logger.Warn().Err(err).Msg("session ended with error")
			}
		}()
	}
	logger.Info().Msg("shutting down, draining sessions")
	wg.Wait()
	return nil
}

// serveMCP exposes the same operations as MCP tools over streamable HTTP.
func serveMCP(insp *dbinspect.Inspector, port int, logger zerolog.Logger) error {
	hooks := &server.Hooks{}
	hooks.AddAfterInitialize(func(ctx context.Context, id any, req *mcp.InitializeRequest, result *mcp.InitializeResult) {
		logger.Info().
			Str("client_name", req.Params.ClientInfo.Name).
			Str("client_version", req.Params.ClientInfo.Version).
			Msg("AI agent connected (MCP initialize)")
	})

	mcpServer := server.NewMCPServer("dbinspectd", "1.0.0",
		server.WithToolCapabilities(true),
		server.WithHooks(hooks),
	)
	dbinspect.RegisterMCPTools(mcpServer, insp)

	addr := fmt.Sprintf(":%d", port)
	mux := http.NewServeMux()
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	streamableServer := server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithStateLess(true),
		server.WithStreamableHTTPServer(httpSrv),
	)
	// Start() does not register the handler when a custom *http.Server is
	// provided.
	mux.Handle("/mcp", streamableServer)

	logger.Info().Int("port", port).Msg("starting MCP endpoint")
	return streamableServer.Start(addr)
}

// stdioConn glues stdin/stdout into an io.ReadWriteCloser for stdio mode.
// Close is a no-op: the process owns these descriptors.
type stdioConn struct {
	io.Reader
	io.Writer
}

func (stdioConn) Close() error { return nil }

func loadServerConfig(configPath string) (*dbinspect.ServerConfig, error) {
	if configPath == "" {
		configPath = os.Getenv("DBINSPECT_CONFIG_PATH")
	}
	if configPath == "" {
		configPath = ".dbinspect/config.json"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var config dbinspect.ServerConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

func buildConnString(conn dbinspect.ConnectionConfig, username, password string) string {
	parts := []string{}
	if conn.Host != "" {
		parts = append(parts, fmt.Sprintf("host=%s", conn.Host))
	}
	if conn.Port > 0 {
		parts = append(parts, fmt.Sprintf("port=%d", conn.Port))
	}
	if conn.DBName != "" {
		parts = append(parts, fmt.Sprintf("dbname=%s", conn.DBName))
	}
	if username != "" {
		parts = append(parts, fmt.Sprintf("user=%s", username))
	}
	if password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", password))
	}
	if conn.SSLMode != "" {
		parts = append(parts, fmt.Sprintf("sslmode=%s", conn.SSLMode))
	}
	return strings.Join(parts, " ")
}

func setupLogger(config dbinspect.LoggingConfig) zerolog.Logger {
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
