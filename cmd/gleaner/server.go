package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/harvestnotes/gleaner/internal/api"
	"github.com/harvestnotes/gleaner/internal/chunker"
	"github.com/harvestnotes/gleaner/internal/composer"
	"github.com/harvestnotes/gleaner/internal/config"
	"github.com/harvestnotes/gleaner/internal/engine"
	"github.com/harvestnotes/gleaner/internal/ingest"
	"github.com/harvestnotes/gleaner/internal/ollama"
	"github.com/harvestnotes/gleaner/internal/pipeline"
	"github.com/harvestnotes/gleaner/internal/prompt"
	"github.com/harvestnotes/gleaner/internal/retrieval"
	"github.com/harvestnotes/gleaner/internal/storage"
	"github.com/harvestnotes/gleaner/internal/token"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gleaner server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running gleaner server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gleaner system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "gleaner.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "gleaner version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	})))

	// Refuse to double-start: probe the health endpoint before claiming the
	// PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Check Ollama readiness, pulling models if needed.
	ollamaClient := ollama.New(cfg.Ollama.BaseURL)
	if err := ollama.EnsureReady(ctx, ollamaClient, cfg.Ollama.ChatModel, cfg.Ollama.EmbedModel, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	// Tokenizer loads its encoding once, on first use.
	registry := token.NewRegistry(func() (token.Codec, error) {
		return token.NewTiktoken()
	})
	codec, err := registry.Codec()
	if err != nil {
		return fmt.Errorf("loading tokenizer: %w", err)
	}

	ch, err := chunker.New(codec, cfg.Chunking.Size, cfg.Chunking.Overlap)
	if err != nil {
		return fmt.Errorf("configuring chunker: %w", err)
	}

	// Build the query pipeline.
	eng := engine.NewOllamaEngine(ollamaClient)
	embedder := retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel)
	vectors := retrieval.NewSQLiteStore(store.DB())
	retriever := retrieval.NewRetriever(vectors)
	if err := retriever.SetRelevanceThreshold(cfg.Retrieval.RelevanceThreshold); err != nil {
		return fmt.Errorf("configuring retriever: %w", err)
	}
	answerer := pipeline.NewAnswerer(pipeline.AnswererConfig{
		Embedder:         embedder,
		Retriever:        retriever,
		Builder:          composer.New(codec),
		Prompts:          prompt.NewEngine(codec),
		Engine:           eng,
		Interactions:     store,
		ChatModel:        cfg.Ollama.ChatModel,
		TopK:             cfg.Retrieval.TopK,
		MaxContextTokens: cfg.Context.MaxTokens,
	})

	// Start the embedding worker.
	worker := ingest.NewWorker(store, ch, embedder, vectors, 500*time.Millisecond)
	go worker.Run(ctx)

	handler := api.NewHandler(api.Deps{
		Store:      store,
		Answerer:   answerer,
		Searcher:   answerer,
		Token:      cfg.API.Token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP server on its own port (streamable HTTP transport).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:    store,
		Answerer: answerer,
		Searcher: answerer,
	})
	mcpHTTP := server.NewStreamableHTTPServer(mcpSrv)
	mcpAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort)
	go func() {
		if err := mcpHTTP.Start(mcpAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("MCP server error", "error", err)
		}
	}()
	slog.Info("MCP server started", "addr", mcpAddr)

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "gleaner listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mcpHTTP.Shutdown(shutdownCtx); err != nil {
		slog.Warn("MCP server shutdown", "error", err)
	}
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("gleaner is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop gleaner (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to gleaner (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}
	printStatus("MCP", "port %d", cfg.Server.MCPPort)

	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Chat model", "%s", cfg.Ollama.ChatModel)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
