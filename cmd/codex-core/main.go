package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codex-core/session-engine/internal/compactor"
	"github.com/codex-core/session-engine/internal/mcpconn"
	"github.com/codex-core/session-engine/internal/modelclient"
	"github.com/codex-core/session-engine/internal/protocol"
	"github.com/codex-core/session-engine/internal/rollout"
	"github.com/codex-core/session-engine/internal/session"
	"github.com/codex-core/session-engine/internal/submission"
	"github.com/codex-core/session-engine/internal/toolrouter"
	"github.com/codex-core/session-engine/internal/transport"
	"github.com/codex-core/session-engine/internal/turnengine"
)

var (
	listenURL string
	codexHome string
)

var rootCmd = &cobra.Command{
	Use:   "codex-core",
	Short: "Session core daemon: owns one conversation thread and speaks the submission/event protocol over stdio or a websocket",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVar(&listenURL, "listen", transport.DefaultListenURL, "transport to bind: stdio:// or ws://IP:PORT")
	rootCmd.Flags().StringVar(&codexHome, "codex-home", defaultCodexHome(), "directory session rollouts and config defaults are read from/written to")
}

func defaultCodexHome() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".codex")
	}
	return ".codex"
}

func main() {
	log.SetPrefix("[codex-core] ")
	log.SetOutput(os.Stderr)
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down...")
		cancel()
	}()

	target, err := transport.ParseListenURL(listenURL)
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("codex-core: getwd: %w", err)
	}

	cfg, err := session.LoadConfigurationDefaults(cwd)
	if err != nil {
		return fmt.Errorf("codex-core: load config defaults: %w", err)
	}

	threadID, createdAt := session.NewThreadID()
	rec, err := rollout.Open(rollout.Path(codexHome, threadID, createdAt))
	if err != nil {
		return fmt.Errorf("codex-core: open rollout: %w", err)
	}
	rec.Record(protocol.RolloutSessionMeta{
		ID:        threadID,
		Timestamp: createdAt.Format(time.RFC3339),
		Cwd:       cwd,
	})

	mux := transport.NewMultiplexer()
	publisher := &session.MultiplexerPublisher{Mux: mux}

	mcpMgr := mcpconn.NewManager(mcpconn.SandboxState{
		SandboxPolicy: string(cfg.SandboxPolicy.Kind),
		SandboxCwd:    cfg.Cwd,
	})
	if servers, err := loadMCPServers(cwd); err != nil {
		log.Printf("mcp: %v", err)
	} else if len(servers) > 0 {
		for _, connErr := range mcpMgr.ConnectAll(ctx, servers) {
			log.Printf("mcp: %v", connErr)
		}
	}

	sess := session.New(threadID, cfg, session.Services{
		Rollout:   rec,
		Publisher: publisher,
		MCP:       mcpMgr,
	})

	router := toolrouter.NewRouter(mcpMgr)
	client := &unconfiguredModelClient{}

	initialContext := session.BuildInitialContext("", "", defaultShell(), cfg.Cwd)
	comp := compactor.New(client, sess.History(), sess, cfg.Model, "", initialContext)
	engine := turnengine.New(client, router, sess.History(), sess, comp)

	loop := submission.NewLoop(sess, engine, router, comp, mcpMgr, submission.TurnDefaults{
		ModelContextWindow:    128_000,
		AutoCompactTokenLimit: 112_000,
		BaseInstructions:      "You are Codex, a coding agent.",
		ToolsConfig:           toolrouter.ToolsConfig{SupportsExec: true, SupportsReadDefs: true},
	}, defaultShell())
	loop.SeedInitialContext("", "")

	switch target.Kind {
	case transport.KindStdio:
		mux.StartStdio(ctx, os.Stdin, os.Stdout)
	case transport.KindWebSocket:
		if err := mux.StartWebSocket(ctx, target.BindAddress); err != nil {
			return err
		}
	}

	go loop.Run(ctx)
	go processIncoming(ctx, mux, loop)

	<-ctx.Done()
	if err := sess.ShutdownRollout(); err != nil {
		log.Printf("shutdown: %v", err)
	}
	if err := mcpMgr.Close(); err != nil {
		log.Printf("mcp shutdown: %v", err)
	}
	return nil
}

// processIncoming is the transport processor loop (spec §4.1/§4.2): it
// drains the Multiplexer's event mailbox, decoding each incoming submit
// notification and handing it to the submission loop. The acceptor
// tasks record opened and closed connections in the table themselves. A connection is marked initialized on its first
// message, since the protocol defines no separate handshake op.
func processIncoming(ctx context.Context, mux *transport.Multiplexer, loop *submission.Loop) {
	seen := make(map[protocol.ConnectionId]bool)
	for {
		select {
		case ev, ok := <-mux.Events:
			if !ok {
				return
			}
			if ev.Kind != transport.EventIncomingMessage {
				continue
			}
			if !seen[ev.ConnectionID] {
				mux.MarkInitialized(ev.ConnectionID)
				seen[ev.ConnectionID] = true
			}
			if ev.Message.Method != protocol.SubmitMethod {
				continue
			}
			sub, err := protocol.DecodeSubmission(ev.Message)
			if err != nil {
				log.Printf("codex-core: malformed submission: %v", err)
				continue
			}
			if err := loop.Submit(ctx, sub); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/bash"
}

// loadMCPServers reads "<cwd>/.codex/mcp_settings.json" if present,
// matching the teacher's mcp_settings.json shape (internal/mcp/config.go).
// A missing file means no servers are configured, not an error.
func loadMCPServers(cwd string) (map[string]mcpconn.ServerConfig, error) {
	path := filepath.Join(cwd, ".codex", "mcp_settings.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var settings struct {
		McpServers map[string]mcpconn.ServerConfig `json:"mcpServers"`
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return settings.McpServers, nil
}

// unconfiguredModelClient satisfies modelclient.Client so the
// composition root links and runs end to end; the concrete
// provider/HTTP implementation is explicitly out of scope (spec §1
// "we specify only the ModelClient contract") and must be supplied by
// whoever embeds this package for a real deployment.
type unconfiguredModelClient struct{}

func (c *unconfiguredModelClient) NewSession(ctx context.Context) (modelclient.Session, error) {
	return nil, fmt.Errorf("codex-core: no model client configured; wire a concrete modelclient.Client implementation")
}

var _ modelclient.Client = (*unconfiguredModelClient)(nil)
