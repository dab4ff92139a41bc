package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/goadesign/force-broker/internal/adapter"
	"github.com/goadesign/force-broker/internal/adapter/anthropic"
	"github.com/goadesign/force-broker/internal/adapter/bedrock"
	"github.com/goadesign/force-broker/internal/adapter/cliagent"
	"github.com/goadesign/force-broker/internal/adapter/localservice"
	"github.com/goadesign/force-broker/internal/adapter/middleware"
	adapteropenai "github.com/goadesign/force-broker/internal/adapter/openai"
	"github.com/goadesign/force-broker/internal/broker"
	"github.com/goadesign/force-broker/internal/catalog"
	"github.com/goadesign/force-broker/internal/config"
	mcpcontext "github.com/goadesign/force-broker/internal/context"
	"github.com/goadesign/force-broker/internal/dispatch"
	"github.com/goadesign/force-broker/internal/jobs"
	"github.com/goadesign/force-broker/internal/memory"
	memorysqlite "github.com/goadesign/force-broker/internal/memory/sqlitestore"
	"github.com/goadesign/force-broker/internal/session"
	sessionsqlite "github.com/goadesign/force-broker/internal/session/sqlitestore"
	"github.com/goadesign/force-broker/internal/telemetry"
	"github.com/goadesign/force-broker/internal/transport"
	"github.com/goadesign/force-broker/internal/vectorstore"
	vectorstoresqlite "github.com/goadesign/force-broker/internal/vectorstore/sqlitestore"
)

// server drives the dispatcher loop over stdio plus the background job
// worker and lease sweepers a running broker needs.
type server struct {
	dispatcher *dispatch.Dispatcher
	worker     *jobs.Worker
	vsManager  *vectorstore.Manager
	sessions   *session.Manager
	log        telemetry.Logger
	sweepEvery time.Duration
}

// newServer wires the catalog, stores, adapters, and orchestration layer
// described by the broker package into one runnable server bound to
// os.Stdin/os.Stdout.
func newServer(ctx context.Context, cfg config.Config, db *sql.DB) (*server, error) {
	log := telemetry.NewClueLogger()

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	sessionStore := sessionsqlite.New(db)
	sessionMgr := session.NewManager(sessionStore)

	vsStore := vectorstoresqlite.New(db)
	vsProvider := selectVectorStoreProvider(cfg)
	vsMgr := vectorstore.NewManager(vsStore, vsProvider, vectorstore.Config{
		TTL:                     cfg.VectorStoreTTL,
		CapacitySafetyThreshold: cfg.VectorStoreCapacitySafetyThreshold,
		DeleteOnEvict:           true,
	}, log, nil)

	memStore := memorysqlite.New(db)
	memProvider := selectMemoryProvider(cfg)
	recorder := memory.NewRecorder(memStore, memProvider, summarizeExchange, log)

	ignore, err := mcpcontext.LoadIgnoreFiles(cfg.IgnoreFilePaths)
	if err != nil {
		return nil, fmt.Errorf("load ignore files: %w", err)
	}

	adapters, err := buildAdapters(ctx, cfg, recorder)
	if err != nil {
		return nil, err
	}

	br := &broker.Broker{
		Catalog:      cat,
		Adapters:     adapters,
		Sessions:     sessionMgr,
		VectorStores: vsMgr,
		Recorder:     recorder,
		Ignore:       ignore,
		Tokenizer:    tokenizerFor(cfg.Tokenizer),
	}

	jobQueue := jobs.New(db, cfg.JobTTL)
	worker := jobs.NewWorker(jobQueue, br, log, time.Second)

	// start_job/poll_job/cancel_job reuse the very Queue the worker drains,
	// so job control and job execution share one source of truth.
	adapters["localservice.start_job"] = &localservice.StartJobAdapter{Jobs: jobQueue}
	adapters["localservice.poll_job"] = &localservice.PollJobAdapter{Jobs: jobQueue}
	adapters["localservice.cancel_job"] = &localservice.CancelJobAdapter{Jobs: jobQueue, Worker: worker}

	framer := transport.New(transport.Options{
		Reader: os.Stdin,
		Writer: os.Stdout,
		Logger: log,
	})
	dispatcher := dispatch.New(framer, br, log)

	return &server{
		dispatcher: dispatcher,
		worker:     worker,
		vsManager:  vsMgr,
		sessions:   sessionMgr,
		log:        log,
		sweepEvery: time.Minute,
	}, nil
}

// Run drives the dispatch loop and its background maintenance goroutines
// until ctx is cancelled (typically by the process signal handler in
// main.go).
func (s *server) Run(ctx context.Context) {
	go s.worker.Run(ctx)
	go s.sweepLoop(ctx)
	s.dispatcher.Run(ctx)
}

func (s *server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.sessions.SweepExpired(ctx, time.Now()); err != nil {
				s.log.Warn(ctx, "server: session sweep failed", "error", err)
			} else if n > 0 {
				s.log.Info(ctx, "server: swept expired sessions", "count", n)
			}
			if n, err := s.vsManager.ReleaseOnExpiry(ctx); err != nil {
				s.log.Warn(ctx, "server: vector store sweep failed", "error", err)
			} else if n > 0 {
				s.log.Info(ctx, "server: swept expired vector store leases", "count", n)
			}
		}
	}
}

func tokenizerFor(name string) mcpcontext.Tokenizer {
	switch name {
	default:
		return mcpcontext.CharRatioTokenizer{}
	}
}

func selectVectorStoreProvider(cfg config.Config) vectorstore.Provider {
	if pc, ok := cfg.Providers["openai"]; ok && pc.APIKey != "" {
		return adapteropenai.NewVectorStoreProvider(pc.APIKey)
	}
	return adapteropenai.NewVectorStoreProvider("")
}

func selectMemoryProvider(cfg config.Config) memory.Provider {
	apiKey := ""
	if pc, ok := cfg.Providers["openai"]; ok {
		apiKey = pc.APIKey
	}
	return adapteropenai.NewMemoryProvider(apiKey, "force-broker-memory")
}

func summarizeExchange(sessionID, toolName string, messages []string, response string) string {
	prompt := ""
	if len(messages) > 0 {
		prompt = messages[len(messages)-1]
	}
	const maxLen = 2000
	text := fmt.Sprintf("[%s] %s\n---\n%s", toolName, prompt, response)
	if len(text) > maxLen {
		text = text[:maxLen]
	}
	return text
}

func buildAdapters(ctx context.Context, cfg config.Config, recorder *memory.Recorder) (map[string]adapter.Adapter, error) {
	adapters := make(map[string]adapter.Adapter)

	if pc, ok := cfg.Providers["openai"]; ok && pc.APIKey != "" {
		adapters["openai"] = middleware.NewAdaptiveRateLimiter(60000, 600000).Wrap(adapteropenai.New(pc.APIKey))
	}
	if pc, ok := cfg.Providers["anthropic"]; ok && pc.APIKey != "" {
		client, err := anthropic.NewFromAPIKey(pc.APIKey, anthropic.Options{})
		if err != nil {
			return nil, fmt.Errorf("init anthropic adapter: %w", err)
		}
		adapters["anthropic"] = middleware.NewAdaptiveRateLimiter(40000, 400000).Wrap(client)
	}
	if pc, ok := cfg.Providers["bedrock"]; ok && pc.Region != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(pc.Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config for bedrock: %w", err)
		}
		client, err := bedrock.New(bedrock.Options{Runtime: bedrockruntime.NewFromConfig(awsCfg)})
		if err != nil {
			return nil, fmt.Errorf("init bedrock adapter: %w", err)
		}
		adapters["bedrock"] = middleware.NewAdaptiveRateLimiter(40000, 400000).Wrap(client)
	}

	adapters["cliagent.claude"] = cliagent.New(cliagent.FamilyClaude, "claude", nil)
	adapters["cliagent.codex"] = cliagent.New(cliagent.FamilyCodex, "codex", nil)
	adapters["cliagent.gemini"] = cliagent.New(cliagent.FamilyGemini, "gemini", nil)

	adapters["localservice.count_tokens"] = &localservice.TokenCounterAdapter{Tokenizer: mcpcontext.CharRatioTokenizer{}}
	adapters["localservice.setup"] = &localservice.SetupAdapter{Setup: func(context.Context, map[string]any) error { return nil }}
	adapters["localservice.search_memory"] = &localservice.MemorySearchAdapter{Recorder: recorder}

	return adapters, nil
}
