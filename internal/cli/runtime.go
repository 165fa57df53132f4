package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/asientohq/asiento/internal/config"
	"github.com/asientohq/asiento/internal/logger"
	"github.com/asientohq/asiento/internal/tracing"
	"github.com/asientohq/asiento/pkg/agent"
	"github.com/asientohq/asiento/pkg/conversation"
	"github.com/asientohq/asiento/pkg/jobqueue"
	"github.com/asientohq/asiento/pkg/memstore"
	"github.com/asientohq/asiento/pkg/tooldispatch"
	"github.com/rs/zerolog"
)

// runtime bundles everything a command needs, with teardown in the right
// order: engine work drains through the queue before the stores close.
type runtime struct {
	cfg           *config.Config
	log           *logger.Logger
	queue         *jobqueue.Queue
	conversations *conversation.Store
	memories      *memstore.Store
	sweeper       *memstore.RetentionSweeper
	dispatcher    *tooldispatch.Dispatcher
	engine        *agent.Engine
}

func buildRuntime() (*runtime, error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := config.NewValidator().Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	base := log.GetZerolog()

	if err := tracing.InitProvider(tracing.ProviderConfig{
		ServiceName:    "asiento",
		ServiceVersion: version,
	}); err != nil {
		log.Close()
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	queue := jobqueue.New(jobqueue.Config{
		Concurrency: cfg.Queue.Concurrency,
		MaxRetries:  cfg.Queue.MaxRetries,
		BaseDelay:   time.Duration(cfg.Queue.BaseDelayMs) * time.Millisecond,
		Logger:      base.With().Str("component", "jobqueue").Logger(),
	})

	conversations, err := conversation.Open(cfg.Conversations.DBPath,
		base.With().Str("component", "conversation").Logger())
	if err != nil {
		queue.Close()
		log.Close()
		return nil, err
	}

	memories, err := memstore.New(memstore.Config{
		DBPath:         cfg.Memory.DBPath,
		Queue:          queue,
		APIKey:         cfg.AI.APIKey,
		EmbeddingModel: cfg.AI.EmbeddingModel,
		ContextLimit:   cfg.Memory.ContextLimit,
		Logger:         base.With().Str("component", "memstore").Logger(),
	})
	if err != nil {
		conversations.Close()
		queue.Close()
		log.Close()
		return nil, err
	}

	sweeper, err := memstore.NewRetentionSweeper(memories, cfg.Memory.RetentionSchedule,
		cfg.Memory.RetentionDays, base.With().Str("component", "retention").Logger())
	if err == nil {
		sweeper.Start()
	} else {
		base.Warn().Err(err).Msg("Retention sweeper disabled")
	}

	dispatcher := tooldispatch.New(base.With().Str("component", "tooldispatch").Logger())
	if err := memstore.RegisterTools(dispatcher, memories); err != nil {
		memories.Close()
		conversations.Close()
		queue.Close()
		log.Close()
		return nil, err
	}

	engine, err := agent.New(agent.Config{
		Upstream:      agent.NewOpenAISession(cfg.AI.APIKey, cfg.AI.Model),
		Dispatcher:    dispatcher,
		Conversations: conversations,
		Memories:      memories,
		Logger:        base.With().Str("component", "agent").Logger(),
		MaxIterations: cfg.AI.MaxIterations,
	})
	if err != nil {
		memories.Close()
		conversations.Close()
		queue.Close()
		log.Close()
		return nil, err
	}

	return &runtime{
		cfg:           cfg,
		log:           log,
		queue:         queue,
		conversations: conversations,
		memories:      memories,
		sweeper:       sweeper,
		dispatcher:    dispatcher,
		engine:        engine,
	}, nil
}

func (r *runtime) close() {
	if r.sweeper != nil {
		r.sweeper.Stop()
	}
	r.queue.Close()
	r.memories.Close()
	r.conversations.Close()
	tracing.ShutdownProvider(context.Background())
	r.log.Close()
}

func (r *runtime) logger() zerolog.Logger {
	return r.log.GetZerolog()
}
