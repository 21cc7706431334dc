package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/zulandar/switchboard/internal/api"
	"github.com/zulandar/switchboard/internal/assistant"
	"github.com/zulandar/switchboard/internal/chat"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/engine"
	"github.com/zulandar/switchboard/internal/janitor"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/notify"
	"github.com/zulandar/switchboard/internal/queue"
	"github.com/zulandar/switchboard/internal/scheduler"
	"github.com/zulandar/switchboard/internal/tools"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, queue workers, and janitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to config file")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	q, err := queue.NewDBQueue(queue.DBQueueOpts{
		DB:                gormDB,
		DefaultMaxRetries: cfg.Queues.DefaultMaxRetries,
		MaxRetries:        cfg.MaxRetriesByQueue(),
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	notifier, err := notify.FromConfig(cfg.Notify, logger)
	if err != nil {
		return err
	}
	notifyTerminal := func(ctx context.Context, c *models.ChatState) error {
		// re-read: the in-memory copy may predate the final status write
		var cur models.ChatState
		if err := gormDB.WithContext(ctx).First(&cur, "id = ?", c.ID).Error; err != nil {
			return err
		}
		if !models.TerminalStatus(cur.Status) {
			return nil
		}
		return notifier.ChatCompleted(ctx, notify.Event{
			ChatID:  cur.ID,
			OwnerID: cur.OwnerID,
			Status:  cur.Status,
			Error:   cur.LastError,
		})
	}

	dispatcher, err := engine.New(engine.Opts{
		DB:         gormDB,
		Scheduler:  q,
		OnComplete: notifyTerminal,
		Cleanup:    notifyTerminal,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	toolRegistry := tools.NewRegistry()
	toolDispatcher := tools.New(tools.Opts{DB: gormDB, Registry: toolRegistry, Logger: logger})

	clients := map[string]assistant.Client{
		"echo": assistant.NewEchoClient(),
	}
	assistant.NewHandlers(assistant.HandlersOpts{
		DB:      gormDB,
		Clients: clients,
		Tools:   toolDispatcher,
		Logger:  logger,
	}).Register(dispatcher)

	facade := newFacade(gormDB, cfg, q, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler := func(ctx context.Context, d queue.Delivery) error {
		recognized, err := dispatcher.Dispatch(ctx, d)
		if !recognized {
			logger.Warn().Str("task", d.TaskID).Msg("unrecognized command dropped")
			return nil
		}
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers.Count; i++ {
		w, err := queue.NewWorker(queue.WorkerOpts{
			Queue:    q,
			Handler:  handler,
			Queues:   cfg.QueueNames(),
			Poll:     cfg.Workers.PollDuration(),
			ClaimTTL: cfg.Workers.ClaimTTLDuration(),
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("worker stopped")
			}
		}()
	}

	jan := janitor.New(janitor.Opts{
		DB:            gormDB,
		Schedule:      cfg.Janitor.Schedule,
		Retention:     cfg.Janitor.RetentionDuration(),
		WarnSuspended: cfg.Janitor.WarnSuspendedDuration(),
		Logger:        logger,
	})
	if err := jan.Start(ctx); err != nil {
		return err
	}
	defer jan.Stop()

	err = api.Start(ctx, api.StartOpts{Facade: facade, Addr: cfg.Server.Addr, Logger: logger})
	wg.Wait()
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func newFacade(gormDB *gorm.DB, cfg *config.Config, q *queue.DBQueue, logger zerolog.Logger) *chat.Facade {
	registry := scheduler.NewRegistry()
	for _, e := range cfg.Engines {
		registry.Register(e.Tag, scheduler.NewAssistantScheduler(e.Queue, q))
	}
	return chat.NewFacade(chat.Opts{DB: gormDB, Registry: registry, Logger: logger})
}
