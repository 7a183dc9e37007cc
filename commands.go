package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"shape-sync/internal/config"
	"shape-sync/internal/nats"
	"shape-sync/internal/pipeline"
	"shape-sync/internal/processor"
	"shape-sync/internal/shape"
	"shape-sync/internal/store"
)

func newRunCommand(opts *rootOptions, logger *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sync every configured shape until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts, logger)
			if err != nil {
				return err
			}
			return run(cmd, cfg, logger)
		},
	}
}

func run(cmd *cobra.Command, cfg *config.Config, logger *logrus.Logger) error {
	ctx := cmd.Context()
	logger.Info("Starting shape sync service...")

	client, err := store.Open(ctx, cfg.Store.URL, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	var opts []processor.Option
	var publisher *nats.Publisher
	if cfg.NATS.Enabled {
		publisher, err = nats.NewPublisher(
			cfg.NATS.URL,
			cfg.NATS.Subject,
			cfg.NATS.MaxReconnect,
			cfg.NATS.ReconnectWait,
			logger,
		)
		if err != nil {
			return fmt.Errorf("failed to create NATS publisher: %w", err)
		}
		defer publisher.Close()
		opts = append(opts, processor.WithNotifier(publisher))
	}

	if cfg.Processor.Enabled {
		var transformer *processor.Transformer
		if publisher != nil {
			transformer, err = processor.NewTransformer(&cfg.Processor, logger, publisher.GetConn())
		} else {
			transformer, err = processor.NewTransformer(&cfg.Processor, logger, nil)
		}
		if err != nil {
			return fmt.Errorf("failed to create transformer: %w", err)
		}
		opts = append(opts, processor.WithTransformer(transformer))
	}

	policy := pipeline.Policy{
		OnFault:         cfg.Pipeline.OnFault,
		ResubscribeWait: cfg.Pipeline.ResubscribeWait,
	}
	if cfg.Stream.CursorDir != "" {
		if err := os.MkdirAll(cfg.Stream.CursorDir, 0755); err != nil {
			return fmt.Errorf("failed to create cursor directory: %w", err)
		}
	}

	pipelines := make([]*pipeline.Pipeline, 0, len(cfg.Shapes))
	for _, sc := range cfg.Shapes {
		streamOpts := shape.Options{
			Subscribe:      *cfg.Stream.Subscribe,
			InitialBackoff: cfg.Stream.InitialBackoff,
			MaxBackoff:     cfg.Stream.MaxBackoff,
			MaxRetries:     cfg.Stream.MaxRetries,
		}
		if cfg.Stream.CursorDir != "" {
			streamOpts.CursorFile = cursorFile(cfg.Stream.CursorDir, sc.Collection)
		}
		stream, err := shape.New(
			shape.Shape{Table: sc.Table, Where: sc.Where, Columns: sc.Columns},
			cfg.Stream.Endpoint,
			streamOpts,
			logger,
		)
		if err != nil {
			return err
		}
		proc := processor.NewProcessor(client, sc.Table, sc.Collection, logger, opts...)
		pipelines = append(pipelines, pipeline.New(stream, proc, policy, logger))
		logger.Infof("Syncing shape %s into collection %s", stream.Shape(), sc.Collection)
	}

	if err := pipeline.RunAll(ctx, pipelines...); err != nil {
		return fmt.Errorf("sync stopped: %w", err)
	}
	logger.Info("Shape sync service stopped")
	return nil
}

func newDumpCommand(opts *rootOptions, logger *logrus.Logger) *cobra.Command {
	var collection string

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the mirrored contents of a collection as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts, logger)
			if err != nil {
				return err
			}
			client, err := store.Open(cmd.Context(), cfg.Store.URL, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			reader, ok := client.(store.Reader)
			if !ok {
				return fmt.Errorf("store %s does not support dump", redact(cfg.Store.URL))
			}
			snapshot, err := reader.Snapshot(cmd.Context(), collection)
			if err != nil {
				return err
			}

			out := make(map[string]json.RawMessage, len(snapshot))
			for k, v := range snapshot {
				out[k] = v
			}
			data, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal collection: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
	cmd.Flags().StringVar(&collection, "collection", "", "collection to dump")
	_ = cmd.MarkFlagRequired("collection")
	return cmd
}

func newCheckCommand(opts *rootOptions, logger *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config and verify the store is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts, logger)
			if err != nil {
				return err
			}
			client, err := store.Open(cmd.Context(), cfg.Store.URL, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Ping(cmd.Context()); err != nil {
				return fmt.Errorf("store is not reachable: %w", err)
			}
			for _, sc := range cfg.Shapes {
				if err := shape.Validate(shape.Shape{Table: sc.Table, Where: sc.Where, Columns: sc.Columns}, cfg.Stream.Endpoint); err != nil {
					return err
				}
			}
			logger.Infof("Config OK: %d shapes, store %s reachable", len(cfg.Shapes), redact(cfg.Store.URL))
			return nil
		},
	}
}

// cursorFile is where the stream cursor of a collection is kept. Collections are
// unique across shapes, so each shape gets its own file.
func cursorFile(dir, collection string) string {
	return filepath.Join(dir, collection+".cursor.json")
}

// redact hides the password of a store url for logging
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
