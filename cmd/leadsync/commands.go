package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/leadcore/leadsync/internal/docsync"
	"github.com/leadcore/leadsync/internal/document"
)

func (c *cli) newPullCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Load the document (remote, else local backup, else empty) and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			source, bootErr := s.engine.Boot(cmd.Context())
			doc := s.engine.Document()
			if asJSON {
				enc := json.NewEncoder(c.out)
				enc.SetIndent("", "  ")
				return enc.Encode(doc)
			}
			c.printSummary(doc, describeBoot(source, bootErr), s.engine)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full document as JSON")
	return cmd
}

func (c *cli) printSummary(doc document.Document, source string, engine *docsync.Engine) {
	c.printf("source: %s\n", source)
	c.printf("status: %s\n", engine.Status())
	c.printf("updated: %s\n", valueOr(doc.Meta.UpdatedAt, "never"))
	c.printf("agents: %d\n", len(doc.Agents))
	c.printf("customers: %d\n", len(doc.Customers))
	policies := 0
	for _, customer := range doc.Customers {
		policies += len(customer.Policies)
	}
	c.printf("policies: %d\n", policies)
	if len(doc.Activity) > 0 {
		c.printf("last activity: %s %s\n", doc.Activity[0].At, doc.Activity[0].Text)
	}
}

func (c *cli) newWatchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the local backup in sync with the remote document until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := c.open(ctx, true)
			if err != nil {
				return err
			}
			defer s.Close()
			if interval <= 0 {
				interval = s.cfg.PollInterval
			}

			events, unsubscribe := s.engine.Subscribe(32)
			defer unsubscribe()

			source, bootErr := s.engine.Boot(ctx)
			c.printf("booted from %s\n", describeBoot(source, bootErr))
			if err := s.engine.Start(interval); err != nil {
				return err
			}
			s.logger.Info("watching remote document", zap.Duration("interval", interval), zap.String("endpoint", s.client.Endpoint()))

			g, gctx := errgroup.WithContext(ctx)
			if s.marker != nil {
				g.Go(func() error { return s.marker.Run(gctx) })
			}
			g.Go(func() error {
				<-gctx.Done()
				s.engine.Stop()
				return nil
			})
			g.Go(func() error {
				for {
					select {
					case <-gctx.Done():
						return nil
					case event, ok := <-events:
						if !ok {
							return nil
						}
						c.printEvent(event)
					}
				}
			})
			return g.Wait()
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (defaults to the configured poll_interval)")
	return cmd
}

func (c *cli) printEvent(event docsync.Event) {
	switch event.Kind {
	case docsync.EventStatus:
		c.printf("status: %s\n", event.Status)
	case docsync.EventReplaced:
		c.printf("document updated: %d customers (updated %s)\n",
			len(event.Document.Customers), valueOr(event.Document.Meta.UpdatedAt, "never"))
	}
}

func (c *cli) newPushCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "push <file>",
		Short: "Save a JSON document file to the remote store (use - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			s, err := c.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			// Boot first so the new stamp is ordered after the current one.
			if _, err := s.engine.Boot(cmd.Context()); err != nil {
				s.logger.Warn("remote document unavailable before push", zap.Error(err))
			}
			result, err := s.engine.Save(cmd.Context(), document.Normalize(data), note)
			if err != nil {
				return fmt.Errorf("push: %w", err)
			}
			c.printSaveResult(result)
			return nil
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "activity log entry recorded with the save")
	return cmd
}

func readInput(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(name)
}

func (c *cli) printSaveResult(result docsync.SaveResult) {
	c.printf("saved at %s\n", result.ServerTimestamp)
	if result.Warning != docsync.WarningNone {
		c.printf("warning: %s\n", result.Warning)
	}
}

func (c *cli) newSyncNowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-now",
		Short: "Load the remote document and write it back in repaired form",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()
			result, err := s.engine.SyncNow(cmd.Context())
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			c.printSaveResult(result)
			return nil
		},
	}
}

func (c *cli) newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Test the connection to the remote endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.engine.TestConnection(cmd.Context()); err != nil {
				return fmt.Errorf("ping %s: %w", valueOr(s.client.Endpoint(), "(no endpoint)"), err)
			}
			c.printf("ok %s\n", s.client.Endpoint())
			return nil
		},
	}
}

func (c *cli) newEndpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoint",
		Short: "Show or change the saved remote endpoint",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the endpoint in use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()
			c.printf("%s\n", valueOr(s.client.Endpoint(), "(none)"))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <url>",
		Short: "Save the endpoint URL; an empty value clears it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.settings.SetEndpoint(cmd.Context(), args[0]); err != nil {
				return err
			}
			saved, err := s.settings.Endpoint(cmd.Context())
			if err != nil {
				return err
			}
			if s.cfg.Endpoint != "" && s.cfg.Endpoint != saved {
				s.logger.Warn("configured endpoint takes precedence over the saved one", zap.String("configured", s.cfg.Endpoint))
			}
			c.printf("endpoint: %s\n", valueOr(saved, "(none)"))
			return nil
		},
	})
	return cmd
}

func (c *cli) newResetLocalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-local",
		Short: "Discard the local backup snapshot; the remote document is not touched",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.engine.ResetLocal(cmd.Context()); err != nil {
				return fmt.Errorf("reset-local: %w", err)
			}
			c.printf("local backup cleared\n")
			return nil
		},
	}
}

func valueOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
