package cmds

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/parlor/pkg/chatevents"
	"github.com/go-go-golems/parlor/pkg/logging"
	"github.com/go-go-golems/parlor/pkg/redisstream"
)

func NewEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the domain event stream",
	}
	cmd.AddCommand(newEventsTailCommand())
	return cmd
}

type tailLine struct {
	Topic   string          `json:"topic"`
	UUID    string          `json:"uuid"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func newEventsTailCommand() *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print domain events from Redis Streams as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			settings.Redis.Enabled = true

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client := redisstream.NewClient(settings.Redis)
			defer func() { _ = client.Close() }()
			if err := redisstream.Ping(ctx, client); err != nil {
				return err
			}
			if group != "" {
				for _, topic := range chatevents.Topics() {
					if err := redisstream.EnsureGroupAtTail(ctx, client, topic, group); err != nil {
						return err
					}
				}
			}
			sub, err := redisstream.BuildSubscriber(settings.Redis, client, logging.NewWatermill(log.Logger), group)
			if err != nil {
				return err
			}
			defer func() { _ = sub.Close() }()

			lines := make(chan tailLine)
			eg, ctx := errgroup.WithContext(ctx)
			for _, topic := range chatevents.Topics() {
				msgs, err := sub.Subscribe(ctx, topic)
				if err != nil {
					return errors.Wrapf(err, "subscribe %s", topic)
				}
				eg.Go(func() error { return forwardTopic(ctx, topic, msgs, lines) })
			}
			eg.Go(func() error { return printLines(ctx, cmd.OutOrStdout(), lines) })

			if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "Consumer group; empty reads every message")
	return cmd
}

func forwardTopic(ctx context.Context, topic string, msgs <-chan *message.Message, out chan<- tailLine) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			line := tailLine{
				Topic:   topic,
				UUID:    msg.UUID,
				Event:   msg.Metadata.Get(chatevents.MetadataEvent),
				Payload: json.RawMessage(msg.Payload),
			}
			if !json.Valid(line.Payload) {
				line.Payload, _ = json.Marshal(string(msg.Payload))
			}
			select {
			case out <- line:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return ctx.Err()
			}
		}
	}
}

// printLines writes one JSON document per event; a terminal gets them
// indented.
func printLines(ctx context.Context, w io.Writer, lines <-chan tailLine) error {
	enc := json.NewEncoder(w)
	if isTerminal(w) {
		enc.SetIndent("", "  ")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line := <-lines:
			if err := enc.Encode(line); err != nil {
				return errors.Wrap(err, "write event")
			}
		}
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}
