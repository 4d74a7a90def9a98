package replay

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mpapenbr/iracelog-session-sync/log"
	"github.com/mpapenbr/iracelog-session-sync/pkg/config"
	"github.com/mpapenbr/iracelog-session-sync/pkg/ingress/natsin"
	"github.com/mpapenbr/iracelog-session-sync/pkg/utils"
)

type replayParam struct {
	file     string
	target   string
	url      string
	producer string
	prefix   string
	speed    int
	skipBye  bool
}

func NewReplayCmd() *cobra.Command {
	p := replayParam{}
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "replays recorded telemetry samples against a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), &p)
		},
	}
	cmd.Flags().StringVarP(&p.file, "file", "f", "",
		"file with one json encoded sample per line")
	cmd.Flags().StringVar(&p.target, "target", "ws",
		"how samples are sent (ws, nats)")
	cmd.Flags().StringVar(&p.url, "url", "ws://localhost:8090/ws/producer",
		"producer endpoint (websocket url or nats server)")
	cmd.Flags().StringVar(&p.producer, "producer", "",
		"producer id used on nats (random if empty)")
	cmd.Flags().StringVar(&p.prefix, "nats-prefix", natsin.DefaultPrefix,
		"subject prefix used on nats")
	cmd.Flags().IntVar(&p.speed, "speed", 1,
		"Recording speed (0 means: go as fast as possible)")
	cmd.Flags().BoolVar(&p.skipBye, "skip-bye", false,
		"nats only: leave without goodbye, the server runs into the producer timeout")
	//nolint:errcheck // flag exists
	cmd.MarkFlagRequired("file")
	return cmd
}

func runReplay(ctx context.Context, p *replayParam) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	f, err := os.Open(p.file)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := waitForTarget(ctx, p); err != nil {
		return err
	}
	t, err := newTarget(ctx, p)
	if err != nil {
		return err
	}
	r := newReplayer(newSource(f), t, p.speed)
	sent, replayErr := r.run(ctx)
	if p.skipBye {
		t.abort()
	} else if err := t.close(); err != nil {
		log.Warn("closing target", log.ErrorField(err))
	}
	log.Info("replay finished", log.Int("sent", sent), log.Int("skipped", r.skipped))
	return replayErr
}

func waitForTarget(ctx context.Context, p *replayParam) error {
	timeout, err := time.ParseDuration(config.WaitForServices)
	if err != nil {
		timeout = 15 * time.Second
	}
	var addr string
	switch p.target {
	case "nats":
		addr = utils.ExtractFromNatsURL(p.url)
	case "ws":
		addr = utils.ExtractFromWebsocketURL(p.url)
	default:
		return fmt.Errorf("unknown target %q", p.target)
	}
	if addr == "" {
		return nil
	}
	return utils.WaitForTCP(ctx, addr, timeout)
}

func newTarget(ctx context.Context, p *replayParam) (target, error) {
	switch p.target {
	case "nats":
		producer := p.producer
		if producer == "" {
			producer = uuid.NewString()
		}
		return newNatsTarget(p.url, p.prefix, producer)
	case "ws":
		return newWsTarget(ctx, p.url)
	default:
		return nil, fmt.Errorf("unknown target %q", p.target)
	}
}
