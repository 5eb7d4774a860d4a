package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"oxo/pkg/agent"
	"oxo/pkg/message"
	"oxo/pkg/telemetry"
	"oxo/services/agenthost"
)

// tap logs every message it is bound to. It is useful to watch a scan's
// traffic on selectors listed in its definition.
type tap struct {
	logger zerolog.Logger
}

func (t tap) Process(ctx context.Context, msg message.Message) error {
	t.logger.Info().Str("selector", string(msg.Selector)).Int("bytes", len(msg.Raw)).Msg("message")
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proc := tap{logger: telemetry.NewLogger("oxo-tap-agent", os.Stdout)}
	if err := agenthost.Main(ctx, agent.Processor(proc)); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}
