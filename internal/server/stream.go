package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"reviewline/internal/broker"
	"reviewline/internal/viz"
)

const streamBlock = 5 * time.Second

func registerStream(api huma.API, b broker.Broker, logger *slog.Logger) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-events",
		Method:      http.MethodGet,
		Path:        "/stream",
		Summary:     "Live pipeline events",
		Description: "Streams entries appended to pipeline topics after the connection opens. A ping is sent whenever nothing arrives within the block window.",
	}, map[string]any{
		"message": viz.Event{},
		"ping":    Heartbeat{},
	}, func(ctx context.Context, input *struct {
		Topics string `query:"topics" doc:"Comma-separated topics; defaults to every pipeline topic"`
	}, send sse.Sender) {
		var list []string
		for _, t := range strings.Split(input.Topics, ",") {
			if t = strings.TrimSpace(t); t != "" {
				list = append(list, t)
			}
		}
		tailer := viz.New(b, list, logger)
		tailer.Block = streamBlock
		err := tailer.Run(ctx, func(ev viz.Event) error {
			return send.Data(ev)
		}, func() error {
			return send.Data(Heartbeat{Status: "keep-alive"})
		})
		if err != nil && ctx.Err() == nil {
			logger.Debug("event stream closed", "err", err)
		}
	})
}
