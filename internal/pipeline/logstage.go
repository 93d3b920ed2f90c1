package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/tetherweb/crawlcore/internal/crawl"
)

// LogStage records each item it sees and passes it through unchanged. It is
// the terminal stage of choice when no storage backend is configured.
type LogStage struct {
	logger *zap.Logger
}

// NewLogStage builds a LogStage.
func NewLogStage(logger *zap.Logger) *LogStage {
	return &LogStage{logger: logger.With(zap.String("component", "pipeline.log"))}
}

// Name implements Stage.
func (s *LogStage) Name() string { return "log" }

// Process implements Stage.
func (s *LogStage) Process(_ context.Context, item *crawl.Item) (*crawl.Item, error) {
	s.logger.Info("item scraped",
		zap.String("domain", item.Domain),
		zap.Any("payload", item.Payload),
	)
	return item, nil
}
