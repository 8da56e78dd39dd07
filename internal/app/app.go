// Package app wires configuration, a broker backend and the pipeline roles
// into runnable agent runtimes.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"reviewline/internal/agent"
	"reviewline/internal/aggregator"
	"reviewline/internal/broker"
	"reviewline/internal/broker/redisbroker"
	"reviewline/internal/config"
	"reviewline/internal/coordinator"
	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/migrate"
	"reviewline/internal/specialist"
	"reviewline/internal/store"
	"reviewline/internal/topics"
)

// OpenBroker opens the configured backend. Failing to reach it is fatal.
func OpenBroker(ctx context.Context, workspace string, cfg *config.Config) (broker.Broker, error) {
	switch cfg.Broker.Driver {
	case config.DriverRedis:
		return redisbroker.Dial(ctx, redisbroker.Options{
			Addr:     cfg.Broker.Redis.Addr,
			Password: cfg.Broker.Redis.Password,
			DB:       cfg.Broker.Redis.DB,
		})
	case config.DriverSQLite, "":
		conn, err := db.Open(db.Config{Workspace: workspace, BusyTimeoutMS: cfg.Broker.SQLite.BusyTimeoutMS})
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", db.Path(workspace), err)
		}
		if err := migrate.Migrate(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		s := store.New(conn)
		if d := cfg.PollInterval(); d > 0 {
			s.PollInterval = d
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Broker.Driver)
	}
}

// ConsumerName is the consumer identity of the n-th instance of a role
// inside one process.
func ConsumerName(role string, n int) string {
	return fmt.Sprintf("%s-%d", role, n)
}

// ProcessConsumerName is a consumer identity unique to this host and process,
// so separately launched instances of a role never share pending entries.
func ProcessConsumerName(role string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s-%s-%d", role, host, os.Getpid())
}

// RuntimeConfig maps the runtime and reclaim settings onto one role's loop.
func RuntimeConfig(cfg *config.Config, topicList []string, group, consumer string) agent.Config {
	return agent.Config{
		Topics:    topicList,
		Group:     group,
		Consumer:  consumer,
		BatchSize: cfg.Runtime.BatchSize,
		Block:     cfg.Block(),
		Backoff:   agent.Backoff{Initial: cfg.BackoffInitial(), Max: cfg.BackoffMax()},
		Reclaim: agent.ReclaimPolicy{
			MinIdle:         cfg.ReclaimMinIdle(),
			MaxDeliveries:   cfg.Reclaim.MaxDeliveries,
			DeadLetterTopic: cfg.Reclaim.DeadLetterTopic,
		},
	}
}

func Coordinator(b broker.GroupReader, cfg *config.Config, consumer string, logger *slog.Logger) (*agent.Runtime, error) {
	logger = roleLogger(logger, "coordinator")
	rc := RuntimeConfig(cfg, []string{topics.Tasks}, topics.CoordinatorGroup, consumer)
	return agent.New(b, coordinator.New(b, logger), rc, logger)
}

// Specialist builds a worker runtime; a nil analyzer uses the simulated one
// with the configured latency.
func Specialist(b broker.GroupReader, cfg *config.Config, sp domain.Specialty, consumer string, analyzer specialist.Analyzer, logger *slog.Logger) (*agent.Runtime, error) {
	logger = roleLogger(logger, string(sp))
	if analyzer == nil {
		minLatency, maxLatency := cfg.LatencyRange()
		analyzer = specialist.Simulated{MinLatency: minLatency, MaxLatency: maxLatency}
	}
	rc := RuntimeConfig(cfg, []string{topics.Review(sp)}, topics.Group(sp), consumer)
	return agent.New(b, specialist.New(sp, consumer, b, analyzer, logger), rc, logger)
}

func Aggregator(b broker.GroupReader, cfg *config.Config, consumer string, logger *slog.Logger) (*agent.Runtime, error) {
	logger = roleLogger(logger, "aggregator")
	rc := RuntimeConfig(cfg, topics.AllSuggestions(), topics.AggregatorGroup, consumer)
	return agent.New(b, aggregator.New(b, logger), rc, logger)
}

// AllRoles builds one coordinator, the configured number of workers per
// specialty and one aggregator.
func AllRoles(b broker.GroupReader, cfg *config.Config, logger *slog.Logger) ([]*agent.Runtime, error) {
	var runtimes []*agent.Runtime
	rt, err := Coordinator(b, cfg, ConsumerName("coordinator", 1), logger)
	if err != nil {
		return nil, err
	}
	runtimes = append(runtimes, rt)
	for _, sp := range domain.Specialties {
		for i := 1; i <= cfg.Specialists.Instances; i++ {
			rt, err := Specialist(b, cfg, sp, ConsumerName(string(sp), i), nil, logger)
			if err != nil {
				return nil, err
			}
			runtimes = append(runtimes, rt)
		}
	}
	rt, err = Aggregator(b, cfg, ConsumerName("aggregator", 1), logger)
	if err != nil {
		return nil, err
	}
	return append(runtimes, rt), nil
}

// Run drives every runtime until ctx is cancelled. A setup failure in any
// runtime stops the others and is returned.
func Run(ctx context.Context, runtimes ...*agent.Runtime) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, rt := range runtimes {
		g.Go(func() error { return rt.Run(gctx) })
	}
	return g.Wait()
}

func roleLogger(logger *slog.Logger, role string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("role", role)
}
