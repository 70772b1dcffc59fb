package buildserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/buildstash/internal/dist"
	"github.com/teris-io/shortid"
)

// DefaultHeartbeatInterval is how often a server announces itself.
const DefaultHeartbeatInterval = 30 * time.Second

// HeartbeatSender delivers heartbeats to the scheduler.
type HeartbeatSender interface {
	Heartbeat(ctx context.Context, hb dist.ServerHeartbeat) (dist.HeartbeatResult, error)
}

// HeartbeaterConfig holds heartbeater configuration
type HeartbeaterConfig struct {
	Logger   *slog.Logger
	Sender   HeartbeatSender
	ServerID dist.ServerID
	Addr     string
	NumCPUs  int
	Interval time.Duration
}

// Heartbeater keeps the server registered with the scheduler. Its nonce is
// fresh per process, which is how the scheduler notices restarts.
type Heartbeater struct {
	logger   *slog.Logger
	sender   HeartbeatSender
	hb       dist.ServerHeartbeat
	interval time.Duration
}

func NewHeartbeater(cfg *HeartbeaterConfig) (*Heartbeater, error) {
	gen, err := shortid.New(1, shortid.DefaultABC, uint64(time.Now().UnixNano()))
	if err != nil {
		return nil, fmt.Errorf("failed to create nonce generator: %w", err)
	}
	nonce, err := gen.Generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate server nonce: %w", err)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	return &Heartbeater{
		logger: cfg.Logger,
		sender: cfg.Sender,
		hb: dist.ServerHeartbeat{
			ServerID: cfg.ServerID,
			Nonce:    nonce,
			NumCPUs:  cfg.NumCPUs,
			Addr:     cfg.Addr,
		},
		interval: interval,
	}, nil
}

// Nonce identifies this incarnation of the server.
func (h *Heartbeater) Nonce() string {
	return h.hb.Nonce
}

// Beat sends one heartbeat.
func (h *Heartbeater) Beat(ctx context.Context) error {
	res, err := h.sender.Heartbeat(ctx, h.hb)
	if err != nil {
		return fmt.Errorf("failed to send heartbeat: %w", err)
	}
	if res.IsNew {
		h.logger.Info("Registered with scheduler",
			slog.String("server_id", string(h.hb.ServerID)),
			slog.String("nonce", h.hb.Nonce),
			slog.Int("num_cpus", h.hb.NumCPUs),
		)
	}
	return nil
}

// Run beats immediately and then every interval until ctx is canceled.
// Failed beats are logged and retried on the next tick.
func (h *Heartbeater) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		if err := h.Beat(ctx); err != nil && ctx.Err() == nil {
			h.logger.Warn("Heartbeat failed",
				slog.String("server_id", string(h.hb.ServerID)),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			h.logger.Debug("Heartbeat stopped - context canceled")
			return nil
		case <-ticker.C:
		}
	}
}
