package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Prober blocks fetches while the network is down. It dials a probe address
// and remembers a success for one poll interval.
type Prober struct {
	address string
	poll    time.Duration
	dial    func(ctx context.Context, network, address string) (net.Conn, error)
	logger  *zap.Logger

	mu     sync.Mutex
	seenOK time.Time
}

// NewProber builds a Prober for address (host:port). An empty address
// disables probing.
func NewProber(address string, poll time.Duration, logger *zap.Logger) *Prober {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := &net.Dialer{Timeout: 3 * time.Second}
	return &Prober{
		address: address,
		poll:    poll,
		dial:    dialer.DialContext,
		logger:  logger,
	}
}

// Wait returns once the probe address accepts a connection or ctx ends.
func (p *Prober) Wait(ctx context.Context, host string) error {
	if p == nil || p.address == "" {
		return nil
	}
	logged := false
	for {
		if p.reachable(ctx) {
			if logged {
				p.logger.Info("network reachable again", zap.String("host", host))
			}
			return nil
		}
		if !logged {
			p.logger.Warn("network unreachable, waiting", zap.String("host", host), zap.String("probe", p.address))
			logged = true
		}
		timer := time.NewTimer(p.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("reachability wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

func (p *Prober) reachable(ctx context.Context) bool {
	p.mu.Lock()
	fresh := !p.seenOK.IsZero() && time.Since(p.seenOK) < p.poll
	p.mu.Unlock()
	if fresh {
		return true
	}
	conn, err := p.dial(ctx, "tcp", p.address)
	if err != nil {
		return false
	}
	_ = conn.Close()
	p.mu.Lock()
	p.seenOK = time.Now()
	p.mu.Unlock()
	return true
}
