package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nefrit/internal/config"
	"nefrit/internal/metrics"
	"nefrit/internal/model"
)

// Pool fans user changes out to every configured worker node.
type Pool struct {
	clients []*Client
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewPool builds one client per worker.
func NewPool(workers []config.WorkerNode, secret string, timeout time.Duration, m *metrics.Metrics, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{metrics: m, log: log.With(zap.String("component", "workers"))}
	for _, w := range workers {
		p.clients = append(p.clients, NewClient(w, secret, timeout))
	}
	return p
}

// Len is the number of configured workers.
func (p *Pool) Len() int {
	return len(p.clients)
}

// AddUser pushes the user to all workers concurrently. Every failure is
// logged and the joined error returned; successful pushes are not undone.
func (p *Pool) AddUser(ctx context.Context, uuid, path string) error {
	return p.each(ctx, "add", func(ctx context.Context, c *Client) error {
		_, err := c.AddUser(ctx, uuid, path)
		return err
	})
}

// Sync makes every worker serve exactly users. Worker state lives in
// memory, so the master calls this on start. Each worker gets a single
// request and restarts Xray once.
func (p *Pool) Sync(ctx context.Context, users []model.User) error {
	return p.each(ctx, "sync", func(ctx context.Context, c *Client) error {
		_, err := c.SyncUsers(ctx, users)
		return err
	})
}

// Health collects the health report of every worker keyed by name.
// Unreachable workers map to a report with Status "down".
func (p *Pool) Health(ctx context.Context) map[string]model.NodeHealth {
	out := make(map[string]model.NodeHealth, len(p.clients))
	results := make([]model.NodeHealth, len(p.clients))
	var g errgroup.Group
	for i, c := range p.clients {
		g.Go(func() error {
			h, err := c.Health(ctx)
			if err != nil {
				results[i] = model.NodeHealth{Status: "down", Server: c.Name()}
				return nil
			}
			results[i] = *h
			return nil
		})
	}
	_ = g.Wait()
	for i, c := range p.clients {
		out[c.Name()] = results[i]
	}
	return out
}

func (p *Pool) each(ctx context.Context, op string, fn func(context.Context, *Client) error) error {
	errs := make([]error, len(p.clients))
	var g errgroup.Group
	g.SetLimit(8)
	for i, c := range p.clients {
		g.Go(func() error {
			err := fn(ctx, c)
			result := "ok"
			if err != nil {
				result = "error"
				errs[i] = fmt.Errorf("worker %s: %w", c.Name(), err)
				p.log.Warn("worker push failed", zap.String("node", c.Name()), zap.String("op", op), zap.Error(err))
			}
			if p.metrics != nil {
				p.metrics.WorkerPushes.WithLabelValues(c.Name(), op, result).Inc()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
