package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nefrit/internal/metrics"
)

// Relay forwards WebSocket messages between public clients and the local
// Xray inbound.
type Relay struct {
	target      string
	dialTimeout time.Duration
	metrics     *metrics.Metrics
	log         *zap.Logger
}

// New returns a relay to ws://127.0.0.1:<port><path>.
func New(port int, path string, m *metrics.Metrics, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		target:      fmt.Sprintf("ws://127.0.0.1:%d%s", port, path),
		dialTimeout: 30 * time.Second,
		metrics:     m,
		log:         log.With(zap.String("component", "tunnel")),
	}
}

// IsUpgrade reports whether the request asks for a WebSocket upgrade.
func IsUpgrade(c *fiber.Ctx) bool {
	return strings.EqualFold(c.Get(fiber.HeaderUpgrade), "websocket")
}

// Handler upgrades the request and relays it to Xray. Plain HTTP requests
// get 400 "WS only".
func (r *Relay) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !IsUpgrade(c) {
			return c.Status(fiber.StatusBadRequest).SendString("WS only")
		}

		// fasthttp has already consumed the request; replay it to the upgrader.
		raw := append([]byte(nil), c.Request().Header.Header()...)
		remote := c.IP()

		c.Context().HijackSetNoResponse(true)
		c.Context().Hijack(func(conn net.Conn) {
			r.serve(conn, raw, remote)
		})
		return nil
	}
}

func (r *Relay) serve(conn net.Conn, rawRequest []byte, remote string) {
	defer conn.Close()
	log := r.log.With(zap.String("remote", remote))

	rw := struct {
		io.Reader
		io.Writer
	}{io.MultiReader(bytes.NewReader(rawRequest), conn), conn}
	if _, err := (ws.Upgrader{}).Upgrade(rw); err != nil {
		log.Debug("client upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.dialTimeout)
	upstream, br, _, err := ws.Dialer{Timeout: r.dialTimeout}.Dial(ctx, r.target)
	cancel()
	if err != nil {
		log.Warn("xray dial failed", zap.String("target", r.target), zap.Error(err))
		_ = wsutil.WriteServerMessage(conn, ws.OpClose,
			ws.NewCloseFrameBody(ws.StatusInternalServerError, "upstream unavailable"))
		return
	}
	defer upstream.Close()

	var upstreamR io.Reader = upstream
	if br != nil {
		upstreamR = br
		defer ws.PutReader(br)
	}
	upstreamRW := struct {
		io.Reader
		io.Writer
	}{upstreamR, upstream}

	if r.metrics != nil {
		r.metrics.Tunnels.Inc()
		defer r.metrics.Tunnels.Dec()
	}

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = conn.Close()
			_ = upstream.Close()
		})
	}

	var g errgroup.Group
	g.Go(func() error {
		defer closeBoth()
		for {
			data, op, err := wsutil.ReadClientData(conn)
			if err != nil {
				return err
			}
			if err := wsutil.WriteClientMessage(upstream, op, data); err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		defer closeBoth()
		for {
			data, op, err := wsutil.ReadServerData(upstreamRW)
			if err != nil {
				return err
			}
			if err := wsutil.WriteServerMessage(conn, op, data); err != nil {
				return err
			}
		}
	})
	err = g.Wait()
	log.Debug("tunnel closed", zap.Error(err))
}
