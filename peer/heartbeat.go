package peer

import (
	"context"
	"errors"
	"time"

	"bklv/p2p-share/pkg/logger"
)

// heartbeatLoop pings the registry about this host at the controller's
// cadence until ctx ends.
func (n *Node) heartbeatLoop(ctx context.Context) error {
	for {
		wait := n.beat.Until()
		if wait > n.opts.HeartbeatPoll {
			wait = n.opts.HeartbeatPoll
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if n.beat.ShouldSend() {
			n.sendHeartbeat(ctx)
		}
	}
}

// sendHeartbeat sends one PING for this host. A broken connection is
// redialed; a DEAD answer means the sweep evicted us, so we register again.
func (n *Node) sendHeartbeat(ctx context.Context) {
	self := n.opts.Hostname
	alive := false
	c, err := n.registry()
	if err == nil {
		alive, err = c.Ping(self, self)
	}
	if errors.Is(err, ErrClosed) {
		return
	}
	n.beat.RecordHeartbeat()

	switch {
	case err != nil:
		logger.Sugar.Warnf("[Heartbeat] %s lost the registry: %v, reconnecting", self, err)
		if err := n.connect(ctx); err != nil {
			logger.Sugar.Errorf("[Heartbeat] reconnect failed: %v", err)
		}
	case !alive:
		logger.Sugar.Warnf("[Heartbeat] registry no longer knows %s, registering again", self)
		if err := n.reregister(); err != nil {
			logger.Sugar.Errorf("[Heartbeat] re-register failed: %v", err)
		}
	default:
		logger.Sugar.Debugf("[Heartbeat] %s alive (state=%s next in %s)", self, n.beat.State(), n.beat.Interval())
	}
}

func (n *Node) reregister() error {
	c, err := n.registry()
	if err != nil {
		return err
	}
	port, err := n.listenPort()
	if err != nil {
		return err
	}
	return c.Register(n.opts.Hostname, n.opts.DisplayName, port, n.catalog.Snapshot())
}
