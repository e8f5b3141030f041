// Package relay fans outbound frames across server nodes through Redis
// pub/sub, so a user connected to another node still receives session and
// presence traffic. Single-node deployments run without it.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix  = "cowrite:frames"
	publishTimeout = 5 * time.Second
)

// LocalDeliverer hands a relayed frame to this node's own connections.
// Users without a local connection are skipped. Implemented by the
// connection hub.
type LocalDeliverer interface {
	DeliverToUsers(userIDs []string, payload []byte)
}

// Envelope is the wire format on the relay channels. NodeID identifies the
// publishing node so it can skip its own echoes.
type Envelope struct {
	NodeID  string          `json:"node_id"`
	UserIDs []string        `json:"user_ids"`
	Frame   json.RawMessage `json:"frame"`
}

// Relay publishes frames to per-workspace Redis channels and re-delivers
// frames published by other nodes.
type Relay struct {
	client *redis.Client
	nodeID string
	local  LocalDeliverer
	logger *slog.Logger

	started  atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a relay. Call Start to launch the subscribe loop and Stop to
// release it on shutdown. An empty nodeID gets a random one.
func New(client *redis.Client, nodeID string, local LocalDeliverer, logger *slog.Logger) *Relay {
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		client: client,
		nodeID: nodeID,
		local:  local,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// NodeID returns the id this relay stamps on published envelopes.
func (r *Relay) NodeID() string {
	return r.nodeID
}

// Start launches the subscribe loop. The loop reconnects with exponential
// backoff when the subscription drops.
func (r *Relay) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.run(ctx)
}

// Stop halts the subscribe loop and waits for it to exit.
func (r *Relay) Stop() {
	if !r.started.Load() {
		return
	}
	r.stopOnce.Do(func() { r.cancel() })
	<-r.done
}

// Publish sends a frame addressed to a user set. The workspace id selects
// the channel; frames without workspace context go on the base channel.
// Fire-and-forget: failures are logged, local delivery is never blocked.
func (r *Relay) Publish(workspaceID string, userIDs []string, payload []byte) {
	if len(userIDs) == 0 {
		return
	}
	env, err := json.Marshal(Envelope{
		NodeID:  r.nodeID,
		UserIDs: userIDs,
		Frame:   payload,
	})
	if err != nil {
		r.logger.Error("encoding relay envelope", "error", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := r.client.Publish(ctx, channelFor(workspaceID), env).Err(); err != nil {
			r.logger.Error("publishing relay frame", "error", err)
		}
	}()
}

func channelFor(workspaceID string) string {
	if workspaceID == "" {
		return channelPrefix
	}
	return fmt.Sprintf("%s:%s", channelPrefix, workspaceID)
}

func (r *Relay) run(ctx context.Context) {
	defer close(r.done)

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	for {
		err := backoff.Retry(func() error {
			return r.subscribe(ctx)
		}, policy)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.logger.Error("relay subscription failed", "error", err)
		}
		policy.Reset()
	}
}

// subscribe consumes one subscription until it errors or the context ends.
func (r *Relay) subscribe(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	r.logger.Info("relay subscribed", "node_id", r.nodeID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("relay subscription closed")
			}
			r.deliver([]byte(msg.Payload))
		}
	}
}

func (r *Relay) deliver(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.logger.Warn("malformed relay envelope", "error", err)
		return
	}
	if env.NodeID == r.nodeID {
		return
	}
	r.local.DeliverToUsers(env.UserIDs, env.Frame)
}
