package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"lena-shard-supervisor/types"
)

const (
	DefaultChannel = "lena:clusters"

	MessageClusters = "clusters"
)

// Client is the subset of redis.UniversalClient the relay uses.
type Client interface {
	Close() error
	Ping(ctx context.Context) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

type Options struct {
	// Addrs is a single host:port or a comma separated cluster seed list.
	Addrs    string
	Password string
}

// NewClient connects and pings once so a bad address fails at startup
// rather than on the first cycle.
func NewClient(ctx context.Context, opt Options) (Client, error) {
	addrs := splitAddrs(opt.Addrs)
	if len(addrs) == 0 {
		return nil, errors.New("redis address is empty")
	}

	c := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    addrs,
		Password: opt.Password,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", opt.Addrs, err)
	}
	return c, nil
}

func splitAddrs(s string) []string {
	var addrs []string
	for _, addr := range strings.Split(s, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// Publisher pushes each cycle's cluster summaries onto a redis channel so
// status surfaces running in other processes can forward them live.
type Publisher struct {
	client  Client
	channel string
}

func NewPublisher(client Client, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, channel: channel}
}

func (p *Publisher) ObserveCycle(ctx context.Context, cycle types.Cycle) error {
	payload, err := json.Marshal(types.Broadcast{MessageType: MessageClusters, Data: cycle.Clusters})
	if err != nil {
		return fmt.Errorf("failed to encode broadcast: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.channel, err)
	}
	return nil
}

// Subscribe forwards broadcasts published on channel to out until ctx is
// done. Malformed payloads are logged and dropped.
func Subscribe(ctx context.Context, client Client, channel string, out chan<- types.Broadcast, logger *zerolog.Logger) error {
	if channel == "" {
		channel = DefaultChannel
	}
	pubsub := client.Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	logger.Info().Str("Channel", channel).Msg("Subscribed to cluster relay")

	forward(ctx, pubsub.Channel(), out, logger)
	return nil
}

func forward(ctx context.Context, messages <-chan *redis.Message, out chan<- types.Broadcast, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			broadcast, err := decode(msg.Payload)
			if err != nil {
				logger.Warn().Err(err).Str("Channel", msg.Channel).Msg("Dropping malformed relay message")
				continue
			}
			select {
			case out <- broadcast:
			case <-ctx.Done():
				return
			}
		}
	}
}

func decode(payload string) (types.Broadcast, error) {
	var raw struct {
		MessageType string          `json:"type"`
		Data        json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return types.Broadcast{}, fmt.Errorf("failed to decode relay message: %w", err)
	}
	if raw.MessageType == "" {
		return types.Broadcast{}, errors.New("relay message has no type")
	}
	return types.Broadcast{MessageType: raw.MessageType, Data: raw.Data}, nil
}

// Local hands cycles to an in-process broadcast channel. A full channel
// drops the cycle instead of stalling the collector.
type Local struct {
	out chan<- types.Broadcast
}

func NewLocal(out chan<- types.Broadcast) *Local {
	return &Local{out: out}
}

func (l *Local) ObserveCycle(ctx context.Context, cycle types.Cycle) error {
	select {
	case l.out <- types.Broadcast{MessageType: MessageClusters, Data: cycle.Clusters}:
		return nil
	default:
		return errors.New("broadcast channel full, cycle dropped")
	}
}
