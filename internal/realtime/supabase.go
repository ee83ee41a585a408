package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ranksync/internal/cache"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	rankUpdatesTopic = "realtime:public:rank_updates"
	heartbeatTopic   = "phoenix"
)

// SupabaseConfig configures the Supabase realtime subscriber.
type SupabaseConfig struct {
	// URL is the project URL, e.g. "https://abc.supabase.co".
	URL string
	Key string

	// DedupTTL is how long a processed purchase ID is remembered.
	// Default: 5 minutes
	DedupTTL time.Duration

	// Heartbeat is the phoenix keepalive interval.
	// Default: 30 seconds
	Heartbeat time.Duration

	// MaxBackoff caps the reconnect delay.
	// Default: 30 seconds
	MaxBackoff time.Duration
}

// phxMessage is a Phoenix channel frame.
type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

// changePayload covers both postgres_changes frames and legacy INSERT frames.
type changePayload struct {
	Data struct {
		Type   string          `json:"type"`
		Record json.RawMessage `json:"record"`
	} `json:"data"`
	Type   string          `json:"type"`
	Record json.RawMessage `json:"record"`
}

// SupabaseSubscriber listens for inserts on the rank_updates table over the Supabase realtime
// websocket and reconnects with backoff when the socket drops.
type SupabaseSubscriber struct {
	endpoint string
	config   SupabaseConfig
	dialer   *websocket.Dialer
	ref      atomic.Uint64
	deliverer
}

// NewSupabaseSubscriber creates a subscriber. dedup may be nil.
func NewSupabaseSubscriber(processor Processor, dedup cache.Claimer, cfg SupabaseConfig, logger *zap.Logger) (*SupabaseSubscriber, error) {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 5 * time.Minute
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}

	endpoint, err := websocketURL(cfg.URL, cfg.Key)
	if err != nil {
		return nil, err
	}

	return &SupabaseSubscriber{
		endpoint: endpoint,
		config:   cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		deliverer: deliverer{
			processor: processor,
			dedup:     dedup,
			ttl:       cfg.DedupTTL,
			logger:    logger.Named("realtime").With(zap.String("source", "supabase")),
		},
	}, nil
}

func websocketURL(base, key string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid supabase url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("invalid supabase url scheme %q", u.Scheme)
	}
	u.Path += "/realtime/v1/websocket"
	u.RawQuery = url.Values{"apikey": {key}, "vsn": {"1.0.0"}}.Encode()
	return u.String(), nil
}

// Run keeps a subscription open until ctx is cancelled.
func (s *SupabaseSubscriber) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = time.Second
		}
		s.logger.Warn("realtime connection lost, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))
		if !sleep(ctx, backoff) {
			return nil
		}
		backoff = min(backoff*2, s.config.MaxBackoff)
	}
}

// session runs one websocket connection. connected reports whether the join succeeded.
func (s *SupabaseSubscriber) session(ctx context.Context) (connected bool, err error) {
	conn, _, err := s.dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(msg phxMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(msg)
	}

	join := phxMessage{
		Topic: rankUpdatesTopic,
		Event: "phx_join",
		Payload: json.RawMessage(`{"config":{"postgres_changes":[` +
			`{"event":"INSERT","schema":"public","table":"rank_updates"}]}}`),
		Ref: s.nextRef(),
	}
	if err := write(join); err != nil {
		return false, err
	}
	s.logger.Info("subscribed", zap.String("topic", rankUpdatesTopic))

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(s.config.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				hb := phxMessage{Topic: heartbeatTopic, Event: "heartbeat", Payload: json.RawMessage(`{}`), Ref: s.nextRef()}
				if err := write(hb); err != nil {
					s.logger.Warn("heartbeat failed", zap.Error(err))
					conn.Close()
					return
				}
			case <-sessionCtx.Done():
				// Unblock ReadJSON.
				conn.Close()
				return
			}
		}
	}()

	for {
		var msg phxMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return true, err
		}
		s.handle(sessionCtx, msg)
	}
}

func (s *SupabaseSubscriber) handle(ctx context.Context, msg phxMessage) {
	if msg.Topic != rankUpdatesTopic {
		return
	}

	switch msg.Event {
	case "phx_reply", "system", "presence_state":
		return
	case "phx_error", "phx_close":
		s.logger.Warn("channel event", zap.String("event", msg.Event), zap.ByteString("payload", msg.Payload))
		return
	case "postgres_changes", "INSERT":
	default:
		return
	}

	var p changePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		s.logger.Warn("undecodable change payload", zap.Error(err))
		return
	}
	record, kind := p.Data.Record, p.Data.Type
	if len(record) == 0 {
		record, kind = p.Record, p.Type
	}
	if kind != "" && kind != "INSERT" {
		return
	}

	var ev Event
	if err := json.Unmarshal(record, &ev); err != nil {
		s.logger.Warn("undecodable rank update record", zap.Error(err))
		return
	}

	// The channel has no redelivery; the poller picks up anything left pending in the ledger.
	if err := s.deliver(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("failed to process realtime rank update", zap.String("purchase_id", ev.PurchaseID), zap.Error(err))
	}
}

func (s *SupabaseSubscriber) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}
