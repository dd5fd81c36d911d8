// Package hostbus is a reference implementation of plugin.HostServices:
// an in-process telemetry fanout with an optional Redis-backed relay
// for fanning deltas out across multiple server instances.
package hostbus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"tidegate/pkg/plugin"
)

// Config selects and configures the bus's fanout strategy.
type Config struct {
	Strategy    string        `yaml:"strategy" json:"strategy"` // "local" or "redis"
	RedisURL    string        `yaml:"redisUrl" json:"redisUrl"`
	Channel     string        `yaml:"channel" json:"channel"`
	ConfigRoot  string        `yaml:"configRoot" json:"configRoot"`
	HTTPTimeout time.Duration `yaml:"httpTimeout" json:"httpTimeout"`
}

func (c *Config) setDefaults() {
	if c.Strategy == "" {
		c.Strategy = "local"
	}
	if c.Channel == "" {
		c.Channel = "tidegate:plugin-deltas"
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 10 * time.Second
	}
}

type subscriber struct {
	filter func(plugin.Delta) bool
	cb     func(plugin.Delta)
}

var _ plugin.HostServices = (*Bus)(nil)

// Bus implements plugin.HostServices. It is safe for concurrent use.
type Bus struct {
	logger     *logrus.Logger
	configRoot string
	httpClient *http.Client

	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int

	routesMu sync.RWMutex
	routes   map[string]map[string]plugin.HTTPRouteHandler // pluginID -> "METHOD path" -> handler

	redis   *redis.Client
	channel string
	ctx     context.Context
	cancel  context.CancelFunc
}

// New builds a Bus per cfg.Strategy. "redis" dials immediately and
// returns an error if the server is unreachable rather than failing
// silently on the first publish.
func New(cfg Config, logger *logrus.Logger) (*Bus, error) {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	b := &Bus{
		logger:      logger,
		configRoot:  cfg.ConfigRoot,
		httpClient:  &http.Client{Timeout: cfg.HTTPTimeout},
		subscribers: make(map[int]*subscriber),
		routes:      make(map[string]map[string]plugin.HTTPRouteHandler),
		channel:     cfg.Channel,
		ctx:         ctx,
		cancel:      cancel,
	}

	switch cfg.Strategy {
	case "local":
		// no remote relay
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("hostbus: invalid redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			cancel()
			return nil, fmt.Errorf("hostbus: connect to redis: %w", err)
		}
		b.redis = client
		go b.relayRedis()
	default:
		cancel()
		return nil, fmt.Errorf("hostbus: unsupported strategy %q", cfg.Strategy)
	}

	return b, nil
}

// Close tears down the Redis relay, if any.
func (b *Bus) Close() error {
	b.cancel()
	if b.redis != nil {
		return b.redis.Close()
	}
	return nil
}

func (b *Bus) relayRedis() {
	sub := b.redis.Subscribe(b.ctx, b.channel)
	defer sub.Close()
	for msg := range sub.Channel() {
		var delta plugin.Delta
		if err := json.Unmarshal([]byte(msg.Payload), &delta); err != nil {
			b.logger.WithError(err).Warn("hostbus: malformed delta on relay channel")
			continue
		}
		b.fanOutLocal(delta)
	}
}

func (b *Bus) fanOutLocal(delta plugin.Delta) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if s.filter == nil || s.filter(delta) {
			s.cb(delta)
		}
	}
}

// PublishDelta fans a delta out to local subscribers and, if running in
// redis mode, relays it to every other instance sharing the channel.
func (b *Bus) PublishDelta(delta plugin.Delta) {
	b.fanOutLocal(delta)
	if b.redis == nil {
		return
	}
	data, err := json.Marshal(delta)
	if err != nil {
		b.logger.WithError(err).Warn("hostbus: marshal delta for relay failed")
		return
	}
	if err := b.redis.Publish(b.ctx, b.channel, data).Err(); err != nil {
		b.logger.WithError(err).Warn("hostbus: publish to redis relay failed")
	}
}

// SubscribeBus registers cb to be called for every delta matching
// filter, returning an unsubscribe function.
func (b *Bus) SubscribeBus(filter func(plugin.Delta) bool, cb func(plugin.Delta)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = &subscriber{filter: filter, cb: cb}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
}

func (b *Bus) ConfigRootPath() string { return b.configRoot }

// Log routes a guest log line through logrus at the matching level,
// defaulting to info for anything unrecognized.
func (b *Bus) Log(level, pluginID, message string) {
	entry := b.logger.WithField("plugin", pluginID)
	switch strings.ToLower(level) {
	case "debug":
		entry.Debug(message)
	case "warn", "warning":
		entry.Warn(message)
	case "error":
		entry.Error(message)
	default:
		entry.Info(message)
	}
}

// HTTPOutbound performs the guest's requested HTTP call. Callers gate
// this on the network capability before invoking it.
func (b *Bus) HTTPOutbound(req plugin.HTTPRequest) (plugin.HTTPResponse, error) {
	httpReq, err := http.NewRequest(req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return plugin.HTTPResponse{}, fmt.Errorf("hostbus: build request: %w", err)
	}
	for k, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return plugin.HTTPResponse{}, fmt.Errorf("hostbus: do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return plugin.HTTPResponse{}, fmt.Errorf("hostbus: read response body: %w", err)
	}

	return plugin.HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
	}, nil
}

// RegisterHTTPRoute records a guest-declared route. pkg/httpapi consults
// Route to mount it under /plugins/<id>/<route>.
func (b *Bus) RegisterHTTPRoute(pluginID, method, path string, handler plugin.HTTPRouteHandler) {
	b.routesMu.Lock()
	defer b.routesMu.Unlock()
	if b.routes[pluginID] == nil {
		b.routes[pluginID] = make(map[string]plugin.HTTPRouteHandler)
	}
	b.routes[pluginID][routeKey(method, path)] = handler
}

// UnregisterHTTPRoutes drops every route owned by pluginID, called on
// unload.
func (b *Bus) UnregisterHTTPRoutes(pluginID string) {
	b.routesMu.Lock()
	defer b.routesMu.Unlock()
	delete(b.routes, pluginID)
}

// Route looks up a previously-registered guest route.
func (b *Bus) Route(pluginID, method, path string) (plugin.HTTPRouteHandler, bool) {
	b.routesMu.RLock()
	defer b.routesMu.RUnlock()
	m, ok := b.routes[pluginID]
	if !ok {
		return nil, false
	}
	h, ok := m[routeKey(method, path)]
	return h, ok
}

func routeKey(method, path string) string {
	return strings.ToUpper(method) + " " + path
}
