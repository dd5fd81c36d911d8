// Package audit records plugin lifecycle events (crash, restart,
// enable/disable, configuration edits) to MongoDB for later review by
// operators. When Mongo is unreachable or disabled, a no-op Recorder is
// returned so the rest of the runtime never has to branch on whether
// auditing is configured.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Action enumerates the plugin lifecycle events worth recording.
type Action string

const (
	ActionRegistered     Action = "registered"
	ActionUnregistered   Action = "unregistered"
	ActionStarted        Action = "started"
	ActionStopped        Action = "stopped"
	ActionCrashed        Action = "crashed"
	ActionBreakerTripped Action = "breaker_tripped"
	ActionEnabled        Action = "enabled"
	ActionDisabled       Action = "disabled"
	ActionConfigEdited   Action = "config_edited"
)

// Event is one recorded lifecycle transition.
type Event struct {
	PluginID  string    `bson:"pluginId" json:"pluginId"`
	Action    Action    `bson:"action" json:"action"`
	Detail    string    `bson:"detail,omitempty" json:"detail,omitempty"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
	TTL       time.Time `bson:"ttl" json:"-"`
}

// Config configures the Mongo-backed recorder.
type Config struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	URI            string        `yaml:"uri" json:"uri"`
	Database       string        `yaml:"database" json:"database"`
	Collection     string        `yaml:"collection" json:"collection"`
	ConnectTimeout time.Duration `yaml:"connectTimeout" json:"connectTimeout"`
	Retention      time.Duration `yaml:"retention" json:"retention"`
}

func (c *Config) setDefaults() {
	if c.Collection == "" {
		c.Collection = "plugin_audit_log"
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.Retention == 0 {
		c.Retention = 90 * 24 * time.Hour
	}
}

// Recorder records and queries plugin lifecycle events.
type Recorder interface {
	Record(ctx context.Context, event Event)
	Query(ctx context.Context, pluginID string, start, end time.Time) ([]Event, error)
	Close(ctx context.Context) error
}

// NewRecorder connects to Mongo per cfg and builds the TTL index on the
// audit collection. If cfg.Enabled is false it returns a noopRecorder
// so callers never need to check whether auditing is on.
func NewRecorder(cfg Config, logger *logrus.Logger) (Recorder, error) {
	cfg.setDefaults()
	if !cfg.Enabled {
		logger.Info("audit: mongo recording disabled")
		return &noopRecorder{}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI).SetConnectTimeout(cfg.ConnectTimeout))
	if err != nil {
		return nil, fmt.Errorf("audit: connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("audit: ping mongo: %w", err)
	}

	col := client.Database(cfg.Database).Collection(cfg.Collection)
	_, err = col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "pluginId", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "action", Value: 1}}},
		{Keys: bson.D{{Key: "ttl", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
	})
	if err != nil {
		logger.WithError(err).Warn("audit: failed to create indexes")
	}

	logger.WithField("database", cfg.Database).Info("audit: connected to mongo")
	return &mongoRecorder{client: client, col: col, logger: logger, retention: cfg.Retention}, nil
}

type mongoRecorder struct {
	client    *mongo.Client
	col       *mongo.Collection
	logger    *logrus.Logger
	retention time.Duration
}

// Record inserts event asynchronously-safe from the caller's
// perspective: a write failure is logged, not returned, since a
// missing audit entry must never block a lifecycle transition.
func (r *mongoRecorder) Record(ctx context.Context, event Event) {
	event.Timestamp = time.Now()
	event.TTL = event.Timestamp.Add(r.retention)

	if _, err := r.col.InsertOne(ctx, event); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"plugin": event.PluginID,
			"action": event.Action,
		}).Warn("audit: failed to record event")
	}
}

func (r *mongoRecorder) Query(ctx context.Context, pluginID string, start, end time.Time) ([]Event, error) {
	filter := bson.M{}
	if pluginID != "" {
		filter["pluginId"] = pluginID
	}
	if !start.IsZero() || !end.IsZero() {
		ts := bson.M{}
		if !start.IsZero() {
			ts["$gte"] = start
		}
		if !end.IsZero() {
			ts["$lte"] = end
		}
		filter["timestamp"] = ts
	}

	cursor, err := r.col.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	defer cursor.Close(ctx)

	var events []Event
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("audit: decode events: %w", err)
	}
	return events, nil
}

func (r *mongoRecorder) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}

type noopRecorder struct{}

func (n *noopRecorder) Record(ctx context.Context, event Event) {}

func (n *noopRecorder) Query(ctx context.Context, pluginID string, start, end time.Time) ([]Event, error) {
	return nil, nil
}

func (n *noopRecorder) Close(ctx context.Context) error { return nil }
