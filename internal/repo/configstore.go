package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrConfigNotFound is returned when a target has no stored configuration of the requested kind.
var ErrConfigNotFound = errors.New("configuration not found")

// ConfigStore holds the current and last-known-good configuration of each target.
type ConfigStore interface {
	GetCurrentConfig(ctx context.Context, targetID string) (map[string]interface{}, error)
	GetLastKnownGood(ctx context.Context, targetID string) (map[string]interface{}, error)
	SetCurrentConfig(ctx context.Context, targetID string, cfg map[string]interface{}) error
	SetLastKnownGood(ctx context.Context, targetID string, cfg map[string]interface{}) error
}

var safeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// FileConfigStore keeps one JSON document per target and kind under a directory.
type FileConfigStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileConfigStore creates dir when missing.
func NewFileConfigStore(dir string) (*FileConfigStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config store %s: %w", dir, err)
	}
	return &FileConfigStore{dir: dir}, nil
}

func (s *FileConfigStore) path(targetID, kind string) string {
	return filepath.Join(s.dir, safeName.ReplaceAllString(targetID, "_")+"."+kind+".json")
}

func (s *FileConfigStore) read(targetID, kind string) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(targetID, kind))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s %s", ErrConfigNotFound, targetID, kind)
		}
		return nil, err
	}
	var cfg map[string]interface{}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode %s config for %s: %w", kind, targetID, err)
	}
	return cfg, nil
}

func (s *FileConfigStore) write(targetID, kind string, cfg map[string]interface{}) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s config for %s: %w", kind, targetID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	final := s.path(targetID, kind)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// GetCurrentConfig implements ConfigStore.
func (s *FileConfigStore) GetCurrentConfig(_ context.Context, targetID string) (map[string]interface{}, error) {
	return s.read(targetID, "current")
}

// GetLastKnownGood implements ConfigStore.
func (s *FileConfigStore) GetLastKnownGood(_ context.Context, targetID string) (map[string]interface{}, error) {
	return s.read(targetID, "known-good")
}

// SetCurrentConfig implements ConfigStore.
func (s *FileConfigStore) SetCurrentConfig(_ context.Context, targetID string, cfg map[string]interface{}) error {
	return s.write(targetID, "current", cfg)
}

// SetLastKnownGood implements ConfigStore.
func (s *FileConfigStore) SetLastKnownGood(_ context.Context, targetID string, cfg map[string]interface{}) error {
	return s.write(targetID, "known-good", cfg)
}

// MongoConfigStore keeps one document per target: {_id, current, last_known_good, updated_at}.
type MongoConfigStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
}

type configDocument struct {
	TargetID      string                 `bson:"_id"`
	Current       map[string]interface{} `bson:"current,omitempty"`
	LastKnownGood map[string]interface{} `bson:"last_known_good,omitempty"`
	UpdatedAt     time.Time              `bson:"updated_at"`
}

// NewMongoConfigStore connects to MongoDB.
func NewMongoConfigStore(ctx context.Context, uri, database, collection string, timeout time.Duration) (*MongoConfigStore, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if database == "" {
		database = "mirador_recovery"
	}
	if collection == "" {
		collection = "target_configs"
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &MongoConfigStore{
		client:     client,
		collection: client.Database(database).Collection(collection),
		timeout:    timeout,
	}, nil
}

func (s *MongoConfigStore) load(ctx context.Context, targetID string) (configDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var doc configDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": targetID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return doc, fmt.Errorf("%w: %s", ErrConfigNotFound, targetID)
	}
	if err != nil {
		return doc, fmt.Errorf("load config for %s: %w", targetID, err)
	}
	return doc, nil
}

func (s *MongoConfigStore) set(ctx context.Context, targetID, field string, cfg map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	update := bson.M{"$set": bson.M{field: cfg, "updated_at": time.Now().UTC()}}
	if _, err := s.collection.UpdateOne(ctx, bson.M{"_id": targetID}, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("store %s for %s: %w", field, targetID, err)
	}
	return nil
}

// GetCurrentConfig implements ConfigStore.
func (s *MongoConfigStore) GetCurrentConfig(ctx context.Context, targetID string) (map[string]interface{}, error) {
	doc, err := s.load(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if doc.Current == nil {
		return nil, fmt.Errorf("%w: %s current", ErrConfigNotFound, targetID)
	}
	return doc.Current, nil
}

// GetLastKnownGood implements ConfigStore.
func (s *MongoConfigStore) GetLastKnownGood(ctx context.Context, targetID string) (map[string]interface{}, error) {
	doc, err := s.load(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if doc.LastKnownGood == nil {
		return nil, fmt.Errorf("%w: %s known-good", ErrConfigNotFound, targetID)
	}
	return doc.LastKnownGood, nil
}

// SetCurrentConfig implements ConfigStore.
func (s *MongoConfigStore) SetCurrentConfig(ctx context.Context, targetID string, cfg map[string]interface{}) error {
	return s.set(ctx, targetID, "current", cfg)
}

// SetLastKnownGood implements ConfigStore.
func (s *MongoConfigStore) SetLastKnownGood(ctx context.Context, targetID string, cfg map[string]interface{}) error {
	return s.set(ctx, targetID, "last_known_good", cfg)
}

// Close disconnects from MongoDB.
func (s *MongoConfigStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
