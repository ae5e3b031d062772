package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection names in the configuration database.
const (
	collBridges       = "configurations"
	collBridgeVersion = "bridge_versions"
	collTemplates     = "templates"
	collWrappers      = "prompt_wrappers"
	collModelConfigs  = "model_configurations"
	collConversations = "conversations"
	collOrchestrator  = "orchestrator_history"
	collSubThreads    = "sub_threads"
	collMetrics       = "metrics"
	collAlerts        = "webhook_alerts"
	collOrgs          = "orgs"
)

// docStoreConcurrency caps in-flight document-store operations.
const docStoreConcurrency = 50

var _ DocStore = (*MongoStore)(nil)

// MongoStore implements DocStore over MongoDB.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	sem    chan struct{}
	logger Logger
}

// NewMongoStore connects to MongoDB and returns a store bound to database.
func NewMongoStore(uri, database string, logger Logger) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	return &MongoStore{
		client: client,
		db:     client.Database(database),
		sem:    make(chan struct{}, docStoreConcurrency),
		logger: logger,
	}, nil
}

// Close disconnects the underlying client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MongoStore) release() { <-s.sem }

// GetBridge loads a bridge document by id (and org when provided).
func (s *MongoStore) GetBridge(ctx context.Context, bridgeID, orgID string) (*BridgeDoc, error) {
	return s.findBridge(ctx, collBridges, bridgeID, orgID)
}

// GetBridgeVersion loads an immutable bridge snapshot by version id.
func (s *MongoStore) GetBridgeVersion(ctx context.Context, versionID, orgID string) (*BridgeDoc, error) {
	return s.findBridge(ctx, collBridgeVersion, versionID, orgID)
}

func (s *MongoStore) findBridge(ctx context.Context, collection, id, orgID string) (*BridgeDoc, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	filter := bson.M{"_id": id}
	if orgID != "" {
		filter["org_id"] = orgID
	}
	var doc BridgeDoc
	err := s.db.Collection(collection).FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrBridgeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find bridge %s: %w", id, err)
	}
	return &doc, nil
}

// UpdateBridge applies a partial update to a bridge document.
func (s *MongoStore) UpdateBridge(ctx context.Context, bridgeID string, fields map[string]interface{}) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	_, err := s.db.Collection(collBridges).UpdateOne(ctx,
		bson.M{"_id": bridgeID}, bson.M{"$set": fields})
	if err != nil {
		return fmt.Errorf("update bridge %s: %w", bridgeID, err)
	}
	return nil
}

// GetTemplate loads a prompt template body.
func (s *MongoStore) GetTemplate(ctx context.Context, templateID string) (string, error) {
	return s.findTemplate(ctx, collTemplates, bson.M{"_id": templateID})
}

// GetPromptWrapper loads a wrapper template scoped to an org.
func (s *MongoStore) GetPromptWrapper(ctx context.Context, wrapperID, orgID string) (string, error) {
	filter := bson.M{"_id": wrapperID}
	if orgID != "" {
		filter["org_id"] = orgID
	}
	return s.findTemplate(ctx, collWrappers, filter)
}

func (s *MongoStore) findTemplate(ctx context.Context, collection string, filter bson.M) (string, error) {
	if err := s.acquire(ctx); err != nil {
		return "", err
	}
	defer s.release()
	var doc struct {
		Template string `bson:"template"`
	}
	err := s.db.Collection(collection).FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return doc.Template, nil
}

// GetThreadHistory loads the most recent successful turns for a thread as
// alternating user/assistant messages, oldest first.
func (s *MongoStore) GetThreadHistory(ctx context.Context, orgID, threadID, subThreadID, bridgeID string, limit int) ([]ConversationMessage, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	filter := bson.M{
		"org_id":        orgID,
		"thread_id":     threadID,
		"sub_thread_id": subThreadID,
		"bridge_id":     bridgeID,
		"type":          "assistant",
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit))
	cursor, err := s.db.Collection(collConversations).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find thread history: %w", err)
	}
	var rows []ConversationRow
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	// Rows come newest-first; replay them oldest-first as user/assistant
	// pairs.
	messages := make([]ConversationMessage, 0, len(rows)*2)
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].User != "" {
			messages = append(messages, ConversationMessage{Role: "user", Content: rows[i].User})
		}
		if rows[i].Message != "" {
			messages = append(messages, ConversationMessage{Role: "assistant", Content: rows[i].Message})
		}
	}
	return messages, nil
}

// SaveConversation appends turn rows.
func (s *MongoStore) SaveConversation(ctx context.Context, rows []*ConversationRow) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	docs := make([]interface{}, len(rows))
	for i, row := range rows {
		if row.CreatedAt.IsZero() {
			row.CreatedAt = time.Now().UTC()
		}
		docs[i] = row
	}
	_, err := s.db.Collection(collConversations).InsertMany(ctx, docs)
	if err != nil {
		return fmt.Errorf("insert conversation rows: %w", err)
	}
	return nil
}

// SaveOrchestratorRow stores one aggregated transfer-chain document.
func (s *MongoStore) SaveOrchestratorRow(ctx context.Context, row *OrchestratorRow) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Collection(collOrchestrator).InsertOne(ctx, row)
	if err != nil {
		return fmt.Errorf("insert orchestrator row: %w", err)
	}
	return nil
}

// SaveSubThreadName upserts the display name of a sub-thread.
func (s *MongoStore) SaveSubThreadName(ctx context.Context, orgID, threadID, subThreadID, name string) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	filter := bson.M{"org_id": orgID, "thread_id": threadID, "sub_thread_id": subThreadID}
	update := bson.M{"$set": bson.M{"display_name": name, "updated_at": time.Now().UTC()}}
	_, err := s.db.Collection(collSubThreads).UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

// SaveMetrics appends telemetry rows.
func (s *MongoStore) SaveMetrics(ctx context.Context, rows []*MetricRow) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	docs := make([]interface{}, len(rows))
	for i, row := range rows {
		if row.CreatedAt.IsZero() {
			row.CreatedAt = time.Now().UTC()
		}
		docs[i] = row
	}
	_, err := s.db.Collection(collMetrics).InsertMany(ctx, docs)
	return err
}

// GetWebhookAlerts loads the org's alert sinks.
func (s *MongoStore) GetWebhookAlerts(ctx context.Context, orgID string) ([]*WebhookAlert, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	cursor, err := s.db.Collection(collAlerts).Find(ctx, bson.M{"org_id": orgID})
	if err != nil {
		return nil, err
	}
	var alerts []*WebhookAlert
	if err := cursor.All(ctx, &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

// GetOrgInfo loads org metadata for timezone injection.
func (s *MongoStore) GetOrgInfo(ctx context.Context, orgID string) (*OrgInfo, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	var info OrgInfo
	err := s.db.Collection(collOrgs).FindOne(ctx, bson.M{"_id": orgID}).Decode(&info)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &OrgInfo{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// LoadModelCatalog reads the whole model-configuration table.
func (s *MongoStore) LoadModelCatalog(ctx context.Context) (*ModelCatalog, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	cursor, err := s.db.Collection(collModelConfigs).Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("load model catalog: %w", err)
	}
	var entries []*ModelEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, err
	}
	return NewModelCatalog(entries), nil
}

// WatchModelCatalog opens a change stream on the model-configuration
// collection and ticks on every change. Stores without change-stream
// support (standalone mongod) get an error and the watcher falls back to
// periodic refresh.
func (s *MongoStore) WatchModelCatalog(ctx context.Context) (<-chan struct{}, error) {
	stream, err := s.db.Collection(collModelConfigs).Watch(ctx, mongo.Pipeline{})
	if err != nil {
		return nil, fmt.Errorf("watch model catalog: %w", err)
	}
	changes := make(chan struct{}, 1)
	go func() {
		defer close(changes)
		defer stream.Close(context.Background())
		for stream.Next(ctx) {
			select {
			case changes <- struct{}{}:
			default:
			}
		}
	}()
	return changes, nil
}
