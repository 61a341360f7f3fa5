package services

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"realtime-core/internal/config"
	"realtime-core/internal/models"
	"realtime-core/internal/utils"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"go.uber.org/zap"
)

// CallLogService is the DynamoDB-backed half of the persistence
// collaborator: it appends durable call-log entries and answers
// chat-access lookups against the room table, with an in-memory TTL cache
// in front of the access reads.
type CallLogService struct {
	config   *config.Config
	dynamoDB *dynamodb.DynamoDB

	// Access-control cache: room id -> cached member set.
	cache      map[string]*cachedAccess
	cacheMutex sync.RWMutex

	ctx       context.Context
	cancel    context.CancelFunc
	cleanupWG sync.WaitGroup

	cacheHits   int64
	cacheMisses int64
}

type cachedAccess struct {
	Members   map[string]struct{}
	IsActive  bool
	CachedAt  time.Time
	ExpiresAt time.Time
}

// dynamoCallLog is a call-log entry as stored in DynamoDB.
type dynamoCallLog struct {
	CallID     string `dynamodbav:"call_id"`
	CallerID   string `dynamodbav:"caller_id"`
	ReceiverID string `dynamodbav:"receiver_id"`
	Kind       string `dynamodbav:"kind"`
	Status     string `dynamodbav:"status"`
	StartedAt  int64  `dynamodbav:"started_at"`
	EndedAt    int64  `dynamodbav:"ended_at"`
	DurationMS int64  `dynamodbav:"duration_ms"`
	EndReason  string `dynamodbav:"end_reason"`
	GSI1PK     string `dynamodbav:"gsi1pk"` // For querying by caller
	GSI1SK     string `dynamodbav:"gsi1sk"` // For sorting by start time
}

// dynamoRoom is the room record shape used for access checks.
type dynamoRoom struct {
	ID       string   `dynamodbav:"id"`
	Members  []string `dynamodbav:"members"`
	IsActive bool     `dynamodbav:"is_active"`
}

// NewCallLogService creates the DynamoDB persistence service.
func NewCallLogService(cfg *config.Config) (*CallLogService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	endpoint := os.Getenv("DYNAMODB_ENDPOINT")
	awsCfg := &aws.Config{
		Region: aws.String(cfg.AWS.Region),
	}

	if endpoint != "" {
		// Local DynamoDB setup
		awsCfg.Endpoint = aws.String(endpoint)
		awsCfg.Credentials = credentials.NewStaticCredentials(
			"dummyKey123",
			"dummySecret123",
			"",
		)
		utils.Info("Using local DynamoDB", zap.String("endpoint", endpoint))
	} else {
		awsCfg.Credentials = credentials.NewStaticCredentials(
			os.Getenv("AWS_ACCESS_KEY_ID"),
			os.Getenv("AWS_SECRET_ACCESS_KEY"),
			"",
		)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	cs := &CallLogService{
		config:   cfg,
		dynamoDB: dynamodb.New(sess),
		cache:    make(map[string]*cachedAccess),
		ctx:      ctx,
		cancel:   cancel,
	}

	cs.cleanupWG.Add(1)
	go cs.cacheCleanupTask()

	utils.Info("Call log service initialized",
		zap.String("call_log_table", cfg.AWS.CallLogTable),
		zap.String("room_table", cfg.AWS.RoomTable))

	return cs, nil
}

// AppendCallLogEntry writes the durable record for a finished call.
func (cs *CallLogService) AppendCallLogEntry(ctx context.Context, entry *models.CallLogEntry) error {
	if entry == nil {
		return fmt.Errorf("call log entry cannot be nil")
	}
	if entry.CallID == "" {
		return fmt.Errorf("call ID cannot be empty")
	}

	record := &dynamoCallLog{
		CallID:     entry.CallID,
		CallerID:   entry.CallerID,
		ReceiverID: entry.ReceiverID,
		Kind:       string(entry.Kind),
		Status:     string(entry.Status),
		StartedAt:  entry.StartedAt.Unix(),
		EndedAt:    entry.EndedAt.Unix(),
		DurationMS: entry.Duration.Milliseconds(),
		EndReason:  entry.EndReason,
		GSI1PK:     fmt.Sprintf("USER#%s", entry.CallerID),
		GSI1SK:     fmt.Sprintf("CALL#%d", entry.StartedAt.Unix()),
	}

	item, err := dynamodbattribute.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("failed to marshal call log entry: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(cs.config.AWS.CallLogTable),
		Item:      item,
	}

	if _, err := cs.dynamoDB.PutItemWithContext(ctx, input); err != nil {
		utils.Error("Failed to write call log entry",
			zap.Error(err),
			zap.String("call_id", entry.CallID))
		return fmt.Errorf("failed to write call log entry: %w", err)
	}

	utils.Debug("Call log entry written",
		zap.String("call_id", entry.CallID),
		zap.String("status", string(entry.Status)),
		zap.String("end_reason", entry.EndReason))

	return nil
}

// GetChatAccessForUser reports whether a user may join a chat room.
// Access reads are cached for 15 minutes; membership changes propagate on
// the next cache miss.
func (cs *CallLogService) GetChatAccessForUser(ctx context.Context, chatID, userID string) (bool, error) {
	if chatID == "" {
		return false, fmt.Errorf("chat ID cannot be empty")
	}
	if userID == "" {
		return false, fmt.Errorf("user ID cannot be empty")
	}

	if cached := cs.getCachedAccess(chatID); cached != nil {
		atomic.AddInt64(&cs.cacheHits, 1)
		if !cached.IsActive {
			return false, nil
		}
		_, ok := cached.Members[userID]
		return ok, nil
	}

	atomic.AddInt64(&cs.cacheMisses, 1)

	input := &dynamodb.GetItemInput{
		TableName: aws.String(cs.config.AWS.RoomTable),
		Key: map[string]*dynamodb.AttributeValue{
			"id": {
				S: aws.String(chatID),
			},
		},
	}

	result, err := cs.dynamoDB.GetItemWithContext(ctx, input)
	if err != nil {
		utils.Error("Failed to get room for access check",
			zap.Error(err),
			zap.String("chat_id", chatID))
		return false, fmt.Errorf("failed to get room: %w", err)
	}

	if result.Item == nil {
		return false, nil
	}

	var room dynamoRoom
	if err := dynamodbattribute.UnmarshalMap(result.Item, &room); err != nil {
		return false, fmt.Errorf("failed to unmarshal room: %w", err)
	}

	members := make(map[string]struct{}, len(room.Members))
	for _, m := range room.Members {
		members[m] = struct{}{}
	}
	cs.cacheAccess(chatID, members, room.IsActive)

	if !room.IsActive {
		return false, nil
	}
	_, ok := members[userID]
	return ok, nil
}

func (cs *CallLogService) getCachedAccess(chatID string) *cachedAccess {
	cs.cacheMutex.RLock()
	defer cs.cacheMutex.RUnlock()

	cached, exists := cs.cache[chatID]
	if !exists {
		return nil
	}
	if time.Now().After(cached.ExpiresAt) {
		return nil
	}
	return cached
}

func (cs *CallLogService) cacheAccess(chatID string, members map[string]struct{}, active bool) {
	cs.cacheMutex.Lock()
	defer cs.cacheMutex.Unlock()

	cs.cache[chatID] = &cachedAccess{
		Members:   members,
		IsActive:  active,
		CachedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Minute * 15),
	}
}

// InvalidateAccess drops the cached member set for one room.
func (cs *CallLogService) InvalidateAccess(chatID string) {
	cs.cacheMutex.Lock()
	defer cs.cacheMutex.Unlock()
	delete(cs.cache, chatID)
}

func (cs *CallLogService) cacheCleanupTask() {
	defer cs.cleanupWG.Done()

	ticker := time.NewTicker(time.Minute * 5)
	defer ticker.Stop()

	for {
		select {
		case <-cs.ctx.Done():
			return
		case <-ticker.C:
			cs.cleanupExpiredCache()
		}
	}
}

func (cs *CallLogService) cleanupExpiredCache() {
	cs.cacheMutex.Lock()
	defer cs.cacheMutex.Unlock()

	now := time.Now()
	expired := make([]string, 0)

	for chatID, cached := range cs.cache {
		if now.After(cached.ExpiresAt) {
			expired = append(expired, chatID)
		}
	}

	for _, chatID := range expired {
		delete(cs.cache, chatID)
	}

	if len(expired) > 0 {
		utils.Debug("Cleaned up expired access cache entries",
			zap.Int("count", len(expired)))
	}
}

// GetStats returns cache counters for observability.
func (cs *CallLogService) GetStats() map[string]interface{} {
	cs.cacheMutex.RLock()
	cacheSize := len(cs.cache)
	cs.cacheMutex.RUnlock()

	return map[string]interface{}{
		"access_cache_size":   cacheSize,
		"access_cache_hits":   atomic.LoadInt64(&cs.cacheHits),
		"access_cache_misses": atomic.LoadInt64(&cs.cacheMisses),
	}
}

// HealthCheck verifies DynamoDB connectivity.
func (cs *CallLogService) HealthCheck() error {
	input := &dynamodb.DescribeTableInput{
		TableName: aws.String(cs.config.AWS.CallLogTable),
	}

	ctx, cancel := context.WithTimeout(cs.ctx, time.Second*5)
	defer cancel()

	if _, err := cs.dynamoDB.DescribeTableWithContext(ctx, input); err != nil {
		return fmt.Errorf("DynamoDB health check failed: %w", err)
	}
	return nil
}

// Close stops background tasks.
func (cs *CallLogService) Close() error {
	utils.Info("Shutting down call log service...")

	cs.cancel()

	done := make(chan struct{})
	go func() {
		cs.cleanupWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		utils.Info("Call log service shut down")
	case <-time.After(time.Second * 30):
		utils.Warn("Call log service shutdown timeout exceeded")
	}

	return nil
}
