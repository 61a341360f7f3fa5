package services

import (
	"context"

	"realtime-core/internal/models"
)

// Store composes the Redis presence service and the DynamoDB call-log
// service behind the Persistence interface the core components consume.
type Store struct {
	redis   *RedisService
	callLog *CallLogService
}

var _ Persistence = (*Store)(nil)

func NewStore(redis *RedisService, callLog *CallLogService) *Store {
	return &Store{redis: redis, callLog: callLog}
}

func (s *Store) SetUserOnlineStatus(ctx context.Context, userID string, online bool) error {
	return s.redis.SetUserOnlineStatus(ctx, userID, online)
}

func (s *Store) GetChatAccessForUser(ctx context.Context, chatID, userID string) (bool, error) {
	return s.callLog.GetChatAccessForUser(ctx, chatID, userID)
}

func (s *Store) AppendCallLogEntry(ctx context.Context, entry *models.CallLogEntry) error {
	return s.callLog.AppendCallLogEntry(ctx, entry)
}
