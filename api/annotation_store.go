package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/radpeer/radpeer/annotation"
)

// AnnotationStore persists the committed annotation set per image as a Redis
// hash keyed by annotation id. Save replaces the whole set, which makes the
// save/load contract idempotent: resending the same set on retry converges
// to the same stored state.
type AnnotationStore struct {
	redis *redis.Client
}

// NewAnnotationStore creates an annotation store
func NewAnnotationStore(redisClient *redis.Client) *AnnotationStore {
	return &AnnotationStore{redis: redisClient}
}

func annotationsKey(imageID string) string {
	return fmt.Sprintf("annotations:%s", imageID)
}

// Save replaces the stored annotation set for the image
func (as *AnnotationStore) Save(ctx context.Context, imageID string, annotations []annotation.Annotation) error {
	fields := make(map[string]interface{}, len(annotations))
	for _, a := range annotations {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("refusing to save invalid annotation %s: %w", a.ID, err)
		}
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to serialize annotation %s: %w", a.ID, err)
		}
		fields[a.ID] = data
	}

	pipe := as.redis.TxPipeline()
	pipe.Del(ctx, annotationsKey(imageID))
	if len(fields) > 0 {
		pipe.HSet(ctx, annotationsKey(imageID), fields)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("annotation save failed: %w", err)
	}
	return nil
}

// Load returns the stored annotation set for the image. A never-saved image
// loads as an empty set, not an error.
func (as *AnnotationStore) Load(ctx context.Context, imageID string) ([]annotation.Annotation, error) {
	fields, err := as.redis.HGetAll(ctx, annotationsKey(imageID)).Result()
	if err != nil {
		return nil, fmt.Errorf("annotation load failed: %w", err)
	}
	out := make([]annotation.Annotation, 0, len(fields))
	for id, data := range fields {
		var a annotation.Annotation
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, fmt.Errorf("failed to parse stored annotation %s: %w", id, err)
		}
		out = append(out, a)
	}
	return out, nil
}
