// Package stream provides the DynamoDB Streams handler that keeps thread
// recency current.
package stream

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/arbor/store"
)

// Handler projects post inserts onto their owning thread's last_post_at
// attribute, so activity-ordered thread listings never need a per-thread
// join at read time.
type Handler struct {
	store  *store.Store
	logger *slog.Logger
}

// NewHandler creates a new stream handler.
func NewHandler(s *store.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:  s,
		logger: logger,
	}
}

// HandleRecency processes DynamoDB stream events from the posts table.
// This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleRecency(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				"eventID", record.EventID,
				"error", err,
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

// processRecord processes a single DynamoDB stream record. Posts are
// never updated or deleted, so only INSERT events carry information.
func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	if record.EventName != "INSERT" {
		return nil
	}

	threadID := getNumberAttr(record.Change.NewImage, "thread_id")
	createdAt := getNumberAttr(record.Change.NewImage, "created_at")
	postID := getNumberAttr(record.Change.NewImage, "id")
	if threadID <= 0 || createdAt == 0 {
		h.logger.Warn("skipping malformed post record",
			"eventID", record.EventID,
			"postID", postID,
		)
		return nil
	}

	binding, ok := h.store.Registry().Lookup("thread")
	if !ok {
		h.logger.Warn("no thread binding registered, dropping record", "eventID", record.EventID)
		return nil
	}
	threadKey := store.PK{
		binding.KeyAttr: &types.AttributeValueMemberN{Value: strconv.FormatInt(threadID, 10)},
	}

	// A stale event must not regress the projection, and an orphan post
	// (thread row never written) is an accepted state; AdvanceTimestamp
	// treats both as no-ops.
	if err := h.store.AdvanceTimestamp(ctx, binding.Table, threadKey, "last_post_at", createdAt); err != nil {
		return err
	}

	h.logger.Info("advanced thread recency",
		"threadID", threadID,
		"postID", postID,
		"lastPostAt", createdAt,
	)
	return nil
}

// getNumberAttr extracts a number attribute from a DynamoDB stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) int64 {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeNumber {
			n, _ := strconv.ParseInt(v.Number(), 10, 64)
			return n
		}
	}
	return 0
}
