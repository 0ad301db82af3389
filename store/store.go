package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/arbor/internal/shard"
)

// Store provides DynamoDB operations for the forum's entity collections.
// It is safe for concurrent use; all exclusivity guarantees come from
// DynamoDB's atomic primitives, not in-process locking.
type Store struct {
	client   DynamoAPI
	config   Config
	registry *Registry
}

// New creates a new Store instance. The client is an explicit dependency:
// passing nil returns ErrStoreNotAvailable instead of deferring the
// failure to the first call.
func New(client DynamoAPI, config Config, registry *Registry) (*Store, error) {
	if client == nil {
		return nil, ErrStoreNotAvailable
	}
	config.validate()
	if registry == nil {
		registry = NewRegistry()
	}
	return &Store{
		client:   client,
		config:   config,
		registry: registry,
	}, nil
}

// Registry returns the collection layout registry.
func (s *Store) Registry() *Registry {
	return s.registry
}

// RecencyPK returns the write-sharded partition key a row of the given
// entity type uses on the recency index.
func (s *Store) RecencyPK(entityType string, id uint32) string {
	return shard.RecencyPK(entityType, id, s.config.RecencyShards)
}

// withTimeout applies the configured call timeout when the inbound
// context carries no deadline.
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.CallTimeout)
}

// GetEntity retrieves a single entity by key into out, returning
// ErrNotFound if no item exists.
func (s *Store) GetEntity(ctx context.Context, table string, key PK, out any) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(table),
		Key:       key,
	})
	if err != nil {
		return storageFailure("get "+table, err)
	}
	if result.Item == nil {
		return ErrNotFound
	}

	if err := attributevalue.UnmarshalMap(result.Item, out); err != nil {
		return deserializationFailure(table, err)
	}
	return nil
}

// QueryEntities queries a table or index into out, which must be a
// pointer to a slice. Results arrive in index sort-key order per
// input.ScanIndexForward and are truncated to input.Limit when set.
func (s *Store) QueryEntities(ctx context.Context, input QueryInput, out any) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	items, err := s.queryRaw(ctx, input)
	if err != nil {
		return storageFailure("query "+input.TableName, err)
	}

	if err := attributevalue.UnmarshalListOfMaps(items, out); err != nil {
		return deserializationFailure(input.TableName, err)
	}
	return nil
}

// queryRaw paginates a query and returns the raw items, truncated to
// input.Limit when set.
func (s *Store) queryRaw(ctx context.Context, input QueryInput) ([]map[string]types.AttributeValue, error) {
	queryInput := &dynamodb.QueryInput{
		TableName:                 aws.String(input.TableName),
		KeyConditionExpression:    aws.String(input.KeyConditionExpression),
		ExpressionAttributeNames:  input.ExpressionAttributeNames,
		ExpressionAttributeValues: input.ExpressionAttributeValues,
	}
	if input.IndexName != "" {
		queryInput.IndexName = aws.String(input.IndexName)
	}
	if input.Limit > 0 {
		queryInput.Limit = aws.Int32(input.Limit)
	}
	if input.ScanIndexForward != nil {
		queryInput.ScanIndexForward = input.ScanIndexForward
	}

	var items []map[string]types.AttributeValue
	paginator := dynamodb.NewQueryPaginator(s.client, queryInput)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		if input.Limit > 0 && len(items) >= int(input.Limit) {
			items = items[:input.Limit]
			break
		}
	}
	return items, nil
}

// ScanEntities reads every row of a table into out, which must be a
// pointer to a slice. Only bounded collections (categories) are scanned.
func (s *Store) ScanEntities(ctx context.Context, table string, out any) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var items []map[string]types.AttributeValue
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName: aws.String(table),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return storageFailure("scan "+table, err)
		}
		items = append(items, page.Items...)
	}

	if err := attributevalue.UnmarshalListOfMaps(items, out); err != nil {
		return deserializationFailure(table, err)
	}
	return nil
}

// PutEntity inserts an entity row. The entity type must be registered;
// an unregistered type is a wiring defect, not a storage failure.
func (s *Store) PutEntity(ctx context.Context, entity Entity) error {
	if _, ok := s.registry.Lookup(entity.EntityType()); !ok {
		return fmt.Errorf("arbor: no binding registered for entity type %q", entity.EntityType())
	}

	item, err := attributevalue.MarshalMap(entity)
	if err != nil {
		return deserializationFailure(entity.TableName(), err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(entity.TableName()),
		Item:      item,
	})
	if err != nil {
		return storageFailure("put "+entity.TableName(), err)
	}
	return nil
}

// CountEntities counts the rows matching a query. A key condition on a
// non-existent parent simply matches nothing and yields 0.
func (s *Store) CountEntities(ctx context.Context, input QueryInput) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	queryInput := &dynamodb.QueryInput{
		TableName:                 aws.String(input.TableName),
		KeyConditionExpression:    aws.String(input.KeyConditionExpression),
		ExpressionAttributeNames:  input.ExpressionAttributeNames,
		ExpressionAttributeValues: input.ExpressionAttributeValues,
		Select:                    types.SelectCount,
	}
	if input.IndexName != "" {
		queryInput.IndexName = aws.String(input.IndexName)
	}

	count := 0
	paginator := dynamodb.NewQueryPaginator(s.client, queryInput)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, storageFailure("count "+input.TableName, err)
		}
		count += int(page.Count)
	}
	return count, nil
}

// NextID atomically increments the counter row for a category and
// returns the allocated id (the pre-increment sequence plus one). The
// increment-and-read is a single UpdateItem, so concurrent callers never
// receive the same value. Ids are strictly increasing and never reused;
// an id allocated for an insert that subsequently fails is burned.
func (s *Store) NextID(ctx context.Context, category string) (uint32, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.config.CounterTable),
		Key: PK{
			"category": &types.AttributeValueMemberS{Value: category},
		},
		UpdateExpression:    aws.String("ADD #seq :one"),
		ConditionExpression: aws.String("attribute_exists(category)"),
		ExpressionAttributeNames: map[string]string{
			"#seq": "sequence",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedOld,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return 0, fmt.Errorf("%w: category %q", ErrCounterNotProvisioned, category)
		}
		return 0, storageFailure("allocate id for "+category, err)
	}

	seqAttr, ok := out.Attributes["sequence"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, deserializationFailure(s.config.CounterTable,
			fmt.Errorf("counter %q has no numeric sequence attribute", category))
	}
	seq, err := strconv.ParseUint(seqAttr.Value, 10, 32)
	if err != nil {
		return 0, deserializationFailure(s.config.CounterTable, err)
	}
	return uint32(seq) + 1, nil
}

// QueryRecent returns the most recent rows of an entity type from its
// recency index: each write shard is queried id-descending in parallel,
// the shards are merged, and the result is truncated to limit. With the
// default single shard this is one query.
func (s *Store) QueryRecent(ctx context.Context, entityType, indexName string, limit int, out any) error {
	binding, ok := s.registry.Lookup(entityType)
	if !ok {
		return fmt.Errorf("arbor: no binding registered for entity type %q", entityType)
	}
	if limit <= 0 {
		return attributevalue.UnmarshalListOfMaps(nil, out)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	shardPKs := shard.AllRecencyPKs(entityType, s.config.RecencyShards)
	descending := false

	var mu sync.Mutex
	var merged []map[string]types.AttributeValue
	var wg sync.WaitGroup
	errs := make(chan error, len(shardPKs))

	for _, shardPK := range shardPKs {
		wg.Add(1)
		go func(shardPK string) {
			defer wg.Done()

			items, err := s.queryRaw(ctx, QueryInput{
				TableName:              binding.Table,
				IndexName:              indexName,
				KeyConditionExpression: "recency_shard = :pk",
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":pk": &types.AttributeValueMemberS{Value: shardPK},
				},
				Limit:            int32(limit),
				ScanIndexForward: &descending,
			})
			if err != nil {
				errs <- fmt.Errorf("shard %s: %w", shardPK, err)
				return
			}

			mu.Lock()
			merged = append(merged, items...)
			mu.Unlock()
		}(shardPK)
	}

	go func() {
		wg.Wait()
		close(errs)
	}()

	for err := range errs {
		if err != nil {
			return storageFailure("query recent "+binding.Table, err)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return numericAttr(merged[i], binding.KeyAttr) > numericAttr(merged[j], binding.KeyAttr)
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}

	if err := attributevalue.UnmarshalListOfMaps(merged, out); err != nil {
		return deserializationFailure(binding.Table, err)
	}
	return nil
}

// AdvanceTimestamp sets a monotonic epoch-millisecond attribute on an
// existing row, ignoring stale values: the write only lands when the row
// exists and the attribute is absent or older. A condition failure is not
// an error; a newer value must never be regressed and a missing row
// (orphaned child) is an accepted state.
func (s *Store) AdvanceTimestamp(ctx context.Context, table string, key PK, attr string, ts int64) error {
	keyAttr := ""
	for k := range key {
		keyAttr = k
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(table),
		Key:                 key,
		UpdateExpression:    aws.String("SET #a = :ts"),
		ConditionExpression: aws.String(fmt.Sprintf("attribute_exists(%s) AND (attribute_not_exists(#a) OR #a < :ts)", keyAttr)),
		ExpressionAttributeNames: map[string]string{
			"#a": attr,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ts": &types.AttributeValueMemberN{Value: strconv.FormatInt(ts, 10)},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil
		}
		return storageFailure("advance "+attr+" on "+table, err)
	}
	return nil
}

// numericAttr reads a number attribute from a raw item, 0 when absent or
// malformed.
func numericAttr(item map[string]types.AttributeValue, attr string) int64 {
	n, ok := item[attr].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	v, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
