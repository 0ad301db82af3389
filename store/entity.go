package store

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// PK represents a DynamoDB primary key.
type PK map[string]types.AttributeValue

// Entity is the base interface for all storable types. The binding of a
// type to its table is fixed at compile time; no call site can override it.
type Entity interface {
	// TableName returns the DynamoDB table name for this entity type.
	TableName() string

	// EntityType returns the entity type name (e.g., "thread").
	EntityType() string

	// GetKey returns the primary key for this entity.
	GetKey() PK
}

// QueryInput defines parameters for querying entities.
type QueryInput struct {
	// TableName is the DynamoDB table to query.
	TableName string

	// IndexName is the optional GSI to query.
	IndexName string

	// KeyConditionExpression is the DynamoDB key condition.
	KeyConditionExpression string

	// ExpressionAttributeNames maps expression attribute name placeholders.
	ExpressionAttributeNames map[string]string

	// ExpressionAttributeValues maps expression attribute value placeholders.
	ExpressionAttributeValues map[string]types.AttributeValue

	// Limit is the maximum number of items to return (0 = no limit).
	Limit int32

	// ScanIndexForward determines sort order (nil/true = ascending by the
	// index sort key, false = descending).
	ScanIndexForward *bool
}

// DynamoAPI is the subset of the DynamoDB client the store depends on.
// *dynamodb.Client satisfies it; tests supply an in-memory fake.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}
