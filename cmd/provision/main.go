// Command provision creates the forum's DynamoDB tables and seeds the
// rows the core deliberately never creates itself: the per-category
// counter rows and, optionally, a demo category/forum hierarchy. It is
// idempotent; existing tables and rows are left untouched.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/joho/godotenv"

	"github.com/jacentio/arbor/forum"
	"github.com/jacentio/arbor/store"
)

func main() {
	_ = godotenv.Load()

	var (
		region   = flag.String("region", os.Getenv("AWS_REGION"), "AWS region")
		profile  = flag.String("profile", os.Getenv("AWS_PROFILE"), "AWS shared config profile")
		endpoint = flag.String("endpoint", os.Getenv("DYNAMODB_ENDPOINT"), "DynamoDB endpoint override (local development)")
		seedDemo = flag.Bool("seed-demo", false, "seed a demo category and forum")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := run(ctx, logger, *region, *profile, *endpoint, *seedDemo); err != nil {
		logger.Error("provisioning failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, region, profile, endpoint string, seedDemo bool) error {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	for _, binding := range forum.Bindings().All() {
		if err := createTable(ctx, client, binding, logger); err != nil {
			return err
		}
	}

	for _, category := range []string{forum.CategoryThread, forum.CategoryPost} {
		if err := seedCounter(ctx, client, category, logger); err != nil {
			return err
		}
	}

	if seedDemo {
		if err := seedDemoHierarchy(ctx, client, logger); err != nil {
			return err
		}
	}

	logger.Info("provisioning complete")
	return nil
}

// createTable creates one collection table with its indexes, skipping
// tables that already exist.
func createTable(ctx context.Context, client *dynamodb.Client, binding store.Binding, logger *slog.Logger) error {
	input := &dynamodb.CreateTableInput{
		TableName:   aws.String(binding.Table),
		BillingMode: types.BillingModePayPerRequest,
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(binding.KeyAttr), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(binding.KeyAttr), AttributeType: keyAttrType(binding.KeyAttr)},
		},
	}

	switch binding.EntityType {
	case "thread":
		input.AttributeDefinitions = append(input.AttributeDefinitions,
			types.AttributeDefinition{AttributeName: aws.String("forum_id"), AttributeType: types.ScalarAttributeTypeN},
		)
		input.GlobalSecondaryIndexes = []types.GlobalSecondaryIndex{
			gsi(forum.ByForumIndex, "forum_id", "id"),
		}
	case "post":
		input.AttributeDefinitions = append(input.AttributeDefinitions,
			types.AttributeDefinition{AttributeName: aws.String("thread_id"), AttributeType: types.ScalarAttributeTypeN},
			types.AttributeDefinition{AttributeName: aws.String("recency_shard"), AttributeType: types.ScalarAttributeTypeS},
		)
		input.GlobalSecondaryIndexes = []types.GlobalSecondaryIndex{
			gsi(forum.ByThreadIndex, "thread_id", "id"),
			gsi(forum.ByRecencyIndex, "recency_shard", "id"),
		}
		// The recency projector consumes the posts stream.
		input.StreamSpecification = &types.StreamSpecification{
			StreamEnabled:  aws.Bool(true),
			StreamViewType: types.StreamViewTypeNewImage,
		}
	}

	_, err := client.CreateTable(ctx, input)
	if err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			logger.Info("table already exists", "table", binding.Table)
			return nil
		}
		return fmt.Errorf("create table %s: %w", binding.Table, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(binding.Table)}, 2*time.Minute); err != nil {
		return fmt.Errorf("wait for table %s: %w", binding.Table, err)
	}
	logger.Info("table created", "table", binding.Table)
	return nil
}

// seedCounter writes a counter row at sequence 0 unless one exists.
// Counters are only ever mutated by the store's atomic allocator after
// this point.
func seedCounter(ctx context.Context, client *dynamodb.Client, category string, logger *slog.Logger) error {
	item, err := attributevalue.MarshalMap(forum.Counter{Category: category, Sequence: 0})
	if err != nil {
		return fmt.Errorf("marshal counter %s: %w", category, err)
	}
	_, err = client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(forum.Counter{}.TableName()),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(category)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			logger.Info("counter already provisioned", "category", category)
			return nil
		}
		return fmt.Errorf("seed counter %s: %w", category, err)
	}
	logger.Info("counter provisioned", "category", category)
	return nil
}

// seedDemoHierarchy writes one category and one forum to talk in.
func seedDemoHierarchy(ctx context.Context, client *dynamodb.Client, logger *slog.Logger) error {
	general := forum.Forum{ID: 1, Name: "General"}
	category := forum.Category{
		Name:   "Main",
		Order:  1,
		Forums: []forum.ForumRef{{ID: general.ID, Name: general.Name}},
	}

	if err := putIfAbsent(ctx, client, general, "id"); err != nil {
		return err
	}
	if err := putIfAbsent(ctx, client, category, "#n", "#n", "name"); err != nil {
		return err
	}
	logger.Info("demo hierarchy seeded", "category", category.Name, "forum", general.Name)
	return nil
}

// putIfAbsent inserts an entity unless its key already exists. The
// optional name/attr pair aliases reserved attribute names.
func putIfAbsent(ctx context.Context, client *dynamodb.Client, entity store.Entity, keyExpr string, nameAlias ...string) error {
	item, err := attributevalue.MarshalMap(entity)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", entity.EntityType(), err)
	}
	input := &dynamodb.PutItemInput{
		TableName:           aws.String(entity.TableName()),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(" + keyExpr + ")"),
	}
	if len(nameAlias) == 2 {
		input.ExpressionAttributeNames = map[string]string{nameAlias[0]: nameAlias[1]}
	}
	_, err = client.PutItem(ctx, input)
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil
		}
		return fmt.Errorf("seed %s: %w", entity.EntityType(), err)
	}
	return nil
}

// keyAttrType maps a key attribute to its scalar type: ids are numbers,
// names and categories are strings.
func keyAttrType(attr string) types.ScalarAttributeType {
	if attr == "id" {
		return types.ScalarAttributeTypeN
	}
	return types.ScalarAttributeTypeS
}

// gsi builds a projected-all global secondary index definition.
func gsi(name, hashAttr, rangeAttr string) types.GlobalSecondaryIndex {
	return types.GlobalSecondaryIndex{
		IndexName: aws.String(name),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(hashAttr), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(rangeAttr), KeyType: types.KeyTypeRange},
		},
		Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
	}
}
