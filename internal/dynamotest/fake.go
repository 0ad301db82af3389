// Package dynamotest provides an in-memory fake of the DynamoDB API
// subset the store depends on, so unit tests can exercise real read and
// write paths without a DynamoDB endpoint.
package dynamotest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Index describes a secondary index on a fake table.
type Index struct {
	Name          string
	PartitionAttr string
	SortAttr      string
}

type table struct {
	keyAttr string
	indexes map[string]Index
	items   []map[string]types.AttributeValue
}

// Fake is an in-memory DynamoDB double. It emulates exactly the call
// shapes the store issues: key GetItem, PutItem upserts keyed on the
// table's key attribute, "ADD"/"SET" UpdateItem with the store's
// condition expressions, single-equality Query with index sort order,
// and full-table Scan. Everything happens under one mutex, which is what
// makes the counter increment atomic under concurrent test load.
type Fake struct {
	mu     sync.Mutex
	tables map[string]*table

	// Failure injection: when set, the matching call returns the error.
	FailGet    error
	FailPut    error
	FailUpdate error
	FailQuery  error
	FailScan   error

	// Write-attempt counters, for asserting that an operation performed
	// no writes.
	PutCalls    int
	UpdateCalls int
}

// New creates an empty Fake.
func New() *Fake {
	return &Fake{tables: make(map[string]*table)}
}

// CreateTable registers a table, its key attribute, and its indexes.
func (f *Fake) CreateTable(name, keyAttr string, indexes ...Index) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &table{keyAttr: keyAttr, indexes: make(map[string]Index)}
	for _, idx := range indexes {
		t.indexes[idx.Name] = idx
	}
	f.tables[name] = t
}

// Seed inserts or replaces an item directly, bypassing the API surface.
func (f *Fake) Seed(tableName string, item map[string]types.AttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tables[tableName]
	t.put(item)
}

// Len returns the number of items in a table.
func (f *Fake) Len(tableName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[tableName].items)
}

// GetItem implements the DynamoDB API subset.
func (f *Fake) GetItem(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailGet != nil {
		return nil, f.FailGet
	}
	t, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}
	item := t.find(params.Key)
	return &dynamodb.GetItemOutput{Item: item}, nil
}

// PutItem implements the DynamoDB API subset.
func (f *Fake) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PutCalls++
	if f.FailPut != nil {
		return nil, f.FailPut
	}
	t, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}
	t.put(params.Item)
	return &dynamodb.PutItemOutput{}, nil
}

// UpdateItem implements the DynamoDB API subset. Supported update
// expressions are "ADD <attr> <delta>" (counter increment, returning
// UPDATED_OLD) and "SET <attr> = <value>" guarded by the store's
// monotonic condition.
func (f *Fake) UpdateItem(_ context.Context, params *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UpdateCalls++
	if f.FailUpdate != nil {
		return nil, f.FailUpdate
	}
	t, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}

	item := t.find(params.Key)
	cond := aws.ToString(params.ConditionExpression)
	if strings.Contains(cond, "attribute_exists(") && item == nil {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
	}

	expr := aws.ToString(params.UpdateExpression)
	fields := strings.Fields(expr)
	switch fields[0] {
	case "ADD":
		attr := resolveName(fields[1], params.ExpressionAttributeNames)
		delta := numberValue(params.ExpressionAttributeValues[fields[2]])
		old := numberValue(item[attr])
		oldAttr := item[attr]
		item[attr] = &types.AttributeValueMemberN{Value: strconv.FormatInt(old+delta, 10)}

		out := &dynamodb.UpdateItemOutput{}
		if params.ReturnValues == types.ReturnValueUpdatedOld && oldAttr != nil {
			out.Attributes = map[string]types.AttributeValue{attr: oldAttr}
		}
		return out, nil

	case "SET":
		attr := resolveName(fields[1], params.ExpressionAttributeNames)
		val := params.ExpressionAttributeValues[fields[3]]
		if strings.Contains(cond, "attribute_not_exists") {
			if existing, ok := item[attr]; ok && numberValue(existing) >= numberValue(val) {
				return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
			}
		}
		item[attr] = val
		return &dynamodb.UpdateItemOutput{}, nil
	}
	return nil, fmt.Errorf("dynamotest: unsupported update expression %q", expr)
}

// Query implements the DynamoDB API subset: a single equality key
// condition against the table key or an index partition attribute,
// sorted by the index sort attribute.
func (f *Fake) Query(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailQuery != nil {
		return nil, f.FailQuery
	}
	t, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}

	partAttr := t.keyAttr
	sortAttr := ""
	if params.IndexName != nil {
		idx, ok := t.indexes[*params.IndexName]
		if !ok {
			return nil, fmt.Errorf("dynamotest: unknown index %q", *params.IndexName)
		}
		partAttr = idx.PartitionAttr
		sortAttr = idx.SortAttr
	}

	fields := strings.Fields(aws.ToString(params.KeyConditionExpression))
	condAttr := resolveName(fields[0], params.ExpressionAttributeNames)
	condVal := params.ExpressionAttributeValues[fields[2]]
	if condAttr != partAttr {
		return nil, fmt.Errorf("dynamotest: key condition on %q does not match partition attribute %q", condAttr, partAttr)
	}

	var matched []map[string]types.AttributeValue
	for _, item := range t.items {
		if attrEqual(item[condAttr], condVal) {
			matched = append(matched, item)
		}
	}

	if sortAttr != "" {
		sort.SliceStable(matched, func(i, j int) bool {
			return numberValue(matched[i][sortAttr]) < numberValue(matched[j][sortAttr])
		})
		if params.ScanIndexForward != nil && !*params.ScanIndexForward {
			for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
				matched[i], matched[j] = matched[j], matched[i]
			}
		}
	}
	if params.Limit != nil && len(matched) > int(*params.Limit) {
		matched = matched[:*params.Limit]
	}

	out := &dynamodb.QueryOutput{Count: int32(len(matched))}
	if params.Select != types.SelectCount {
		out.Items = matched
	}
	return out, nil
}

// Scan implements the DynamoDB API subset: a full, single-page read.
func (f *Fake) Scan(_ context.Context, params *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailScan != nil {
		return nil, f.FailScan
	}
	t, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]types.AttributeValue, len(t.items))
	copy(items, t.items)
	return &dynamodb.ScanOutput{Items: items, Count: int32(len(items))}, nil
}

func (f *Fake) table(name *string) (*table, error) {
	t, ok := f.tables[aws.ToString(name)]
	if !ok {
		return nil, fmt.Errorf("dynamotest: table %q does not exist", aws.ToString(name))
	}
	return t, nil
}

func (t *table) find(key map[string]types.AttributeValue) map[string]types.AttributeValue {
	for _, item := range t.items {
		match := true
		for k, v := range key {
			if !attrEqual(item[k], v) {
				match = false
				break
			}
		}
		if match {
			return item
		}
	}
	return nil
}

func (t *table) put(item map[string]types.AttributeValue) {
	for i, existing := range t.items {
		if attrEqual(existing[t.keyAttr], item[t.keyAttr]) {
			t.items[i] = item
			return
		}
	}
	t.items = append(t.items, item)
}

// resolveName maps a #placeholder through the expression attribute
// names, passing plain attribute names through.
func resolveName(token string, names map[string]string) string {
	if strings.HasPrefix(token, "#") {
		return names[token]
	}
	return token
}

// numberValue parses a number attribute, 0 for anything else.
func numberValue(av types.AttributeValue) int64 {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	v, _ := strconv.ParseInt(n.Value, 10, 64)
	return v
}

// attrEqual compares the string and number attribute kinds the forum
// schema uses.
func attrEqual(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		return ok && av.Value == bv.Value
	}
	return false
}
