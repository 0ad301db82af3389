// Package forum implements the forum's domain entities and the service
// operations exposed to the presentation layer.
package forum

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/arbor/store"
)

// Collection tables.
const (
	categoriesTable = "categories"
	forumsTable     = "forums"
	threadsTable    = "threads"
	postsTable      = "posts"
	countersTable   = "counters"
)

// Secondary indexes.
const (
	// ByForumIndex lists threads per forum: pk forum_id, sk id.
	ByForumIndex = "by_forum"

	// ByThreadIndex lists posts per thread: pk thread_id, sk id.
	ByThreadIndex = "by_thread"

	// ByRecencyIndex lists posts globally by recency: pk recency_shard,
	// sk id.
	ByRecencyIndex = "by_recency"
)

// Id sequence categories. One counter row per category mints all ids of
// that entity type; ids are strictly increasing and never reused.
const (
	CategoryThread = "thread"
	CategoryPost   = "post"
)

// Bindings returns the forum's static collection layout. The binding of
// each entity type is fixed here and cannot be overridden at call time.
func Bindings() *store.Registry {
	r := store.NewRegistry()
	r.Register(store.Binding{EntityType: "category", Table: categoriesTable, KeyAttr: "name"})
	r.Register(store.Binding{EntityType: "forum", Table: forumsTable, KeyAttr: "id"})
	r.Register(store.Binding{EntityType: "thread", Table: threadsTable, KeyAttr: "id",
		ParentType: "forum", ParentAttr: "forum_id", Category: CategoryThread})
	r.Register(store.Binding{EntityType: "post", Table: postsTable, KeyAttr: "id",
		ParentType: "thread", ParentAttr: "thread_id", Category: CategoryPost})
	r.Register(store.Binding{EntityType: "counter", Table: countersTable, KeyAttr: "category"})
	return r
}

// ForumRef is a denormalized {id, name} copy of a Forum embedded in a
// Category for display. The forums table stays authoritative.
type ForumRef struct {
	ID   uint32 `dynamodbav:"id"`
	Name string `dynamodbav:"name"`
}

// Category is a top-level grouping of forums, ordered for display.
// Categories are provisioned out of band; the core never creates them.
type Category struct {
	Name   string     `dynamodbav:"name"`
	Order  int        `dynamodbav:"order"`
	Forums []ForumRef `dynamodbav:"forums,omitempty"`
}

func (c Category) TableName() string  { return categoriesTable }
func (c Category) EntityType() string { return "category" }
func (c Category) GetKey() store.PK {
	return store.PK{"name": &types.AttributeValueMemberS{Value: c.Name}}
}

// Forum is a topic area containing threads.
type Forum struct {
	ID   uint32 `dynamodbav:"id"`
	Name string `dynamodbav:"name"`
}

func (f Forum) TableName() string  { return forumsTable }
func (f Forum) EntityType() string { return "forum" }
func (f Forum) GetKey() store.PK   { return numKey("id", f.ID) }

// Thread is a discussion started by an origin post. ForumID references a
// forum that existed when the thread was created; it is not re-validated
// afterwards.
type Thread struct {
	ID           uint32 `dynamodbav:"id"`
	ForumID      uint32 `dynamodbav:"forum_id"`
	OriginPostID uint32 `dynamodbav:"origin_post_id"`
	Subject      string `dynamodbav:"subject"`

	// LastPostAt is the created_at of the thread's most recent post in
	// epoch milliseconds, maintained by the stream projector. Zero until
	// the projector has seen a post for this thread.
	LastPostAt int64 `dynamodbav:"last_post_at,omitempty"`
}

func (t Thread) TableName() string  { return threadsTable }
func (t Thread) EntityType() string { return "thread" }
func (t Thread) GetKey() store.PK   { return numKey("id", t.ID) }

// Post is a single message within a thread.
type Post struct {
	ID       uint32 `dynamodbav:"id"`
	ThreadID uint32 `dynamodbav:"thread_id"`
	Content  string `dynamodbav:"content"`

	// CreatedAt is stored truncated to milliseconds; round-tripping
	// through storage is lossy below 1ms.
	CreatedAt Millis `dynamodbav:"created_at"`

	// RecencyShard is the partition key this post occupies on the
	// by_recency index.
	RecencyShard string `dynamodbav:"recency_shard"`
}

func (p Post) TableName() string  { return postsTable }
func (p Post) EntityType() string { return "post" }
func (p Post) GetKey() store.PK   { return numKey("id", p.ID) }

// Counter is a per-category monotonic sequence row. Rows are provisioned
// out of band and mutated only by the store's id allocator.
type Counter struct {
	Category string `dynamodbav:"category"`
	Sequence uint32 `dynamodbav:"sequence"`
}

func (c Counter) TableName() string  { return countersTable }
func (c Counter) EntityType() string { return "counter" }
func (c Counter) GetKey() store.PK {
	return store.PK{"category": &types.AttributeValueMemberS{Value: c.Category}}
}

// Millis is a UTC instant persisted as epoch milliseconds (a DynamoDB
// number attribute).
type Millis time.Time

// NowMillis returns the current instant, already truncated the way
// storage will truncate it.
func NowMillis() Millis {
	return Millis(time.Now().UTC().Truncate(time.Millisecond))
}

// Time returns the instant as a time.Time.
func (m Millis) Time() time.Time { return time.Time(m) }

// UnixMilli returns the instant as epoch milliseconds.
func (m Millis) UnixMilli() int64 { return time.Time(m).UnixMilli() }

// MarshalDynamoDBAttributeValue stores the instant as epoch milliseconds.
func (m Millis) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	return &types.AttributeValueMemberN{
		Value: strconv.FormatInt(time.Time(m).UnixMilli(), 10),
	}, nil
}

// UnmarshalDynamoDBAttributeValue reconstructs the instant from epoch
// milliseconds.
func (m *Millis) UnmarshalDynamoDBAttributeValue(av types.AttributeValue) error {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return fmt.Errorf("created_at: expected number attribute, got %T", av)
	}
	ms, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return fmt.Errorf("created_at: %w", err)
	}
	*m = Millis(time.UnixMilli(ms).UTC())
	return nil
}

// numKey builds a single-attribute numeric primary key.
func numKey(attr string, v uint32) store.PK {
	return store.PK{attr: &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(v), 10)}}
}

// numAttr builds a numeric attribute value for query placeholders.
func numAttr(v uint32) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(v), 10)}
}

// Interface compliance.
var (
	_ store.Entity = Category{}
	_ store.Entity = Forum{}
	_ store.Entity = Thread{}
	_ store.Entity = Post{}
	_ store.Entity = Counter{}
)
