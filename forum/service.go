package forum

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/arbor/store"
)

var (
	// ErrEmptySubject rejects thread creation with an empty subject.
	// Checked before any storage access.
	ErrEmptySubject = errors.New("arbor: subject cannot be empty")

	// ErrEmptyContent rejects post creation with empty content.
	// Checked before any storage access.
	ErrEmptyContent = errors.New("arbor: content cannot be empty")
)

// Service exposes the forum's read and write operations. All parent
// references are validated at creation time only; reads never re-check
// them.
type Service struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates a Service. The store is an explicit dependency; passing nil
// returns store.ErrStoreNotAvailable.
func New(st *store.Store, logger *slog.Logger) (*Service, error) {
	if st == nil {
		return nil, store.ErrStoreNotAvailable
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger}, nil
}

// ForumInfo is a Forum together with the name of the Category that lists
// it, for display. Category is empty when no category embeds the forum.
type ForumInfo struct {
	Forum    Forum
	Category string
}

// ListCategories returns all categories sorted ascending by display
// order.
func (s *Service) ListCategories(ctx context.Context) ([]Category, error) {
	var categories []Category
	if err := s.store.ScanEntities(ctx, categoriesTable, &categories); err != nil {
		return nil, err
	}
	sort.SliceStable(categories, func(i, j int) bool {
		if categories[i].Order != categories[j].Order {
			return categories[i].Order < categories[j].Order
		}
		return categories[i].Name < categories[j].Name
	})
	return categories, nil
}

// GetForum resolves a forum by id along with its ancestor category name.
func (s *Service) GetForum(ctx context.Context, forumID uint32) (*ForumInfo, error) {
	f, err := s.resolveForum(ctx, forumID)
	if err != nil {
		return nil, err
	}

	info := &ForumInfo{Forum: *f}
	categories, err := s.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range categories {
		for _, ref := range c.Forums {
			if ref.ID == forumID {
				info.Category = c.Name
				return info, nil
			}
		}
	}
	return info, nil
}

// GetThread resolves a thread by id.
func (s *Service) GetThread(ctx context.Context, threadID uint32) (*Thread, error) {
	return s.resolveThread(ctx, threadID)
}

// ListThreads returns a forum's threads sorted descending by id
// (newest-created first).
func (s *Service) ListThreads(ctx context.Context, forumID uint32) ([]Thread, error) {
	descending := false
	var threads []Thread
	err := s.store.QueryEntities(ctx, store.QueryInput{
		TableName:              threadsTable,
		IndexName:              ByForumIndex,
		KeyConditionExpression: "forum_id = :fid",
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":fid": numAttr(forumID),
		},
		ScanIndexForward: &descending,
	}, &threads)
	if err != nil {
		return nil, err
	}
	return threads, nil
}

// ListThreadsByActivity returns a forum's threads sorted descending by
// the instant of their most recent post. The ordering key is the
// projector-maintained last_post_at attribute; threads the projector has
// not touched yet fall back to a latest-post lookup.
func (s *Service) ListThreadsByActivity(ctx context.Context, forumID uint32) ([]Thread, error) {
	threads, err := s.ListThreads(ctx, forumID)
	if err != nil {
		return nil, err
	}

	for i := range threads {
		if threads[i].LastPostAt != 0 {
			continue
		}
		latest, err := s.latestPostInThread(ctx, threads[i].ID)
		if err != nil {
			return nil, err
		}
		if latest != nil {
			threads[i].LastPostAt = latest.CreatedAt.UnixMilli()
		}
	}

	sort.SliceStable(threads, func(i, j int) bool {
		if threads[i].LastPostAt != threads[j].LastPostAt {
			return threads[i].LastPostAt > threads[j].LastPostAt
		}
		return threads[i].ID > threads[j].ID
	})
	return threads, nil
}

// CreateThread creates a thread in the given forum together with its
// origin post and returns the new thread id.
//
// The post and thread rows are two independent writes: if the second
// fails, an orphan post remains with a thread_id that resolves to
// nothing. There is no compensating transaction; this is a documented
// inconsistency window, not a transactional guarantee.
func (s *Service) CreateThread(ctx context.Context, forumID uint32, subject, postContent string) (uint32, error) {
	if subject == "" {
		return 0, ErrEmptySubject
	}
	if postContent == "" {
		return 0, ErrEmptyContent
	}

	if _, err := s.resolveForum(ctx, forumID); err != nil {
		return 0, err
	}

	threadID, err := s.store.NextID(ctx, CategoryThread)
	if err != nil {
		return 0, err
	}
	postID, err := s.store.NextID(ctx, CategoryPost)
	if err != nil {
		return 0, err
	}

	post := Post{
		ID:           postID,
		ThreadID:     threadID,
		Content:      postContent,
		CreatedAt:    NowMillis(),
		RecencyShard: s.store.RecencyPK("post", postID),
	}
	if err := s.store.PutEntity(ctx, post); err != nil {
		return 0, err
	}

	thread := Thread{
		ID:           threadID,
		ForumID:      forumID,
		OriginPostID: postID,
		Subject:      subject,
	}
	if err := s.store.PutEntity(ctx, thread); err != nil {
		return 0, err
	}

	s.logger.Info("thread created",
		"threadID", threadID,
		"forumID", forumID,
		"originPostID", postID,
	)
	return threadID, nil
}

// CreatePost creates a post in the given thread and returns the new post
// id. A failed insert after a successful allocation burns the sequence
// number; the gap is accepted.
func (s *Service) CreatePost(ctx context.Context, threadID uint32, content string) (uint32, error) {
	if content == "" {
		return 0, ErrEmptyContent
	}

	if _, err := s.resolveThread(ctx, threadID); err != nil {
		return 0, err
	}

	postID, err := s.store.NextID(ctx, CategoryPost)
	if err != nil {
		return 0, err
	}

	post := Post{
		ID:           postID,
		ThreadID:     threadID,
		Content:      content,
		CreatedAt:    NowMillis(),
		RecencyShard: s.store.RecencyPK("post", postID),
	}
	if err := s.store.PutEntity(ctx, post); err != nil {
		return 0, err
	}

	s.logger.Info("post created", "postID", postID, "threadID", threadID)
	return postID, nil
}

// LatestPosts returns the most recent posts across all threads, sorted
// descending by id and truncated to limit.
func (s *Service) LatestPosts(ctx context.Context, limit int) ([]Post, error) {
	var posts []Post
	if err := s.store.QueryRecent(ctx, "post", ByRecencyIndex, limit, &posts); err != nil {
		return nil, err
	}
	return posts, nil
}

// ListPosts returns a thread's posts sorted ascending by id.
func (s *Service) ListPosts(ctx context.Context, threadID uint32) ([]Post, error) {
	var posts []Post
	err := s.store.QueryEntities(ctx, store.QueryInput{
		TableName:              postsTable,
		IndexName:              ByThreadIndex,
		KeyConditionExpression: "thread_id = :tid",
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tid": numAttr(threadID),
		},
	}, &posts)
	if err != nil {
		return nil, err
	}
	return posts, nil
}

// CountThreads returns the number of threads in a forum; 0 for a
// non-existent forum. Parent existence is deliberately not checked.
func (s *Service) CountThreads(ctx context.Context, forumID uint32) (int, error) {
	return s.countChildren(ctx, "thread", ByForumIndex, forumID)
}

// CountPosts returns the number of posts in a thread; 0 for a
// non-existent thread. Parent existence is deliberately not checked.
func (s *Service) CountPosts(ctx context.Context, threadID uint32) (int, error) {
	return s.countChildren(ctx, "post", ByThreadIndex, threadID)
}

func (s *Service) countChildren(ctx context.Context, entityType, index string, parentID uint32) (int, error) {
	binding, ok := s.store.Registry().Lookup(entityType)
	if !ok {
		return 0, errors.New("arbor: no binding registered for entity type " + entityType)
	}
	return s.store.CountEntities(ctx, store.QueryInput{
		TableName:              binding.Table,
		IndexName:              index,
		KeyConditionExpression: "#p = :pid",
		ExpressionAttributeNames: map[string]string{
			"#p": binding.ParentAttr,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pid": numAttr(parentID),
		},
	})
}

// resolveForum checks the forum exists, translating a bare not-found
// into a kind-qualified NotFoundError.
func (s *Service) resolveForum(ctx context.Context, forumID uint32) (*Forum, error) {
	var f Forum
	err := s.store.GetEntity(ctx, forumsTable, numKey("id", forumID), &f)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &store.NotFoundError{Kind: "forum", ID: forumID}
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// resolveThread checks the thread exists.
func (s *Service) resolveThread(ctx context.Context, threadID uint32) (*Thread, error) {
	var t Thread
	err := s.store.GetEntity(ctx, threadsTable, numKey("id", threadID), &t)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &store.NotFoundError{Kind: "thread", ID: threadID}
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// latestPostInThread returns the thread's newest post, or nil when the
// thread has no posts.
func (s *Service) latestPostInThread(ctx context.Context, threadID uint32) (*Post, error) {
	descending := false
	var posts []Post
	err := s.store.QueryEntities(ctx, store.QueryInput{
		TableName:              postsTable,
		IndexName:              ByThreadIndex,
		KeyConditionExpression: "thread_id = :tid",
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tid": numAttr(threadID),
		},
		Limit:            1,
		ScanIndexForward: &descending,
	}, &posts)
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, nil
	}
	return &posts[0], nil
}
