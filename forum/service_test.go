package forum_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/arbor/forum"
	"github.com/jacentio/arbor/internal/dynamotest"
	"github.com/jacentio/arbor/store"
)

// newHarness builds a Service over the in-memory fake with the full
// collection layout, counters at zero, and one "General" forum listed by
// one "Main" category.
func newHarness(t *testing.T, cfg store.Config) (*forum.Service, *store.Store, *dynamotest.Fake) {
	t.Helper()

	fake := dynamotest.New()
	fake.CreateTable("categories", "name")
	fake.CreateTable("forums", "id")
	fake.CreateTable("threads", "id",
		dynamotest.Index{Name: forum.ByForumIndex, PartitionAttr: "forum_id", SortAttr: "id"},
	)
	fake.CreateTable("posts", "id",
		dynamotest.Index{Name: forum.ByThreadIndex, PartitionAttr: "thread_id", SortAttr: "id"},
		dynamotest.Index{Name: forum.ByRecencyIndex, PartitionAttr: "recency_shard", SortAttr: "id"},
	)
	fake.CreateTable("counters", "category")
	for _, category := range []string{forum.CategoryThread, forum.CategoryPost} {
		seedCounter(fake, category, 0)
	}

	st, err := store.New(fake, cfg, forum.Bindings())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	ctx := context.Background()
	if err := st.PutEntity(ctx, forum.Forum{ID: 1, Name: "General"}); err != nil {
		t.Fatalf("seed forum: %v", err)
	}
	category := forum.Category{
		Name:   "Main",
		Order:  1,
		Forums: []forum.ForumRef{{ID: 1, Name: "General"}},
	}
	if err := st.PutEntity(ctx, category); err != nil {
		t.Fatalf("seed category: %v", err)
	}

	svc, err := forum.New(st, nil)
	if err != nil {
		t.Fatalf("forum.New: %v", err)
	}

	// The seeds above went through PutEntity; reset the write-attempt
	// counters so tests only observe their own writes.
	fake.PutCalls, fake.UpdateCalls = 0, 0
	return svc, st, fake
}

func seedCounter(fake *dynamotest.Fake, category string, sequence int64) {
	fake.Seed("counters", map[string]types.AttributeValue{
		"category": &types.AttributeValueMemberS{Value: category},
		"sequence": &types.AttributeValueMemberN{Value: strconv.FormatInt(sequence, 10)},
	})
}

func seedPost(t *testing.T, st *store.Store, id, threadID uint32, createdAtMs int64) {
	t.Helper()
	post := forum.Post{
		ID:           id,
		ThreadID:     threadID,
		Content:      "seeded",
		CreatedAt:    forum.Millis(time.UnixMilli(createdAtMs).UTC()),
		RecencyShard: st.RecencyPK("post", id),
	}
	if err := st.PutEntity(context.Background(), post); err != nil {
		t.Fatalf("seed post %d: %v", id, err)
	}
}

func TestNew_NilStore(t *testing.T) {
	_, err := forum.New(nil, nil)
	if !errors.Is(err, store.ErrStoreNotAvailable) {
		t.Errorf("expected ErrStoreNotAvailable, got %v", err)
	}
}

// --- Categories and Forums ---

func TestListCategories_SortedByOrder(t *testing.T) {
	svc, st, _ := newHarness(t, store.DefaultConfig())
	ctx := context.Background()

	for _, c := range []forum.Category{
		{Name: "Archive", Order: 3},
		{Name: "Off Topic", Order: 2},
	} {
		if err := st.PutEntity(ctx, c); err != nil {
			t.Fatalf("PutEntity: %v", err)
		}
	}

	categories, err := svc.ListCategories(ctx)
	if err != nil {
		t.Fatalf("ListCategories: %v", err)
	}

	want := []string{"Main", "Off Topic", "Archive"}
	if len(categories) != len(want) {
		t.Fatalf("expected %d categories, got %d", len(want), len(categories))
	}
	for i, name := range want {
		if categories[i].Name != name {
			t.Errorf("position %d: expected %q, got %q", i, name, categories[i].Name)
		}
	}
}

func TestGetForum(t *testing.T) {
	svc, _, _ := newHarness(t, store.DefaultConfig())

	info, err := svc.GetForum(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetForum: %v", err)
	}
	if info.Forum.Name != "General" {
		t.Errorf("expected forum 'General', got %q", info.Forum.Name)
	}
	if info.Category != "Main" {
		t.Errorf("expected category 'Main', got %q", info.Category)
	}
}

func TestGetForum_Unlisted(t *testing.T) {
	svc, st, _ := newHarness(t, store.DefaultConfig())
	ctx := context.Background()

	// A forum no category embeds still resolves, with an empty category.
	if err := st.PutEntity(ctx, forum.Forum{ID: 2, Name: "Hidden"}); err != nil {
		t.Fatalf("PutEntity: %v", err)
	}

	info, err := svc.GetForum(ctx, 2)
	if err != nil {
		t.Fatalf("GetForum: %v", err)
	}
	if info.Category != "" {
		t.Errorf("expected empty category, got %q", info.Category)
	}
}

func TestGetForum_NotFound(t *testing.T) {
	svc, _, _ := newHarness(t, store.DefaultConfig())

	_, err := svc.GetForum(context.Background(), 999)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var nf *store.NotFoundError
	if !errors.As(err, &nf) || nf.Kind != "forum" || nf.ID != 999 {
		t.Errorf("expected NotFoundError{forum 999}, got %v", err)
	}
}

// --- CreateThread ---

func TestCreateThread(t *testing.T) {
	svc, _, _ := newHarness(t, store.DefaultConfig())
	ctx := context.Background()

	threadID, err := svc.CreateThread(ctx, 1, "First thread", "Opening words")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if threadID != 1 {
		t.Errorf("expected thread id 1, got %d", threadID)
	}

	thread, err := svc.GetThread(ctx, threadID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if thread.ForumID != 1 {
		t.Errorf("expected forum id 1, got %d", thread.ForumID)
	}
	if thread.Subject != "First thread" {
		t.Errorf("expected subject 'First thread', got %q", thread.Subject)
	}

	posts, err := svc.ListPosts(ctx, threadID)
	if err != nil {
		t.Fatalf("ListPosts: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("expected 1 post, got %d", len(posts))
	}
	if posts[0].ID != thread.OriginPostID {
		t.Errorf("origin post id %d does not match listed post %d", thread.OriginPostID, posts[0].ID)
	}
	if posts[0].Content != "Opening words" {
		t.Errorf("expected origin content, got %q", posts[0].Content)
	}
	if posts[0].ThreadID != threadID {
		t.Errorf("expected thread id %d on post, got %d", threadID, posts[0].ThreadID)
	}
}

func TestCreateThread_SequenceContinues(t *testing.T) {
	svc, _, fake := newHarness(t, store.DefaultConfig())
	seedCounter(fake, forum.CategoryThread, 5)

	id, err := svc.CreateThread(context.Background(), 1, "Sixth", "body")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if id != 6 {
		t.Errorf("expected thread id 6 from counter at 5, got %d", id)
	}
}

func TestCreateThread_Validation(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		content string
		wantErr error
	}{
		{"empty subject", "", "body", forum.ErrEmptySubject},
		{"empty content", "Subject", "", forum.ErrEmptyContent},
		{"both empty rejects on subject", "", "", forum.ErrEmptySubject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, fake := newHarness(t, store.DefaultConfig())

			_, err := svc.CreateThread(context.Background(), 1, tt.subject, tt.content)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			// Validation failures must not touch storage.
			if fake.PutCalls != 0 || fake.UpdateCalls != 0 {
				t.Errorf("expected no writes, got %d puts and %d updates", fake.PutCalls, fake.UpdateCalls)
			}
		})
	}
}

func TestCreateThread_ForumNotFound(t *testing.T) {
	svc, _, fake := newHarness(t, store.DefaultConfig())

	_, err := svc.CreateThread(context.Background(), 999, "Subject", "body")
	var nf *store.NotFoundError
	if !errors.As(err, &nf) || nf.Kind != "forum" || nf.ID != 999 {
		t.Fatalf("expected NotFoundError{forum 999}, got %v", err)
	}
	// No ids burned, nothing written.
	if fake.PutCalls != 0 || fake.UpdateCalls != 0 {
		t.Errorf("expected no writes, got %d puts and %d updates", fake.PutCalls, fake.UpdateCalls)
	}
}

func TestCreateThread_CounterNotProvisioned(t *testing.T) {
	svc, _, fake := newHarness(t, store.DefaultConfig())

	// Rebuild the counters table without the thread counter row.
	fake.CreateTable("counters", "category")
	seedCounter(fake, forum.CategoryPost, 0)

	_, err := svc.CreateThread(context.Background(), 1, "Subject", "body")
	if !errors.Is(err, store.ErrCounterNotProvisioned) {
		t.Errorf("expected ErrCounterNotProvisioned, got %v", err)
	}
}

// --- CreatePost ---

func TestCreatePost(t *testing.T) {
	svc, _, _ := newHarness(t, store.DefaultConfig())
	ctx := context.Background()

	threadID, err := svc.CreateThread(ctx, 1, "Subject", "origin")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	postID, err := svc.CreatePost(ctx, threadID, "a reply")
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	if postID != 2 {
		t.Errorf("expected post id 2 after origin post 1, got %d", postID)
	}

	count, err := svc.CountPosts(ctx, threadID)
	if err != nil {
		t.Fatalf("CountPosts: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 posts, got %d", count)
	}
}

func TestCreatePost_EmptyContent(t *testing.T) {
	svc, _, fake := newHarness(t, store.DefaultConfig())

	_, err := svc.CreatePost(context.Background(), 1, "")
	if !errors.Is(err, forum.ErrEmptyContent) {
		t.Errorf("expected ErrEmptyContent, got %v", err)
	}
	if fake.PutCalls != 0 || fake.UpdateCalls != 0 {
		t.Errorf("expected no writes, got %d puts and %d updates", fake.PutCalls, fake.UpdateCalls)
	}
}

func TestCreatePost_ThreadNotFound(t *testing.T) {
	svc, _, fake := newHarness(t, store.DefaultConfig())

	_, err := svc.CreatePost(context.Background(), 999, "content")
	var nf *store.NotFoundError
	if !errors.As(err, &nf) || nf.Kind != "thread" || nf.ID != 999 {
		t.Fatalf("expected NotFoundError{thread 999}, got %v", err)
	}
	if fake.PutCalls != 0 || fake.UpdateCalls != 0 {
		t.Errorf("expected no writes, got %d puts and %d updates", fake.PutCalls, fake.UpdateCalls)
	}
}

func TestCreatePost_ConcurrentDistinctIDs(t *testing.T) {
	svc, st, fake := newHarness(t, store.DefaultConfig())
	ctx := context.Background()

	if err := st.PutEntity(ctx, forum.Thread{ID: 1, ForumID: 1, OriginPostID: 1, Subject: "s"}); err != nil {
		t.Fatalf("seed thread: %v", err)
	}
	seedCounter(fake, forum.CategoryPost, 5)

	ids := make(chan uint32, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := svc.CreatePost(ctx, 1, "concurrent reply")
			if err != nil {
				t.Errorf("CreatePost: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint32]bool)
	for id := range ids {
		seen[id] = true
	}
	if !seen[6] || !seen[7] {
		t.Errorf("expected ids {6, 7}, got %v", seen)
	}

	count, err := svc.CountPosts(ctx, 1)
	if err != nil {
		t.Fatalf("CountPosts: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 posts, got %d", count)
	}
}

// --- Listings ---

func TestListThreads_NewestFirst(t *testing.T) {
	svc, _, _ := newHarness(t, store.DefaultConfig())
	ctx := context.Background()

	for _, subject := range []string{"first", "second", "third"} {
		if _, err := svc.CreateThread(ctx, 1, subject, "body"); err != nil {
			t.Fatalf("CreateThread: %v", err)
		}
	}

	threads, err := svc.ListThreads(ctx, 1)
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(threads) != 3 {
		t.Fatalf("expected 3 threads, got %d", len(threads))
	}
	want := []string{"third", "second", "first"}
	for i, subject := range want {
		if threads[i].Subject != subject {
			t.Errorf("position %d: expected %q, got %q", i, subject, threads[i].Subject)
		}
	}
}

func TestListThreads_EmptyForum(t *testing.T) {
	svc, _, _ := newHarness(t, store.DefaultConfig())

	threads, err := svc.ListThreads(context.Background(), 999)
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(threads) != 0 {
		t.Errorf("expected no threads, got %d", len(threads))
	}
}

func TestListThreadsByActivity(t *testing.T) {
	svc, st, _ := newHarness(t, store.DefaultConfig())
	ctx := context.Background()

	// Thread 3 has a projected last_post_at; 1 and 2 rely on the
	// latest-post fallback.
	for _, th := range []forum.Thread{
		{ID: 1, ForumID: 1, OriginPostID: 10, Subject: "old"},
		{ID: 2, ForumID: 1, OriginPostID: 11, Subject: "busy"},
		{ID: 3, ForumID: 1, OriginPostID: 12, Subject: "projected", LastPostAt: 5000},
	} {
		if err := st.PutEntity(ctx, th); err != nil {
			t.Fatalf("seed thread: %v", err)
		}
	}
	seedPost(t, st, 10, 1, 1000)
	seedPost(t, st, 11, 2, 2000)
	seedPost(t, st, 13, 2, 4000)

	threads, err := svc.ListThreadsByActivity(ctx, 1)
	if err != nil {
		t.Fatalf("ListThreadsByActivity: %v", err)
	}

	want := []struct {
		id         uint32
		lastPostAt int64
	}{
		{3, 5000},
		{2, 4000},
		{1, 1000},
	}
	if len(threads) != len(want) {
		t.Fatalf("expected %d threads, got %d", len(want), len(threads))
	}
	for i, w := range want {
		if threads[i].ID != w.id {
			t.Errorf("position %d: expected thread %d, got %d", i, w.id, threads[i].ID)
		}
		if threads[i].LastPostAt != w.lastPostAt {
			t.Errorf("thread %d: expected last_post_at %d, got %d", threads[i].ID, w.lastPostAt, threads[i].LastPostAt)
		}
	}
}

func TestListPosts_Ascending(t *testing.T) {
	svc, _, _ := newHarness(t, store.DefaultConfig())
	ctx := context.Background()

	threadID, err := svc.CreateThread(ctx, 1, "Subject", "origin")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	for _, content := range []string{"reply one", "reply two"} {
		if _, err := svc.CreatePost(ctx, threadID, content); err != nil {
			t.Fatalf("CreatePost: %v", err)
		}
	}

	posts, err := svc.ListPosts(ctx, threadID)
	if err != nil {
		t.Fatalf("ListPosts: %v", err)
	}
	if len(posts) != 3 {
		t.Fatalf("expected 3 posts, got %d", len(posts))
	}
	for i := 1; i < len(posts); i++ {
		if posts[i].ID <= posts[i-1].ID {
			t.Errorf("expected ascending ids, got %d after %d", posts[i].ID, posts[i-1].ID)
		}
	}
	if posts[0].Content != "origin" {
		t.Errorf("expected origin post first, got %q", posts[0].Content)
	}
}

func TestLatestPosts(t *testing.T) {
	cfg := store.DefaultConfig()
	cfg.RecencyShards = 4
	svc, _, _ := newHarness(t, cfg)
	ctx := context.Background()

	threadID, err := svc.CreateThread(ctx, 1, "Subject", "origin")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	for i := 0; i < 7; i++ {
		if _, err := svc.CreatePost(ctx, threadID, "reply"); err != nil {
			t.Fatalf("CreatePost: %v", err)
		}
	}

	posts, err := svc.LatestPosts(ctx, 5)
	if err != nil {
		t.Fatalf("LatestPosts: %v", err)
	}
	if len(posts) != 5 {
		t.Fatalf("expected 5 posts, got %d", len(posts))
	}
	// Newest first across all shards, ids 8 down to 4.
	for i, id := range []uint32{8, 7, 6, 5, 4} {
		if posts[i].ID != id {
			t.Errorf("position %d: expected post %d, got %d", i, id, posts[i].ID)
		}
	}
	for _, p := range posts {
		if !strings.HasPrefix(p.RecencyShard, "post#") {
			t.Errorf("post %d: unexpected recency shard %q", p.ID, p.RecencyShard)
		}
	}
}

// --- Counts ---

func TestCounts_MissingParents(t *testing.T) {
	svc, _, _ := newHarness(t, store.DefaultConfig())
	ctx := context.Background()

	// Counting under a non-existent parent is 0, never an error.
	if n, err := svc.CountThreads(ctx, 999); err != nil || n != 0 {
		t.Errorf("CountThreads: expected 0, nil; got %d, %v", n, err)
	}
	if n, err := svc.CountPosts(ctx, 999); err != nil || n != 0 {
		t.Errorf("CountPosts: expected 0, nil; got %d, %v", n, err)
	}
}

func TestCountThreads(t *testing.T) {
	svc, _, _ := newHarness(t, store.DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.CreateThread(ctx, 1, "Subject", "body"); err != nil {
			t.Fatalf("CreateThread: %v", err)
		}
	}

	n, err := svc.CountThreads(ctx, 1)
	if err != nil {
		t.Fatalf("CountThreads: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 threads, got %d", n)
	}
}
