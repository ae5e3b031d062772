package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// conversationTurnLimit caps how many prior successful turns are hydrated
// into the next request.
const conversationTurnLimit = 3

// ThreadInfo identifies the thread a turn belongs to; ids are generated
// when the caller supplies none.
type ThreadInfo struct {
	ThreadID    string
	SubThreadID string
	// Generated marks a thread created for this request; generated threads
	// skip GPT-memory attachment.
	Generated bool
}

// Conversations hydrates prior turns through the Redis conversation cache
// with a document-store fallback, and refreshes the cache after each turn.
// Cache writes are last-writer-wins; reads prefer the cache.
type Conversations struct {
	cache  *CacheService
	store  DocStore
	logger Logger
}

// NewConversations wires the conversation service.
func NewConversations(cache *CacheService, store DocStore, logger Logger) *Conversations {
	return &Conversations{cache: cache, store: store, logger: logger}
}

func conversationKey(versionID, threadID, subThreadID string) string {
	return keyConversation + versionID + "_" + threadID + "_" + subThreadID
}

// ManageThreads normalizes thread ids and loads the hydrated conversation.
// A missing thread id creates a fresh thread (UUIDv1) with no history.
func (c *Conversations) ManageThreads(ctx context.Context, orgID, bridgeID, versionID, threadID, subThreadID string) (ThreadInfo, []ConversationMessage) {
	if threadID == "" {
		id := newUUIDv1()
		return ThreadInfo{ThreadID: id, SubThreadID: id, Generated: true}, nil
	}
	if subThreadID == "" {
		subThreadID = threadID
	}
	info := ThreadInfo{ThreadID: threadID, SubThreadID: subThreadID}

	var cached []ConversationMessage
	if found, _ := c.cache.FindJSON(ctx, conversationKey(versionID, threadID, subThreadID), &cached); found {
		return info, cached
	}

	history, err := c.store.GetThreadHistory(ctx, orgID, threadID, subThreadID, bridgeID, conversationTurnLimit)
	if err != nil {
		c.logger.Warn(ctx, "thread history load failed",
			F("thread_id", threadID), F("error", err.Error()))
		return info, nil
	}
	return info, history
}

// Refresh rewrites the conversation cache after a completed turn, keeping
// the most recent turns only.
func (c *Conversations) Refresh(ctx context.Context, versionID string, info ThreadInfo, prior []ConversationMessage, user, assistant string) {
	messages := append([]ConversationMessage{}, prior...)
	if user != "" {
		messages = append(messages, ConversationMessage{Role: "user", Content: user})
	}
	if assistant != "" {
		messages = append(messages, ConversationMessage{Role: "assistant", Content: assistant})
	}
	if max := conversationTurnLimit * 2; len(messages) > max {
		messages = messages[len(messages)-max:]
	}
	if err := c.cache.Store(ctx, conversationKey(versionID, info.ThreadID, info.SubThreadID), messages, 0); err != nil {
		c.logger.Warn(ctx, "conversation cache write failed",
			F("thread_id", info.ThreadID), F("error", err.Error()))
	}
}

// PendingFiles returns the cached PDF urls attached to this thread, if any.
func (c *Conversations) PendingFiles(ctx context.Context, bridgeID, threadID, subThreadID string) []string {
	var files []string
	if found, _ := c.cache.FindJSON(ctx, keyFiles+bridgeID+"_"+threadID+"_"+subThreadID, &files); found {
		return files
	}
	return nil
}

// fileCacheTTL keeps thread file attachments alive for a week.
const fileCacheTTL = 604800 * time.Second

// SaveFiles refreshes the (bridge, thread) file cache: identical content
// only extends the TTL, new content rewrites the entry.
func (c *Conversations) SaveFiles(ctx context.Context, bridgeID, threadID, subThreadID string, files []string) {
	if len(files) == 0 {
		return
	}
	cacheKey := keyFiles + bridgeID + "_" + threadID + "_" + subThreadID
	var existing []string
	if found, _ := c.cache.FindJSON(ctx, cacheKey, &existing); found && equalStrings(existing, files) {
		_ = c.cache.Expire(ctx, cacheKey, fileCacheTTL)
		return
	}
	_ = c.cache.Store(ctx, cacheKey, files, fileCacheTTL)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// newUUIDv1 returns a time-ordered id; falls back to v4 when the node
// interface is unavailable.
func newUUIDv1() string {
	if id, err := uuid.NewUUID(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
