// Package responder generates assistant replies: it watches the chat
// message store for user messages, streams a completion back through the
// partial channel, and persists the finished reply as a regular record.
package responder

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hyperengineering/undertow/internal/engine"
	"github.com/hyperengineering/undertow/internal/event"
	"github.com/hyperengineering/undertow/internal/schema"
	"github.com/hyperengineering/undertow/internal/stores"
)

// Message is one turn of a conversation, oldest first.
type Message struct {
	Role    string
	Content string
}

// CompletionStreamer produces a reply to a conversation. emit is called
// with the accumulated reply text after every fragment; the returned
// string is the complete reply.
type CompletionStreamer interface {
	Complete(ctx context.Context, history []Message, emit func(partial string)) (string, error)
}

// Responder subscribes to user chat messages and answers them.
type Responder struct {
	engine   *engine.Database
	streamer CompletionStreamer

	sub event.Subscription
	wg  sync.WaitGroup
}

// New creates a responder; call Start to begin answering.
func New(eng *engine.Database, streamer CompletionStreamer) *Responder {
	return &Responder{engine: eng, streamer: streamer}
}

// Start subscribes to the chat message store. Replies are generated on
// their own goroutines: the event bus delivers synchronously from inside
// the user's write queue, so the handler itself must never write back
// through the engine.
func (r *Responder) Start() {
	r.sub = r.engine.Subscribe(stores.ChatMessage, func(e event.Event) {
		if e.Action != event.Push || e.Record["role"] != "user" {
			return
		}
		chatID, _ := e.Record["chatId"].(string)
		if chatID == "" {
			return
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.respond(e.User, chatID)
		}()
	})
}

// Stop unsubscribes and waits for in-flight replies to finish.
func (r *Responder) Stop() {
	if r.sub != nil {
		r.sub.Unsubscribe()
	}
	r.wg.Wait()
}

func (r *Responder) respond(user, chatID string) {
	ctx := context.Background()
	log := slog.With("component", "responder", "user", user, "chat_id", chatID)

	objs, err := r.engine.GetAllBy(ctx, stores.ChatMessage, user, "chatId", chatID)
	if err != nil {
		log.Error("loading chat history", "error", err)
		return
	}
	history := BuildHistory(objs)
	if len(history) == 0 || history[len(history)-1].Role != "user" {
		// Another reply landed first; nothing to answer.
		return
	}

	stream := r.engine.Partial(stores.ChatMessage, user)
	now := time.Now().UnixMilli()

	text, err := r.streamer.Complete(ctx, history, func(partial string) {
		stream.Update(replyRecord(chatID, partial, now, ""))
	})

	final := replyRecord(chatID, text, now, "")
	if err != nil {
		log.Error("generating reply", "error", err)
		final = replyRecord(chatID, text, now, err.Error())
	}
	if err := stream.Final(ctx, final); err != nil {
		log.Error("persisting reply", "error", err)
	}
}

func replyRecord(chatID, content string, createdAt int64, errText string) schema.Record {
	rec := schema.Record{
		"chatId":    chatID,
		"role":      "assistant",
		"content":   content,
		"createdAt": createdAt,
		"error":     nil,
	}
	if errText != "" {
		rec["error"] = errText
	}
	return rec
}

// BuildHistory orders chat records into conversation turns, oldest first.
func BuildHistory(objs []engine.Object) []Message {
	sorted := make([]engine.Object, len(objs))
	copy(sorted, objs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return asMillis(sorted[i].Record["createdAt"]) < asMillis(sorted[j].Record["createdAt"])
	})

	out := make([]Message, 0, len(sorted))
	for _, o := range sorted {
		role, _ := o.Record["role"].(string)
		content, _ := o.Record["content"].(string)
		if role == "" || content == "" {
			continue
		}
		out = append(out, Message{Role: role, Content: content})
	}
	return out
}

func asMillis(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
