package e2e

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/undertow/internal/event"
	"github.com/hyperengineering/undertow/internal/responder"
	"github.com/hyperengineering/undertow/internal/stores"
)

// scriptedStreamer stands in for the LLM: it streams canned fragments.
type scriptedStreamer struct {
	fragments []string
}

func (s *scriptedStreamer) Complete(ctx context.Context, history []responder.Message, emit func(string)) (string, error) {
	var acc string
	for _, frag := range s.fragments {
		acc += frag
		emit(acc)
	}
	return acc, nil
}

func TestChat_AssistantReplyStreamsToTheDevice(t *testing.T) {
	stack := startStack(t)
	ctx := context.Background()

	r := responder.New(stack.engine, &scriptedStreamer{fragments: []string{"Sure, ", "here you go."}})
	r.Start()
	defer r.Stop()

	phone := newDevice(t, stack, "u1", t.TempDir())
	defer phone.Close()

	var mu sync.Mutex
	var partials []string
	sub := phone.Subscribe(stores.ChatMessage, func(e event.Event) {
		if e.Action == event.Partial {
			mu.Lock()
			partials = append(partials, e.Record["content"].(string))
			mu.Unlock()
		}
	})
	defer sub.Unsubscribe()

	pushAndWait(t, phone, stores.ChatMessage, userMessage("c1", "write me a haiku", 1000))

	waitFor(t, "assistant reply to arrive", func() bool {
		objs, err := phone.GetAllMatches(ctx, stores.ChatMessage, "chatId", "c1")
		if err != nil {
			t.Fatalf("getAllMatches: %v", err)
		}
		if len(objs) < 2 {
			return false
		}
		last := objs[len(objs)-1].Record
		return last["role"] == "assistant" && last["content"] == "Sure, here you go."
	})

	// Streaming fragments arrived before the final record.
	mu.Lock()
	defer mu.Unlock()
	if len(partials) != 2 || partials[0] != "Sure, " || partials[1] != "Sure, here you go." {
		t.Errorf("partials = %v", partials)
	}
}

func TestChat_ClientCannotPushAssistantMessages(t *testing.T) {
	stack := startStack(t)

	phone := newDevice(t, stack, "u1", t.TempDir())
	defer phone.Close()

	rec := userMessage("c1", "forged reply", 1000)
	rec["role"] = "assistant"
	if _, err := phone.Push(stores.ChatMessage, rec); err == nil {
		t.Fatal("push of an assistant message must be rejected locally")
	}
}

func TestChat_ConversationSurvivesReconnect(t *testing.T) {
	stack := startStack(t)
	ctx := context.Background()

	r := responder.New(stack.engine, &scriptedStreamer{fragments: []string{"Reply."}})
	r.Start()
	defer r.Stop()

	phoneDir := t.TempDir()
	phone := newDevice(t, stack, "u1", phoneDir)
	// Wall-clock timestamps: replies are stamped with the current time and
	// the conversation is ordered by it.
	pushAndWait(t, phone, stores.ChatMessage, userMessage("c1", "first", time.Now().UnixMilli()))

	waitFor(t, "reply before disconnect", func() bool {
		objs, err := phone.GetAllMatches(ctx, stores.ChatMessage, "chatId", "c1")
		if err != nil {
			t.Fatalf("getAllMatches: %v", err)
		}
		return len(objs) == 2
	})
	if err := phone.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	phone = newDevice(t, stack, "u1", phoneDir)
	defer phone.Close()
	pushAndWait(t, phone, stores.ChatMessage, userMessage("c1", "second", time.Now().UnixMilli()))

	waitFor(t, "full conversation after reconnect", func() bool {
		objs, err := phone.GetAllMatches(ctx, stores.ChatMessage, "chatId", "c1")
		if err != nil {
			t.Fatalf("getAllMatches: %v", err)
		}
		return len(objs) == 4
	})

	objs, _ := phone.GetAllMatches(ctx, stores.ChatMessage, "chatId", "c1")
	contents := bodies(objs, "content")
	if contents[0] != "first" {
		t.Errorf("conversation order broken: %v", contents)
	}
}
