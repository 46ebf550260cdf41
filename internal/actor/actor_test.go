package actor

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/memclaw/internal/bus"
	"github.com/nextlevelbuilder/memclaw/internal/correlation"
	"github.com/nextlevelbuilder/memclaw/internal/executive"
	"github.com/nextlevelbuilder/memclaw/internal/llm"
	"github.com/nextlevelbuilder/memclaw/internal/memory"
	"github.com/nextlevelbuilder/memclaw/internal/store/file"
	"github.com/nextlevelbuilder/memclaw/pkg/protocol"
)

// mapCache is an in-memory correlation.Cache.
type mapCache struct {
	mu sync.Mutex
	m  map[string]string
}

func newMapCache() *mapCache { return &mapCache{m: map[string]string{}} }

func (c *mapCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok
}

func (c *mapCache) Set(_ context.Context, key, value string, _ time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
	return true
}

func (c *mapCache) Exists(ctx context.Context, key string) bool {
	_, ok := c.Get(ctx, key)
	return ok
}

func newCorrelation() *correlation.Store {
	return correlation.New(newMapCache(), correlation.Config{PollInterval: 20 * time.Millisecond, WaitTimeout: 2 * time.Second})
}

func newBus(t *testing.T) *bus.LocalBus {
	t.Helper()
	b := bus.NewLocal()
	t.Cleanup(func() { b.Close() })
	return b
}

// listen collects decoded messages published to group.
func listen(t *testing.T, b bus.Bus, group string) <-chan protocol.Message {
	t.Helper()
	ch := make(chan protocol.Message, 64)
	unsub, err := b.Subscribe(group, func(_ context.Context, data []byte) {
		if msg, _, err := protocol.Decode(data); err == nil {
			select {
			case ch <- msg:
			default:
			}
		}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(unsub)
	return ch
}

func next(t *testing.T, ch <-chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func publishRaw(t *testing.T, b bus.Bus, group, payload string) {
	t.Helper()
	if err := b.Publish(context.Background(), group, []byte(payload)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

type composerFunc func(ctx context.Context, message string) executive.Composed

func (f composerFunc) Compose(ctx context.Context, message string) executive.Composed { return f(ctx, message) }

type processorFunc func(ctx context.Context, utt executive.Utterance, reply string) executive.Outcome

func (f processorFunc) Process(ctx context.Context, utt executive.Utterance, reply string) executive.Outcome {
	return f(ctx, utt, reply)
}

var noopProcessor = processorFunc(func(context.Context, executive.Utterance, string) executive.Outcome {
	return executive.Outcome{Stage: executive.StageWorkingStored}
})

func startMemoryActor(t *testing.T, b bus.Bus, corr *correlation.Store, p Processor, c Composer, cfg MemoryConfig) *MemoryActor {
	t.Helper()
	a := NewMemoryActor(b, corr, p, c, cfg)
	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(a.Stop)
	return a
}

func TestEndToEnd_TurnStoresAndRecallsMemory(t *testing.T) {
	b := newBus(t)
	corr := newCorrelation()

	backend, err := file.NewBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	adapter := func(c memory.Category) *memory.Adapter {
		coll, _ := backend.Collection(string(c))
		return memory.NewAdapter(memory.AdapterConfig{Category: c, Collection: coll})
	}
	longTerm := adapter(memory.CategoryLongTerm)
	stores := executive.Stores{Rules: adapter(memory.CategoryRule), LongTerm: longTerm, Working: adapter(memory.CategoryWorking)}
	startMemoryActor(t, b, corr,
		executive.New(stores, nil, executive.DefaultThresholds()),
		executive.NewComposer(stores, executive.ComposerConfig{}),
		MemoryConfig{})

	var mu sync.Mutex
	var prompts [][]llm.Message
	gen := llm.GeneratorFunc(func(_ context.Context, msgs []llm.Message) llm.Result {
		mu.Lock()
		prompts = append(prompts, msgs)
		mu.Unlock()
		return llm.Result{Content: "（微笑）好的，  我记住了。"}
	})
	conv := NewConversationActor(b, corr, gen, nil, ConversationConfig{})
	if err := conv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer conv.Stop()
	ctx := context.Background()

	reply, err := conv.HandleUserMessage(ctx, "conn-1", "我喜欢咖啡")
	if err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	if !reply.MemoryFound {
		t.Fatalf("memory not found, context = %q", reply.Context)
	}
	if reply.Context != executive.SectionCurrent+"\n我喜欢咖啡" {
		t.Errorf("first context = %q", reply.Context)
	}
	if reply.Text != "好的， 我记住了。" {
		t.Errorf("reply = %q", reply.Text)
	}
	if stored, _ := corr.Context(ctx, reply.MessageID); stored != reply.Context {
		t.Errorf("correlation entry = %q", stored)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, _ := longTerm.Count(ctx)
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("save_conversation not processed, long-term count = %d", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	reply, err = conv.HandleUserMessage(ctx, "conn-1", "推荐点喝的")
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if !strings.Contains(reply.Context, executive.SectionInterests+"\n- 咖啡") {
		t.Errorf("second context missing interest:\n%s", reply.Context)
	}
	// Drain the second save before the data directory is removed.
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	system := prompts[len(prompts)-1][0]
	if system.Role != llm.RoleSystem || !strings.Contains(system.Content, reply.Context) {
		t.Errorf("system prompt does not carry the memory context: %q", system.Content)
	}
}

func TestConversation_WaitTimeoutUsesPlaceholder(t *testing.T) {
	b := newBus(t)
	corr := newCorrelation()
	gen := llm.GeneratorFunc(func(context.Context, []llm.Message) llm.Result { return llm.Result{Content: "嗯"} })
	conv := NewConversationActor(b, corr, gen, nil, ConversationConfig{WaitTimeout: 100 * time.Millisecond})
	conv.Start()
	defer conv.Stop()

	saves := listen(t, b, protocol.GroupMemory)

	start := time.Now()
	reply, err := conv.HandleUserMessage(context.Background(), "u", "你好")
	if err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	if reply.MemoryFound || reply.Context != correlation.TimeoutPlaceholder {
		t.Errorf("reply = %+v", reply)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("turn took %v", elapsed)
	}

	if _, ok := next(t, saves).(protocol.RetrieveMemory); !ok {
		t.Error("first message to memory group should be retrieve_memory")
	}
	save, ok := next(t, saves).(protocol.SaveConversation)
	if !ok || save.FinalContext != correlation.TimeoutPlaceholder || save.AssistantResponse != "嗯" {
		t.Errorf("save = %+v", save)
	}
}

func TestConversation_GenerationFailure(t *testing.T) {
	b := newBus(t)
	gen := llm.GeneratorFunc(func(context.Context, []llm.Message) llm.Result { return llm.Result{Timeout: true} })
	conv := NewConversationActor(b, newCorrelation(), gen, nil, ConversationConfig{WaitTimeout: 50 * time.Millisecond})
	conv.Start()
	defer conv.Stop()

	reply, err := conv.HandleUserMessage(context.Background(), "u", "你好")
	if err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	if reply.Text != GenerationFailedReply || !reply.Generation.Timeout {
		t.Errorf("reply = %+v", reply)
	}
}

func TestConversation_InputErrors(t *testing.T) {
	b := newBus(t)
	gen := llm.GeneratorFunc(func(context.Context, []llm.Message) llm.Result { return llm.Result{Content: "ok"} })
	limiter := NewRateLimiter(60, 1)
	defer limiter.Stop()
	conv := NewConversationActor(b, newCorrelation(), gen, limiter, ConversationConfig{WaitTimeout: 20 * time.Millisecond})

	if _, err := conv.HandleUserMessage(context.Background(), "u", "hi"); err != ErrNotStarted {
		t.Errorf("before Start: %v", err)
	}
	conv.Start()
	defer conv.Stop()

	if _, err := conv.HandleUserMessage(context.Background(), "u", "   "); err != ErrEmptyMessage {
		t.Errorf("blank: %v", err)
	}
	if _, err := conv.HandleUserMessage(context.Background(), "u", "hi"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := conv.HandleUserMessage(context.Background(), "U", "hi again"); err != ErrRateLimited {
		t.Errorf("second: got %v, want ErrRateLimited", err)
	}
	if _, err := conv.HandleUserMessage(context.Background(), "other", "hi"); err != nil {
		t.Errorf("other source: %v", err)
	}
}

func TestMemoryActor_CacheHitRepublishes(t *testing.T) {
	b := newBus(t)
	corr := newCorrelation()
	var calls atomic.Int32
	composer := composerFunc(func(context.Context, string) executive.Composed {
		calls.Add(1)
		return executive.Composed{Text: "fresh"}
	})
	startMemoryActor(t, b, corr, noopProcessor, composer, MemoryConfig{})
	ready := listen(t, b, protocol.GroupConversation)

	corr.PutContext(context.Background(), "m1", "cached context")
	bus.Send(context.Background(), b, protocol.GroupMemory, protocol.RetrieveMemory{MessageID: "m1", UserMessage: "x"}, "")

	msg, ok := next(t, ready).(protocol.MemoryReady)
	if !ok || msg.FinalContext != "cached context" {
		t.Errorf("memory_ready = %+v", msg)
	}
	if calls.Load() != 0 {
		t.Errorf("composer called %d times on cache hit", calls.Load())
	}
}

func TestMemoryActor_ComposeRetryThenPlaceholder(t *testing.T) {
	b := newBus(t)
	corr := newCorrelation()
	var calls atomic.Int32
	composer := composerFunc(func(context.Context, string) executive.Composed {
		calls.Add(1)
		return executive.Composed{Diagnostic: "store offline"}
	})
	startMemoryActor(t, b, corr, noopProcessor, composer, MemoryConfig{RetryDelay: time.Millisecond})
	ready := listen(t, b, protocol.GroupConversation)

	bus.Send(context.Background(), b, protocol.GroupMemory, protocol.RetrieveMemory{MessageID: "m2", UserMessage: "x"}, "")

	msg, ok := next(t, ready).(protocol.MemoryReady)
	if !ok || msg.FinalContext != UnavailablePlaceholder {
		t.Errorf("memory_ready = %+v", msg)
	}
	if calls.Load() != 3 {
		t.Errorf("composer called %d times, want 3", calls.Load())
	}
	if v, _ := corr.Context(context.Background(), "m2"); v != UnavailablePlaceholder {
		t.Errorf("correlation entry = %q", v)
	}
	if v, _ := corr.UserMessage(context.Background(), "m2"); v != "x" {
		t.Errorf("user message entry = %q", v)
	}
}

func TestMemoryActor_DuplicateRetrieveIgnored(t *testing.T) {
	b := newBus(t)
	composer := composerFunc(func(context.Context, string) executive.Composed { return executive.Composed{Text: "ctx"} })
	startMemoryActor(t, b, newCorrelation(), noopProcessor, composer, MemoryConfig{})
	ready := listen(t, b, protocol.GroupConversation)

	req := protocol.RetrieveMemory{MessageID: "dup", UserMessage: "x"}
	bus.Send(context.Background(), b, protocol.GroupMemory, req, "")
	next(t, ready)
	bus.Send(context.Background(), b, protocol.GroupMemory, req, "")

	select {
	case msg := <-ready:
		t.Errorf("duplicate produced %T", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMemoryActor_SaveConversationProcesses(t *testing.T) {
	b := newBus(t)
	got := make(chan executive.Utterance, 1)
	replies := make(chan string, 1)
	p := processorFunc(func(_ context.Context, utt executive.Utterance, reply string) executive.Outcome {
		got <- utt
		replies <- reply
		return executive.Outcome{Stage: executive.StageLongTermCreated}
	})
	startMemoryActor(t, b, newCorrelation(), p, composerFunc(func(context.Context, string) executive.Composed {
		return executive.Composed{}
	}), MemoryConfig{})

	bus.Send(context.Background(), b, protocol.GroupMemory, protocol.SaveConversation{
		MessageID: "s1", UserMessage: "我喜欢猫", AssistantResponse: "猫很可爱",
	}, protocol.GroupConversation)

	select {
	case utt := <-got:
		if utt.Text != "我喜欢猫" || <-replies != "猫很可爱" {
			t.Errorf("processed %+v", utt)
		}
		if utt.Timestamp.IsZero() {
			t.Error("timestamp not taken from message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("save_conversation not processed")
	}
}

func TestActors_ErrorReplies(t *testing.T) {
	b := newBus(t)
	startMemoryActor(t, b, newCorrelation(), noopProcessor, composerFunc(func(context.Context, string) executive.Composed {
		return executive.Composed{}
	}), MemoryConfig{})
	probe := listen(t, b, "probe")
	peer := listen(t, b, protocol.GroupConversation)

	tests := []struct {
		name    string
		payload string
		from    <-chan protocol.Message
		want    protocol.Message
	}{
		{"unknown_type", `{"type":"bogus","reply_to":"probe"}`, probe,
			protocol.ErrorReply{Message: protocol.TextUnknownType, Code: protocol.CodeUnknownType}},
		{"missing_id", `{"type":"retrieve_memory","reply_to":"probe"}`, probe,
			protocol.ErrorReply{Message: protocol.TextInvalidMessage, Code: protocol.CodeInvalidMessage}},
		{"malformed_json_goes_to_peer", `{not json`, peer,
			protocol.ErrorReply{Message: protocol.TextInvalidMessage, Code: protocol.CodeInvalidMessage}},
		{"heartbeat", `{"type":"heartbeat","reply_to":"probe"}`, probe, protocol.Pong{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			publishRaw(t, b, protocol.GroupMemory, tt.payload)
			if got := next(t, tt.from); got != tt.want {
				t.Errorf("reply = %#v, want %#v", got, tt.want)
			}
		})
	}

	publishRaw(t, b, protocol.GroupMemory, `{"type":"memory_ready","message_id":"x","reply_to":"probe"}`)
	reply, ok := next(t, probe).(protocol.ErrorReply)
	if !ok || reply.Code != protocol.CodeUnsupported {
		t.Errorf("unsupported kind reply = %#v", reply)
	}
}

func TestConversation_NoticesAndPong(t *testing.T) {
	b := newBus(t)
	notices := make(chan protocol.SystemMessage, 1)
	pongs := make(chan struct{}, 1)
	conv := NewConversationActor(b, newCorrelation(), nil, nil, ConversationConfig{
		OnNotice: func(m protocol.SystemMessage) { notices <- m },
		OnPong:   func() { pongs <- struct{}{} },
	})
	conv.Start()
	defer conv.Stop()

	bus.Send(context.Background(), b, protocol.GroupConversation, protocol.SystemMessage{Message: "降级", Level: protocol.LevelError}, "")
	bus.Send(context.Background(), b, protocol.GroupConversation, protocol.Pong{}, "")

	select {
	case m := <-notices:
		if m.Level != protocol.LevelError {
			t.Errorf("notice = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notice not delivered")
	}
	select {
	case <-pongs:
	case <-time.After(2 * time.Second):
		t.Fatal("pong not observed")
	}
}

func TestConversation_MemoryReadyFillsMissingEntry(t *testing.T) {
	b := newBus(t)
	corr := newCorrelation()
	conv := NewConversationActor(b, corr, nil, nil, ConversationConfig{})
	conv.OnMemoryReady(context.Background(), protocol.MemoryReady{MessageID: "r1", FinalContext: "remote"}, protocol.Meta{})
	if v, ok := corr.Context(context.Background(), "r1"); !ok || v != "remote" {
		t.Errorf("entry = %q, %v", v, ok)
	}
}
