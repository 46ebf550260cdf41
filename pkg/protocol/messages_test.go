package protocol

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEncodeDecode_SaveConversation(t *testing.T) {
	sent := time.UnixMilli(1700000000000)
	in := SaveConversation{MessageID: "m1", UserMessage: "你好", AssistantResponse: "hi", FinalContext: "ctx"}
	data, err := Encode(in, Meta{ReplyTo: GroupConversation, SentAt: sent})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	msg, meta, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	out, ok := msg.(SaveConversation)
	if !ok {
		t.Fatalf("decoded %T, want SaveConversation", msg)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
	if meta.ReplyTo != GroupConversation || !meta.SentAt.Equal(sent) {
		t.Errorf("unexpected meta %+v", meta)
	}
}

func TestDecode_UnknownKindKeepsMeta(t *testing.T) {
	_, meta, err := Decode([]byte(`{"type":"teleport","reply_to":"llm_group"}`))
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if meta.ReplyTo != "llm_group" {
		t.Errorf("reply_to lost: %+v", meta)
	}
}

func TestDecode_Malformed(t *testing.T) {
	if _, _, err := Decode([]byte(`not json`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecode_MissingMessageID(t *testing.T) {
	if _, _, err := Decode([]byte(`{"type":"retrieve_memory","user_message":"x"}`)); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestDecode_SystemMessageDefaultLevel(t *testing.T) {
	msg, _, err := Decode([]byte(`{"type":"system_message","message":"hello"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if sm := msg.(SystemMessage); sm.Level != LevelInfo {
		t.Errorf("level = %q, want %q", sm.Level, LevelInfo)
	}
}

func TestKindValid(t *testing.T) {
	for _, k := range Kinds {
		if !k.Valid() {
			t.Errorf("%q should be valid", k)
		}
	}
	if Kind("nope").Valid() {
		t.Error("unknown kind reported valid")
	}
}

type recordingHandler struct{ got []Kind }

func (r *recordingHandler) OnRetrieveMemory(context.Context, RetrieveMemory, Meta) {
	r.got = append(r.got, KindRetrieveMemory)
}
func (r *recordingHandler) OnMemoryReady(context.Context, MemoryReady, Meta) {
	r.got = append(r.got, KindMemoryReady)
}
func (r *recordingHandler) OnSaveConversation(context.Context, SaveConversation, Meta) {
	r.got = append(r.got, KindSaveConversation)
}
func (r *recordingHandler) OnSystemMessage(context.Context, SystemMessage, Meta) {
	r.got = append(r.got, KindSystemMessage)
}
func (r *recordingHandler) OnHeartbeat(context.Context, Heartbeat, Meta) {
	r.got = append(r.got, KindHeartbeat)
}
func (r *recordingHandler) OnPong(context.Context, Pong, Meta) { r.got = append(r.got, KindPong) }
func (r *recordingHandler) OnError(context.Context, ErrorReply, Meta) {
	r.got = append(r.got, KindError)
}

func TestDispatch_EveryKindReachesItsMethod(t *testing.T) {
	msgs := []Message{
		RetrieveMemory{MessageID: "1"},
		MemoryReady{MessageID: "1"},
		SaveConversation{MessageID: "1"},
		SystemMessage{},
		Heartbeat{},
		Pong{},
		ErrorReply{},
	}
	h := &recordingHandler{}
	for _, m := range msgs {
		Dispatch(context.Background(), h, m, Meta{})
	}
	if len(h.got) != len(Kinds) {
		t.Fatalf("dispatched %d, want %d", len(h.got), len(Kinds))
	}
	for i, k := range Kinds {
		if h.got[i] != k {
			t.Errorf("position %d: got %q, want %q", i, h.got[i], k)
		}
	}
}
