package bus

import (
	"sync"
	"testing"
	"time"
)

func TestValidateSubject(t *testing.T) {
	tests := []struct {
		subject string
		wantErr bool
	}{
		{"foo", false},
		{"foo.bar", false},
		{"market.events.>", false},
		{"", true},
		{"foo..bar", true},
		{"foo bar", true},
	}

	for _, tt := range tests {
		err := ValidateSubject(tt.subject)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateSubject(%q) = %v, wantErr %v", tt.subject, err, tt.wantErr)
		}
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"a.b", "a.b", true},
		{"a.b", "a.c", false},
		{"a.*", "a.b", true},
		{"a.*", "a.b.c", false},
		{"a.>", "a.b.c", true},
		{"a.>", "a", false},
		{"*.b", "a.b", true},
		{"a.b.c", "a.b", false},
	}
	for _, tt := range tests {
		if got := MatchSubject(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("MatchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestMemoryBus_PublishWithoutSubscribers(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	if err := bus.Publish("test", []byte("hello")); err != nil {
		t.Errorf("Publish error: %v", err)
	}
	if err := bus.Publish("", []byte("hello")); err != ErrInvalidSubject {
		t.Errorf("expected ErrInvalidSubject, got %v", err)
	}
}

func TestMemoryBus_Subscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, err := bus.Subscribe("test")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	if err := bus.Publish("test", []byte("hello")); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "hello" || msg.Subject != "test" {
			t.Errorf("unexpected message %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestMemoryBus_WildcardFanOut(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	all, _ := bus.Subscribe("market.events.>")
	created, _ := bus.Subscribe("market.events.task_created")

	_ = bus.Publish("market.events.task_created", []byte("1"))
	_ = bus.Publish("market.events.task_deleted", []byte("2"))

	if n := len(all.Messages()); n != 2 {
		t.Errorf("wildcard subscriber got %d messages, want 2", n)
	}
	if n := len(created.Messages()); n != 1 {
		t.Errorf("exact subscriber got %d messages, want 1", n)
	}
}

func TestMemoryBus_DropsWhenFull(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 1})
	defer bus.Close()

	sub, _ := bus.Subscribe("x")
	for i := 0; i < 5; i++ {
		if err := bus.Publish("x", []byte{byte(i)}); err != nil {
			t.Fatalf("Publish must not fail on full buffer: %v", err)
		}
	}
	if n := len(sub.Messages()); n != 1 {
		t.Errorf("expected 1 buffered message, got %d", n)
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("test")
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe error: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("second Unsubscribe should be nil, got %v", err)
	}

	_ = bus.Publish("test", []byte("late"))
	if _, ok := <-sub.Messages(); ok {
		t.Error("expected closed channel after Unsubscribe")
	}
}

func TestMemoryBus_Close(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	sub, _ := bus.Subscribe("test")

	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Error("subscription channel should be closed")
	}
	if err := bus.Publish("test", nil); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := bus.Subscribe("test"); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("Unsubscribe after Close should be nil, got %v", err)
	}
}

func TestMemoryBus_ConcurrentPublishUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 4})
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		sub, _ := bus.Subscribe("race")
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = bus.Publish("race", []byte("x"))
			}
		}()
		go func() {
			defer wg.Done()
			_ = sub.Unsubscribe()
		}()
	}
	wg.Wait()
}
