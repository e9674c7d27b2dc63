package router

import (
	"sync"
	"testing"
	"time"
)

func TestGrowableBuffer_SendReceive(t *testing.T) {
	buf := NewGrowableBuffer[int](10, 0)

	for i := 0; i < 5; i++ {
		if !buf.Send(i) {
			t.Fatalf("Send(%d) returned false", i)
		}
	}
	if buf.Len() != 5 {
		t.Errorf("Len() = %d, want 5", buf.Len())
	}

	for i := 0; i < 5; i++ {
		val, ok := buf.TryReceive()
		if !ok || val != i {
			t.Fatalf("TryReceive() = %d, %v; want %d, true", val, ok, i)
		}
	}
	if _, ok := buf.TryReceive(); ok {
		t.Error("TryReceive on empty buffer should fail")
	}
}

func TestGrowableBuffer_Growth(t *testing.T) {
	tests := []struct {
		name        string
		initial     int
		max         int
		sends       int
		wantCap     int
		wantDropped int64
		wantFirst   int
	}{
		{"grows at 70%", 10, 0, 7, 20, 0, 0},
		{"many grows", 4, 0, 100, 256, 0, 0},
		{"capped", 4, 8, 20, 8, 12, 12},
		{"single slot", 1, 1, 3, 1, 2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := NewGrowableBuffer[int](tt.initial, tt.max)
			for i := 0; i < tt.sends; i++ {
				buf.Send(i)
			}

			stats := buf.Stats()
			if stats.Capacity != tt.wantCap {
				t.Errorf("Capacity = %d, want %d", stats.Capacity, tt.wantCap)
			}
			if stats.Dropped != tt.wantDropped {
				t.Errorf("Dropped = %d, want %d", stats.Dropped, tt.wantDropped)
			}
			if first, _ := buf.TryReceive(); first != tt.wantFirst {
				t.Errorf("first = %d, want %d", first, tt.wantFirst)
			}
		})
	}
}

func TestGrowableBuffer_OrderAcrossWrap(t *testing.T) {
	buf := NewGrowableBuffer[int](8, 0)

	next := 0
	for round := 0; round < 10; round++ {
		for i := 0; i < 4; i++ {
			buf.Send(round*4 + i)
		}
		for i := 0; i < 3; i++ {
			v, _ := buf.TryReceive()
			if v != next {
				t.Fatalf("received %d, want %d", v, next)
			}
			next++
		}
	}
	for {
		v, ok := buf.TryReceive()
		if !ok {
			break
		}
		if v != next {
			t.Fatalf("received %d, want %d", v, next)
		}
		next++
	}
	if next != 40 {
		t.Errorf("received %d items, want 40", next)
	}
}

func TestGrowableBuffer_CloseDrains(t *testing.T) {
	buf := NewGrowableBuffer[int](4, 0)
	buf.Send(1)
	buf.Send(2)
	buf.Close()

	if buf.Send(3) {
		t.Error("Send after Close should return false")
	}
	for _, want := range []int{1, 2} {
		v, ok := buf.Receive()
		if !ok || v != want {
			t.Errorf("Receive() = %d, %v; want %d, true", v, ok, want)
		}
	}
	if _, ok := buf.Receive(); ok {
		t.Error("Receive on closed empty buffer should return false")
	}
}

func TestGrowableBuffer_CloseUnblocksReceive(t *testing.T) {
	buf := NewGrowableBuffer[int](4, 0)

	done := make(chan bool)
	go func() {
		_, ok := buf.Receive()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	buf.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Receive should return false after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not unblock")
	}
}

func TestGrowableBuffer_Discard(t *testing.T) {
	buf := NewGrowableBuffer[int](4, 0)
	for i := 0; i < 3; i++ {
		buf.Send(i)
	}

	if n := buf.Discard(); n != 3 {
		t.Errorf("Discard() = %d, want 3", n)
	}
	if _, ok := buf.Receive(); ok {
		t.Error("Receive after Discard should return false")
	}
	if buf.Stats().Dropped != 3 {
		t.Errorf("Dropped = %d, want 3", buf.Stats().Dropped)
	}
}

func TestGrowableBuffer_ConcurrentSendReceive(t *testing.T) {
	buf := NewGrowableBuffer[int](4, 0)
	const n = 10000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			buf.Send(i)
		}
		buf.Close()
	}()

	want := 0
	for {
		v, ok := buf.Receive()
		if !ok {
			break
		}
		if v != want {
			t.Fatalf("received %d, want %d", v, want)
		}
		want++
	}
	wg.Wait()

	if want != n {
		t.Errorf("received %d items, want %d", want, n)
	}
}
