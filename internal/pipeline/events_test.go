package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackzampolin/auralens/internal/book"
)

func TestBus_DropsOldestWhenFull(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(2)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 5; i++ {
			bus.Publish(Event{Type: EventPageUpdated, Done: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	first := <-sub.C()
	second := <-sub.C()
	assert.Equal(t, 4, first.Done)
	assert.Equal(t, 5, second.Done)
	assert.EqualValues(t, 3, bus.Dropped())
}

func TestBus_FanOutAndClose(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe(0)
	b := bus.Subscribe(4)
	assert.Equal(t, 2, bus.Subscribers())

	bus.Publish(Event{Type: EventBookStarted, BookID: "x"})
	assert.Equal(t, "x", (<-a.C()).BookID)
	e := <-b.C()
	assert.Equal(t, "x", e.BookID)
	assert.False(t, e.Time.IsZero())

	a.Close()
	a.Close()
	_, ok := <-a.C()
	assert.False(t, ok)
	assert.Equal(t, 1, bus.Subscribers())

	var nilBus *Bus
	nilBus.Publish(Event{})
	assert.Zero(t, nilBus.Dropped())
}

func TestTerminalReviewer(t *testing.T) {
	var out strings.Builder
	r := NewTerminalReviewer(strings.NewReader("\nmaybe\ny\nq\n"), &out)
	b := book.New("b", "/tmp/x.pdf", "sig", book.OriginManual, 3)
	ctx := context.Background()

	require.NoError(t, r.Review(ctx, b, b.Pages[0]))
	require.NoError(t, r.Review(ctx, b, b.Pages[1]))
	assert.ErrorIs(t, r.Review(ctx, b, b.Pages[2]), ErrReviewAborted)
	assert.ErrorIs(t, r.Review(ctx, b, b.Pages[2]), ErrReviewAborted, "end of input aborts")
	assert.Contains(t, out.String(), "Page 2/3")
	assert.Contains(t, out.String(), "Please answer")
}

func TestTerminalReviewer_ContextCancel(t *testing.T) {
	r := NewTerminalReviewer(blockingReader{}, &strings.Builder{})
	b := book.New("b", "/tmp/x.pdf", "sig", book.OriginManual, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Review(ctx, b, b.Pages[0]), context.DeadlineExceeded)
}

type blockingReader struct{}

func (blockingReader) Read([]byte) (int, error) {
	select {}
}

func TestControl(t *testing.T) {
	var nilCtl *Control
	assert.False(t, nilCtl.Cancelled())
	assert.Nil(t, nilCtl.Done())

	c := NewControl()
	assert.False(t, c.Cancelled())
	c.Cancel()
	c.Cancel()
	assert.True(t, c.Cancelled())
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Cancel")
	}
}
