package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduler_RunsOneAtATime(t *testing.T) {
	s := NewScheduler()

	var mu sync.Mutex
	var order []int
	release1 := make(chan func())

	t1 := s.Enqueue(func(release func(), canceled <-chan struct{}) *future {
		release1 <- release
		f := newFuture()
		f.resolve(1)
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		return f
	})

	started2 := make(chan struct{})
	t2 := s.Enqueue(func(release func(), canceled <-chan struct{}) *future {
		close(started2)
		f := newFuture()
		f.resolve(2)
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		release()
		return f
	})

	release := <-release1
	select {
	case <-started2:
		t.Fatal("second task started before first task released the slot")
	case <-time.After(20 * time.Millisecond):
	}

	release()

	<-t1.Done()
	<-t2.Done()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2}, order)
}

func TestScheduler_TicketResultAfterSettlement(t *testing.T) {
	s := NewScheduler()
	ticket := s.Enqueue(func(release func(), canceled <-chan struct{}) *future {
		defer release()
		f := newFuture()
		f.resolve("done")
		return f
	})

	<-ticket.Done()
	value, err := ticket.Result()
	require.NoError(t, err)
	require.Equal(t, "done", value)
}

func TestScheduler_CancelBeforeStartRejectsWithCanceledError(t *testing.T) {
	s := NewScheduler()

	blockRelease := make(chan struct{})
	first := s.Enqueue(func(release func(), canceled <-chan struct{}) *future {
		<-blockRelease
		release()
		f := newFuture()
		f.resolve(nil)
		return f
	})

	started := false
	second := s.Enqueue(func(release func(), canceled <-chan struct{}) *future {
		started = true
		release()
		f := newFuture()
		f.resolve(nil)
		return f
	})

	second.Cancel(nil)
	close(blockRelease)

	<-first.Done()
	<-second.Done()

	_, err := second.Result()
	var canceled *CanceledError
	require.True(t, errors.As(err, &canceled))
	require.Nil(t, canceled.Reason)
	require.False(t, started, "canceled-before-start task must never run")
}

func TestScheduler_CancelAfterStartClosesCanceledChannel(t *testing.T) {
	s := NewScheduler()

	reason := errors.New("abort requested")
	sawCancel := make(chan struct{})
	f := newFuture()
	ticket := s.Enqueue(func(release func(), canceled <-chan struct{}) *future {
		go func() {
			<-canceled
			close(sawCancel)
			f.reject(reason)
			release()
		}()
		return f
	})

	ticket.Cancel(reason)
	<-sawCancel
	<-ticket.Done()
	_, err := ticket.Result()
	require.ErrorIs(t, err, reason)
}

func TestScheduler_ClearRejectsQueuedTasksAndClosesQueue(t *testing.T) {
	s := NewScheduler()

	blockRelease := make(chan struct{})
	running := s.Enqueue(func(release func(), canceled <-chan struct{}) *future {
		<-blockRelease
		release()
		f := newFuture()
		f.resolve(nil)
		return f
	})

	queued := s.Enqueue(func(release func(), canceled <-chan struct{}) *future {
		release()
		f := newFuture()
		f.resolve(nil)
		return f
	})

	reason := errors.New("cleared")
	s.Clear(reason)

	<-queued.Done()
	_, err := queued.Result()
	var canceled *CanceledError
	require.True(t, errors.As(err, &canceled))
	require.ErrorIs(t, canceled.Reason, reason)

	close(blockRelease)
	<-running.Done()

	late := s.Enqueue(func(release func(), canceled <-chan struct{}) *future {
		release()
		f := newFuture()
		f.resolve(nil)
		return f
	})
	<-late.Done()
	_, err = late.Result()
	require.ErrorIs(t, err, ErrSchedulerClosed)
}

func TestScheduler_SubscribeLateStillObservesSettlement(t *testing.T) {
	s := NewScheduler()
	ticket := s.Enqueue(func(release func(), canceled <-chan struct{}) *future {
		defer release()
		f := newFuture()
		f.resolve(42)
		return f
	})
	<-ticket.Done()

	var got any
	var gotErr error
	done := make(chan struct{})
	ticket.Subscribe(func(value any, err error) {
		got, gotErr = value, err
		close(done)
	})
	<-done

	require.NoError(t, gotErr)
	require.Equal(t, 42, got)
}
