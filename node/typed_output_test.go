package node

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doubler(ctx context.Context, item int, emit func(int) error) error {
	return emit(item * 2)
}

func TestOutputNode_LinkToRoutesAllItems(t *testing.T) {
	src := NewOutputNode[int, int]("Source", fastOptions(), doubler)
	sink := NewInputNode[int]("Sink", fastOptions(), func(context.Context, int) error { return nil })

	require.NoError(t, src.LinkTo(sink, nil))

	_, err := src.PullFrom(context.Background(), func(yield func(int) bool) {
		for i := 1; i <= 3; i++ {
			if !yield(i) {
				return
			}
		}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, src.SignalAndWaitForCompletion(ctx))
	require.NoError(t, sink.SignalAndWaitForCompletion(ctx))
}

func TestOutputNode_PredicateRoutingSplitsStreams(t *testing.T) {
	src := NewOutputNode[int, int]("Source", fastOptions(), func(_ context.Context, item int, emit func(int) error) error {
		return emit(item)
	})
	evens := NewInputNode[int]("Evens", fastOptions(), func(context.Context, int) error { return nil })
	odds := NewInputNode[int]("Odds", fastOptions(), func(context.Context, int) error { return nil })

	require.NoError(t, src.LinkTo(evens, func(i int) bool { return i%2 == 0 }))
	require.NoError(t, src.LinkLeftTo(odds))

	for i := 1; i <= 4; i++ {
		require.NoError(t, src.InputEndpoint().Send(context.Background(), i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, src.SignalAndWaitForCompletion(ctx))
	require.NoError(t, evens.SignalAndWaitForCompletion(ctx))
	require.NoError(t, odds.SignalAndWaitForCompletion(ctx))
}

func TestOutputNode_LinkLeftToNullRecordsGarbage(t *testing.T) {
	src := NewOutputNode[int, int]("Source", fastOptions(), func(_ context.Context, item int, emit func(int) error) error {
		return emit(item)
	})
	require.NoError(t, src.LinkLeftToNull())

	for i := 1; i <= 3; i++ {
		require.NoError(t, src.InputEndpoint().Send(context.Background(), i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, src.SignalAndWaitForCompletion(ctx))

	assert.Equal(t, 3, src.GarbageRecorder().Count())
	assert.ElementsMatch(t, []int{1, 2, 3}, src.GarbageRecorder().Items())
}

func TestOutputNode_LinkLeftToErrorFaultsOnFirstUnmatched(t *testing.T) {
	src := NewOutputNode[int, int]("Source", fastOptions(), func(_ context.Context, item int, emit func(int) error) error {
		return emit(item)
	})
	require.NoError(t, src.LinkLeftToError())

	require.NoError(t, src.InputEndpoint().Send(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := src.Completion().Wait(ctx)
	require.Error(t, err)
	var agg *AggregateError
	require.ErrorAs(t, err, &agg)
	assert.ErrorIs(t, agg.Inner, ErrInvalidData)
}

func TestOutputNode_SecondLeftoverLinkAfterFreezeFails(t *testing.T) {
	src := NewOutputNode[int, int]("Source", fastOptions(), func(_ context.Context, item int, emit func(int) error) error {
		return emit(item)
	})
	require.NoError(t, src.LinkLeftToNull())
	assert.ErrorIs(t, src.LinkLeftToNull(), ErrPredicateListFrozen)

	other := NewInputNode[int]("Other", fastOptions(), func(context.Context, int) error { return nil })
	assert.ErrorIs(t, src.LinkTo(other, nil), ErrPredicateListFrozen)
}

func TestTransformAndLink_DeliversTransformedValueToDifferentType(t *testing.T) {
	src := NewOutputNode[int, int]("Source", fastOptions(), func(_ context.Context, item int, emit func(int) error) error {
		return emit(item)
	})

	var mu sync.Mutex
	var got []string
	sink := NewInputNode[string]("Sink", fastOptions(), func(_ context.Context, item string) error {
		mu.Lock()
		got = append(got, item)
		mu.Unlock()
		return nil
	})

	require.NoError(t, TransformAndLink[int, int, string](src, sink, func(i int) string {
		return strconv.Itoa(i * 10)
	}, nil))

	for i := 1; i <= 3; i++ {
		require.NoError(t, src.InputEndpoint().Send(context.Background(), i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, src.SignalAndWaitForCompletion(ctx))
	require.NoError(t, sink.SignalAndWaitForCompletion(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"10", "20", "30"}, got)
}

func TestLinkSubTypeTo_RoutesOnlyMatchingSubtype(t *testing.T) {
	type event struct {
		kind    string
		payload int
	}

	src := NewOutputNode[event, event]("Source", fastOptions(), func(_ context.Context, item event, emit func(event) error) error {
		return emit(item)
	})

	var mu sync.Mutex
	var got []int
	ints := NewInputNode[int]("Ints", fastOptions(), func(_ context.Context, item int) error {
		mu.Lock()
		got = append(got, item)
		mu.Unlock()
		return nil
	})

	cast := func(e event) (int, bool) {
		if e.kind != "number" {
			return 0, false
		}
		return e.payload, true
	}
	require.NoError(t, LinkSubTypeTo[event, event, int](src, ints, cast))
	require.NoError(t, src.LinkLeftToNull())

	require.NoError(t, src.InputEndpoint().Send(context.Background(), event{kind: "number", payload: 1}))
	require.NoError(t, src.InputEndpoint().Send(context.Background(), event{kind: "text", payload: 99}))
	require.NoError(t, src.InputEndpoint().Send(context.Background(), event{kind: "number", payload: 2}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, src.SignalAndWaitForCompletion(ctx))
	require.NoError(t, ints.SignalAndWaitForCompletion(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []int{1, 2}, got)
	assert.Equal(t, 1, src.GarbageRecorder().Count())
}

func TestOutputNode_LinkToFaultsOnDownstreamFailure(t *testing.T) {
	src := NewOutputNode[int, int]("Source", fastOptions(), func(_ context.Context, item int, emit func(int) error) error {
		return emit(item)
	})
	downstreamErr := make(chan struct{})
	sink := NewInputNode[int]("Sink", fastOptions(), func(context.Context, int) error {
		<-downstreamErr
		return errors.New("downstream worker failed")
	})

	require.NoError(t, src.LinkTo(sink, nil))
	require.NoError(t, src.InputEndpoint().Send(context.Background(), 1))
	close(downstreamErr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := src.Completion().Wait(ctx)
	require.Error(t, err)
	var agg *AggregateError
	require.ErrorAs(t, err, &agg)
	assert.ErrorIs(t, agg.Inner, ErrLinkedDataflowFailed)
}

