package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDispatch(t *testing.T) {
	b := NewBus(nil)
	b.Handle(PrepareRun, func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		var in struct{ N int }
		if err := Decode(payload, &in); err != nil {
			return nil, err
		}
		return map[string]int{"count": in.N}, nil
	})

	out, err := b.Dispatch(context.Background(), PrepareRun, json.RawMessage(`{"N":3}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"count": 3}, out)

	out, err = b.Dispatch(context.Background(), PrepareRun, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"count": 0}, out)

	_, err = b.Dispatch(context.Background(), PrepareRun, json.RawMessage(`{`))
	assert.Error(t, err)

	_, err = b.Dispatch(context.Background(), "nope", nil)
	assert.True(t, errors.Is(err, ErrUnknownCommand))
	assert.Equal(t, []string{PrepareRun}, b.Commands())
}

func TestPublishSubscribe(t *testing.T) {
	b := NewBus(nil)
	events, cancel := b.Subscribe(1)

	b.Publish(PrepareDone, map[string]int{"count": 2})
	b.Publish(PrepareDone, map[string]int{"count": 3}) // dropped, buffer full

	ev := <-events
	assert.Equal(t, PrepareDone, ev.Name)
	assert.Equal(t, map[string]int{"count": 2}, ev.Payload)

	cancel()
	cancel()
	_, ok := <-events
	assert.False(t, ok)

	b.Publish(PrepareDone, nil)
}

func TestConcurrentPublishAndCancel(t *testing.T) {
	b := NewBus(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		events, cancel := b.Subscribe(4)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range events {
			}
		}()
		go func() {
			b.Publish("tick", i)
			cancel()
		}()
	}
	wg.Wait()
}
