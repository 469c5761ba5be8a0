package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToTypedSubscribers(t *testing.T) {
	bus := NewBus()

	var got []*Event
	bus.Subscribe(RuleFired, func(e *Event) { got = append(got, e) })

	bus.Emit(RuleFired, "dispatcher", map[string]interface{}{"rule_id": int64(7)})
	bus.Emit(RuleCompleted, "dispatcher", nil)

	require.Len(t, got, 1)
	assert.Equal(t, RuleFired, got[0].Type)
	assert.Equal(t, "dispatcher", got[0].Module)
	assert.Equal(t, int64(7), got[0].Data["rule_id"])
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestBusSubscribeAllSeesEveryType(t *testing.T) {
	bus := NewBus()

	var all []EventType
	bus.SubscribeAll(func(e *Event) { all = append(all, e.Type) })

	bus.Emit(WebhookReceived, "webhook", nil)
	bus.Emit(EmergencyStopSet, "scheduler", nil)
	bus.Emit(SyncJobCompleted, "syncjob", nil)

	assert.Equal(t, []EventType{WebhookReceived, EmergencyStopSet, SyncJobCompleted}, all)
}

func TestBusFansOutToMultipleHandlers(t *testing.T) {
	bus := NewBus()

	var a, b int
	bus.Subscribe(CircuitStateChanged, func(*Event) { a++ })
	bus.Subscribe(CircuitStateChanged, func(*Event) { b++ })

	bus.Emit(CircuitStateChanged, "breaker", nil)
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}

func TestBusConcurrentEmitAndSubscribe(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	count := 0
	bus.Subscribe(ErrorOccurred, func(*Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			bus.Emit(ErrorOccurred, "test", nil)
		}()
		go func() {
			defer wg.Done()
			bus.Subscribe(RuleDisabled, func(*Event) {})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, count)
}
