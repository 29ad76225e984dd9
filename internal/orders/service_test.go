package orders

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

type strategy struct {
	name   string
	create func(*Service, context.Context, CreateOrderInput) (Order, error)
	update func(*Service, context.Context, string, int) (Order, error)
}

var strategies = []strategy{
	{StrategyPessimistic, (*Service).CreateOrder, (*Service).UpdateOrder},
	{StrategyOptimistic, (*Service).CreateOrderOptimistic, (*Service).UpdateOrderOptimistic},
}

func newTestService(t *testing.T, opts ...Option) (*Service, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	store.seedUser("u1")
	store.seedProduct("p1", 10)
	opts = append([]Option{WithRetryInterval(time.Microsecond, time.Millisecond)}, opts...)
	return NewService(store, opts...), store
}

func TestStockScenario(t *testing.T) {
	for _, st := range strategies {
		t.Run(st.name, func(t *testing.T) {
			svc, store := newTestService(t)
			ctx := context.Background()

			a, err := st.create(svc, ctx, CreateOrderInput{UserID: "u1", ProductID: "p1", Quantity: 6})
			require.NoError(t, err)
			assert.Equal(t, 4, store.stock("p1"))

			a, err = st.update(svc, ctx, a.ID, 3)
			require.NoError(t, err)
			assert.Equal(t, 3, a.Quantity)
			assert.Equal(t, 7, store.stock("p1"))

			_, err = st.create(svc, ctx, CreateOrderInput{UserID: "u1", ProductID: "p1", Quantity: 8})
			require.ErrorIs(t, err, ErrInsufficientStock)
			msg, _ := Message(err)
			assert.Equal(t, "Not enough stock available", msg)
			assert.Equal(t, 7, store.stock("p1"))

			sum, count := store.reserved("p1")
			assert.Equal(t, 1, count)
			assert.Equal(t, 10, store.stock("p1")+sum)
		})
	}
}

func TestCreateOrderRejections(t *testing.T) {
	cases := []struct {
		name string
		in   CreateOrderInput
		kind error
		msg  string
	}{
		{"missing user", CreateOrderInput{ProductID: "p1", Quantity: 1}, ErrValidation, "Missing required fields"},
		{"missing product", CreateOrderInput{UserID: "u1", Quantity: 1}, ErrValidation, "Missing required fields"},
		{"zero quantity", CreateOrderInput{UserID: "u1", ProductID: "p1"}, ErrValidation, "Quantity must be a positive integer"},
		{"negative quantity", CreateOrderInput{UserID: "u1", ProductID: "p1", Quantity: -2}, ErrValidation, "Quantity must be a positive integer"},
		{"unknown product", CreateOrderInput{UserID: "u1", ProductID: "nope", Quantity: 1}, ErrNotFound, "Product not found"},
		{"unknown user", CreateOrderInput{UserID: "ghost", ProductID: "p1", Quantity: 1}, ErrNotFound, "User not found"},
		{"too many", CreateOrderInput{UserID: "u1", ProductID: "p1", Quantity: 11}, ErrInsufficientStock, "Not enough stock available"},
	}
	for _, st := range strategies {
		for _, tc := range cases {
			t.Run(st.name+"/"+tc.name, func(t *testing.T) {
				em := &recordingEmitter{}
				svc, store := newTestService(t, WithEmitter(em))

				_, err := st.create(svc, context.Background(), tc.in)
				require.ErrorIs(t, err, tc.kind)
				msg, ok := Message(err)
				require.True(t, ok)
				assert.Equal(t, tc.msg, msg)
				assert.True(t, IsRejection(err))

				assert.Equal(t, 10, store.stock("p1"))
				_, count := store.reserved("p1")
				assert.Zero(t, count)
				for _, env := range em.all() {
					// a compensated reservation reports its stock, never an order
					assert.Equal(t, EventStockAdjusted, env.EventType)
				}
			})
		}
	}
}

func TestCreateOrderConcurrentKeepsStockInvariant(t *testing.T) {
	const initial = 50

	t.Run("pessimistic", func(t *testing.T) {
		svc, store := newTestService(t)
		store.seedProduct("p1", initial)

		var (
			wg sync.WaitGroup
			mu sync.Mutex
			ok int
		)
		for i := 0; i < 120; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.CreateOrder(context.Background(), CreateOrderInput{UserID: "u1", ProductID: "p1", Quantity: 1})
				if err == nil {
					mu.Lock()
					ok++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, ErrInsufficientStock)
			}()
		}
		wg.Wait()

		assert.Equal(t, initial, ok)
		assert.Equal(t, 0, store.stock("p1"))
	})

	t.Run("mixed", func(t *testing.T) {
		svc, store := newTestService(t, WithMaxAttempts(20))
		store.seedProduct("p1", initial)

		var wg sync.WaitGroup
		for i := 0; i < 80; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				in := CreateOrderInput{UserID: "u1", ProductID: "p1", Quantity: 1 + i%3}
				var err error
				if i%2 == 0 {
					_, err = svc.CreateOrder(context.Background(), in)
				} else {
					_, err = svc.CreateOrderOptimistic(context.Background(), in)
				}
				if err != nil {
					assert.True(t, errors.Is(err, ErrInsufficientStock) || errors.Is(err, ErrConflict), err)
				}
			}(i)
		}
		wg.Wait()

		sum, _ := store.reserved("p1")
		assert.LessOrEqual(t, sum, initial)
		assert.GreaterOrEqual(t, store.stock("p1"), 0)
		assert.Equal(t, initial, store.stock("p1")+sum)
	})
}

func TestCreateOrderOptimisticExactlyOneFits(t *testing.T) {
	svc, store := newTestService(t)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CreateOrderOptimistic(context.Background(), CreateOrderInput{UserID: "u1", ProductID: "p1", Quantity: 6})
		}(i)
	}
	wg.Wait()

	var okCount int
	for _, err := range errs {
		if err == nil {
			okCount++
			continue
		}
		assert.True(t, errors.Is(err, ErrInsufficientStock) || errors.Is(err, ErrConflict), err)
	}
	assert.Equal(t, 1, okCount)
	assert.Equal(t, 4, store.stock("p1"))
}

func TestCreateOrderOptimisticCompensatesFailedInsert(t *testing.T) {
	em := &recordingEmitter{}
	svc, store := newTestService(t, WithEmitter(em))
	store.insertErr = errors.New("connection reset")

	_, err := svc.CreateOrderOptimistic(context.Background(), CreateOrderInput{UserID: "u1", ProductID: "p1", Quantity: 4})
	require.Error(t, err)
	assert.False(t, IsRejection(err))
	assert.Equal(t, 10, store.stock("p1"))
	assert.Equal(t, 1, store.addStock)
	_, count := store.reserved("p1")
	assert.Zero(t, count)

	events := em.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventStockAdjusted, events[0].EventType)
	var p StockMovedPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &p))
	assert.Equal(t, 10, p.StockAfter)
	assert.Equal(t, int64(3), p.ProductVersion)
	assert.Zero(t, p.SoldDelta)
}

func TestCreateOrderOptimisticCompensatesAfterRequestCancelled(t *testing.T) {
	svc, store := newTestService(t)
	store.insertErr = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.CreateOrderOptimistic(ctx, CreateOrderInput{UserID: "u1", ProductID: "p1", Quantity: 4})
	require.Error(t, err)
	assert.Equal(t, 10, store.stock("p1"))
}

func TestCreateOrderOptimisticConflictAfterRetries(t *testing.T) {
	svc, store := newTestService(t, WithMaxAttempts(3))
	store.beforeStockCAS = func(f *fakeStore) {
		p := f.products["p1"]
		p.Version++
		f.products["p1"] = p
	}

	_, err := svc.CreateOrderOptimistic(context.Background(), CreateOrderInput{UserID: "u1", ProductID: "p1", Quantity: 2})
	require.ErrorIs(t, err, ErrConflict)
	msg, _ := Message(err)
	assert.Equal(t, "Product was modified concurrently, please retry", msg)
	assert.Equal(t, 3, store.stockCAS)
	assert.Equal(t, 10, store.stock("p1"))
}

func TestCreateOrderTxAbortIsConflict(t *testing.T) {
	svc, store := newTestService(t)
	store.commitErr = errTxAborted

	_, err := svc.CreateOrder(context.Background(), CreateOrderInput{UserID: "u1", ProductID: "p1", Quantity: 2})
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 10, store.stock("p1"))
	_, count := store.reserved("p1")
	assert.Zero(t, count)
}

func TestUpdateOrder(t *testing.T) {
	for _, st := range strategies {
		t.Run(st.name, func(t *testing.T) {
			svc, store := newTestService(t)
			ctx := context.Background()
			o, err := st.create(svc, ctx, CreateOrderInput{UserID: "u1", ProductID: "p1", Quantity: 2})
			require.NoError(t, err)

			_, err = st.update(svc, ctx, o.ID, 13)
			require.ErrorIs(t, err, ErrInsufficientStock)
			assert.Equal(t, 8, store.stock("p1"))
			assert.Equal(t, 2, store.order(o.ID).Quantity)

			_, err = st.update(svc, ctx, o.ID, 0)
			require.ErrorIs(t, err, ErrValidation)

			_, err = st.update(svc, ctx, "missing", 1)
			require.ErrorIs(t, err, ErrNotFound)

			got, err := st.update(svc, ctx, o.ID, 10)
			require.NoError(t, err)
			assert.Equal(t, 10, got.Quantity)
			assert.Equal(t, 0, store.stock("p1"))

			got, err = st.update(svc, ctx, o.ID, 1)
			require.NoError(t, err)
			assert.Equal(t, 1, got.Quantity)
			assert.Equal(t, 9, store.stock("p1"))

			got, err = st.update(svc, ctx, o.ID, 1)
			require.NoError(t, err)
			assert.Equal(t, 9, store.stock("p1"))
			assert.Equal(t, store.order(o.ID).Version, got.Version)
		})
	}
}

func TestUpdateOrderOptimisticRetriesWhenOrderMoved(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	o, err := svc.CreateOrder(ctx, CreateOrderInput{UserID: "u1", ProductID: "p1", Quantity: 2})
	require.NoError(t, err)

	bumped := false
	store.beforeOrderCAS = func(f *fakeStore) {
		if bumped {
			return
		}
		bumped = true
		cur := f.orders[o.ID]
		cur.Version++
		f.orders[o.ID] = cur
	}

	got, err := svc.UpdateOrderOptimistic(ctx, o.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Quantity)
	assert.Equal(t, 5, store.stock("p1"))
	assert.Equal(t, 1, store.addStock, "stock taken by the lost attempt is returned")
	assert.Equal(t, 2, store.stockCAS)
}

func TestUpdateOrderOptimisticRevertsWhenStockReturnFails(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	o, err := svc.CreateOrder(ctx, CreateOrderInput{UserID: "u1", ProductID: "p1", Quantity: 5})
	require.NoError(t, err)
	store.addStockErr = errors.New("connection reset")

	_, err = svc.UpdateOrderOptimistic(ctx, o.ID, 2)
	require.Error(t, err)
	assert.False(t, IsRejection(err))
	assert.Equal(t, 5, store.order(o.ID).Quantity)
	assert.Equal(t, 5, store.stock("p1"))
}

func TestUpdateOrderConcurrentKeepsStockInvariant(t *testing.T) {
	svc, store := newTestService(t, WithMaxAttempts(20))
	store.seedProduct("p1", 30)
	o, err := svc.CreateOrder(context.Background(), CreateOrderInput{UserID: "u1", ProductID: "p1", Quantity: 5})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q := 1 + i%25
			if i%2 == 0 {
				_, _ = svc.UpdateOrder(context.Background(), o.ID, q)
			} else {
				_, _ = svc.UpdateOrderOptimistic(context.Background(), o.ID, q)
			}
		}(i)
	}
	wg.Wait()

	final := store.order(o.ID)
	assert.Equal(t, 30, store.stock("p1")+final.Quantity)
	assert.GreaterOrEqual(t, store.stock("p1"), 0)
}

func TestCancelOrder(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	o, err := svc.CreateOrder(ctx, CreateOrderInput{UserID: "u1", ProductID: "p1", Quantity: 4})
	require.NoError(t, err)

	got, err := svc.CancelOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, 10, store.stock("p1"))

	_, err = svc.CancelOrder(ctx, o.ID)
	require.ErrorIs(t, err, ErrValidation)
	msg, _ := Message(err)
	assert.Equal(t, "Order is already cancelled", msg)
	assert.Equal(t, 10, store.stock("p1"))

	for _, st := range strategies {
		_, err = st.update(svc, ctx, o.ID, 2)
		require.ErrorIs(t, err, ErrValidation, st.name)
		msg, _ := Message(err)
		assert.Equal(t, "Order is cancelled", msg)
	}
	assert.Equal(t, 10, store.stock("p1"))

	_, err = svc.CancelOrder(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMutationsEmitEvents(t *testing.T) {
	em := &recordingEmitter{}
	svc, _ := newTestService(t, WithEmitter(em), WithProducerName("shop-test"))
	ctx := context.Background()

	o, err := svc.CreateOrderOptimistic(ctx, CreateOrderInput{UserID: "u1", ProductID: "p1", Quantity: 6})
	require.NoError(t, err)
	_, err = svc.UpdateOrder(ctx, o.ID, 3)
	require.NoError(t, err)
	_, err = svc.CancelOrder(ctx, o.ID)
	require.NoError(t, err)

	events := em.all()
	require.Len(t, events, 3)

	want := []struct {
		typ        string
		delta      int
		stockAfter int
		version    int64
		strategy   string
	}{
		{EventOrderCreated, 6, 4, 2, StrategyOptimistic},
		{EventOrderUpdated, -3, 7, 3, StrategyPessimistic},
		{EventOrderCancelled, -3, 10, 4, StrategyPessimistic},
	}
	for i, w := range want {
		env := events[i]
		assert.Equal(t, w.typ, env.EventType)
		assert.Equal(t, "shop-test", env.Producer)
		assert.Equal(t, "p1", env.PartitionKey)
		assert.Equal(t, o.ID, env.CorrelationID)
		assert.NotEmpty(t, env.EventID)

		var p StockMovedPayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		assert.Equal(t, w.delta, p.SoldDelta)
		assert.Equal(t, w.stockAfter, p.StockAfter)
		assert.Equal(t, w.version, p.ProductVersion)
		assert.Equal(t, w.strategy, p.Strategy)
	}
}

func TestStockEventsCarryProductVersion(t *testing.T) {
	for _, st := range strategies {
		t.Run(st.name, func(t *testing.T) {
			em := &recordingEmitter{}
			svc, store := newTestService(t, WithEmitter(em))
			ctx := context.Background()

			assertLast := func() {
				t.Helper()
				events := em.all()
				require.NotEmpty(t, events)
				var p StockMovedPayload
				require.NoError(t, json.Unmarshal(events[len(events)-1].Payload, &p))
				prod := store.product("p1")
				assert.Equal(t, prod.Stock, p.StockAfter)
				assert.Equal(t, prod.Version, p.ProductVersion)
			}

			o, err := st.create(svc, ctx, CreateOrderInput{UserID: "u1", ProductID: "p1", Quantity: 6})
			require.NoError(t, err)
			assertLast()
			_, err = st.update(svc, ctx, o.ID, 3)
			require.NoError(t, err)
			assertLast()
			_, err = st.update(svc, ctx, o.ID, 5)
			require.NoError(t, err)
			assertLast()
			_, err = svc.CancelOrder(ctx, o.ID)
			require.NoError(t, err)
			assertLast()

			var last int64
			for _, env := range em.all() {
				var p StockMovedPayload
				require.NoError(t, json.Unmarshal(env.Payload, &p))
				assert.Greater(t, p.ProductVersion, last)
				last = p.ProductVersion
			}
		})
	}
}
