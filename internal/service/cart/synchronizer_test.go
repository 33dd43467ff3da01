package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/availability"
)

type remoteCall struct {
	op         string
	lineItemID string
	quantity   int
}

type fakeRemote struct {
	mu        sync.Mutex
	cart      domain.Cart
	calls     []remoteCall
	errs      []error
	regionID  string
	active    map[string]int
	maxActive int
	nextLine  int

	// release, если задан, блокирует каждый вызов до получения значения;
	// gates переопределяет его для отдельных позиций.
	release chan struct{}
	gates   map[string]chan struct{}
	entered chan string
}

func newFakeRemote(cart domain.Cart) *fakeRemote {
	cart.Recalculate()
	return &fakeRemote{cart: cart, active: map[string]int{}}
}

func (f *fakeRemote) begin(op, lineItemID string, quantity int) {
	f.mu.Lock()
	f.calls = append(f.calls, remoteCall{op: op, lineItemID: lineItemID, quantity: quantity})
	f.active[lineItemID]++
	if f.active[lineItemID] > f.maxActive {
		f.maxActive = f.active[lineItemID]
	}
	release, entered := f.release, f.entered
	if gate, ok := f.gates[lineItemID]; ok {
		release = gate
	}
	f.mu.Unlock()

	if entered != nil {
		entered <- lineItemID
	}
	if release != nil {
		<-release
	}
}

// end снимает счётчик активных вызовов и возвращает ошибку из очереди, если она есть.
func (f *fakeRemote) end(lineItemID string) error {
	f.active[lineItemID]--
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeRemote) result() domain.Cart {
	f.cart.Recalculate()
	out := f.cart.Clone()
	if f.regionID != "" {
		out.RegionID = f.regionID
	}
	return out
}

func (f *fakeRemote) GetCart(_ context.Context, cartID string) (domain.Cart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cartID != f.cart.ID {
		return domain.Cart{}, domain.ErrNotFound
	}
	return f.result(), nil
}

func (f *fakeRemote) CreateCart(_ context.Context, regionID string) (domain.Cart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cart = domain.Cart{ID: "cart_new", RegionID: regionID, CurrencyCode: "usd"}
	return f.result(), nil
}

func (f *fakeRemote) AddLineItem(_ context.Context, _ string, variantID string, quantity int) (domain.Cart, error) {
	f.begin("add", "", quantity)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.end(""); err != nil {
		return domain.Cart{}, err
	}
	f.nextLine++
	f.cart.Items = append(f.cart.Items, domain.LineItem{
		ID:        fmt.Sprintf("li_new_%d", f.nextLine),
		VariantID: variantID,
		Quantity:  quantity,
		UnitPrice: 1000,
	})
	return f.result(), nil
}

func (f *fakeRemote) UpdateLineItem(_ context.Context, _ string, lineItemID string, quantity int) (domain.Cart, error) {
	f.begin("update", lineItemID, quantity)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.end(lineItemID); err != nil {
		return domain.Cart{}, err
	}
	_, idx, ok := f.cart.Item(lineItemID)
	if !ok {
		return domain.Cart{}, domain.ErrNotFound
	}
	f.cart.Items[idx].Quantity = quantity
	return f.result(), nil
}

func (f *fakeRemote) RemoveLineItem(_ context.Context, _ string, lineItemID string) (domain.Cart, error) {
	f.begin("remove", lineItemID, 0)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.end(lineItemID); err != nil {
		return domain.Cart{}, err
	}
	_, idx, ok := f.cart.Item(lineItemID)
	if !ok {
		return domain.Cart{}, domain.ErrNotFound
	}
	f.cart.Items = append(f.cart.Items[:idx], f.cart.Items[idx+1:]...)
	return f.result(), nil
}

func (f *fakeRemote) recordedCalls() []remoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remoteCall(nil), f.calls...)
}

var _ domain.CartService = (*fakeRemote)(nil)

type stubEvents struct {
	mu       sync.Mutex
	messages []domain.OutboxMessage
}

func (s *stubEvents) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return msg, nil
}

func (s *stubEvents) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m.EventType)
	}
	return out
}

func baseCart() domain.Cart {
	return domain.Cart{
		ID:           "cart_1",
		RegionID:     "reg_us",
		CurrencyCode: "usd",
		Items: []domain.LineItem{
			{ID: "li_a", VariantID: "var_a", Quantity: 2, UnitPrice: 1500},
			{ID: "li_b", VariantID: "var_b", Quantity: 1, UnitPrice: 500},
		},
	}
}

func loadedSynchronizer(t *testing.T, remote *fakeRemote, opts ...Option) *Synchronizer {
	t.Helper()

	s := NewSynchronizer(remote, opts...)
	_, err := s.Load(context.Background(), "cart_1")
	require.NoError(t, err)
	return s
}

func quantityOf(t *testing.T, cart domain.Cart, lineItemID string) int {
	t.Helper()

	item, _, ok := cart.Item(lineItemID)
	require.True(t, ok, "line item %s not found", lineItemID)
	return item.Quantity
}

func TestIncrement_OptimisticApplyVisibleWhileInFlight(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(baseCart())
	s := loadedSynchronizer(t, remote)
	remote.release = make(chan struct{})
	remote.entered = make(chan string, 1)

	done := make(chan error, 1)
	go func() {
		_, err := s.Increment(context.Background(), "li_a")
		done <- err
	}()

	<-remote.entered
	cart, ok := s.Cart()
	require.True(t, ok)
	require.Equal(t, 3, quantityOf(t, cart, "li_a"))
	require.Equal(t, int64(3*1500+500), cart.Total)
	require.Equal(t, 1, s.Pending())

	remote.release <- struct{}{}
	require.NoError(t, <-done)

	cart, _ = s.Cart()
	require.Equal(t, 3, quantityOf(t, cart, "li_a"))
	require.Equal(t, 0, s.Pending())
}

func TestSetQuantity_RemoteFailureRollsBack(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(baseCart())
	remote.errs = []error{domain.ErrTransient}
	events := &stubEvents{}
	s := loadedSynchronizer(t, remote, WithEvents(events))

	cart, err := s.SetQuantity(context.Background(), "li_a", 3)
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrMutationFailed)
	require.ErrorIs(t, err, domain.ErrTransient)
	require.True(t, IsRollback(err))
	require.Equal(t, 2, quantityOf(t, cart, "li_a"))

	current, _ := s.Cart()
	require.Equal(t, 2, quantityOf(t, current, "li_a"))
	require.Equal(t, int64(2*1500+500), current.Total)

	var mutationErr *domain.MutationError
	require.True(t, errors.As(err, &mutationErr))
	require.Equal(t, 2, quantityOf(t, mutationErr.Cart, "li_a"))

	require.Equal(t, []string{domain.EventMutationRolledBack}, events.types())
}

func TestIncrement_SameLineMutationsAreSerialized(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(baseCart())
	s := loadedSynchronizer(t, remote)
	remote.release = make(chan struct{})
	remote.entered = make(chan string, 2)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.Increment(context.Background(), "li_a")
		errs <- err
	}()
	<-remote.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.Increment(context.Background(), "li_a")
		errs <- err
	}()

	// Вторая мутация применена оптимистично, но не должна уйти на сервер.
	require.Eventually(t, func() bool { return s.Pending() == 2 }, time.Second, time.Millisecond)
	cart, _ := s.Cart()
	require.Equal(t, 4, quantityOf(t, cart, "li_a"))
	require.Len(t, remote.recordedCalls(), 1)

	remote.release <- struct{}{}
	<-remote.entered
	remote.release <- struct{}{}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	calls := remote.recordedCalls()
	require.Len(t, calls, 2)
	require.Equal(t, 3, calls[0].quantity)
	require.Equal(t, 4, calls[1].quantity)
	require.Equal(t, 1, remote.maxActive)

	cart, _ = s.Cart()
	require.Equal(t, 4, quantityOf(t, cart, "li_a"))
}

func TestIncrement_FailedHeadRebasesQueuedMutation(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(baseCart())
	remote.errs = []error{domain.ErrTransient}
	s := loadedSynchronizer(t, remote)
	remote.release = make(chan struct{})
	remote.entered = make(chan string, 2)

	first := make(chan error, 1)
	go func() {
		_, err := s.Increment(context.Background(), "li_a")
		first <- err
	}()
	<-remote.entered

	second := make(chan error, 1)
	go func() {
		_, err := s.Increment(context.Background(), "li_a")
		second <- err
	}()
	require.Eventually(t, func() bool { return s.Pending() == 2 }, time.Second, time.Millisecond)

	remote.release <- struct{}{}
	require.ErrorIs(t, <-first, domain.ErrMutationFailed)

	// После отката первой мутации вторая остаётся видимой поверх исходного количества.
	cart, _ := s.Cart()
	require.Equal(t, 3, quantityOf(t, cart, "li_a"))

	<-remote.entered
	remote.release <- struct{}{}
	require.NoError(t, <-second)

	calls := remote.recordedCalls()
	require.Equal(t, 3, calls[1].quantity)
	cart, _ = s.Cart()
	require.Equal(t, 3, quantityOf(t, cart, "li_a"))
}

func TestCommit_ReprojectsOtherInFlightLines(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(baseCart())
	s := loadedSynchronizer(t, remote)
	gateA, gateB := make(chan struct{}), make(chan struct{})
	remote.gates = map[string]chan struct{}{"li_a": gateA, "li_b": gateB}
	remote.entered = make(chan string, 2)

	slow := make(chan error, 1)
	go func() {
		_, err := s.Increment(context.Background(), "li_a")
		slow <- err
	}()
	<-remote.entered

	fast := make(chan error, 1)
	go func() {
		_, err := s.Increment(context.Background(), "li_b")
		fast <- err
	}()
	<-remote.entered

	// Сервер отвечает по li_b раньше, чем по li_a.
	gateB <- struct{}{}
	require.NoError(t, <-fast)
	cart, _ := s.Cart()
	require.Equal(t, 2, quantityOf(t, cart, "li_b"))
	require.Equal(t, 3, quantityOf(t, cart, "li_a"), "in-flight optimistic change must survive another line's commit")

	gateA <- struct{}{}
	require.NoError(t, <-slow)
	cart, _ = s.Cart()
	require.Equal(t, 3, quantityOf(t, cart, "li_a"))
	require.Equal(t, 2, quantityOf(t, cart, "li_b"))
}

func TestDecrement_ClampedAtOne(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(baseCart())
	s := loadedSynchronizer(t, remote)

	cart, err := s.Decrement(context.Background(), "li_b")
	require.ErrorIs(t, err, domain.ErrQuantityBelowMinimum)
	require.Equal(t, 1, quantityOf(t, cart, "li_b"))
	require.Empty(t, remote.recordedCalls())

	_, err = s.SetQuantity(context.Background(), "li_b", 0)
	require.ErrorIs(t, err, domain.ErrQuantityInvalid)

	cart, err = s.Decrement(context.Background(), "li_a")
	require.NoError(t, err)
	require.Equal(t, 1, quantityOf(t, cart, "li_a"))
}

func TestRemove_IsDistinctOperation(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(baseCart())
	events := &stubEvents{}
	s := loadedSynchronizer(t, remote, WithEvents(events))

	cart, err := s.Remove(context.Background(), "li_b")
	require.NoError(t, err)
	_, _, ok := cart.Item("li_b")
	require.False(t, ok)

	calls := remote.recordedCalls()
	require.Len(t, calls, 1)
	require.Equal(t, "remove", calls[0].op)
	require.Equal(t, []string{domain.EventLineItemRemoved}, events.types())

	_, err = s.Increment(context.Background(), "li_b")
	require.ErrorIs(t, err, domain.ErrLineItemNotFound)
}

func TestRemove_FailureRestoresLineAtOriginalPosition(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(baseCart())
	remote.errs = []error{domain.ErrTransient}
	s := loadedSynchronizer(t, remote)

	cart, err := s.Remove(context.Background(), "li_a")
	require.ErrorIs(t, err, domain.ErrMutationFailed)
	require.Len(t, cart.Items, 2)
	require.Equal(t, "li_a", cart.Items[0].ID)
	require.Equal(t, int64(2*1500+500), cart.Total)
}

func TestIncrement_RespectsMaxQuantity(t *testing.T) {
	t.Parallel()

	initial := baseCart()
	initial.Items[0].Quantity = 10
	remote := newFakeRemote(initial)
	s := loadedSynchronizer(t, remote)

	_, err := s.Increment(context.Background(), "li_a")
	require.ErrorIs(t, err, domain.ErrQuantityAboveMaximum)

	stocked := baseCart()
	stocked.Items[0].ManageInventory = true
	stocked.Items[0].InventoryQuantity = 2
	remote = newFakeRemote(stocked)
	s = loadedSynchronizer(t, remote, WithPolicy(availability.NewPolicy(availability.StockCapped(10))))

	_, err = s.Increment(context.Background(), "li_a")
	require.ErrorIs(t, err, domain.ErrQuantityAboveMaximum)
}

func TestLoad_SupersedesInFlightMutation(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(baseCart())
	s := loadedSynchronizer(t, remote)
	remote.release = make(chan struct{})
	remote.entered = make(chan string, 1)

	done := make(chan error, 1)
	go func() {
		_, err := s.Increment(context.Background(), "li_a")
		done <- err
	}()
	<-remote.entered

	reloaded := baseCart()
	reloaded.Items[0].Quantity = 7
	s.Attach(reloaded)

	remote.release <- struct{}{}
	require.ErrorIs(t, <-done, domain.ErrSuperseded)

	cart, _ := s.Cart()
	require.Equal(t, 7, quantityOf(t, cart, "li_a"), "superseded result must not overwrite newer state")
}

func TestServerCartInAnotherRegionIsRejected(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(baseCart())
	s := loadedSynchronizer(t, remote)
	remote.regionID = "reg_eu"

	cart, err := s.Increment(context.Background(), "li_a")
	require.ErrorIs(t, err, domain.ErrRegionMismatch)
	require.Equal(t, "reg_us", cart.RegionID)
	require.Equal(t, 2, quantityOf(t, cart, "li_a"))
}

func TestAdd_NewVariantAndExistingLine(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(baseCart())
	events := &stubEvents{}
	s := loadedSynchronizer(t, remote, WithEvents(events))

	cart, err := s.Add(context.Background(), domain.Variant{ID: "var_c"}, 2)
	require.NoError(t, err)
	item, ok := cart.ItemByVariant("var_c")
	require.True(t, ok)
	require.Equal(t, 2, item.Quantity)

	cart, err = s.Add(context.Background(), domain.Variant{ID: "var_a"}, 1)
	require.NoError(t, err)
	require.Equal(t, 3, quantityOf(t, cart, "li_a"))

	require.Equal(t, []string{domain.EventLineItemAdded, domain.EventLineItemUpdated}, events.types())

	var payload domain.CartEvent
	events.mu.Lock()
	require.NoError(t, json.Unmarshal(events.messages[0].Payload, &payload))
	events.mu.Unlock()
	require.Equal(t, item.ID, payload.LineItemID)
	require.Equal(t, "cart_1", payload.CartID)
}

func TestAdd_RejectsUnpurchasableVariant(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(baseCart())
	s := loadedSynchronizer(t, remote)

	_, err := s.Add(context.Background(), domain.Variant{ID: "var_x", ManageInventory: true}, 1)
	require.ErrorIs(t, err, domain.ErrVariantNotPurchasable)
	require.Empty(t, remote.recordedCalls())
}

func TestMutations_RequireLoadedCart(t *testing.T) {
	t.Parallel()

	s := NewSynchronizer(newFakeRemote(baseCart()))

	_, err := s.Increment(context.Background(), "li_a")
	require.ErrorIs(t, err, domain.ErrCartNotLoaded)
	_, err = s.Add(context.Background(), domain.Variant{ID: "var_a"}, 1)
	require.ErrorIs(t, err, domain.ErrCartNotLoaded)

	_, ok := s.Cart()
	require.False(t, ok)
}

func TestCreate_BindsCartToRegion(t *testing.T) {
	t.Parallel()

	s := NewSynchronizer(newFakeRemote(domain.Cart{}))
	cart, err := s.Create(context.Background(), "reg_eu")
	require.NoError(t, err)
	require.Equal(t, "reg_eu", cart.RegionID)

	current, ok := s.Cart()
	require.True(t, ok)
	require.Equal(t, cart.ID, current.ID)
}

func TestQueuedMutation_ContextCancelledWhileWaiting(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(baseCart())
	s := loadedSynchronizer(t, remote)
	remote.release = make(chan struct{})
	remote.entered = make(chan string, 2)

	first := make(chan error, 1)
	go func() {
		_, err := s.Increment(context.Background(), "li_a")
		first <- err
	}()
	<-remote.entered

	ctx, cancel := context.WithCancel(context.Background())
	second := make(chan error, 1)
	go func() {
		_, err := s.Increment(ctx, "li_a")
		second <- err
	}()
	require.Eventually(t, func() bool { return s.Pending() == 2 }, time.Second, time.Millisecond)

	cancel()
	err := <-second
	require.ErrorIs(t, err, domain.ErrMutationFailed)
	require.ErrorIs(t, err, context.Canceled)

	cart, _ := s.Cart()
	require.Equal(t, 3, quantityOf(t, cart, "li_a"), "head mutation is still in flight")

	remote.release <- struct{}{}
	require.NoError(t, <-first)
	require.Len(t, remote.recordedCalls(), 1)
}

func TestQueuedMutation_CancelledWaiterKeepsLineSerialized(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(baseCart())
	s := loadedSynchronizer(t, remote)
	remote.release = make(chan struct{})
	remote.entered = make(chan string, 3)

	first := make(chan error, 1)
	go func() {
		_, err := s.Increment(context.Background(), "li_a")
		first <- err
	}()
	<-remote.entered

	ctx, cancel := context.WithCancel(context.Background())
	second := make(chan error, 1)
	go func() {
		_, err := s.Increment(ctx, "li_a")
		second <- err
	}()
	require.Eventually(t, func() bool { return s.Pending() == 2 }, time.Second, time.Millisecond)

	third := make(chan error, 1)
	go func() {
		_, err := s.Increment(context.Background(), "li_a")
		third <- err
	}()
	require.Eventually(t, func() bool { return s.Pending() == 3 }, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-second, context.Canceled)

	select {
	case id := <-remote.entered:
		t.Fatalf("mutation on %s reached remote while the head was still in flight", id)
	case <-time.After(50 * time.Millisecond):
	}

	remote.release <- struct{}{}
	require.NoError(t, <-first)

	<-remote.entered
	remote.release <- struct{}{}
	require.NoError(t, <-third)

	require.Equal(t, []remoteCall{
		{op: "update", lineItemID: "li_a", quantity: 3},
		{op: "update", lineItemID: "li_a", quantity: 4},
	}, remote.recordedCalls())
	remote.mu.Lock()
	require.Equal(t, 1, remote.maxActive)
	remote.mu.Unlock()

	cart, _ := s.Cart()
	require.Equal(t, 4, quantityOf(t, cart, "li_a"))
}

func TestAdd_QueuedAddOfSameVariantHonoursMaxQuantity(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(baseCart())
	s := loadedSynchronizer(t, remote)
	remote.release = make(chan struct{})
	remote.entered = make(chan string, 2)

	variant := domain.Variant{ID: "var_c"}
	first := make(chan error, 1)
	go func() {
		_, err := s.Add(context.Background(), variant, 8)
		first <- err
	}()
	<-remote.entered

	second := make(chan error, 1)
	go func() {
		_, err := s.Add(context.Background(), variant, 8)
		second <- err
	}()
	require.Eventually(t, func() bool { return s.Pending() == 2 }, time.Second, time.Millisecond)

	remote.release <- struct{}{}
	require.NoError(t, <-first)

	err := <-second
	require.ErrorIs(t, err, domain.ErrQuantityAboveMaximum)
	require.Len(t, remote.recordedCalls(), 1)

	cart, _ := s.Cart()
	item, ok := cart.ItemByVariant("var_c")
	require.True(t, ok)
	require.Equal(t, 8, item.Quantity)
}
