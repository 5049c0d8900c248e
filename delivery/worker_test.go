package delivery_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/mock/gomock"

	"i4.energy/across/smsbridge/delivery"
	"i4.energy/across/smsbridge/metrics"
	"i4.energy/across/smsbridge/sms"
	"i4.energy/across/smsbridge/store"
)

var errBrokerDown = errors.New("broker down")

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func openStore(t *testing.T) *store.Overflow {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "overflow.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func storedContents(t *testing.T, st *store.Overflow) []string {
	t.Helper()
	var out []string
	for {
		msg, err := st.Oldest()
		if errors.Is(err, store.ErrEmpty) {
			return out
		}
		if err != nil {
			t.Fatalf("read store: %v", err)
		}
		out = append(out, msg.Content())
		if err := st.DeleteOldest(); err != nil {
			t.Fatalf("delete oldest: %v", err)
		}
	}
}

func TestDeliverPublishesImmediately(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := delivery.NewMockPublisher(ctrl)
	st := openStore(t)
	msg := sms.NewMessage("1234", "Hello")

	pub.EXPECT().Publish(gomock.Any(), msg).Return(nil)

	m := metrics.New()
	w := delivery.New(pub, st, delivery.WithMetrics(m))
	w.Deliver(context.Background(), msg)

	if got := w.Status().State; got != delivery.StateIdle {
		t.Errorf("expected idle slot, got %q", got)
	}
	if got := testutil.ToFloat64(m.MessagesDelivered.WithLabelValues(metrics.PathDirect)); got != 1 {
		t.Errorf("expected 1 direct delivery, got %v", got)
	}
}

func TestRetryEscalatesAfterMaxAttempts(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := delivery.NewMockPublisher(ctrl)
	st := openStore(t)
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	msg := sms.NewMessage("1234", "Hello")

	pub.EXPECT().Publish(gomock.Any(), msg).Return(errBrokerDown).Times(3)
	pub.EXPECT().IsConnected().Return(false).AnyTimes()

	m := metrics.New()
	w := delivery.New(pub, st, delivery.WithClock(clock.Now), delivery.WithMetrics(m))
	ctx := context.Background()

	w.Deliver(ctx, msg)
	status := w.Status()
	if status.State != delivery.StateRetryWaiting || status.Attempts != 1 {
		t.Fatalf("expected first attempt recorded, got %+v", status)
	}
	if !status.NextAttempt.Equal(clock.now.Add(delivery.DefaultBackoff)) {
		t.Errorf("unexpected deadline %v", status.NextAttempt)
	}

	// Not yet due.
	clock.Advance(delivery.DefaultBackoff - time.Second)
	w.Tick(ctx)
	if got := w.Status().Attempts; got != 1 {
		t.Fatalf("retried before the deadline, attempts %d", got)
	}

	clock.Advance(time.Second)
	w.Tick(ctx)
	if got := w.Status().Attempts; got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
	if n, _ := st.Count(); n != 0 {
		t.Fatalf("escalated too early, store holds %d", n)
	}

	clock.Advance(delivery.DefaultBackoff)
	w.Tick(ctx)

	if got := w.Status(); got.State != delivery.StateIdle || got.Attempts != 0 {
		t.Errorf("expected empty slot after escalation, got %+v", got)
	}
	if got := storedContents(t, st); len(got) != 1 || got[0] != "Hello" {
		t.Errorf("expected escalated message in store, got %q", got)
	}
	if got := testutil.ToFloat64(m.MessagesEscalated); got != 1 {
		t.Errorf("expected 1 escalation, got %v", got)
	}
	if got := testutil.ToFloat64(m.RetryActive); got != 0 {
		t.Errorf("expected retry gauge cleared, got %v", got)
	}

	// Further ticks leave the message alone.
	clock.Advance(time.Hour)
	w.Tick(ctx)
}

func TestRetrySucceeds(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := delivery.NewMockPublisher(ctrl)
	st := openStore(t)
	clock := &fakeClock{now: time.Unix(0, 0)}
	msg := sms.NewMessage("1234", "Hello")

	gomock.InOrder(
		pub.EXPECT().Publish(gomock.Any(), msg).Return(errBrokerDown),
		pub.EXPECT().Publish(gomock.Any(), msg).Return(nil),
	)
	pub.EXPECT().IsConnected().Return(true).AnyTimes()

	w := delivery.New(pub, st, delivery.WithClock(clock.Now), delivery.WithBackoff(5*time.Second))
	ctx := context.Background()

	w.Deliver(ctx, msg)
	clock.Advance(5 * time.Second)
	w.Tick(ctx)

	if got := w.Status().State; got != delivery.StateIdle {
		t.Errorf("expected idle slot, got %q", got)
	}
	if n, _ := st.Count(); n != 0 {
		t.Errorf("expected empty store, got %d", n)
	}
}

func TestNewArrivalDuringRetryIsStored(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := delivery.NewMockPublisher(ctrl)
	st := openStore(t)
	first := sms.NewMessage("1", "first")
	second := sms.NewMessage("2", "second")

	pub.EXPECT().Publish(gomock.Any(), first).Return(errBrokerDown)

	w := delivery.New(pub, st, delivery.WithClock((&fakeClock{}).Now))
	ctx := context.Background()
	w.Deliver(ctx, first)
	w.Deliver(ctx, second)

	if got := w.Status(); got.Sender != "1" || got.Attempts != 1 {
		t.Errorf("active retry was disturbed: %+v", got)
	}
	if got := storedContents(t, st); len(got) != 1 || got[0] != "second" {
		t.Errorf("expected new arrival in store, got %q", got)
	}
}

func TestStoredMessagesWaitForActiveRetry(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := delivery.NewMockPublisher(ctrl)
	st := openStore(t)
	clock := &fakeClock{now: time.Unix(0, 0)}
	a, b := sms.NewMessage("1", "A"), sms.NewMessage("2", "B")

	var order []string
	record := func(_ context.Context, msg sms.Message) error {
		order = append(order, msg.Content())
		return nil
	}
	gomock.InOrder(
		pub.EXPECT().Publish(gomock.Any(), a).Return(errBrokerDown),
		pub.EXPECT().Publish(gomock.Any(), a).DoAndReturn(record),
		pub.EXPECT().Publish(gomock.Any(), b).DoAndReturn(record),
	)
	pub.EXPECT().IsConnected().Return(true).AnyTimes()

	w := delivery.New(pub, st, delivery.WithClock(clock.Now), delivery.WithBackoff(5*time.Second))
	ctx := context.Background()

	w.Deliver(ctx, a)
	w.Deliver(ctx, b)

	// Broker is back but the retry is not due yet.
	w.Tick(ctx)
	if len(order) != 0 {
		t.Fatalf("stored message overtook the active retry: %v", order)
	}

	clock.Advance(5 * time.Second)
	w.Tick(ctx)

	if fmt.Sprint(order) != "[A B]" {
		t.Errorf("expected delivery order [A B], got %v", order)
	}
	if n, _ := st.Count(); n != 0 {
		t.Errorf("expected empty store, got %d", n)
	}
}

func TestDrainIsFIFO(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := delivery.NewMockPublisher(ctrl)
	st := openStore(t)

	var msgs []sms.Message
	for _, c := range []string{"A", "B", "C"} {
		msg := sms.NewMessage("1234", c)
		msgs = append(msgs, msg)
		if err := st.Save(msg); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	pub.EXPECT().IsConnected().Return(true)
	gomock.InOrder(
		pub.EXPECT().Publish(gomock.Any(), msgs[0]).Return(nil),
		pub.EXPECT().Publish(gomock.Any(), msgs[1]).Return(nil),
		pub.EXPECT().Publish(gomock.Any(), msgs[2]).Return(nil),
	)

	m := metrics.New()
	w := delivery.New(pub, st, delivery.WithMetrics(m))
	w.Tick(context.Background())

	if n, _ := st.Count(); n != 0 {
		t.Errorf("expected empty store, got %d", n)
	}
	if got := testutil.ToFloat64(m.MessagesDelivered.WithLabelValues(metrics.PathStore)); got != 3 {
		t.Errorf("expected 3 store deliveries, got %v", got)
	}
	if got := testutil.ToFloat64(m.StoredMessages); got != 0 {
		t.Errorf("expected stored gauge 0, got %v", got)
	}
}

func TestDrainStopsAtFirstFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := delivery.NewMockPublisher(ctrl)
	st := openStore(t)

	a, b, c := sms.NewMessage("1", "A"), sms.NewMessage("1", "B"), sms.NewMessage("1", "C")
	for _, msg := range []sms.Message{a, b, c} {
		if err := st.Save(msg); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	pub.EXPECT().IsConnected().Return(true)
	gomock.InOrder(
		pub.EXPECT().Publish(gomock.Any(), a).Return(nil),
		pub.EXPECT().Publish(gomock.Any(), b).Return(errBrokerDown),
	)

	w := delivery.New(pub, st)
	w.Tick(context.Background())

	if got := storedContents(t, st); fmt.Sprint(got) != "[B C]" {
		t.Errorf("expected [B C] left in order, got %v", got)
	}
}

func TestNoDrainWhileDisconnected(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := delivery.NewMockPublisher(ctrl)
	st := openStore(t)
	if err := st.Save(sms.NewMessage("1", "A")); err != nil {
		t.Fatalf("save: %v", err)
	}

	pub.EXPECT().IsConnected().Return(false)

	w := delivery.New(pub, st)
	w.Tick(context.Background())

	if n, _ := st.Count(); n != 1 {
		t.Errorf("expected message to stay stored, got %d", n)
	}
}

func TestPersistenceFailureIsLoss(t *testing.T) {
	tests := []struct {
		name    string
		saveErr error
		reason  string
	}{
		{"store full", store.ErrFull, metrics.LossStoreFull},
		{"write failure", errors.New("disk on fire"), metrics.LossStoreError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			pub := delivery.NewMockPublisher(ctrl)
			st := delivery.NewMockStore(ctrl)
			first := sms.NewMessage("1", "first")
			second := sms.NewMessage("2", "second")

			pub.EXPECT().Publish(gomock.Any(), first).Return(errBrokerDown)
			st.EXPECT().Save(second).Return(tt.saveErr).Times(1)
			st.EXPECT().Count().Return(20, nil).AnyTimes()

			m := metrics.New()
			w := delivery.New(pub, st, delivery.WithMetrics(m))
			ctx := context.Background()
			w.Deliver(ctx, first)
			w.Deliver(ctx, second)

			if got := testutil.ToFloat64(m.MessagesLost.WithLabelValues(tt.reason)); got != 1 {
				t.Errorf("expected 1 lost message, got %v", got)
			}
		})
	}
}

func TestCorruptEntryIsDropped(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := delivery.NewMockPublisher(ctrl)
	st := delivery.NewMockStore(ctrl)
	good := sms.NewMessage("1", "good")

	pub.EXPECT().IsConnected().Return(true)
	gomock.InOrder(
		st.EXPECT().Oldest().Return(sms.Message{}, fmt.Errorf("%w: bad json", store.ErrCorrupt)),
		st.EXPECT().DeleteOldest().Return(nil),
		st.EXPECT().Oldest().Return(good, nil),
		pub.EXPECT().Publish(gomock.Any(), good).Return(nil),
		st.EXPECT().DeleteOldest().Return(nil),
		st.EXPECT().Oldest().Return(sms.Message{}, store.ErrEmpty),
	)
	st.EXPECT().Count().Return(0, nil).AnyTimes()

	m := metrics.New()
	w := delivery.New(pub, st, delivery.WithMetrics(m))
	w.Tick(context.Background())

	if got := testutil.ToFloat64(m.MessagesLost.WithLabelValues(metrics.LossStoreCorrupt)); got != 1 {
		t.Errorf("expected 1 corrupt loss, got %v", got)
	}
}

func TestRun(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := delivery.NewMockPublisher(ctrl)
	st := openStore(t)
	msg := sms.NewMessage("1234", "Hello")

	delivered := make(chan struct{})
	pub.EXPECT().IsConnected().Return(true).AnyTimes()
	pub.EXPECT().Publish(gomock.Any(), msg).DoAndReturn(func(context.Context, sms.Message) error {
		close(delivered)
		return nil
	})

	q := sms.NewQueue(1)
	w := delivery.New(pub, st, delivery.WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx, q) }()

	if err := q.Put(ctx, msg); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
