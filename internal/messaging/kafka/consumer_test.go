package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGroup struct {
	mu       sync.Mutex
	sessions int
	consume  func(ctx context.Context) error
	errs     chan error
	closeErr error
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	g.sessions++
	g.mu.Unlock()
	if g.consume != nil {
		return g.consume(ctx)
	}
	<-ctx.Done()
	return nil
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	close(g.errs)
	return g.closeErr
}

func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

func (g *fakeGroup) sessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func claimOf(messages ...*sarama.ConsumerMessage) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(messages))
	for _, m := range messages {
		ch <- m
	}
	close(ch)
	return &fakeClaim{messages: ch}
}

func regionRecord(offset int64, payload string, retries string) *sarama.ConsumerMessage {
	msg := &sarama.ConsumerMessage{
		Topic:  TopicRegionEvents,
		Offset: offset,
		Key:    []byte("reg_eu"),
		Value:  []byte(payload),
	}
	if retries != "" {
		msg.Headers = []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte(retries)}}
	}
	return msg
}

func failingHandler(failures int, calls *int) MessageHandler {
	return func(context.Context, *sarama.ConsumerMessage) error {
		*calls++
		if *calls <= failures {
			return errors.New("session registry unavailable")
		}
		return nil
	}
}

func TestConsumer_StartRestartsSessionsUntilCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	group := &fakeGroup{errs: make(chan error, 1)}
	group.consume = func(context.Context) error {
		if group.sessionCount() >= 3 {
			cancel()
		}
		return errors.New("rebalance in progress")
	}
	group.errs <- errors.New("broker disconnected")

	consumer := newConsumer(group, []string{TopicRegionEvents}, nil)
	require.NoError(t, consumer.Start(ctx))

	<-ctx.Done()
	require.NoError(t, consumer.Stop())
	assert.GreaterOrEqual(t, group.sessionCount(), 3)
}

func TestConsumer_StopReportsCloseError(t *testing.T) {
	group := &fakeGroup{errs: make(chan error), closeErr: errors.New("close failed")}
	consumer := newConsumer(group, nil, nil)
	require.ErrorContains(t, consumer.Stop(), "close failed")

	require.Error(t, (&Consumer{}).Start(context.Background()))
}

func TestNewConsumer_NoBrokers(t *testing.T) {
	_, err := NewConsumer(nil, "storefront", []string{TopicRegionEvents}, nil)
	require.ErrorIs(t, err, errNoBrokers)
}

func TestConsumeClaim_InvalidatesAndCommits(t *testing.T) {
	invalidator := &invalidatorStub{}
	consumer := newConsumer(nil, nil, NewRegionEventHandler(invalidator))
	session := &fakeSession{ctx: context.Background()}

	require.NoError(t, consumer.ConsumeClaim(session, claimOf(
		regionRecord(1, `{"event_type":"region.updated","region_id":"reg_eu"}`, ""),
		regionRecord(2, `{"event_type":"regions.reloaded"}`, ""),
		regionRecord(3, `not json`, ""),
	)))

	assert.Equal(t, []int64{1, 2, 3}, session.marked, "malformed events are committed and skipped")
	assert.Equal(t, []string{"reg_eu", ""}, invalidator.calls)
}

func TestConsumeClaim_FailedRecordStaysUncommitted(t *testing.T) {
	calls := 0
	consumer := newConsumer(nil, nil, failingHandler(10, &calls), WithMaxRetries(1))
	session := &fakeSession{ctx: context.Background()}

	require.NoError(t, consumer.ConsumeClaim(session, claimOf(
		regionRecord(1, `{"event_type":"region.deleted","region_id":"reg_us"}`, ""),
	)))
	assert.Empty(t, session.marked)
	assert.Equal(t, 1, calls)
}

func TestConsumeClaim_StopsOnSessionEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	consumer := newConsumer(nil, nil, nil)
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan error, 1)
	go func() { done <- consumer.ConsumeClaim(&fakeSession{ctx: ctx}, claim) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim kept running after session end")
	}
}

func TestConsumer_ProcessBudget(t *testing.T) {
	const payload = `{"event_type":"region.updated","region_id":"reg_eu"}`

	tests := []struct {
		name      string
		retries   string
		failures  int
		dlq       bool
		dlqFails  bool
		wantErr   bool
		wantCalls int
	}{
		{name: "first attempt", wantCalls: 1},
		{name: "recovers on retry", failures: 1, wantCalls: 2},
		{name: "budget reduced by header", retries: "1", failures: 5, wantErr: true, wantCalls: 2},
		{name: "exhausted without dlq", retries: "3", failures: 5, wantErr: true, wantCalls: 1},
		{name: "exhausted into dlq", retries: "3", failures: 5, dlq: true, wantCalls: 1},
		{name: "dlq unavailable", retries: "3", failures: 5, dlq: true, dlqFails: true, wantErr: true, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			opts := []ConsumerOption{WithMaxRetries(3), WithRetryDelay(0)}
			if tt.dlq {
				producer, sp := mockedProducer(t)
				if tt.dlqFails {
					sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
				} else {
					sp.ExpectSendMessageAndSucceed()
				}
				opts = append(opts, WithDeadLetters(producer))
			}

			consumer := newConsumer(nil, nil, failingHandler(tt.failures, &calls), opts...)
			err := consumer.process(context.Background(), regionRecord(7, payload, tt.retries))
			assert.Equal(t, tt.wantErr, err != nil, "err: %v", err)
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestConsumer_DeadLetterRecord(t *testing.T) {
	producer, sp := mockedProducer(t)
	var sent *sarama.ProducerMessage
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		sent = msg
		return nil
	})

	failedAt := time.Date(2026, 5, 4, 11, 0, 0, 0, time.UTC)
	consumer := newConsumer(nil, nil, nil, WithDeadLetters(producer))
	consumer.now = func() time.Time { return failedAt }

	msg := &sarama.ConsumerMessage{Topic: TopicRegionEvents, Partition: 1, Offset: 42, Key: []byte("reg_eu"), Value: []byte(`{"event_type":"region.updated"}`)}
	require.NoError(t, consumer.deadLetter(msg, 3, errors.New("boom")))

	assert.Equal(t, TopicDeadLetterQueue, sent.Topic)
	assert.Equal(t, map[string]string{
		HeaderOriginalTopic: TopicRegionEvents,
		HeaderErrorMessage:  "boom",
		HeaderFailedAt:      "2026-05-04T11:00:00Z",
		HeaderRetryCount:    "3",
	}, headerMap(sent))

	var record DeadLetter
	recordValue(t, sent, &record)
	assert.Equal(t, DeadLetter{
		OriginalTopic:     TopicRegionEvents,
		OriginalPartition: 1,
		OriginalOffset:    42,
		OriginalKey:       "reg_eu",
		OriginalValue:     `{"event_type":"region.updated"}`,
		Error:             "boom",
		FailedAt:          failedAt,
		RetryCount:        3,
	}, record)
}

func TestConsumer_ProcessStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	consumer := newConsumer(nil, nil, func(context.Context, *sarama.ConsumerMessage) error {
		calls++
		cancel()
		return errors.New("temporary")
	}, WithMaxRetries(5), WithRetryDelay(time.Hour))

	err := consumer.process(ctx, regionRecord(1, `{}`, ""))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryCount(t *testing.T) {
	tests := map[string]struct {
		headers []*sarama.RecordHeader
		want    int
	}{
		"set":      {headers: []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte("5")}}, want: 5},
		"garbage":  {headers: []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte("bad")}}},
		"negative": {headers: []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte("-2")}}},
		"missing":  {headers: []*sarama.RecordHeader{nil, {Key: []byte("other"), Value: []byte("7")}}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryCount(&sarama.ConsumerMessage{Headers: tt.headers}))
		})
	}
}

func TestParseRegionEvent(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    RegionEvent
		wantErr bool
	}{
		{name: "updated", payload: `{"event_type":"region.updated","region_id":" reg_eu "}`, want: RegionEvent{EventType: EventTypeRegionUpdated, RegionID: "reg_eu"}},
		{name: "deleted", payload: `{"event_type":"region.deleted","region_id":"reg_us"}`, want: RegionEvent{EventType: EventTypeRegionDeleted, RegionID: "reg_us"}},
		{name: "reload ignores id", payload: `{"event_type":"regions.reloaded","region_id":"reg_us"}`, want: RegionEvent{EventType: EventTypeRegionsReloaded}},
		{name: "missing id", payload: `{"event_type":"region.updated"}`, wantErr: true},
		{name: "unknown type", payload: `{"event_type":"order.created","region_id":"reg_us"}`, wantErr: true},
		{name: "broken json", payload: `{`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := ParseRegionEvent(&sarama.ConsumerMessage{Value: []byte(tt.payload)})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.EventType, event.EventType)
			assert.Equal(t, tt.want.RegionID, event.RegionID)
		})
	}
}
