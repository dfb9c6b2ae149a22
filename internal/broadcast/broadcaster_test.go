package broadcast

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/brokercall/internal/models"
)

type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	writeErr error
	closed   bool
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.messages = append(c.messages, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func testBroadcaster() *Broadcaster {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return New(log)
}

func tradeEvent() models.Event {
	return models.Event{
		Type: models.EventTradeExecuted,
		Trade: &models.Trade{
			UserID: 1, Ticker: "AAPL", Action: models.ActionBuy,
			Quantity: 10, Price: decimal.NewFromInt(150),
		},
	}
}

func TestPublish_DeliversToAllUserSubscribers(t *testing.T) {
	b := testBroadcaster()
	conn1 := &fakeConn{}
	conn2 := &fakeConn{}
	b.Subscribe(1, conn1)
	b.Subscribe(1, conn2)

	b.Publish(1, tradeEvent())

	if conn1.count() != 1 || conn2.count() != 1 {
		t.Errorf("expected both subscribers to receive the event, got %d and %d", conn1.count(), conn2.count())
	}

	var got models.Event
	if err := json.Unmarshal(conn1.messages[0], &got); err != nil {
		t.Fatalf("delivered payload is not valid JSON: %v", err)
	}
	if got.Type != models.EventTradeExecuted || got.Trade.Ticker != "AAPL" {
		t.Errorf("unexpected event payload: %+v", got)
	}
}

func TestPublish_DoesNotCrossUsers(t *testing.T) {
	b := testBroadcaster()
	mine := &fakeConn{}
	theirs := &fakeConn{}
	b.Subscribe(1, mine)
	b.Subscribe(2, theirs)

	b.Publish(1, tradeEvent())

	if theirs.count() != 0 {
		t.Error("event leaked to another user's subscriber")
	}
}

func TestPublish_NoSubscribersDropsEvent(t *testing.T) {
	b := testBroadcaster()
	// Must not panic or block.
	b.Publish(42, tradeEvent())
}

func TestPublish_LateSubscriberMissesEarlierEvents(t *testing.T) {
	b := testBroadcaster()
	b.Publish(1, tradeEvent())

	late := &fakeConn{}
	b.Subscribe(1, late)
	if late.count() != 0 {
		t.Error("events must not be replayed to late subscribers")
	}

	b.Publish(1, tradeEvent())
	if late.count() != 1 {
		t.Errorf("expected 1 event after subscribing, got %d", late.count())
	}
}

func TestPublish_FailedWriteDropsSubscriber(t *testing.T) {
	b := testBroadcaster()
	bad := &fakeConn{writeErr: errors.New("connection reset")}
	good := &fakeConn{}
	b.Subscribe(1, bad)
	b.Subscribe(1, good)

	b.Publish(1, tradeEvent())

	if b.SubscriberCount(1) != 1 {
		t.Errorf("expected failed subscriber to be dropped, count = %d", b.SubscriberCount(1))
	}
	if !bad.closed {
		t.Error("dropped subscriber's connection should be closed")
	}
	if good.count() != 1 {
		t.Error("healthy subscriber must still receive the event")
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	b := testBroadcaster()
	conn := &fakeConn{}
	sub := b.Subscribe(1, conn)

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	if b.SubscriberCount(1) != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.SubscriberCount(1))
	}
}

func TestPublish_ConcurrentWithSubscribeChurn(t *testing.T) {
	b := testBroadcaster()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := b.Subscribe(1, &fakeConn{})
			b.Unsubscribe(sub)
		}()
		go func() {
			defer wg.Done()
			b.Publish(1, tradeEvent())
		}()
	}
	wg.Wait()
}
