package relaypool

import (
	"context"
)

// Publish sends one pre-signed event to this relay and waits for the ack.
// When the connection is not yet usable, a connect is triggered and the send
// races a one-shot ready continuation against the caller's context; the
// losing listener is always detached. The relay's OK resolves the oldest
// pending waiter for the event id, so republishing the same id stays safe.
func (connection *Connection) Publish(ctx context.Context, event *Event) error {
	if event == nil || event.ID == "" {
		return NewError(PublishFailedError, "event has no id")
	}

	if connection.isUsable() {
		return connection.publishAttempt(ctx, event)
	}

	go func() {
		_ = connection.Connect(context.Background(), true)
	}()

	ready := make(chan struct{}, 1)
	listenerID := connection.onceReady(func() {
		select {
		case ready <- struct{}{}:
		default:
		}
	})
	defer connection.removeReadyListener(listenerID)

	select {
	case <-ready:
		return connection.publishAttempt(ctx, event)
	case <-ctx.Done():
		return NewError(TimedOutError, "publish to "+connection.url)
	}
}

func (connection *Connection) publishAttempt(ctx context.Context, event *Event) error {
	waiter := make(chan publishReply, 1)
	connection.enqueuePublishWaiter(event.ID, waiter)

	frame, err := encodeEventFrame(event)
	if err == nil {
		err = connection.send(frame)
	}
	if err != nil {
		connection.dropPublishWaiter(event.ID, waiter)
		return err
	}

	select {
	case reply := <-waiter:
		if reply.err != nil {
			return reply.err
		}
		if !reply.ok {
			return NewError(PublishFailedError, reply.reason)
		}
		return nil
	case <-ctx.Done():
		connection.dropPublishWaiter(event.ID, waiter)
		return NewError(TimedOutError, "publish to "+connection.url)
	}
}
