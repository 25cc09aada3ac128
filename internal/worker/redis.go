package worker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"polychat/internal/redis"
)

const redisCancelChannel = "polychat:worker:cancel"

const (
	scopeUser = "user"
	scopeChat = "chat"
)

type cancelMessage struct {
	UserID int64  `json:"user_id"`
	ChatID string `json:"chat_id,omitempty"`
	Scope  string `json:"scope"`
}

// cancelBus fans cancellations out to every instance sharing the redis.
type cancelBus struct {
	client *redis.Client
}

func newCancelBus(client *redis.Client) *cancelBus {
	if client == nil {
		return nil
	}
	return &cancelBus{client: client}
}

// startListener redis listener using sub chan
func (b *cancelBus) startListener(ctx context.Context, handler func(cancelMessage)) error {
	if b == nil || handler == nil {
		return nil
	}
	pubsub, err := b.client.Subscribe(ctx, redisCancelChannel)
	if err != nil {
		return err
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var cm cancelMessage
				if err := json.Unmarshal([]byte(msg.Payload), &cm); err != nil {
					log.Printf("worker: cancel decode failed: %v", err)
					continue
				}
				handler(cm)
			}
		}
	}()
	return nil
}

func (b *cancelBus) publish(msg cancelMessage) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("worker: cancel encode failed: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.client.Publish(ctx, redisCancelChannel, payload); err != nil {
		log.Printf("worker: cancel publish failed: %v", err)
	}
}
