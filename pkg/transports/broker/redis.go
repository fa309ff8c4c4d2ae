package broker

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisSettings holds the Redis Streams backend configuration.
type RedisSettings struct {
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

// RedisConnector builds per-session Redis Streams publisher/subscriber pairs.
// Each session gets its own consumer so topic fan-out matches the direct
// exchange model: one exclusive stream reader per subscription.
func RedisConnector(s RedisSettings) Connector {
	return func(ctx context.Context) (message.Publisher, message.Subscriber, error) {
		client := redis.NewClient(&redis.Options{Addr: s.Addr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, err
		}

		marshaler := rstream.DefaultMarshallerUnmarshaller{}
		logger := NewWatermillLogger(log.With().Str("component", "mq").Logger())

		pub, err := rstream.NewPublisher(rstream.PublisherConfig{
			Client:     client,
			Marshaller: marshaler,
		}, logger)
		if err != nil {
			return nil, nil, err
		}

		sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
			Client:        client,
			Unmarshaller:  marshaler,
			ConsumerGroup: s.Group,
			Consumer:      s.Consumer,
		}, logger)
		if err != nil {
			return nil, nil, err
		}

		return pub, sub, nil
	}
}
