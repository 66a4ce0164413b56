// Package kafka provides the Kafka watermill transport shared by flowgraph processes.
package kafka

import (
	"errors"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/flowgraph/pkg/events"
)

var ErrNoBrokers = errors.New("no Kafka brokers configured")

// partitionKey keeps the events of one key, usually a workflow or record id,
// on one partition so they are consumed in order.
func partitionKey(_ string, msg *message.Message) (string, error) {
	return msg.Metadata.Get(events.EventMetadataKey), nil
}

// CreateChannel connects to brokers. Subscribers of the same consumerGroup
// share the partitions of the topic.
func CreateChannel(logger watermill.LoggerAdapter, brokers []string, consumerGroup string) (*kafka.Publisher, *kafka.Subscriber, error) {
	if len(brokers) == 0 || brokers[0] == "" {
		return nil, nil, ErrNoBrokers
	}

	subscriber, err := newSubscriber(logger, brokers, consumerGroup, sarama.OffsetOldest)
	if err != nil {
		return nil, nil, err
	}

	saramaPublisherConfig := sarama.NewConfig()
	saramaPublisherConfig.Producer.Return.Successes = true

	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.NewWithPartitioningMarshaler(partitionKey),
			OverwriteSaramaConfig: saramaPublisherConfig,
			OTELEnabled:           true,
		},
		logger,
	)
	if err != nil {
		_ = subscriber.Close()

		return nil, nil, err
	}

	return publisher, subscriber, nil
}

// CreateBroadcastSubscriber reads with a consumer group of its own, so this
// process sees every message. It starts at the newest offset: control
// signals published before the process started concern executions it does
// not run.
func CreateBroadcastSubscriber(logger watermill.LoggerAdapter, brokers []string, consumerGroup, instanceID string) (*kafka.Subscriber, error) {
	if len(brokers) == 0 || brokers[0] == "" {
		return nil, ErrNoBrokers
	}

	return newSubscriber(logger, brokers, consumerGroup+"-"+instanceID, sarama.OffsetNewest)
}

func newSubscriber(logger watermill.LoggerAdapter, brokers []string, consumerGroup string, initialOffset int64) (*kafka.Subscriber, error) {
	saramaSubscriberConfig := kafka.DefaultSaramaSubscriberConfig()
	saramaSubscriberConfig.Consumer.Offsets.Initial = initialOffset

	return kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaSubscriberConfig,
			ConsumerGroup:         "cg-" + consumerGroup,
			OTELEnabled:           true,
		},
		logger,
	)
}
