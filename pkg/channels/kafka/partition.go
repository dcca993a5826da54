package kafka

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/prompthook/pkg/events"
)

// partitionKey keeps every event of one aggregate on the same partition.
func partitionKey(_ string, msg *message.Message) (string, error) {
	return msg.Metadata.Get(events.EventMetadataKey), nil
}
