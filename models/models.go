package models

import (
	"fmt"
	"time"
)

// Message is the JSON envelope accepted by the HTTP surface and published
// with Producer.Publish.
type Message struct {
	MessageID string    `json:"message_id"`
	Topic     string    `json:"topic,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Delivery is one record observed by the consumer.
type Delivery struct {
	MessageID  string    `json:"message_id" bson:"message_id"`
	Topic      string    `json:"topic" bson:"topic"`
	Partition  int       `json:"partition" bson:"partition"`
	Offset     int64     `json:"offset" bson:"offset"`
	Key        string    `json:"key" bson:"key"`
	Value      string    `json:"value" bson:"value"`
	Timestamp  time.Time `json:"timestamp" bson:"timestamp"`
	ReceivedAt time.Time `json:"received_at" bson:"received_at"`
}

// String renders the delivery the way consumer records are usually printed,
// so a stored payload "contains" the original value.
func (d Delivery) String() string {
	return fmt.Sprintf("Delivery(topic = %s, partition = %d, offset = %d, timestamp = %d, key = %s, value = %s)",
		d.Topic, d.Partition, d.Offset, d.Timestamp.UnixMilli(), d.Key, d.Value)
}
