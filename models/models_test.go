package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeliveryString(t *testing.T) {
	d := Delivery{
		MessageID: "123",
		Topic:     "embedded-test-topic",
		Partition: 0,
		Offset:    7,
		Key:       "123",
		Value:     "hello world",
		Timestamp: time.UnixMilli(1700000000000),
	}

	s := d.String()
	assert.Contains(t, s, "hello world")
	assert.Contains(t, s, "topic = embedded-test-topic")
	assert.Contains(t, s, "offset = 7")
	assert.Contains(t, s, "timestamp = 1700000000000")
}
