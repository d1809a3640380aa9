package broker

import (
	"errors"

	"github.com/segmentio/kafka-go"
)

var (
	ErrClosed            = errors.New("broker closed")
	ErrTopicExists       = errors.New("topic already exists")
	ErrUnknownTopic      = errors.New("unknown topic")
	ErrInvalidTopic      = errors.New("invalid topic name")
	ErrInvalidPartitions = errors.New("partition count must be positive")
)

// errorCode maps broker errors onto the codes clients understand.
func errorCode(err error) int16 {
	if err == nil {
		return 0
	}
	var kerr kafka.Error
	switch {
	case errors.As(err, &kerr):
		return int16(kerr)
	case errors.Is(err, ErrTopicExists):
		return int16(kafka.TopicAlreadyExists)
	case errors.Is(err, ErrUnknownTopic):
		return int16(kafka.UnknownTopicOrPartition)
	case errors.Is(err, ErrInvalidTopic):
		return int16(kafka.InvalidTopic)
	case errors.Is(err, ErrInvalidPartitions):
		return int16(kafka.InvalidPartitionNumber)
	case errors.Is(err, ErrClosed):
		return int16(kafka.BrokerNotAvailable)
	default:
		return int16(kafka.Unknown)
	}
}

// errorMessage is the nullable message some responses carry next to the code.
func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
