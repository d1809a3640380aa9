package broker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/protocol"
	"github.com/segmentio/kafka-go/protocol/apiversions"
	"github.com/segmentio/kafka-go/protocol/createtopics"
	"github.com/segmentio/kafka-go/protocol/fetch"
	"github.com/segmentio/kafka-go/protocol/findcoordinator"
	"github.com/segmentio/kafka-go/protocol/heartbeat"
	"github.com/segmentio/kafka-go/protocol/joingroup"
	"github.com/segmentio/kafka-go/protocol/leavegroup"
	"github.com/segmentio/kafka-go/protocol/listoffsets"
	"github.com/segmentio/kafka-go/protocol/metadata"
	"github.com/segmentio/kafka-go/protocol/offsetcommit"
	"github.com/segmentio/kafka-go/protocol/offsetfetch"
	"github.com/segmentio/kafka-go/protocol/produce"
	"github.com/segmentio/kafka-go/protocol/syncgroup"

	"embeddedtest/logger"
	"embeddedtest/metrics"
)

type versionRange struct {
	key      protocol.ApiKey
	min, max int16
}

// apiTable lists what the broker answers. Only non-flexible versions are
// advertised.
var apiTable = []versionRange{
	{protocol.Produce, 0, 8},
	{protocol.Fetch, 0, 11},
	{protocol.ListOffsets, 1, 5},
	{protocol.Metadata, 0, 8},
	{protocol.OffsetCommit, 0, 7},
	{protocol.OffsetFetch, 1, 5},
	{protocol.FindCoordinator, 0, 2},
	{protocol.JoinGroup, 0, 5},
	{protocol.Heartbeat, 0, 3},
	{protocol.LeaveGroup, 0, 2},
	{protocol.SyncGroup, 0, 3},
	{protocol.ApiVersions, 0, 2},
	{protocol.CreateTopics, 0, 4},
}

func supported(key protocol.ApiKey, version int16) bool {
	for _, v := range apiTable {
		if v.key == key {
			return version >= v.min && version <= v.max
		}
	}
	return false
}

// response is anything the broker can write back for a request.
type response interface {
	writeTo(w io.Writer, version int16, correlationID int32) error
}

type message struct{ protocol.Message }

func (m message) writeTo(w io.Writer, version int16, correlationID int32) error {
	return protocol.WriteResponse(w, version, correlationID, m.Message)
}

// handle runs one request. A nil response with a nil error means the client
// expects no answer.
func (b *Broker) handle(ctx context.Context, version int16, clientID string, msg protocol.Message) (response, error) {
	switch req := msg.(type) {
	case *apiversions.Request:
		return message{b.apiVersions()}, nil
	case *metadata.Request:
		return message{b.metadata(version, req)}, nil
	case *createtopics.Request:
		return message{b.createTopics(req)}, nil
	case *produce.Request:
		res := b.produce(req)
		if req.Acks == 0 {
			return nil, nil
		}
		return message{res}, nil
	case *fetch.Request:
		return b.fetch(ctx, req), nil
	case *listoffsets.Request:
		return message{b.listOffsets(req)}, nil
	case *findcoordinator.Request:
		return message{b.findCoordinator(req)}, nil
	case *joingroup.Request:
		res, err := b.joinGroup(ctx, clientID, req)
		if err != nil {
			return nil, err
		}
		return message{res}, nil
	case *syncgroup.Request:
		res, err := b.syncGroup(ctx, req)
		if err != nil {
			return nil, err
		}
		return message{res}, nil
	case *heartbeat.Request:
		return message{b.heartbeat(req)}, nil
	case *leavegroup.Request:
		return message{b.leaveGroup(req)}, nil
	case *offsetcommit.Request:
		return message{b.offsetCommit(version, req)}, nil
	case *offsetfetch.Request:
		return message{b.offsetFetch(req)}, nil
	default:
		return nil, fmt.Errorf("no handler for %s", msg.ApiKey())
	}
}

func (b *Broker) apiVersions() *apiversions.Response {
	res := &apiversions.Response{ApiKeys: make([]apiversions.ApiKeyResponse, 0, len(apiTable))}
	for _, v := range apiTable {
		res.ApiKeys = append(res.ApiKeys, apiversions.ApiKeyResponse{
			ApiKey:     int16(v.key),
			MinVersion: v.min,
			MaxVersion: v.max,
		})
	}
	return res
}

func (b *Broker) metadata(version int16, req *metadata.Request) *metadata.Response {
	host, port := b.advertised()
	res := &metadata.Response{
		Brokers:      []metadata.ResponseBroker{{NodeID: b.cfg.NodeID, Host: host, Port: port}},
		ClusterID:    b.cfg.ClusterID,
		ControllerID: b.cfg.NodeID,
	}

	if req.TopicNames == nil || (version == 0 && len(req.TopicNames) == 0) {
		for _, t := range b.sortedTopics() {
			res.Topics = append(res.Topics, b.topicMetadata(t))
		}
		return res
	}

	autoCreate := b.cfg.AutoCreateTopics && (version < 4 || req.AllowAutoTopicCreation)
	for _, name := range req.TopicNames {
		t, err := b.topicOrCreate(name, autoCreate)
		if err != nil {
			res.Topics = append(res.Topics, metadata.ResponseTopic{Name: name, ErrorCode: errorCode(err)})
			continue
		}
		res.Topics = append(res.Topics, b.topicMetadata(t))
	}
	return res
}

func (b *Broker) topicMetadata(t *topic) metadata.ResponseTopic {
	mt := metadata.ResponseTopic{
		Name:       t.name,
		Partitions: make([]metadata.ResponsePartition, len(t.partitions)),
	}
	for i := range t.partitions {
		mt.Partitions[i] = metadata.ResponsePartition{
			PartitionIndex: int32(i),
			LeaderID:       b.cfg.NodeID,
			ReplicaNodes:   []int32{b.cfg.NodeID},
			IsrNodes:       []int32{b.cfg.NodeID},
		}
	}
	return mt
}

func (b *Broker) createTopics(req *createtopics.Request) *createtopics.Response {
	res := &createtopics.Response{Topics: make([]createtopics.ResponseTopic, 0, len(req.Topics))}
	for _, rt := range req.Topics {
		partitions := int(rt.NumPartitions)
		if partitions == -1 && len(rt.Assignments) > 0 {
			partitions = len(rt.Assignments)
		}

		var err error
		switch {
		case rt.ReplicationFactor > 1:
			err = kafka.InvalidReplicationFactor
		case partitions < -1 || partitions == 0:
			err = ErrInvalidPartitions
		default:
			_, err = b.createTopic(rt.Name, partitions, req.ValidateOnly)
		}
		if err != nil {
			logger.Warn("create topic rejected", logger.FieldKV("topic", rt.Name), logger.FieldKV("error", err.Error()))
		}
		res.Topics = append(res.Topics, createtopics.ResponseTopic{
			Name:         rt.Name,
			ErrorCode:    errorCode(err),
			ErrorMessage: errorMessage(err),
		})
	}
	return res
}

func (b *Broker) produce(req *produce.Request) *produce.Response {
	res := &produce.Response{Topics: make([]produce.ResponseTopic, 0, len(req.Topics))}
	appended := false

	for _, rt := range req.Topics {
		out := produce.ResponseTopic{Topic: rt.Topic, Partitions: make([]produce.ResponsePartition, 0, len(rt.Partitions))}
		t, tok := b.topic(rt.Topic)
		for _, rp := range rt.Partitions {
			p := produce.ResponsePartition{Partition: rp.Partition, BaseOffset: -1, LogAppendTime: -1}

			var base int64
			var n int
			var err error
			if log, ok := partitionOf(t, tok, rp.Partition); ok {
				base, n, err = b.appendRecordSet(log, rp.RecordSet)
			} else {
				err = kafka.UnknownTopicOrPartition
			}
			if err != nil {
				logger.Warn("produce rejected",
					logger.FieldKV("topic", rt.Topic),
					logger.FieldKV("partition", rp.Partition),
					logger.FieldKV("error", err.Error()))
				p.ErrorCode = errorCode(err)
				p.ErrorMessage = errorMessage(err)
			} else {
				p.BaseOffset = base
				appended = true
				metrics.RecordAppend(rt.Topic, n)
			}
			out.Partitions = append(out.Partitions, p)
		}
		res.Topics = append(res.Topics, out)
	}

	if appended {
		b.notifyAppend()
	}
	return res
}

func partitionOf(t *topic, ok bool, partition int32) (*partitionLog, bool) {
	if !ok {
		return nil, false
	}
	return t.partition(partition)
}

func (b *Broker) appendRecordSet(log *partitionLog, rs protocol.RecordSet) (int64, int, error) {
	records, err := readRecords(rs)
	if err != nil {
		return -1, 0, fmt.Errorf("%w: %v", kafka.InvalidMessage, err)
	}
	if len(records) == 0 {
		return -1, 0, kafka.InvalidMessage
	}
	size := 0
	for _, r := range records {
		if r.Key != nil {
			size += r.Key.Len()
		}
		if r.Value != nil {
			size += r.Value.Len()
		}
	}
	if size > b.cfg.MaxMessageBytes {
		return -1, 0, kafka.MessageSizeTooLarge
	}
	base, err := log.append(records)
	if err != nil {
		return -1, 0, err
	}
	return base, len(records), nil
}

func (b *Broker) listOffsets(req *listoffsets.Request) *listoffsets.Response {
	res := &listoffsets.Response{Topics: make([]listoffsets.ResponseTopic, 0, len(req.Topics))}
	for _, rt := range req.Topics {
		out := listoffsets.ResponseTopic{Topic: rt.Topic, Partitions: make([]listoffsets.ResponsePartition, 0, len(rt.Partitions))}
		t, tok := b.topic(rt.Topic)
		for _, rp := range rt.Partitions {
			p := listoffsets.ResponsePartition{Partition: rp.Partition, Timestamp: -1, Offset: -1}
			log, ok := partitionOf(t, tok, rp.Partition)
			switch {
			case !ok:
				p.ErrorCode = int16(kafka.UnknownTopicOrPartition)
			case rp.Timestamp == kafka.LastOffset:
				p.Offset = log.highWatermark()
			case rp.Timestamp == kafka.FirstOffset:
				p.Offset = 0
			default:
				p.Offset = log.offsetForTime(rp.Timestamp)
				if p.Offset >= 0 {
					p.Timestamp = rp.Timestamp
				}
			}
			out.Partitions = append(out.Partitions, p)
		}
		res.Topics = append(res.Topics, out)
	}
	return res
}

func (b *Broker) findCoordinator(req *findcoordinator.Request) *findcoordinator.Response {
	host, port := b.advertised()
	return &findcoordinator.Response{NodeID: b.cfg.NodeID, Host: host, Port: port}
}

func millis(ms int32) time.Duration { return time.Duration(ms) * time.Millisecond }
