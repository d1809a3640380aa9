package broker

import (
	"context"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/protocol/heartbeat"
	"github.com/segmentio/kafka-go/protocol/joingroup"
	"github.com/segmentio/kafka-go/protocol/leavegroup"
	"github.com/segmentio/kafka-go/protocol/offsetcommit"
	"github.com/segmentio/kafka-go/protocol/offsetfetch"
	"github.com/segmentio/kafka-go/protocol/syncgroup"
)

func (b *Broker) joinGroup(ctx context.Context, clientID string, req *joingroup.Request) (*joingroup.Response, error) {
	protocols := make([]groupProtocol, len(req.Protocols))
	for i, p := range req.Protocols {
		protocols[i] = groupProtocol{name: p.Name, metadata: p.Metadata}
	}

	ch, code := b.groups.join(joinRequest{
		groupID:          req.GroupID,
		memberID:         req.MemberID,
		clientID:         clientID,
		protocolType:     req.ProtocolType,
		sessionTimeout:   millis(req.SessionTimeoutMS),
		rebalanceTimeout: millis(req.RebalanceTimeoutMS),
		protocols:        protocols,
	})
	if code != 0 {
		return &joingroup.Response{ErrorCode: int16(code), GenerationID: -1, MemberID: req.MemberID}, nil
	}

	res, ok := await(ctx, ch)
	if !ok {
		return nil, ErrClosed
	}
	out := &joingroup.Response{
		ErrorCode:    int16(res.err),
		GenerationID: res.generation,
		ProtocolName: res.protocol,
		LeaderID:     res.leader,
		MemberID:     res.memberID,
	}
	if res.err != 0 {
		out.GenerationID = -1
		out.MemberID = req.MemberID
	}
	for _, m := range res.members {
		out.Members = append(out.Members, joingroup.ResponseMember{MemberID: m.id, Metadata: m.metadata})
	}
	return out, nil
}

func (b *Broker) syncGroup(ctx context.Context, req *syncgroup.Request) (*syncgroup.Response, error) {
	assignments := make(map[string][]byte, len(req.Assignments))
	for _, a := range req.Assignments {
		assignments[a.MemberID] = a.Assignment
	}

	ch, code := b.groups.sync(req.GroupID, req.GenerationID, req.MemberID, assignments)
	if code != 0 {
		return &syncgroup.Response{ErrorCode: int16(code)}, nil
	}
	res, ok := await(ctx, ch)
	if !ok {
		return nil, ErrClosed
	}
	return &syncgroup.Response{ErrorCode: int16(res.err), Assignments: res.assignment}, nil
}

func (b *Broker) heartbeat(req *heartbeat.Request) *heartbeat.Response {
	return &heartbeat.Response{ErrorCode: int16(b.groups.heartbeat(req.GroupID, req.GenerationID, req.MemberID))}
}

func (b *Broker) leaveGroup(req *leavegroup.Request) *leavegroup.Response {
	return &leavegroup.Response{ErrorCode: int16(b.groups.leave(req.GroupID, req.MemberID))}
}

func (b *Broker) offsetCommit(version int16, req *offsetcommit.Request) *offsetcommit.Response {
	generation := req.GenerationID
	if version == 0 {
		// v0 commits carry no membership
		generation = -1
	}

	offsets := make(map[topicPartition]committedOffset)
	res := &offsetcommit.Response{Topics: make([]offsetcommit.ResponseTopic, 0, len(req.Topics))}
	for _, rt := range req.Topics {
		out := offsetcommit.ResponseTopic{Name: rt.Name, Partitions: make([]offsetcommit.ResponsePartition, 0, len(rt.Partitions))}
		t, tok := b.topic(rt.Name)
		for _, rp := range rt.Partitions {
			p := offsetcommit.ResponsePartition{PartitionIndex: rp.PartitionIndex}
			if _, ok := partitionOf(t, tok, rp.PartitionIndex); !ok {
				p.ErrorCode = int16(kafka.UnknownTopicOrPartition)
			} else {
				offsets[topicPartition{rt.Name, rp.PartitionIndex}] = committedOffset{
					offset:   rp.CommittedOffset,
					metadata: rp.CommittedMetadata,
				}
			}
			out.Partitions = append(out.Partitions, p)
		}
		res.Topics = append(res.Topics, out)
	}

	if code := b.groups.commit(req.GroupID, generation, req.MemberID, offsets); code != 0 {
		for i := range res.Topics {
			for j := range res.Topics[i].Partitions {
				res.Topics[i].Partitions[j].ErrorCode = int16(code)
			}
		}
	}
	return res
}

func (b *Broker) offsetFetch(req *offsetfetch.Request) *offsetfetch.Response {
	res := &offsetfetch.Response{}

	if req.Topics == nil {
		byTopic := make(map[string][]offsetfetch.ResponsePartition)
		var names []string
		for tp, o := range b.groups.allCommitted(req.GroupID) {
			if _, ok := byTopic[tp.topic]; !ok {
				names = append(names, tp.topic)
			}
			byTopic[tp.topic] = append(byTopic[tp.topic], offsetfetch.ResponsePartition{
				PartitionIndex:      tp.partition,
				CommittedOffset:     o.offset,
				ComittedLeaderEpoch: -1,
				Metadata:            o.metadata,
			})
		}
		for _, name := range names {
			res.Topics = append(res.Topics, offsetfetch.ResponseTopic{Name: name, Partitions: byTopic[name]})
		}
		return res
	}

	for _, rt := range req.Topics {
		out := offsetfetch.ResponseTopic{Name: rt.Name, Partitions: make([]offsetfetch.ResponsePartition, 0, len(rt.PartitionIndexes))}
		for _, partition := range rt.PartitionIndexes {
			o := b.groups.committed(req.GroupID, topicPartition{rt.Name, partition})
			out.Partitions = append(out.Partitions, offsetfetch.ResponsePartition{
				PartitionIndex:      partition,
				CommittedOffset:     o.offset,
				ComittedLeaderEpoch: -1,
				Metadata:            o.metadata,
			})
		}
		res.Topics = append(res.Topics, out)
	}
	return res
}
