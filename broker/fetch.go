package broker

import (
	"context"
	"encoding/binary"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/protocol/fetch"

	"embeddedtest/metrics"
)

type fetchPartition struct {
	partition     int32
	errorCode     int16
	highWatermark int64
	records       []byte
}

type fetchTopic struct {
	name       string
	partitions []fetchPartition
}

// fetchResponse is encoded by hand: stored batches already carry their
// absolute offsets and are copied to the wire as they are.
type fetchResponse struct {
	topics []fetchTopic
}

func (r *fetchResponse) writeTo(w io.Writer, version int16, correlationID int32) error {
	b := make([]byte, 4, 256)
	b = binary.BigEndian.AppendUint32(b, uint32(correlationID))
	if version >= 1 {
		b = binary.BigEndian.AppendUint32(b, 0) // throttle time
	}
	if version >= 7 {
		b = binary.BigEndian.AppendUint16(b, 0) // error code
		b = binary.BigEndian.AppendUint32(b, 0) // session id
	}

	b = binary.BigEndian.AppendUint32(b, uint32(len(r.topics)))
	for _, t := range r.topics {
		b = binary.BigEndian.AppendUint16(b, uint16(len(t.name)))
		b = append(b, t.name...)
		b = binary.BigEndian.AppendUint32(b, uint32(len(t.partitions)))
		for _, p := range t.partitions {
			b = binary.BigEndian.AppendUint32(b, uint32(p.partition))
			b = binary.BigEndian.AppendUint16(b, uint16(p.errorCode))
			b = binary.BigEndian.AppendUint64(b, uint64(p.highWatermark))
			if version >= 4 {
				b = binary.BigEndian.AppendUint64(b, uint64(p.highWatermark)) // last stable offset
			}
			if version >= 5 {
				b = binary.BigEndian.AppendUint64(b, 0) // log start offset
			}
			if version >= 4 {
				b = binary.BigEndian.AppendUint32(b, 0) // aborted transactions
			}
			if version >= 11 {
				b = binary.BigEndian.AppendUint32(b, ^uint32(0)) // preferred read replica
			}
			b = binary.BigEndian.AppendUint32(b, uint32(len(p.records)))
			b = append(b, p.records...)
		}
	}

	binary.BigEndian.PutUint32(b[:4], uint32(len(b)-4))
	_, err := w.Write(b)
	return err
}

// fetch waits until MinBytes of data is available across the requested
// partitions, MaxWaitTime passes, or the broker shuts down, then returns
// what is there.
func (b *Broker) fetch(ctx context.Context, req *fetch.Request) response {
	wait := millis(req.MaxWaitTime)
	if wait > 0 && !b.fetchReady(req) {
		timer := time.NewTimer(wait)
		defer timer.Stop()
	poll:
		for {
			signal := b.appendSignal()
			if b.fetchReady(req) {
				break
			}
			select {
			case <-signal:
			case <-timer.C:
				break poll
			case <-ctx.Done():
				break poll
			}
		}
	}
	return b.readFetch(req)
}

func (b *Broker) fetchReady(req *fetch.Request) bool {
	if req.MinBytes <= 0 {
		return true
	}
	total := 0
	for _, rt := range req.Topics {
		t, tok := b.topic(rt.Topic)
		for _, rp := range rt.Partitions {
			log, ok := partitionOf(t, tok, rp.Partition)
			if !ok || rp.FetchOffset > log.highWatermark() || rp.FetchOffset < 0 {
				// errors are reported right away
				return true
			}
			total += log.available(rp.FetchOffset)
		}
	}
	return total >= int(req.MinBytes)
}

func (b *Broker) readFetch(req *fetch.Request) *fetchResponse {
	res := &fetchResponse{topics: make([]fetchTopic, 0, len(req.Topics))}
	remaining := -1
	if req.MaxBytes > 0 {
		remaining = int(req.MaxBytes)
	}
	total := 0

	for _, rt := range req.Topics {
		out := fetchTopic{name: rt.Topic, partitions: make([]fetchPartition, 0, len(rt.Partitions))}
		t, tok := b.topic(rt.Topic)
		for _, rp := range rt.Partitions {
			p := fetchPartition{partition: rp.Partition, highWatermark: -1}
			log, ok := partitionOf(t, tok, rp.Partition)
			if !ok {
				p.errorCode = int16(kafka.UnknownTopicOrPartition)
				out.partitions = append(out.partitions, p)
				continue
			}

			limit := int(rp.PartitionMaxBytes)
			if remaining >= 0 && remaining < limit {
				limit = remaining
			}
			if total > 0 && limit <= 0 {
				p.highWatermark = log.highWatermark()
				out.partitions = append(out.partitions, p)
				continue
			}

			records, hwm, err := log.read(rp.FetchOffset, limit)
			p.highWatermark = hwm
			p.errorCode = errorCode(err)
			p.records = records
			if n := len(records); n > 0 {
				total += n
				if remaining >= 0 {
					remaining -= n
				}
				metrics.RecordFetch(rt.Topic, n)
			}
			out.partitions = append(out.partitions, p)
		}
		res.topics = append(res.topics, out)
	}
	return res
}
