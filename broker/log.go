package broker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/protocol"
)

// Byte positions inside a v2 record batch, counted from the base offset.
const (
	batchMagicOffset    = 16
	batchMaxTimeOffset  = 35
	batchHeaderSize     = 61
	recordSetSizePrefix = 4
)

type batch struct {
	baseOffset   int64
	lastOffset   int64
	maxTimestamp int64
	data         []byte
}

func (b *batch) size() int { return len(b.data) }

// partitionLog holds the record batches of one partition in offset order.
// Offsets are dense and start at zero; the log is never truncated, so the
// log start offset is always zero.
type partitionLog struct {
	mu      sync.RWMutex
	batches []batch
	next    int64
}

func (l *partitionLog) highWatermark() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.next
}

// append stores records as one v2 batch and returns its base offset.
func (l *partitionLog) append(records []protocol.Record) (int64, error) {
	if len(records) == 0 {
		return -1, kafka.InvalidMessage
	}
	data, err := encodeBatch(records)
	if err != nil {
		return -1, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	base := l.next
	binary.BigEndian.PutUint64(data[0:8], uint64(base))
	l.batches = append(l.batches, batch{
		baseOffset:   base,
		lastOffset:   base + int64(len(records)) - 1,
		maxTimestamp: int64(binary.BigEndian.Uint64(data[batchMaxTimeOffset : batchMaxTimeOffset+8])),
		data:         data,
	})
	l.next = base + int64(len(records))
	return base, nil
}

// read returns whole batches starting with the one that holds offset, until
// maxBytes is reached. The first batch is returned even when it alone is
// larger than maxBytes so a consumer can always make progress.
func (l *partitionLog) read(offset int64, maxBytes int) ([]byte, int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if offset < 0 || offset > l.next {
		return nil, l.next, kafka.OffsetOutOfRange
	}
	i := sort.Search(len(l.batches), func(i int) bool {
		return l.batches[i].lastOffset >= offset
	})

	var buf bytes.Buffer
	for ; i < len(l.batches); i++ {
		b := &l.batches[i]
		if buf.Len() > 0 && buf.Len()+b.size() > maxBytes {
			break
		}
		buf.Write(b.data)
	}
	return buf.Bytes(), l.next, nil
}

// available reports how many batch bytes a fetch at offset would see.
func (l *partitionLog) available(offset int64) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i := sort.Search(len(l.batches), func(i int) bool {
		return l.batches[i].lastOffset >= offset
	})
	n := 0
	for ; i < len(l.batches); i++ {
		n += l.batches[i].size()
	}
	return n
}

// offsetForTime returns the first offset of the earliest batch whose newest
// record is not older than ts, or -1 when every batch is older.
func (l *partitionLog) offsetForTime(ts int64) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := range l.batches {
		if l.batches[i].maxTimestamp >= ts {
			return l.batches[i].baseOffset
		}
	}
	return -1
}

// encodeBatch renders records as a single uncompressed v2 batch with base
// offset zero. Keys and values are copied out first because protocol.Bytes
// can only be read once.
func encodeBatch(records []protocol.Record) ([]byte, error) {
	copied := make([]protocol.Record, len(records))
	now := time.Now()
	for i, r := range records {
		key, err := protocol.ReadAll(r.Key)
		if err != nil {
			return nil, fmt.Errorf("read record key: %w", err)
		}
		value, err := protocol.ReadAll(r.Value)
		if err != nil {
			return nil, fmt.Errorf("read record value: %w", err)
		}
		t := r.Time
		if t.IsZero() || t.Unix() <= 0 {
			t = now
		}
		copied[i] = protocol.Record{
			Time:    t,
			Key:     protocol.NewBytes(key),
			Value:   protocol.NewBytes(value),
			Headers: r.Headers,
		}
	}

	var buf bytes.Buffer
	rs := protocol.RecordSet{Version: 2, Records: protocol.NewRecordReader(copied...)}
	if _, err := rs.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("encode record batch: %w", err)
	}
	data := buf.Bytes()
	if len(data) < recordSetSizePrefix+batchHeaderSize || data[recordSetSizePrefix+batchMagicOffset] != 2 {
		return nil, kafka.InvalidMessage
	}
	return data[recordSetSizePrefix:], nil
}

// readRecords drains a decoded record set.
func readRecords(rs protocol.RecordSet) ([]protocol.Record, error) {
	if rs.Records == nil {
		return nil, nil
	}
	var records []protocol.Record
	for {
		r, err := rs.Records.ReadRecord()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return records, err
		}
		records = append(records, *r)
	}
}
