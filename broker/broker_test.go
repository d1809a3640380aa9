package broker

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBroker(t *testing.T, cfg Config) *Broker {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	b := New(cfg)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { b.Close() })
	return b
}

func newWriter(b *Broker, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(b.Addr()),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
}

func TestAddrReportsListenerPort(t *testing.T) {
	b := startBroker(t, Config{})
	host, port, err := net.SplitHostPort(b.Addr())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.NotEqual(t, "0", port)
}

func TestStartTwiceFails(t *testing.T) {
	b := startBroker(t, Config{})
	assert.Error(t, b.Start(context.Background()))
}

func TestProduceAndReadPartition(t *testing.T) {
	b := startBroker(t, Config{Topics: []string{"round-trip"}})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w := newWriter(b, "round-trip")
	defer w.Close()
	require.NoError(t, w.WriteMessages(ctx,
		kafka.Message{Key: []byte("1"), Value: []byte("one")},
		kafka.Message{Key: []byte("2"), Value: []byte("two")},
	))
	require.NoError(t, w.WriteMessages(ctx, kafka.Message{Key: []byte("3"), Value: []byte("three")}))

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   []string{b.Addr()},
		Topic:     "round-trip",
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
		MaxWait:   100 * time.Millisecond,
	})
	defer r.Close()

	for i, want := range []string{"one", "two", "three"} {
		m, err := r.ReadMessage(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(i), m.Offset)
		assert.Equal(t, want, string(m.Value))
	}

	infos := b.Topics()
	require.Len(t, infos, 1)
	assert.Equal(t, []int64{3}, infos[0].HighWatermarks)
}

func TestReaderWaitsForLateMessage(t *testing.T) {
	b := startBroker(t, Config{Topics: []string{"late"}})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{b.Addr()},
		Topic:    "late",
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  2 * time.Second,
	})
	defer r.Close()

	got := make(chan kafka.Message, 1)
	go func() {
		m, err := r.ReadMessage(ctx)
		if err == nil {
			got <- m
		}
	}()

	time.Sleep(200 * time.Millisecond)
	w := newWriter(b, "late")
	defer w.Close()
	require.NoError(t, w.WriteMessages(ctx, kafka.Message{Value: []byte("finally")}))

	select {
	case m := <-got:
		assert.Equal(t, "finally", string(m.Value))
	case <-ctx.Done():
		t.Fatal("message never arrived")
	}
}

func TestConsumerGroupReadsAndCommits(t *testing.T) {
	b := startBroker(t, Config{Topics: []string{"grouped"}})
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	w := newWriter(b, "grouped")
	defer w.Close()
	require.NoError(t, w.WriteMessages(ctx, kafka.Message{Value: []byte("for the group")}))

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           []string{b.Addr()},
		GroupID:           "readers",
		Topic:             "grouped",
		MinBytes:          1,
		MaxBytes:          10e6,
		MaxWait:           100 * time.Millisecond,
		HeartbeatInterval: 100 * time.Millisecond,
		StartOffset:       kafka.FirstOffset,
	})
	m, err := r.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "for the group", string(m.Value))
	require.NoError(t, r.Close())

	client := &kafka.Client{Addr: kafka.TCP(b.Addr()), Timeout: 5 * time.Second}
	res, err := client.OffsetFetch(ctx, &kafka.OffsetFetchRequest{
		GroupID: "readers",
		Topics:  map[string][]int{"grouped": {0}},
	})
	require.NoError(t, err)
	require.Len(t, res.Topics["grouped"], 1)
	assert.Equal(t, int64(1), res.Topics["grouped"][0].CommittedOffset)
}

func TestClientAdminRequests(t *testing.T) {
	b := startBroker(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := &kafka.Client{Addr: kafka.TCP(b.Addr()), Timeout: 5 * time.Second}

	create := &kafka.CreateTopicsRequest{Topics: []kafka.TopicConfig{{
		Topic:             "admin",
		NumPartitions:     3,
		ReplicationFactor: 1,
	}}}
	res, err := client.CreateTopics(ctx, create)
	require.NoError(t, err)
	assert.NoError(t, res.Errors["admin"])

	res, err = client.CreateTopics(ctx, create)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Errors["admin"], kafka.TopicAlreadyExists)

	meta, err := client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{"admin"}})
	require.NoError(t, err)
	require.Len(t, meta.Topics, 1)
	assert.Len(t, meta.Topics[0].Partitions, 3)
	require.Len(t, meta.Brokers, 1)

	w := newWriter(b, "admin")
	w.Balancer = kafka.BalancerFunc(func(kafka.Message, ...int) int { return 2 })
	defer w.Close()
	require.NoError(t, w.WriteMessages(ctx, kafka.Message{Value: []byte("a")}, kafka.Message{Value: []byte("b")}))

	offsets, err := client.ListOffsets(ctx, &kafka.ListOffsetsRequest{Topics: map[string][]kafka.OffsetRequest{
		"admin": {kafka.FirstOffsetOf(2), kafka.LastOffsetOf(2)},
	}})
	require.NoError(t, err)
	require.Len(t, offsets.Topics["admin"], 1)
	assert.Equal(t, int64(0), offsets.Topics["admin"][0].FirstOffset)
	assert.Equal(t, int64(2), offsets.Topics["admin"][0].LastOffset)
}

func TestAutoCreateOnWrite(t *testing.T) {
	b := startBroker(t, Config{AutoCreateTopics: true})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w := newWriter(b, "")
	w.AllowAutoTopicCreation = true
	defer w.Close()
	require.NoError(t, w.WriteMessages(ctx, kafka.Message{Topic: "created-on-write", Value: []byte("x")}))

	infos := b.Topics()
	require.Len(t, infos, 1)
	assert.Equal(t, "created-on-write", infos[0].Name)
	assert.Equal(t, 1, infos[0].Partitions)
}

func TestWriteWithoutAcks(t *testing.T) {
	b := startBroker(t, Config{Topics: []string{"fire-and-forget"}})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w := newWriter(b, "fire-and-forget")
	w.RequiredAcks = kafka.RequireNone
	defer w.Close()
	require.NoError(t, w.WriteMessages(ctx, kafka.Message{Value: []byte("x")}))

	require.Eventually(t, func() bool {
		infos := b.Topics()
		return len(infos) == 1 && infos[0].HighWatermarks[0] == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestFetchUnknownTopic(t *testing.T) {
	b := startBroker(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := &kafka.Client{Addr: kafka.TCP(b.Addr()), Timeout: 5 * time.Second}

	meta, err := client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{"missing"}})
	require.NoError(t, err)
	require.Len(t, meta.Topics, 1)
	assert.ErrorIs(t, meta.Topics[0].Error, kafka.UnknownTopicOrPartition)
}

func TestCloseWakesLongPoll(t *testing.T) {
	b := startBroker(t, Config{Topics: []string{"idle"}})
	client := &kafka.Client{Addr: kafka.TCP(b.Addr()), Timeout: 30 * time.Second}

	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Fetch(context.Background(), &kafka.FetchRequest{
			Topic:    "idle",
			Offset:   0,
			MinBytes: 1,
			MaxBytes: 1 << 20,
			MaxWait:  20 * time.Second,
		})
	}()

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fetch still blocked after close")
	}
}

func TestUnsupportedVersionClosesConnection(t *testing.T) {
	b := startBroker(t, Config{})
	conn, err := net.Dial("tcp", b.Addr())
	require.NoError(t, err)
	defer conn.Close()

	// Fetch v99 with an empty client id
	req := binary.BigEndian.AppendUint32(nil, 10)
	req = binary.BigEndian.AppendUint16(req, 1)
	req = binary.BigEndian.AppendUint16(req, 99)
	req = binary.BigEndian.AppendUint32(req, 7)
	req = binary.BigEndian.AppendUint16(req, 0)
	_, err = conn.Write(req)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
