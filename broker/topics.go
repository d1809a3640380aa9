package broker

import (
	"errors"
	"fmt"
	"sort"

	"embeddedtest/logger"
)

const maxTopicNameLength = 249

// TopicInfo describes a topic hosted by the broker.
type TopicInfo struct {
	Name           string
	Partitions     int
	HighWatermarks []int64
}

type topic struct {
	name       string
	partitions []*partitionLog
}

func (t *topic) partition(i int32) (*partitionLog, bool) {
	if i < 0 || int(i) >= len(t.partitions) {
		return nil, false
	}
	return t.partitions[i], true
}

func validateTopicName(name string) error {
	if name == "" || name == "." || name == ".." || len(name) > maxTopicNameLength {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, name)
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidTopic, name)
		}
	}
	return nil
}

// CreateTopic adds a topic with the given number of partitions. A count
// below one uses the configured default.
func (b *Broker) CreateTopic(name string, partitions int) error {
	_, err := b.createTopic(name, partitions, false)
	return err
}

func (b *Broker) createTopic(name string, partitions int, validateOnly bool) (*topic, error) {
	if err := validateTopicName(name); err != nil {
		return nil, err
	}
	if partitions == -1 || partitions == 0 {
		partitions = b.cfg.DefaultPartitions
	}
	if partitions < 1 {
		return nil, ErrInvalidPartitions
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicExists, name)
	}
	if validateOnly {
		return nil, nil
	}

	t := &topic{name: name, partitions: make([]*partitionLog, partitions)}
	for i := range t.partitions {
		t.partitions[i] = &partitionLog{}
	}
	b.topics[name] = t
	logger.Info("topic created", logger.FieldKV("topic", name), logger.FieldKV("partitions", partitions))
	return t, nil
}

func (b *Broker) topic(name string) (*topic, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.topics[name]
	return t, ok
}

// topicOrCreate looks a topic up and creates it with the default partition
// count when autoCreate is set.
func (b *Broker) topicOrCreate(name string, autoCreate bool) (*topic, error) {
	if t, ok := b.topic(name); ok {
		return t, nil
	}
	if !autoCreate {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, name)
	}
	t, err := b.createTopic(name, b.cfg.DefaultPartitions, false)
	if errors.Is(err, ErrTopicExists) {
		// lost a race with another creator
		if t, ok := b.topic(name); ok {
			return t, nil
		}
	}
	return t, err
}

// Topics lists the hosted topics sorted by name.
func (b *Broker) Topics() []TopicInfo {
	b.mu.RLock()
	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	b.mu.RUnlock()
	sort.Strings(names)

	infos := make([]TopicInfo, 0, len(names))
	for _, name := range names {
		t, ok := b.topic(name)
		if !ok {
			continue
		}
		info := TopicInfo{Name: name, Partitions: len(t.partitions)}
		for _, p := range t.partitions {
			info.HighWatermarks = append(info.HighWatermarks, p.highWatermark())
		}
		infos = append(infos, info)
	}
	return infos
}

func (b *Broker) sortedTopics() []*topic {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ts := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].name < ts[j].name })
	return ts
}
