package broker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"embeddedtest/logger"
	"embeddedtest/metrics"
)

type groupState int

const (
	groupEmpty groupState = iota
	groupPreparingRebalance
	groupCompletingRebalance
	groupStable
)

func (s groupState) String() string {
	switch s {
	case groupEmpty:
		return "Empty"
	case groupPreparingRebalance:
		return "PreparingRebalance"
	case groupCompletingRebalance:
		return "CompletingRebalance"
	case groupStable:
		return "Stable"
	default:
		return "Unknown"
	}
}

type groupProtocol struct {
	name     string
	metadata []byte
}

type memberInfo struct {
	id       string
	metadata []byte
}

type joinResult struct {
	err        kafka.Error
	generation int32
	protocol   string
	leader     string
	memberID   string
	members    []memberInfo
}

type syncResult struct {
	err        kafka.Error
	assignment []byte
}

type member struct {
	id               string
	clientID         string
	sessionTimeout   time.Duration
	rebalanceTimeout time.Duration
	protocols        []groupProtocol
	assignment       []byte
	lastSeen         time.Time

	joinC chan joinResult
	syncC chan syncResult
}

func (m *member) supports(name string) bool {
	for _, p := range m.protocols {
		if p.name == name {
			return true
		}
	}
	return false
}

func (m *member) metadataFor(name string) []byte {
	for _, p := range m.protocols {
		if p.name == name {
			return p.metadata
		}
	}
	return nil
}

type topicPartition struct {
	topic     string
	partition int32
}

type committedOffset struct {
	offset   int64
	metadata string
}

type group struct {
	id           string
	state        groupState
	generation   int32
	protocolType string
	protocol     string
	leader       string
	members      map[string]*member
	offsets      map[topicPartition]committedOffset

	// rebalance guards timers armed for earlier rebalances.
	rebalance   int
	initialJoin bool
}

func (g *group) allJoined() bool {
	for _, m := range g.members {
		if m.joinC == nil {
			return false
		}
	}
	return len(g.members) > 0
}

func (g *group) maxRebalanceTimeout() time.Duration {
	var d time.Duration
	for _, m := range g.members {
		if m.rebalanceTimeout > d {
			d = m.rebalanceTimeout
		}
	}
	return d
}

// coordinator runs the consumer group membership protocol: members join,
// the coordinator waits for every known member, elects a leader, and the
// leader's assignment is handed out on sync.
type coordinator struct {
	mu           sync.Mutex
	groups       map[string]*group
	initialDelay time.Duration
	now          func() time.Time
}

func newCoordinator(initialDelay time.Duration) *coordinator {
	return &coordinator{
		groups:       make(map[string]*group),
		initialDelay: initialDelay,
		now:          time.Now,
	}
}

func (c *coordinator) group(id string, create bool) *group {
	g, ok := c.groups[id]
	if !ok && create {
		g = &group{
			id:      id,
			members: make(map[string]*member),
			offsets: make(map[topicPartition]committedOffset),
		}
		c.groups[id] = g
	}
	return g
}

type joinRequest struct {
	groupID          string
	memberID         string
	clientID         string
	protocolType     string
	sessionTimeout   time.Duration
	rebalanceTimeout time.Duration
	protocols        []groupProtocol
}

// join registers a member and returns the channel its join result arrives
// on once the rebalance completes.
func (c *coordinator) join(req joinRequest) (<-chan joinResult, kafka.Error) {
	if req.groupID == "" {
		return nil, kafka.InvalidGroupId
	}
	if req.sessionTimeout <= 0 {
		return nil, kafka.InvalidSessionTimeout
	}
	if req.rebalanceTimeout <= 0 {
		req.rebalanceTimeout = req.sessionTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.group(req.groupID, true)
	if len(g.members) > 0 {
		if g.protocolType != req.protocolType {
			return nil, kafka.InconsistentGroupProtocol
		}
		if !g.sharesProtocol(req.memberID, req.protocols) {
			return nil, kafka.InconsistentGroupProtocol
		}
	}

	m, ok := g.members[req.memberID]
	switch {
	case req.memberID == "":
		m = &member{id: req.clientID + "-" + uuid.NewString()}
		g.members[m.id] = m
	case !ok:
		return nil, kafka.UnknownMemberId
	}

	g.protocolType = req.protocolType
	m.clientID = req.clientID
	m.sessionTimeout = req.sessionTimeout
	m.rebalanceTimeout = req.rebalanceTimeout
	m.protocols = req.protocols
	m.lastSeen = c.now()
	if m.joinC != nil {
		// a newer join from the same member supersedes the pending one
		m.joinC <- joinResult{err: kafka.RebalanceInProgress}
	}
	// completeJoin may answer and clear m.joinC before we return
	ch := make(chan joinResult, 1)
	m.joinC = ch

	if g.state != groupPreparingRebalance {
		c.prepareRebalance(g)
	}
	if g.allJoined() && (!g.initialJoin || c.initialDelay <= 0) {
		c.completeJoin(g)
	}
	return ch, 0
}

// sharesProtocol reports whether the protocols offered by a member are
// compatible with every other member of the group.
func (g *group) sharesProtocol(memberID string, protocols []groupProtocol) bool {
	for _, p := range protocols {
		common := true
		for id, m := range g.members {
			if id == memberID {
				continue
			}
			if !m.supports(p.name) {
				common = false
				break
			}
		}
		if common {
			return true
		}
	}
	return false
}

// prepareRebalance moves g into PreparingRebalance and arms the timer that
// completes the join phase even if some members never rejoin.
func (c *coordinator) prepareRebalance(g *group) {
	if g.state == groupCompletingRebalance {
		for _, m := range g.members {
			if m.syncC != nil {
				m.syncC <- syncResult{err: kafka.RebalanceInProgress}
				m.syncC = nil
			}
		}
	}

	g.initialJoin = g.state == groupEmpty
	g.state = groupPreparingRebalance
	g.rebalance++

	delay := g.maxRebalanceTimeout()
	if g.initialJoin {
		delay = c.initialDelay
	}
	if delay <= 0 {
		return
	}

	seq := g.rebalance
	time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if g.rebalance == seq && g.state == groupPreparingRebalance {
			c.completeJoin(g)
		}
	})
}

// completeJoin ends the join phase: members that did not rejoin are
// dropped, the generation advances and every joined member is answered.
func (c *coordinator) completeJoin(g *group) {
	for id, m := range g.members {
		if m.joinC == nil {
			logger.Info("member did not rejoin, removing",
				logger.FieldKV("group", g.id), logger.FieldKV("member", id))
			delete(g.members, id)
		}
	}
	if len(g.members) == 0 {
		g.state = groupEmpty
		g.leader = ""
		g.protocol = ""
		return
	}

	ids := make([]string, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if _, ok := g.members[g.leader]; !ok {
		g.leader = ids[0]
	}
	g.protocol = g.selectProtocol()
	g.generation++
	g.state = groupCompletingRebalance
	g.rebalance++

	members := make([]memberInfo, 0, len(ids))
	for _, id := range ids {
		members = append(members, memberInfo{id: id, metadata: g.members[id].metadataFor(g.protocol)})
	}
	now := c.now()
	for _, id := range ids {
		m := g.members[id]
		res := joinResult{
			generation: g.generation,
			protocol:   g.protocol,
			leader:     g.leader,
			memberID:   id,
		}
		if id == g.leader {
			res.members = members
		}
		m.assignment = nil
		m.lastSeen = now
		m.joinC <- res
		m.joinC = nil
	}

	metrics.RecordRebalance(g.id)
	logger.Info("group rebalanced",
		logger.FieldKV("group", g.id),
		logger.FieldKV("generation", g.generation),
		logger.FieldKV("members", len(ids)),
		logger.FieldKV("leader", g.leader),
		logger.FieldKV("protocol", g.protocol))
}

// selectProtocol picks the leader's most preferred protocol that every
// member supports.
func (g *group) selectProtocol() string {
	leader := g.members[g.leader]
	for _, p := range leader.protocols {
		all := true
		for _, m := range g.members {
			if !m.supports(p.name) {
				all = false
				break
			}
		}
		if all {
			return p.name
		}
	}
	if len(leader.protocols) > 0 {
		return leader.protocols[0].name
	}
	return ""
}

// sync returns the channel the member's assignment arrives on. The leader's
// call carries the assignments and releases every waiting member.
func (c *coordinator) sync(groupID string, generation int32, memberID string, assignments map[string][]byte) (<-chan syncResult, kafka.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.group(groupID, false)
	if g == nil {
		return nil, kafka.UnknownMemberId
	}
	m, ok := g.members[memberID]
	if !ok {
		return nil, kafka.UnknownMemberId
	}
	if generation != g.generation {
		return nil, kafka.IllegalGeneration
	}
	m.lastSeen = c.now()

	ch := make(chan syncResult, 1)
	switch g.state {
	case groupPreparingRebalance:
		return nil, kafka.RebalanceInProgress
	case groupStable:
		ch <- syncResult{assignment: m.assignment}
		return ch, 0
	}

	if m.syncC != nil {
		m.syncC <- syncResult{err: kafka.RebalanceInProgress}
	}
	m.syncC = ch
	if memberID == g.leader {
		for id, mm := range g.members {
			mm.assignment = assignments[id]
		}
		g.state = groupStable
		for _, mm := range g.members {
			if mm.syncC != nil {
				mm.syncC <- syncResult{assignment: mm.assignment}
				mm.syncC = nil
			}
		}
	}
	return ch, 0
}

func (c *coordinator) heartbeat(groupID string, generation int32, memberID string) kafka.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.group(groupID, false)
	if g == nil {
		return kafka.UnknownMemberId
	}
	m, ok := g.members[memberID]
	if !ok {
		return kafka.UnknownMemberId
	}
	if generation != g.generation {
		return kafka.IllegalGeneration
	}
	m.lastSeen = c.now()
	if g.state == groupPreparingRebalance {
		return kafka.RebalanceInProgress
	}
	return 0
}

func (c *coordinator) leave(groupID, memberID string) kafka.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.group(groupID, false)
	if g == nil {
		return kafka.UnknownMemberId
	}
	if _, ok := g.members[memberID]; !ok {
		return kafka.UnknownMemberId
	}
	logger.Info("member left group", logger.FieldKV("group", g.id), logger.FieldKV("member", memberID))
	c.removeMember(g, memberID)
	return 0
}

// removeMember drops a member and rebalances whoever is left.
func (c *coordinator) removeMember(g *group, memberID string) {
	m := g.members[memberID]
	delete(g.members, memberID)
	if m.joinC != nil {
		m.joinC <- joinResult{err: kafka.UnknownMemberId}
		m.joinC = nil
	}
	if m.syncC != nil {
		m.syncC <- syncResult{err: kafka.UnknownMemberId}
		m.syncC = nil
	}
	if g.leader == memberID {
		g.leader = ""
	}

	if len(g.members) == 0 {
		g.state = groupEmpty
		g.rebalance++
		g.protocol = ""
		return
	}
	if g.state != groupPreparingRebalance {
		c.prepareRebalance(g)
	} else if g.allJoined() {
		c.completeJoin(g)
	}
}

// expire removes members whose session timed out. Members waiting on a
// join are covered by the rebalance timer instead.
func (c *coordinator) expire(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, g := range c.groups {
		for id, m := range g.members {
			if m.joinC != nil {
				continue
			}
			if now.Sub(m.lastSeen) > m.sessionTimeout {
				logger.Warn("member session expired",
					logger.FieldKV("group", g.id),
					logger.FieldKV("member", id),
					logger.FieldKV("session_timeout", m.sessionTimeout.String()))
				c.removeMember(g, id)
			}
		}
	}
}

// commit stores offsets for a group. Commits carrying no member id and a
// negative generation come from standalone consumers and are only accepted
// while the group has no members.
func (c *coordinator) commit(groupID string, generation int32, memberID string, offsets map[topicPartition]committedOffset) kafka.Error {
	if groupID == "" {
		return kafka.InvalidGroupId
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.group(groupID, true)
	if len(g.members) > 0 || memberID != "" || generation >= 0 {
		m, ok := g.members[memberID]
		if !ok {
			return kafka.UnknownMemberId
		}
		if generation != g.generation {
			return kafka.IllegalGeneration
		}
		if g.state == groupPreparingRebalance {
			return kafka.RebalanceInProgress
		}
		m.lastSeen = c.now()
	}

	for tp, o := range offsets {
		g.offsets[tp] = o
	}
	return 0
}

// committed returns the stored offset for tp, or -1 when none was committed.
func (c *coordinator) committed(groupID string, tp topicPartition) committedOffset {
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.group(groupID, false)
	if g == nil {
		return committedOffset{offset: -1}
	}
	o, ok := g.offsets[tp]
	if !ok {
		return committedOffset{offset: -1}
	}
	return o
}

// allCommitted lists every committed partition of a group.
func (c *coordinator) allCommitted(groupID string) map[topicPartition]committedOffset {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[topicPartition]committedOffset)
	if g := c.group(groupID, false); g != nil {
		for tp, o := range g.offsets {
			out[tp] = o
		}
	}
	return out
}

// await blocks on a join or sync result until ctx ends.
func await[T any](ctx context.Context, ch <-chan T) (T, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}
