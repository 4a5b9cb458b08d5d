package gateway

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go-chat-core/internal/chat"
	"go-chat-core/internal/presence"
	"go-chat-core/internal/protocol"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

type pending struct {
	msg     *chat.Message
	arrived time.Time
}

// sequence restores append order for one conversation. next is the seq the
// room is waiting for; anything above it waits in early.
type sequence struct {
	next     int64
	early    map[int64]pending
	lastSeen time.Time
}

type BroadcasterConfig struct {
	// ReorderWindow is how long an early message waits for the gap before it.
	ReorderWindow time.Duration
	// IdleAfter evicts sequences that have seen no traffic for this long.
	IdleAfter time.Duration
	// Shards splits the sequences by conversation id. Defaults to 64.
	Shards int
}

type BroadcastStats struct {
	Delivered   int64 `json:"delivered"`
	Late        int64 `json:"late"`
	GapsSkipped int64 `json:"gapsSkipped"`
	Tracked     int   `json:"tracked"`
}

type seqShard struct {
	mu   sync.Mutex
	seqs map[string]*sequence
}

// Broadcaster delivers confirmed messages to every connection in the room, in
// seq order per conversation, whatever order the bus hands them over in.
// Conversations in different shards never wait on each other.
type Broadcaster struct {
	registry *presence.Registry
	cfg      BroadcasterConfig
	log      *zap.Logger
	now      func() time.Time
	shards   []*seqShard

	delivered   atomic.Int64
	late        atomic.Int64
	gapsSkipped atomic.Int64
}

func NewBroadcaster(registry *presence.Registry, log *zap.Logger, cfg BroadcasterConfig) *Broadcaster {
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 500 * time.Millisecond
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = 10 * time.Minute
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 64
	}
	b := &Broadcaster{
		registry: registry,
		cfg:      cfg,
		log:      log.Named("broadcast"),
		now:      time.Now,
		shards:   make([]*seqShard, cfg.Shards),
	}
	for i := range b.shards {
		b.shards[i] = &seqShard{seqs: make(map[string]*sequence)}
	}
	return b
}

func (b *Broadcaster) shardFor(conversationID string) *seqShard {
	return b.shards[xxhash.Sum64String(conversationID)%uint64(len(b.shards))]
}

// Seed starts a conversation's sequence after lastSeq, unless one is already
// tracked. The gateway seeds on join so a room's first live message can be
// reordered like any other.
func (b *Broadcaster) Seed(conversationID string, lastSeq int64) {
	sh := b.shardFor(conversationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.seqs[conversationID]; ok {
		return
	}
	sh.seqs[conversationID] = &sequence{
		next:     lastSeq + 1,
		early:    make(map[int64]pending),
		lastSeen: b.now(),
	}
}

// Handle is the bus handler.
func (b *Broadcaster) Handle(_ context.Context, msg *chat.Message) {
	sh := b.shardFor(msg.ConversationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := b.now()
	s, ok := sh.seqs[msg.ConversationID]
	if !ok {
		// First sighting: nothing older can be delivered here any more.
		s = &sequence{next: msg.Seq, early: make(map[int64]pending)}
		sh.seqs[msg.ConversationID] = s
	}
	s.lastSeen = now

	switch {
	case msg.Seq < s.next:
		b.late.Add(1)
		b.log.Warn("⚠️ dropping late message",
			zap.String("conversation_id", msg.ConversationID),
			zap.Int64("seq", msg.Seq),
			zap.Int64("expected", s.next))
	case msg.Seq == s.next:
		b.deliver(msg)
		s.next++
		b.drain(s)
	default:
		if _, dup := s.early[msg.Seq]; !dup {
			s.early[msg.Seq] = pending{msg: msg, arrived: now}
		}
	}
}

// drain delivers buffered messages that are now in order.
func (b *Broadcaster) drain(s *sequence) {
	for {
		p, ok := s.early[s.next]
		if !ok {
			return
		}
		delete(s.early, s.next)
		b.deliver(p.msg)
		s.next++
	}
}

func (b *Broadcaster) deliver(msg *chat.Message) {
	payload := protocol.MustEncode(protocol.EventNewMessage, protocol.FromMessage(msg))
	for _, m := range b.registry.Members(msg.ConversationID) {
		m.Sink.Deliver(payload)
	}
	b.delivered.Add(1)
}

// Sweep gives up on gaps older than the reorder window and evicts idle
// sequences of empty rooms. The missing messages stay in history.
func (b *Broadcaster) Sweep() {
	for _, sh := range b.shards {
		b.sweepShard(sh)
	}
}

func (b *Broadcaster) sweepShard(sh *seqShard) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := b.now()
	for id, s := range sh.seqs {
		if len(s.early) == 0 {
			if now.Sub(s.lastSeen) >= b.cfg.IdleAfter && len(b.registry.ConnectionsInRoom(id)) == 0 {
				delete(sh.seqs, id)
			}
			continue
		}
		oldest := now
		for _, p := range s.early {
			if p.arrived.Before(oldest) {
				oldest = p.arrived
			}
		}
		if now.Sub(oldest) < b.cfg.ReorderWindow {
			continue
		}
		seqs := make([]int64, 0, len(s.early))
		for seq := range s.early {
			seqs = append(seqs, seq)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		b.log.Warn("⚠️ skipping sequence gap",
			zap.String("conversation_id", id),
			zap.Int64("from", s.next),
			zap.Int64("to", seqs[0]-1))
		b.gapsSkipped.Add(1)
		s.next = seqs[0]
		b.drain(s)
	}
}

// Run sweeps until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) error {
	ticker := time.NewTicker(max(b.cfg.ReorderWindow/2, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.Sweep()
		}
	}
}

func (b *Broadcaster) Stats() BroadcastStats {
	st := BroadcastStats{
		Delivered:   b.delivered.Load(),
		Late:        b.late.Load(),
		GapsSkipped: b.gapsSkipped.Load(),
	}
	for _, sh := range b.shards {
		sh.mu.Lock()
		st.Tracked += len(sh.seqs)
		sh.mu.Unlock()
	}
	return st
}
