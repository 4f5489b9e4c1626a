package services

import (
	"log"
	"sync"
	"time"

	"github.com/jrenc2002/AIGame-sub000/models"
)

// EventType 事件类型
type EventType string

const (
	EventGameStarted   EventType = "game_started"
	EventRoleAssigned  EventType = "role_assigned"
	EventPhaseChange   EventType = "phase_change"
	EventSpeakingOrder EventType = "speaking_order"
	EventSpeakerTurn   EventType = "speaker_turn"
	EventWolfVotes     EventType = "wolf_votes"
	EventNightVictim   EventType = "night_victim"
	EventSeerResult    EventType = "seer_result"
	EventNightResult   EventType = "night_result"
	EventDeath         EventType = "death"
	EventHunterTurn    EventType = "hunter_turn"
	EventHunterShot    EventType = "hunter_shot"
	EventSpeech        EventType = "speech"
	EventVote          EventType = "vote"
	EventVoteResult    EventType = "vote_result"
	EventLog           EventType = "log"
	EventAIThinking    EventType = "ai_thinking"
	EventPause         EventType = "pause"
	EventResume        EventType = "resume"
	EventGameOver      EventType = "game_over"
)

// Event is one entry of a session's ordered stream. Snapshot is a private
// copy of the full state at publish time; transports must redact it per
// viewer. To is set on private events.
type Event struct {
	Seq      uint64            `json:"seq"`
	Type     EventType         `json:"type"`
	GameID   string            `json:"game_id"`
	Round    int               `json:"round"`
	Phase    models.Phase      `json:"phase"`
	To       string            `json:"to,omitempty"`
	Payload  any               `json:"payload,omitempty"`
	Time     time.Time         `json:"time"`
	Snapshot *models.GameState `json:"-"`
}

// Private 是否为私密事件
func (e Event) Private() bool { return e.To != "" }

const subscriberBuffer = 256

type subscriber struct {
	ch   chan Event
	wait time.Duration
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscriber)

// WithBackpressure makes Publish wait up to d for room in a full buffer
// before dropping an event for this subscriber.
func WithBackpressure(d time.Duration) SubscribeOption {
	return func(s *subscriber) { s.wait = d }
}

// EventBus fans events out to subscribers. Each subscriber gets events in
// publish order on its own goroutine; a slow or panicking subscriber never
// blocks the publisher or other subscribers.
type EventBus struct {
	mutex  sync.Mutex
	seq    uint64
	next   int
	subs   map[int]*subscriber
	closed bool
}

// NewEventBus 创建事件总线
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]*subscriber)}
}

// Subscribe registers fn and returns a function that removes it.
func (b *EventBus) Subscribe(fn func(Event), opts ...SubscribeOption) (unsubscribe func()) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return func() {}
	}

	id := b.next
	b.next++
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	for _, opt := range opts {
		opt(sub)
	}
	b.subs[id] = sub
	go deliver(sub.ch, fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mutex.Lock()
			defer b.mutex.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

func deliver(ch <-chan Event, fn func(Event)) {
	for e := range ch {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[event] 订阅者处理 %s 事件时 panic: %v", e.Type, r)
				}
			}()
			fn(e)
		}()
	}
}

// Publish assigns the next sequence number and hands e to every subscriber.
// Events for a full subscriber are dropped, after its backpressure wait if
// it asked for one.
func (b *EventBus) Publish(e Event) Event {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return e
	}
	b.seq++
	e.Seq = b.seq
	for id, s := range b.subs {
		select {
		case s.ch <- e:
			continue
		default:
		}
		if s.wait > 0 {
			timer := time.NewTimer(s.wait)
			select {
			case s.ch <- e:
				timer.Stop()
				continue
			case <-timer.C:
			}
		}
		log.Printf("[event] 订阅者 %d 缓冲已满，丢弃事件 %d (%s)", id, e.Seq, e.Type)
	}
	return e
}

// Close stops delivery to every subscriber.
func (b *EventBus) Close() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}
