package reliable

import "time"

// outgoingMessage is one queued message on a channel's send side.
type outgoingMessage struct {
	id       uint16
	payload  []byte
	sent     bool
	lastSent time.Duration
}

// channel holds the send and receive state of one configured channel.
type channel struct {
	cfg ChannelConfig

	sendQueue  []*outgoingMessage
	nextSendID uint16

	// reliable-ordered receive side
	pending       map[uint16][]byte
	nextReceiveID uint16

	// unreliable receive side
	fifo [][]byte
}

func newChannel(cfg ChannelConfig) *channel {
	if cfg.ResendTime <= 0 {
		cfg.ResendTime = DefaultResendTime
	}
	if cfg.MaxSendQueueSize <= 0 {
		cfg.MaxSendQueueSize = DefaultMaxSendQueueSize
	}
	ch := &channel{cfg: cfg}
	if cfg.Type == ReliableOrdered {
		ch.pending = make(map[uint16][]byte)
	}
	return ch
}

func (ch *channel) canSend() bool {
	return len(ch.sendQueue) < ch.cfg.MaxSendQueueSize
}

// enqueue copies payload onto the send queue and assigns it a message id.
func (ch *channel) enqueue(payload []byte) {
	ch.sendQueue = append(ch.sendQueue, &outgoingMessage{
		id:      ch.nextSendID,
		payload: append([]byte(nil), payload...),
	})
	ch.nextSendID++
}

// messagesDue returns the messages that should go out now: every queued
// unreliable message, and reliable messages never sent or past their resend
// interval.
func (ch *channel) messagesDue(now time.Duration) []*outgoingMessage {
	var due []*outgoingMessage
	for _, m := range ch.sendQueue {
		if ch.cfg.Type == Unreliable || !m.sent || now-m.lastSent >= ch.cfg.ResendTime {
			due = append(due, m)
		}
	}
	return due
}

// remove drops a message from the send queue: on acknowledgment for reliable
// channels, immediately after packing for unreliable ones.
func (ch *channel) remove(id uint16) {
	for i, m := range ch.sendQueue {
		if m.id == id {
			ch.sendQueue = append(ch.sendQueue[:i], ch.sendQueue[i+1:]...)
			return
		}
	}
}

// deliver hands a received message to the channel. Reliable channels buffer
// out-of-order arrivals and drop stale duplicates; unreliable channels queue
// in arrival order.
func (ch *channel) deliver(id uint16, payload []byte) {
	if ch.cfg.Type == Unreliable {
		ch.fifo = append(ch.fifo, append([]byte(nil), payload...))
		return
	}

	if id != ch.nextReceiveID && !sequenceGreaterThan(id, ch.nextReceiveID) {
		return // already delivered
	}
	if _, exists := ch.pending[id]; exists {
		return
	}
	ch.pending[id] = append([]byte(nil), payload...)
}

// receive dequeues the next deliverable message, if any.
func (ch *channel) receive() ([]byte, bool) {
	if ch.cfg.Type == Unreliable {
		if len(ch.fifo) == 0 {
			return nil, false
		}
		msg := ch.fifo[0]
		ch.fifo = ch.fifo[1:]
		return msg, true
	}

	msg, ok := ch.pending[ch.nextReceiveID]
	if !ok {
		return nil, false
	}
	delete(ch.pending, ch.nextReceiveID)
	ch.nextReceiveID++
	return msg, true
}

// sequenceGreaterThan compares 16-bit sequence numbers with wraparound, per
// the usual half-range rule.
func sequenceGreaterThan(a, b uint16) bool {
	return (a > b && a-b <= 32768) || (a < b && b-a > 32768)
}
