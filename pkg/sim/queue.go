package sim

import (
	"time"

	"github.com/simforge/simforge/pkg/apierrors"
	"github.com/simforge/simforge/pkg/ecs"
)

// QueuedCommand is a typed command payload pending execution against a
// match. Commands are FIFO on receipt; there is no ordering across matches.
type QueuedCommand struct {
	MatchID    uint64      `json:"matchId"`
	PlayerID   uint64      `json:"playerId"`
	Name       string      `json:"commandName"`
	Payload    ecs.Payload `json:"parameters"`
	ReceivedAt time.Time   `json:"receivedAt"`
}

// CommandError is an executor failure routed back to the submitting
// session through its error channel. The tick that produced it continued.
type CommandError struct {
	MatchID  uint64 `json:"matchId"`
	PlayerID uint64 `json:"playerId"`
	Command  string `json:"commandName"`
	Tick     uint64 `json:"tick"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
}

// commandQueue is the container's bounded command mailbox. Producers on any
// goroutine enqueue; only the tick executor drains. Overflow rejects the
// command rather than buffering or blocking.
type commandQueue struct {
	ch chan QueuedCommand
}

func newCommandQueue(capacity int) *commandQueue {
	return &commandQueue{ch: make(chan QueuedCommand, capacity)}
}

// Enqueue appends a command, returning QUEUE_FULL when the bound is hit.
func (q *commandQueue) Enqueue(cmd QueuedCommand) error {
	if cmd.ReceivedAt.IsZero() {
		cmd.ReceivedAt = time.Now()
	}
	select {
	case q.ch <- cmd:
		return nil
	default:
		return apierrors.New(apierrors.KindQueueFull, "command queue full (capacity %d)", cap(q.ch))
	}
}

// drain removes up to budget commands in FIFO order.
func (q *commandQueue) drain(budget int) []QueuedCommand {
	out := make([]QueuedCommand, 0, budget)
	for len(out) < budget {
		select {
		case cmd := <-q.ch:
			out = append(out, cmd)
		default:
			return out
		}
	}
	return out
}

// Len returns the number of pending commands.
func (q *commandQueue) Len() int { return len(q.ch) }
