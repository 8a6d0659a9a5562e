package app

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/medagen/medagen/internal/client"
)

// StateMsg reports a stream connection state change.
type StateMsg client.State

// ErrorMsg reports a stream error, including reconnect exhaustion.
type ErrorMsg struct{ Err error }

// StepsMsg signals that the aggregator changed.
type StepsMsg struct{}

// Events carries stream callbacks, which run on client goroutines, into
// the Bubble Tea update loop.
type Events struct {
	ch        chan tea.Msg
	dirty     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewEvents() *Events {
	return &Events{
		ch:    make(chan tea.Msg, 16),
		dirty: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (e *Events) send(msg tea.Msg) {
	select {
	case e.ch <- msg:
	case <-e.done:
	}
}

// StateChanged is a client.Options.OnStateChange callback.
func (e *Events) StateChanged(s client.State) { e.send(StateMsg(s)) }

// Failed is a client.Options.OnError callback.
func (e *Events) Failed(err error) { e.send(ErrorMsg{Err: err}) }

// StepsChanged is an aggregator onChange callback. The view rereads the
// aggregator on each StepsMsg, so changes coalesce while one is pending.
func (e *Events) StepsChanged() {
	select {
	case e.dirty <- struct{}{}:
	default:
	}
}

// Close stops delivery and releases blocked senders.
func (e *Events) Close() {
	e.closeOnce.Do(func() { close(e.done) })
}

// wait returns a command that blocks until the next event.
func (e *Events) wait() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-e.ch:
			return msg
		case <-e.dirty:
			return StepsMsg{}
		case <-e.done:
			return nil
		}
	}
}
