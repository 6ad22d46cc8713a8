package alert

import (
	"context"
	"sync"
)

// Message is one recorded alert.
type Message struct {
	Title string
	Body  string
}

// Recorder keeps alerts in memory.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *Recorder) Alert(ctx context.Context, title, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, Message{Title: title, Body: message})
}

// Messages returns a copy of the recorded alerts.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}
