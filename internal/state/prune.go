package state

import (
	"sort"
	"time"
)

// Message retention bounds. Pruning runs before every snapshot save so
// persisted state never grows without bound.
const (
	// MessageMaxAge is how old a message may grow before pruning drops it.
	MessageMaxAge = 30 * 24 * time.Hour

	// MessagesPerCircle caps how many messages one circle retains. Past
	// the cap the oldest go first.
	MessagesPerCircle = 1000
)

func (s *Store) pruneMessagesLocked() {
	cutoff := s.now() - int64(MessageMaxAge.Seconds())
	perCircle := make(map[string][]*Message)
	for id, m := range s.messages {
		if m.CreatedTS < cutoff {
			delete(s.messages, id)
			continue
		}
		perCircle[m.CircleID] = append(perCircle[m.CircleID], m)
	}
	for _, msgs := range perCircle {
		if len(msgs) <= MessagesPerCircle {
			continue
		}
		sort.Slice(msgs, func(i, j int) bool {
			if msgs[i].CreatedTS != msgs[j].CreatedTS {
				return msgs[i].CreatedTS < msgs[j].CreatedTS
			}
			return msgs[i].MsgID < msgs[j].MsgID
		})
		for _, m := range msgs[:len(msgs)-MessagesPerCircle] {
			delete(s.messages, m.MsgID)
		}
	}
}
