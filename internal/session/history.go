package session

import "time"

// AppendHistory appends a message to the call's conversation history and
// trims to maxMessages. Trimming drops the oldest user/assistant pair; the
// system prompt, when present, always survives. maxMessages <= 0 disables
// trimming. Returns ErrNotFound for unknown calls.
func (st *Store) AppendHistory(callID string, role Role, content string, maxMessages int) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.byCall[callID]
	if !ok {
		return ErrNotFound
	}
	s.History = append(s.History, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	if maxMessages > 0 {
		s.History = trimHistory(s.History, maxMessages)
	}
	s.Touch()
	return nil
}

// History returns a copy of the call's conversation history.
func (st *Store) History(callID string) []Message {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s, ok := st.byCall[callID]
	if !ok {
		return nil
	}
	out := make([]Message, len(s.History))
	copy(out, s.History)
	return out
}

// trimHistory drops the oldest user/assistant pair while the history
// exceeds maxMessages. Dropping in pairs keeps the window aligned so it
// never opens on an assistant turn.
func trimHistory(history []Message, maxMessages int) []Message {
	if len(history) <= maxMessages {
		return history
	}

	var system []Message
	var rest []Message
	for _, m := range history {
		if m.Role == RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}

	for len(system)+len(rest) > maxMessages && len(rest) > 0 {
		drop := 2
		if drop > len(rest) {
			drop = len(rest)
		}
		rest = rest[drop:]
	}
	return append(system, rest...)
}
