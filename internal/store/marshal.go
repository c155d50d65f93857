package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/stakehold/internal/session"
)

func marshalSession(s *session.Session) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}
	return string(data), nil
}

func unmarshalSession(data []byte) (*session.Session, error) {
	var s session.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

func marshalStats(st *session.Stats) (string, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("marshal stats: %w", err)
	}
	return string(data), nil
}

func unmarshalStats(data []byte) (session.Stats, error) {
	var st session.Stats
	if err := json.Unmarshal(data, &st); err != nil {
		return session.Stats{}, fmt.Errorf("unmarshal stats: %w", err)
	}
	return st, nil
}
