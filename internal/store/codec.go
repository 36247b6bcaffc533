package store

import (
	"encoding/json"

	"github.com/agentrelay/relayd/internal/envelope"
)

func marshalData(data map[string]any) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalData(s string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func marshalMeta(meta *envelope.PayloadMeta) (any, error) {
	if meta == nil {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalMeta(s string) (*envelope.PayloadMeta, error) {
	var meta envelope.PayloadMeta
	if err := json.Unmarshal([]byte(s), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
