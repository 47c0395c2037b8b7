package storage

import (
	"encoding/json"
	"fmt"
)

// encodeVariant хранит пустой вариант как '{}', чтобы уникальный индекс корзины работал без NULL.
func encodeVariant(v map[string]string) ([]byte, error) {
	if len(v) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode variant: %w", err)
	}
	return data, nil
}

func decodeVariant(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v map[string]string
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode variant: %w", err)
	}
	if len(v) == 0 {
		return nil, nil
	}
	return v, nil
}

func encodeJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json column: %w", err)
	}
	return data, nil
}

func decodeJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode json column: %w", err)
	}
	return nil
}
