package storage

import (
	"encoding/json"
	"fmt"
)

// record wraps every stored value with the layout version it was written
// with.
type record struct {
	Version int             `json:"v"`
	Data    json.RawMessage `json:"data"`
}

func encodeRecord(version int, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(record{Version: version, Data: data})
}

func decodeRecord(b []byte, version int, v any) error {
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return err
	}
	if r.Version != version {
		return fmt.Errorf("record version %d, want %d", r.Version, version)
	}
	return json.Unmarshal(r.Data, v)
}
