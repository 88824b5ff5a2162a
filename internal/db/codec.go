package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/golang/snappy"
)

// encodeBlob stores v as snappy-compressed JSON. A nil value stores NULL.
func encodeBlob(v any) ([]byte, error) {
	if isNil(v) {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode blob: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// decodeBlob is the inverse of encodeBlob. Empty input leaves v untouched.
func decodeBlob(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return fmt.Errorf("decode blob: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode blob: %w", err)
	}
	return nil
}

func encodeTimes(t map[string]int64) (sql.NullString, error) {
	if len(t) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode field times: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeTimes(s sql.NullString) (map[string]int64, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var t map[string]int64
	if err := json.Unmarshal([]byte(s.String), &t); err != nil {
		return nil, fmt.Errorf("decode field times: %w", err)
	}
	return t, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Pointer, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
