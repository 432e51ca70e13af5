package ingest

import "github.com/bytedance/sonic"

// Encoder serializes the audit events persisted by RedisAuditSink.
type Encoder interface {
	Encode(any) ([]byte, error)
	Decode([]byte, any) error
}

// JSONEncoder encodes with sonic's standard-compatible config, so stored
// events stay readable by any JSON consumer (sorted keys, escaped HTML).
type JSONEncoder struct{}

var auditJSON = sonic.ConfigStd

// Encode serializes v to JSON.
func (*JSONEncoder) Encode(v any) ([]byte, error) {
	return auditJSON.Marshal(v)
}

// Decode parses JSON data into v.
func (*JSONEncoder) Decode(data []byte, v any) error {
	return auditJSON.Unmarshal(data, v)
}
