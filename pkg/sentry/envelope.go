package sentry

import (
	"encoding/base64"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var envelopeConfig = jsoniter.ConfigCompatibleWithStandardLibrary

// MarshalEnvelope serializes a message for broker transit as a
// `[headers, base64(body)]` JSON pair.
func MarshalEnvelope(m *Message) ([]byte, error) {
	pair := []any{m.Headers, base64.StdEncoding.EncodeToString(m.Body)}
	data, err := envelopeConfig.Marshal(pair)
	if err != nil {
		return nil, errors.Wrap(err, "marshal envelope")
	}
	return data, nil
}

// UnmarshalEnvelope is the inverse of MarshalEnvelope.
func UnmarshalEnvelope(data []byte) (*Message, error) {
	var pair []jsoniter.RawMessage
	if err := envelopeConfig.Unmarshal(data, &pair); err != nil {
		return nil, errors.Wrap(err, "unmarshal envelope")
	}
	if len(pair) != 2 {
		return nil, errors.Errorf("unmarshal envelope: expected 2 elements, got %d", len(pair))
	}
	var headers map[string]string
	if err := envelopeConfig.Unmarshal(pair[0], &headers); err != nil {
		return nil, errors.Wrap(err, "unmarshal envelope headers")
	}
	var encoded string
	if err := envelopeConfig.Unmarshal(pair[1], &encoded); err != nil {
		return nil, errors.Wrap(err, "unmarshal envelope body")
	}
	body, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "decode envelope body")
	}
	return NewMessage(headers, body), nil
}
