package queue

import (
	"bytes"
	"encoding/gob"
	"encoding/json"

	"github.com/DoNewsCode/core/contract"
)

var (
	_ contract.Codec = jsonCodec{}
	_ contract.Codec = gobCodec{}
)

// jsonCodec is the default codec. Payloads stay readable in the store.
type jsonCodec struct{}

func (c jsonCodec) Marshal(message interface{}) ([]byte, error) {
	return json.Marshal(message)
}

func (c jsonCodec) Unmarshal(data []byte, message interface{}) error {
	return json.Unmarshal(data, message)
}

// GobCodec returns a codec based on encoding/gob, for payloads that do not
// survive a JSON round trip. Pass it to UseCodec.
func GobCodec() contract.Codec {
	return gobCodec{}
}

type gobCodec struct{}

func (p gobCodec) Marshal(message interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(message); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p gobCodec) Unmarshal(data []byte, message interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(message)
}
