package hub

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-remote/internal/types"
)

// Subprotocols understood by the hub. Clients that request none get JSON.
const (
	SubprotocolJSON    = "remote.json"
	SubprotocolMsgpack = "remote.msgpack"
)

// Codec converts between wire messages and domain values
type Codec interface {
	Name() string
	// MessageType is the websocket frame type used for outbound events
	MessageType() int
	Encode(ev types.Event) ([]byte, error)
	Decode(data []byte) (types.Invocation, error)
}

func codecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolMsgpack {
		return msgpackCodec{}
	}
	return jsonCodec{}
}

// jsonCodec sends text frames; image bytes travel base64-encoded
type jsonCodec struct{}

func (jsonCodec) Name() string     { return SubprotocolJSON }
func (jsonCodec) MessageType() int { return websocket.TextMessage }

func (jsonCodec) Encode(ev types.Event) ([]byte, error) {
	return json.Marshal(ev)
}

func (jsonCodec) Decode(data []byte) (types.Invocation, error) {
	var inv types.Invocation
	if err := json.Unmarshal(data, &inv); err != nil {
		return types.Invocation{}, fmt.Errorf("hub: decode json invocation: %w", err)
	}
	return inv, nil
}

// msgpackCodec sends binary frames with raw image bytes
type msgpackCodec struct{}

func (msgpackCodec) Name() string     { return SubprotocolMsgpack }
func (msgpackCodec) MessageType() int { return websocket.BinaryMessage }

func (msgpackCodec) Encode(ev types.Event) ([]byte, error) {
	return msgpack.Marshal(&ev)
}

func (msgpackCodec) Decode(data []byte) (types.Invocation, error) {
	var inv types.Invocation
	if err := msgpack.Unmarshal(data, &inv); err != nil {
		return types.Invocation{}, fmt.Errorf("hub: decode msgpack invocation: %w", err)
	}
	return inv, nil
}
