package wrapper

import (
	"encoding/json"

	"github.com/mcpgate/mcpgate/internal/transport"
	"github.com/mcpgate/mcpgate/internal/wire"
)

// toTransportMessage flattens a typed wire.Message into the untyped map
// every transport.Conn speaks at the boundary.
func toTransportMessage(msg wire.Message) transport.Message {
	data, _ := json.Marshal(msg)
	var out transport.Message
	_ = json.Unmarshal(data, &out)
	return out
}

// fromTransportMessage rehydrates a typed wire.Message from the untyped
// map a transport.Conn returned.
func fromTransportMessage(raw transport.Message) wire.Message {
	data, _ := json.Marshal(raw)
	var msg wire.Message
	_ = json.Unmarshal(data, &msg)
	return msg
}
