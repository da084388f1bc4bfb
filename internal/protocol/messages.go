package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	PlayerName      string `json:"player_name"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	WorldID         string `json:"world_id"`
	ServerTick      uint64 `json:"server_tick"`
}

// EXPORT_REQUEST (client -> server): ask to export the grid referenced by
// the deed on the given ID-card entity.
type ExportRequestMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	RequestID       string `json:"request_id"`
	CardRef         string `json:"card_ref"`
}

// EXPORT_PAYLOAD (server -> client): the encoded grid. Sent at most once
// per request, only after a successful encode and artifact read.
type ExportPayloadMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	RequestID       string `json:"request_id"`
	Name            string `json:"name"`
	Payload         []byte `json:"payload"`
}

// ACK (server -> client): synchronous accept/reject of a request.
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	ServerTick      uint64 `json:"server_tick,omitempty"`
}
