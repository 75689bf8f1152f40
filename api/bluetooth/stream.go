package bluetooth

// StreamEventData holds the information published when a media stream changes state.
type StreamEventData struct {
	// Adapter holds the local address the stream's session is bound to.
	Adapter MacAddress `json:"adapter,omitempty" codec:"Adapter,omitempty" doc:"The local address of the stream's session."`

	// Device holds the remote address of the stream's session.
	Device MacAddress `json:"device,omitempty" codec:"Device,omitempty" doc:"The remote address of the stream's session."`

	// LocalSEID holds the identifier of the local stream end point.
	LocalSEID uint8 `json:"local_seid,omitempty" codec:"LocalSEID,omitempty" doc:"The identifier of the local stream end point."`

	// RemoteSEID holds the identifier of the remote stream end point.
	RemoteSEID uint8 `json:"remote_seid,omitempty" codec:"RemoteSEID,omitempty" doc:"The identifier of the remote stream end point."`

	// OldState holds the name of the state the stream left.
	OldState string `json:"old_state,omitempty" codec:"OldState,omitempty" doc:"The state the stream left."`

	// NewState holds the name of the state the stream entered.
	NewState string `json:"new_state,omitempty" codec:"NewState,omitempty" doc:"The state the stream entered."`

	// Error holds the error that caused the transition, if any.
	Error string `json:"error,omitempty" codec:"Error,omitempty" doc:"The error that caused the transition, if any."`
}
