package neterror

// LoadState reports how far along a request currently is. It mirrors the
// progress states a browser exposes for an in-flight navigation.
type LoadState int

const (
	LoadStateIdle LoadState = iota
	LoadStateWaitingForAvailableSocket
	LoadStateResolvingHost
	LoadStateConnecting
	LoadStateTLSHandshake
	LoadStateEstablishingProxyTunnel
	LoadStateSendingRequest
	LoadStateWaitingForResponse
	LoadStateReadingResponse
)

var loadStateNames = map[LoadState]string{
	LoadStateIdle:                      "idle",
	LoadStateWaitingForAvailableSocket: "waiting for available socket",
	LoadStateResolvingHost:             "resolving host",
	LoadStateConnecting:                "connecting",
	LoadStateTLSHandshake:              "TLS handshake",
	LoadStateEstablishingProxyTunnel:   "establishing proxy tunnel",
	LoadStateSendingRequest:            "sending request",
	LoadStateWaitingForResponse:        "waiting for response",
	LoadStateReadingResponse:           "reading response",
}

func (s LoadState) String() string {
	if name, ok := loadStateNames[s]; ok {
		return name
	}
	return "unknown"
}
