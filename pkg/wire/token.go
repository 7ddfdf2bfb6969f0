package wire

import "fmt"

// Token is a control-plane signal carried in a control frame.
type Token uint8

const (
	TokenConnect            Token = 1
	TokenDisconnect         Token = 2 // forced, sent by a server to its clients
	TokenDisconnectGraceful Token = 3 // sent by a client leaving its server
	TokenTransferBegin      Token = 4
	TokenTransferEnd        Token = 5
)

// Valid reports whether t is one of the defined tokens.
func (t Token) Valid() bool {
	return t >= TokenConnect && t <= TokenTransferEnd
}

func (t Token) String() string {
	switch t {
	case TokenConnect:
		return "CONNECT"
	case TokenDisconnect:
		return "DISCONNECT"
	case TokenDisconnectGraceful:
		return "DISCONNECT-GRACEFUL"
	case TokenTransferBegin:
		return "TRANSFER-BEGIN"
	case TokenTransferEnd:
		return "TRANSFER-END"
	}
	return fmt.Sprintf("TOKEN(%d)", uint8(t))
}
