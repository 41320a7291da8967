package userop

import (
	"encoding/binary"
	"fmt"

	"github.com/marmos91/gatefs/internal/netpoll"
)

// Request is a decoded user-management request. All user sub-operations share
// the same field layout; fields that a given sub-operation does not use
// (e.g. the session id on login, the password on delete) are simply ignored.
type Request struct {
	SubOp     byte
	Name      string
	Password  string
	SessionID uint32
}

// DecodeRequest parses an OpUser frame. The caller has already checked the
// category byte. Length fields are validated against the fixed frame size so
// a malformed frame can never index out of bounds.
func DecodeRequest(frame []byte) (*Request, error) {
	if len(frame) != netpoll.MaxMessage {
		return nil, fmt.Errorf("frame is %d bytes, want %d", len(frame), netpoll.MaxMessage)
	}

	nameLen := int(binary.BigEndian.Uint16(frame[offNameLen : offNameLen+2]))
	passLen := int(binary.BigEndian.Uint16(frame[offPassLen : offPassLen+2]))
	if nameLen == 0 {
		return nil, fmt.Errorf("empty name")
	}
	if offPayload+nameLen+passLen > len(frame) {
		return nil, fmt.Errorf("name and password lengths (%d+%d) exceed frame", nameLen, passLen)
	}

	return &Request{
		SubOp:     frame[1],
		Name:      string(frame[offPayload : offPayload+nameLen]),
		Password:  string(frame[offPayload+nameLen : offPayload+nameLen+passLen]),
		SessionID: binary.BigEndian.Uint32(frame[offSessionID : offSessionID+4]),
	}, nil
}

// EncodeRequest builds a full-size OpUser request frame. This is the client
// side of the wire format; the server uses it only in tests.
func EncodeRequest(req *Request) []byte {
	frame := make([]byte, netpoll.MaxMessage)
	frame[0] = OpUser
	frame[1] = req.SubOp
	binary.BigEndian.PutUint16(frame[offNameLen:offNameLen+2], uint16(len(req.Name)))
	binary.BigEndian.PutUint16(frame[offPassLen:offPassLen+2], uint16(len(req.Password)))
	binary.BigEndian.PutUint32(frame[offSessionID:offSessionID+4], req.SessionID)
	copy(frame[offPayload:], req.Name)
	copy(frame[offPayload+len(req.Name):], req.Password)
	return frame
}

// StatusFrame builds a full-size response frame carrying only a status code.
func StatusFrame(status byte) []byte {
	frame := make([]byte, netpoll.MaxMessage)
	frame[offRespStatus] = status
	return frame
}

// LoginFrame builds a successful login response carrying the new session id.
func LoginFrame(sessionID uint32) []byte {
	frame := StatusFrame(StatusSuccess)
	binary.BigEndian.PutUint32(frame[offRespSessionID:offRespSessionID+4], sessionID)
	return frame
}

// ResponseStatus extracts the status byte of a response frame.
func ResponseStatus(frame []byte) byte {
	return frame[offRespStatus]
}

// ResponseSessionID extracts the session id of a login response frame.
func ResponseSessionID(frame []byte) uint32 {
	return binary.BigEndian.Uint32(frame[offRespSessionID : offRespSessionID+4])
}
