package userop

// Request categories (byte 0 of a request frame). Only OpUser is handled by
// this engine; the file-layer opcodes are reserved for the storage front end
// and currently answered with StatusFailure.
const (
	OpUser byte = 0x01
	OpDel  byte = 0x02
	OpLs   byte = 0x03
	OpGet  byte = 0x04
	OpMk   byte = 0x05
	OpPut  byte = 0x06
)

// User-management sub-operations (byte 1 of an OpUser frame).
const (
	SubLogin           byte = 0x00
	SubCreateReadOnly  byte = 0x01
	SubCreateReadWrite byte = 0x02
	SubCreateAdmin     byte = 0x03
	SubDelete          byte = 0xff
)

// Response status codes (byte 0 of a response frame).
const (
	StatusSuccess     byte = 0x01
	StatusSessionErr  byte = 0x02
	StatusPermErr     byte = 0x03
	StatusUserExists  byte = 0x04
	StatusFileExists  byte = 0x05 // reserved for the file layer
	StatusFailure     byte = 0xff
)

// Fixed field offsets inside a request frame.
const (
	offNameLen   = 4  // u16 big-endian
	offPassLen   = 6  // u16 big-endian
	offSessionID = 8  // u32 big-endian
	offPayload   = 12 // name bytes, then password bytes
)

// Fixed field offsets inside a response frame.
const (
	offRespStatus    = 0
	offRespSessionID = 2 // u32 big-endian, login success only
)
