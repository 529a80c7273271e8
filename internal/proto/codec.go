package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Frame layout: [type(1)] [extraLen(4)] [fixed fields per type] [extra].
// All integers big-endian; floats are IEEE-754 bits.
const headerSize = 5

// MaxExtraLen bounds the variable payload so a corrupt or hostile peer
// cannot make us allocate without limit.
const MaxExtraLen = 1 << 24

var (
	// ErrBadFrame is returned when a frame fails structural validation.
	ErrBadFrame = errors.New("proto: malformed frame")
)

func fixedSize(t MsgType) (int, error) {
	switch t {
	case MsgSetup:
		return 4, nil
	case MsgReady, MsgGetClipboard, MsgSetClipboard, MsgLogMsg:
		return 0, nil
	case MsgKeyEvent:
		return 5, nil
	case MsgMoveRel:
		return 8, nil
	case MsgClickEvent:
		return 2, nil
	case MsgSetMousePosScreenRel:
		return 8, nil
	case MsgSetBrightness:
		return 4, nil
	case MsgEdgeMaskChange:
		return 16, nil
	default:
		return 0, fmt.Errorf("%w: unknown message type 0x%02x", ErrBadFrame, uint8(t))
	}
}

// Encode serializes msg into a single wire frame.
func Encode(msg *Message) []byte {
	fixed, err := fixedSize(msg.Type)
	if err != nil {
		// Callers only encode messages they constructed; an unknown type
		// here is a programming error.
		panic(err)
	}

	buf := make([]byte, headerSize+fixed+len(msg.Extra))
	buf[0] = uint8(msg.Type)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(msg.Extra)))

	p := buf[headerSize:]
	switch msg.Type {
	case MsgSetup:
		binary.BigEndian.PutUint32(p[0:4], msg.ProtVers)
	case MsgKeyEvent:
		binary.BigEndian.PutUint32(p[0:4], uint32(msg.Keycode))
		p[4] = uint8(msg.PressRel)
	case MsgMoveRel:
		binary.BigEndian.PutUint32(p[0:4], uint32(msg.Dx))
		binary.BigEndian.PutUint32(p[4:8], uint32(msg.Dy))
	case MsgClickEvent:
		p[0] = uint8(msg.Button)
		p[1] = uint8(msg.PressRel)
	case MsgSetMousePosScreenRel:
		binary.BigEndian.PutUint32(p[0:4], math.Float32bits(msg.X))
		binary.BigEndian.PutUint32(p[4:8], math.Float32bits(msg.Y))
	case MsgSetBrightness:
		binary.BigEndian.PutUint32(p[0:4], math.Float32bits(msg.Brightness))
	case MsgEdgeMaskChange:
		binary.BigEndian.PutUint32(p[0:4], msg.OldMask)
		binary.BigEndian.PutUint32(p[4:8], msg.NewMask)
		binary.BigEndian.PutUint32(p[8:12], math.Float32bits(msg.X))
		binary.BigEndian.PutUint32(p[12:16], math.Float32bits(msg.Y))
	}

	copy(buf[headerSize+fixed:], msg.Extra)
	return buf
}

// Decode attempts to parse one complete frame from the front of data.
// It returns the message and the number of bytes consumed. A nil message
// with n == 0 and no error means the frame is incomplete; wait for more
// bytes. A non-nil error means the stream is unrecoverable.
func Decode(data []byte) (*Message, int, error) {
	if len(data) < headerSize {
		return nil, 0, nil
	}

	t := MsgType(data[0])
	extraLen := binary.BigEndian.Uint32(data[1:5])

	fixed, err := fixedSize(t)
	if err != nil {
		return nil, 0, err
	}
	if extraLen > MaxExtraLen {
		return nil, 0, fmt.Errorf("%w: extra length %d exceeds limit", ErrBadFrame, extraLen)
	}

	total := headerSize + fixed + int(extraLen)
	if len(data) < total {
		return nil, 0, nil
	}

	msg := &Message{Type: t}
	p := data[headerSize:]
	switch t {
	case MsgSetup:
		msg.ProtVers = binary.BigEndian.Uint32(p[0:4])
	case MsgKeyEvent:
		msg.Keycode = Keycode(binary.BigEndian.Uint32(p[0:4]))
		msg.PressRel = PressRel(p[4])
	case MsgMoveRel:
		msg.Dx = int32(binary.BigEndian.Uint32(p[0:4]))
		msg.Dy = int32(binary.BigEndian.Uint32(p[4:8]))
	case MsgClickEvent:
		msg.Button = Button(p[0])
		msg.PressRel = PressRel(p[1])
	case MsgSetMousePosScreenRel:
		msg.X = math.Float32frombits(binary.BigEndian.Uint32(p[0:4]))
		msg.Y = math.Float32frombits(binary.BigEndian.Uint32(p[4:8]))
	case MsgSetBrightness:
		msg.Brightness = math.Float32frombits(binary.BigEndian.Uint32(p[0:4]))
	case MsgEdgeMaskChange:
		msg.OldMask = binary.BigEndian.Uint32(p[0:4])
		msg.NewMask = binary.BigEndian.Uint32(p[4:8])
		msg.X = math.Float32frombits(binary.BigEndian.Uint32(p[8:12]))
		msg.Y = math.Float32frombits(binary.BigEndian.Uint32(p[12:16]))
	}

	if extraLen > 0 {
		msg.Extra = make([]byte, extraLen)
		copy(msg.Extra, data[headerSize+fixed:total])
	}

	return msg, total, nil
}
