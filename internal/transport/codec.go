package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/mewproto/mew/internal/envelope"
)

// Codec selects the wire framing for a connection.
type Codec string

const (
	// CodecJSON frames newline-delimited JSON documents: readable,
	// debuggable, and the natural fit for subprocess stdio. Stream data
	// rides as base64.
	CodecJSON Codec = "json"
	// CodecBinary frames length-prefixed records and carries stream data
	// raw, keeping bulk transfers off the JSON parser.
	CodecBinary Codec = "binary"
)

// MaxFrame caps a single frame on the wire. Oversized frames indicate a
// corrupt or hostile peer and fail the connection.
const MaxFrame = 16 << 20

var codecJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Reader decodes frames from a byte stream. Not safe for concurrent use.
type Reader interface {
	ReadFrame() (*Frame, error)
}

// Writer encodes frames onto a byte stream. Not safe for concurrent use;
// Conn serializes callers behind a mutex.
type Writer interface {
	WriteFrame(*Frame) error
}

// NewReader returns a frame reader for the codec.
func NewReader(r io.Reader, codec Codec) (Reader, error) {
	switch codec {
	case CodecJSON:
		return &jsonReader{dec: codecJSON.NewDecoder(r)}, nil
	case CodecBinary:
		return &binaryReader{r: bufio.NewReader(r)}, nil
	default:
		return nil, fmt.Errorf("unknown transport codec %q", codec)
	}
}

// NewWriter returns a frame writer for the codec.
func NewWriter(w io.Writer, codec Codec) (Writer, error) {
	switch codec {
	case CodecJSON:
		return &jsonWriter{enc: codecJSON.NewEncoder(w)}, nil
	case CodecBinary:
		return &binaryWriter{w: bufio.NewWriter(w)}, nil
	default:
		return nil, fmt.Errorf("unknown transport codec %q", codec)
	}
}

// jsonFrame is the NDJSON wire form. Exactly one of the optional members is
// populated, according to Type.
type jsonFrame struct {
	Type     string             `json:"type"`
	Hello    *Hello             `json:"hello,omitempty"`
	Envelope *envelope.Envelope `json:"envelope,omitempty"`
	StreamID string             `json:"stream_id,omitempty"`
	Data     []byte             `json:"data,omitempty"`
}

const (
	jsonTypeHello    = "hello"
	jsonTypeEnvelope = "envelope"
	jsonTypeStream   = "stream"
)

type jsonReader struct {
	dec *jsoniter.Decoder
}

func (r *jsonReader) ReadFrame() (*Frame, error) {
	var jf jsonFrame
	if err := r.dec.Decode(&jf); err != nil {
		return nil, err
	}
	switch jf.Type {
	case jsonTypeHello:
		if jf.Hello == nil {
			return nil, fmt.Errorf("hello frame without hello body")
		}
		return &Frame{Type: FrameHello, Hello: jf.Hello}, nil
	case jsonTypeEnvelope:
		if jf.Envelope == nil {
			return nil, fmt.Errorf("envelope frame without envelope body")
		}
		return &Frame{Type: FrameEnvelope, Envelope: jf.Envelope}, nil
	case jsonTypeStream:
		if jf.StreamID == "" {
			return nil, fmt.Errorf("stream frame without stream_id")
		}
		return &Frame{Type: FrameStream, StreamID: jf.StreamID, Data: jf.Data}, nil
	default:
		return nil, fmt.Errorf("unknown frame type %q", jf.Type)
	}
}

type jsonWriter struct {
	enc *jsoniter.Encoder
}

func (w *jsonWriter) WriteFrame(f *Frame) error {
	jf := jsonFrame{}
	switch f.Type {
	case FrameHello:
		jf.Type = jsonTypeHello
		jf.Hello = f.Hello
	case FrameEnvelope:
		jf.Type = jsonTypeEnvelope
		jf.Envelope = f.Envelope
	case FrameStream:
		jf.Type = jsonTypeStream
		jf.StreamID = f.StreamID
		jf.Data = f.Data
	default:
		return fmt.Errorf("unknown frame type %d", f.Type)
	}
	return w.enc.Encode(jf)
}

// Binary layout: a 4-byte big-endian length covering everything after it,
// one type byte, then the body. Envelope and hello bodies are JSON; stream
// bodies are a 2-byte id length, the id, and the raw data.
type binaryReader struct {
	r *bufio.Reader
}

func (r *binaryReader) ReadFrame() (*Frame, error) {
	var head [4]byte
	if _, err := io.ReadFull(r.r, head[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(head[:])
	if length < 1 {
		return nil, fmt.Errorf("frame length %d below minimum", length)
	}
	if length > MaxFrame {
		return nil, fmt.Errorf("frame length %d exceeds limit %d", length, MaxFrame)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, err
	}
	typ := FrameType(buf[0])
	body := buf[1:]

	switch typ {
	case FrameHello:
		var hello Hello
		if err := codecJSON.Unmarshal(body, &hello); err != nil {
			return nil, fmt.Errorf("malformed hello frame: %w", err)
		}
		return &Frame{Type: FrameHello, Hello: &hello}, nil
	case FrameEnvelope:
		var env envelope.Envelope
		if err := codecJSON.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("malformed envelope frame: %w", err)
		}
		return &Frame{Type: FrameEnvelope, Envelope: &env}, nil
	case FrameStream:
		if len(body) < 2 {
			return nil, fmt.Errorf("stream frame truncated")
		}
		idLen := int(binary.BigEndian.Uint16(body[:2]))
		if len(body) < 2+idLen {
			return nil, fmt.Errorf("stream frame id truncated")
		}
		id := string(body[2 : 2+idLen])
		data := body[2+idLen:]
		return &Frame{Type: FrameStream, StreamID: id, Data: data}, nil
	default:
		return nil, fmt.Errorf("unknown frame type %d", typ)
	}
}

type binaryWriter struct {
	w *bufio.Writer
}

func (w *binaryWriter) WriteFrame(f *Frame) error {
	var body []byte
	switch f.Type {
	case FrameHello:
		var err error
		body, err = codecJSON.Marshal(f.Hello)
		if err != nil {
			return fmt.Errorf("failed to encode hello frame: %w", err)
		}
	case FrameEnvelope:
		var err error
		body, err = codecJSON.Marshal(f.Envelope)
		if err != nil {
			return fmt.Errorf("failed to encode envelope frame: %w", err)
		}
	case FrameStream:
		if len(f.StreamID) > 0xffff {
			return fmt.Errorf("stream id too long: %d bytes", len(f.StreamID))
		}
		body = make([]byte, 2+len(f.StreamID)+len(f.Data))
		binary.BigEndian.PutUint16(body[:2], uint16(len(f.StreamID)))
		copy(body[2:], f.StreamID)
		copy(body[2+len(f.StreamID):], f.Data)
	default:
		return fmt.Errorf("unknown frame type %d", f.Type)
	}

	length := 1 + len(body)
	if length > MaxFrame {
		return fmt.Errorf("frame length %d exceeds limit %d", length, MaxFrame)
	}
	var head [5]byte
	binary.BigEndian.PutUint32(head[:4], uint32(length))
	head[4] = byte(f.Type)
	if _, err := w.w.Write(head[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(body); err != nil {
		return err
	}
	return w.w.Flush()
}
