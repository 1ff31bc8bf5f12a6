// Package transport implements the length-prefixed JSON wire protocol
// that links a Process supervisor to its worker: a 2-byte big-endian
// length prefix followed by that many bytes of JSON.
package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// MaxFrameLen is the largest payload the wire format can carry, since
// the length prefix is a 16-bit unsigned integer.
const MaxFrameLen = 0xFFFF

// Tag reports which variant a WorkerMessage carries, for
// switch-friendly dispatch in the Process supervisor's event loop.
type Tag int

const (
	TagForked Tag = iota
	TagLoaded
	TagHB
	TagReload
	TagRestart
	TagCfgError
	tagInvalid
)

// WorkerMessage is a tagged union of everything a worker can send
// upward. The wire form carries the active variant as a JSON null,
// e.g. {"forked":null}; cfgerror is the one variant with a payload.
type WorkerMessage struct {
	tag      Tag
	cfgError string
}

// Tag returns which variant this WorkerMessage carries.
func (m WorkerMessage) Tag() Tag { return m.tag }

// CfgError returns the carried message text; only meaningful when
// Tag() == TagCfgError.
func (m WorkerMessage) CfgError() string { return m.cfgError }

func MsgForked() WorkerMessage  { return WorkerMessage{tag: TagForked} }
func MsgLoaded() WorkerMessage  { return WorkerMessage{tag: TagLoaded} }
func MsgHB() WorkerMessage      { return WorkerMessage{tag: TagHB} }
func MsgReload() WorkerMessage  { return WorkerMessage{tag: TagReload} }
func MsgRestart() WorkerMessage { return WorkerMessage{tag: TagRestart} }
func MsgCfgError(msg string) WorkerMessage {
	return WorkerMessage{tag: TagCfgError, cfgError: msg}
}

// MarshalJSON emits the single active tag as a JSON null, or the
// cfgerror payload as a string, matching the wire protocol exactly.
func (m WorkerMessage) MarshalJSON() ([]byte, error) {
	switch m.tag {
	case TagForked:
		return []byte(`{"forked":null}`), nil
	case TagLoaded:
		return []byte(`{"loaded":null}`), nil
	case TagHB:
		return []byte(`{"hb":null}`), nil
	case TagReload:
		return []byte(`{"reload":null}`), nil
	case TagRestart:
		return []byte(`{"restart":null}`), nil
	case TagCfgError:
		return json.Marshal(struct {
			CfgError string `json:"cfgerror"`
		}{m.cfgError})
	default:
		return nil, fmt.Errorf("transport: invalid WorkerMessage tag %d", m.tag)
	}
}

// UnmarshalJSON recognizes whichever key is present, regardless of
// whether its value is JSON null (the unit variants) or a string (cfgerror).
func (m *WorkerMessage) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch {
	case hasKey(raw, "forked"):
		m.tag = TagForked
	case hasKey(raw, "loaded"):
		m.tag = TagLoaded
	case hasKey(raw, "hb"):
		m.tag = TagHB
	case hasKey(raw, "reload"):
		m.tag = TagReload
	case hasKey(raw, "restart"):
		m.tag = TagRestart
	case hasKey(raw, "cfgerror"):
		var s string
		if err := json.Unmarshal(raw["cfgerror"], &s); err != nil {
			return fmt.Errorf("transport: decoding cfgerror: %w", err)
		}
		m.tag = TagCfgError
		m.cfgError = s
	default:
		m.tag = tagInvalid
	}
	return nil
}

func hasKey(m map[string]json.RawMessage, key string) bool {
	_, ok := m[key]
	return ok
}

// CmdTag reports which variant a WorkerCommand carries.
type CmdTag int

const (
	CmdTagPrepare CmdTag = iota
	CmdTagStart
	CmdTagPause
	CmdTagResume
	CmdTagStop
	CmdTagHB
	cmdTagInvalid
)

// WorkerCommand is a tagged union of everything a parent can send down
// to a worker. Every variant is a unit: the wire form carries it as a
// JSON null, e.g. {"stop":null}.
type WorkerCommand struct {
	tag CmdTag
}

// Tag returns which variant this WorkerCommand carries.
func (c WorkerCommand) Tag() CmdTag { return c.tag }

func CmdPrepare() WorkerCommand { return WorkerCommand{tag: CmdTagPrepare} }
func CmdStart() WorkerCommand   { return WorkerCommand{tag: CmdTagStart} }
func CmdPause() WorkerCommand   { return WorkerCommand{tag: CmdTagPause} }
func CmdResume() WorkerCommand  { return WorkerCommand{tag: CmdTagResume} }
func CmdStop() WorkerCommand    { return WorkerCommand{tag: CmdTagStop} }
func CmdHB() WorkerCommand      { return WorkerCommand{tag: CmdTagHB} }

// MarshalJSON emits the active tag as a JSON null, matching the wire
// protocol exactly.
func (c WorkerCommand) MarshalJSON() ([]byte, error) {
	switch c.tag {
	case CmdTagPrepare:
		return []byte(`{"prepare":null}`), nil
	case CmdTagStart:
		return []byte(`{"start":null}`), nil
	case CmdTagPause:
		return []byte(`{"pause":null}`), nil
	case CmdTagResume:
		return []byte(`{"resume":null}`), nil
	case CmdTagStop:
		return []byte(`{"stop":null}`), nil
	case CmdTagHB:
		return []byte(`{"hb":null}`), nil
	default:
		return nil, fmt.Errorf("transport: invalid WorkerCommand tag %d", c.tag)
	}
}

// UnmarshalJSON recognizes whichever key is present, independent of
// its JSON value (null in every conforming frame).
func (c *WorkerCommand) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch {
	case hasKey(raw, "prepare"):
		c.tag = CmdTagPrepare
	case hasKey(raw, "start"):
		c.tag = CmdTagStart
	case hasKey(raw, "pause"):
		c.tag = CmdTagPause
	case hasKey(raw, "resume"):
		c.tag = CmdTagResume
	case hasKey(raw, "stop"):
		c.tag = CmdTagStop
	case hasKey(raw, "hb"):
		c.tag = CmdTagHB
	default:
		c.tag = cmdTagInvalid
	}
	return nil
}

// Encode serializes a WorkerCommand as a length-prefixed JSON frame.
// Payloads larger than MaxFrameLen are a programmer error: the command
// taxonomy never produces one, so this only fires on a caller bug.
func Encode(cmd WorkerCommand) ([]byte, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("transport: encode command: %w", err)
	}
	if len(payload) > MaxFrameLen {
		panic(fmt.Sprintf("transport: command payload %d bytes exceeds %d", len(payload), MaxFrameLen))
	}
	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf, uint16(len(payload)))
	copy(buf[2:], payload)
	return buf, nil
}

// Decoder accumulates bytes read from a worker pipe and yields
// complete WorkerMessage frames as they become available. It is not
// safe for concurrent use.
type Decoder struct {
	buf []byte
}

// Feed appends newly read bytes to the decode buffer.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Next attempts to decode one frame from the buffered bytes. It
// returns (msg, true, nil) on a complete frame, (zero, false, nil) if
// more bytes are needed, and a non-nil error only for malformed JSON
// (a fatal stream error).
func (d *Decoder) Next() (WorkerMessage, bool, error) {
	if len(d.buf) < 2 {
		return WorkerMessage{}, false, nil
	}
	n := int(binary.BigEndian.Uint16(d.buf))
	if len(d.buf) < 2+n {
		return WorkerMessage{}, false, nil
	}
	payload := d.buf[2 : 2+n]
	var msg WorkerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return WorkerMessage{}, false, fmt.Errorf("transport: malformed frame: %w", err)
	}
	d.buf = d.buf[2+n:]
	return msg, true, nil
}

// Pending reports how many undecoded bytes remain buffered, for tests
// and diagnostics.
func (d *Decoder) Pending() int { return len(d.buf) }

// EncodeMessage serializes a WorkerMessage frame — used on the worker
// side of the pipe, the mirror of Encode on the parent side.
func EncodeMessage(msg WorkerMessage) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("transport: encode message: %w", err)
	}
	if len(payload) > MaxFrameLen {
		panic(fmt.Sprintf("transport: message payload %d bytes exceeds %d", len(payload), MaxFrameLen))
	}
	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf, uint16(len(payload)))
	copy(buf[2:], payload)
	return buf, nil
}

// CommandDecoder is the worker-side mirror of Decoder: it decodes
// WorkerCommand frames sent down by the parent.
type CommandDecoder struct {
	buf []byte
}

func (d *CommandDecoder) Feed(b []byte) { d.buf = append(d.buf, b...) }

func (d *CommandDecoder) Next() (WorkerCommand, bool, error) {
	if len(d.buf) < 2 {
		return WorkerCommand{}, false, nil
	}
	n := int(binary.BigEndian.Uint16(d.buf))
	if len(d.buf) < 2+n {
		return WorkerCommand{}, false, nil
	}
	payload := d.buf[2 : 2+n]
	var cmd WorkerCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return WorkerCommand{}, false, fmt.Errorf("transport: malformed frame: %w", err)
	}
	d.buf = d.buf[2+n:]
	return cmd, true, nil
}
