package resp

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// ProtocolError marks a fatal framing violation: the decode side must
// terminate the connection after surfacing it.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "Protocol error: " + e.Msg }

func protoErrf(format string, args ...any) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// Command is a decoded multibulk command: the raw argument byte strings in
// wire order (argv[0] is the command name) and the exact number of bytes the
// frame consumed on the wire.
type Command struct {
	Args       [][]byte
	ByteLength int
}

// Decoder reads RESP2 command frames from a buffered stream.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r for command decoding.
func NewDecoder(r *bufio.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads exactly one command frame. It returns io.EOF (unwrapped) when
// the stream is closed with no partial frame in flight -- "no more frames".
// Any other error is fatal and the caller must close the connection: a
// *ProtocolError for malformed framing, or a wrapped I/O error when a read
// fails or the stream ends partway through a line or bulk payload.
func (d *Decoder) Decode() (Command, error) {
	line, n, err := d.readLine()
	if err != nil {
		return Command{}, err
	}
	if len(line) == 0 {
		return Command{}, protoErrf("empty line")
	}

	if line[0] != '*' {
		return decodeInline(line, n), nil
	}

	count, convErr := strconv.Atoi(string(line[1:]))
	if convErr != nil || count < 0 {
		return Command{}, protoErrf("invalid multibulk length")
	}

	total := n
	args := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		bulk, consumed, err := d.readBulk()
		if err != nil {
			return Command{}, err
		}
		total += consumed
		args = append(args, bulk)
	}

	return Command{Args: args, ByteLength: total}, nil
}

func decodeInline(line []byte, n int) Command {
	var args [][]byte
	start := -1
	for i := 0; i <= len(line); i++ {
		if i < len(line) && line[i] != ' ' && line[i] != '\t' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			args = append(args, append([]byte(nil), line[start:i]...))
			start = -1
		}
	}
	return Command{Args: args, ByteLength: n}
}

// readLine reads one CRLF- or LF-terminated line, returning it without the
// terminator and the number of bytes consumed from the wire (including the
// terminator).
func (d *Decoder) readLine() ([]byte, int, error) {
	line, err := d.r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) == 0 {
			return nil, 0, io.EOF
		}
		return nil, 0, errors.Wrap(err, "resp: read line")
	}
	n := len(line)
	if len(line) >= 2 && line[len(line)-2] == '\r' {
		line = line[:len(line)-2]
	} else {
		line = line[:len(line)-1]
	}
	return line, n, nil
}

func (d *Decoder) readBulk() ([]byte, int, error) {
	line, n, err := d.readLine()
	if err != nil {
		if err == io.EOF {
			return nil, 0, protoErrf("unexpected end of stream reading bulk header")
		}
		return nil, 0, err
	}
	if len(line) == 0 || line[0] != '$' {
		got := byte(' ')
		if len(line) > 0 {
			got = line[0]
		}
		return nil, 0, protoErrf("expected '$' got %q", got)
	}

	size, convErr := strconv.Atoi(string(line[1:]))
	if convErr != nil || size < 0 {
		return nil, 0, protoErrf("invalid bulk length")
	}

	buf := make([]byte, size+2)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, 0, errors.Wrap(err, "resp: read bulk payload")
	}

	return buf[:size], n + size + 2, nil
}

// Encoder serializes Values and the protocol's non-Value wire primitives to
// a buffered writer.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder wraps w for value encoding.
func NewEncoder(w *bufio.Writer) *Encoder {
	return &Encoder{w: w}
}

// iterFrame is one level of the explicit array-traversal stack used by
// Encode, so that arbitrarily deep nested arrays never recurse through the
// Go call stack.
type iterFrame struct {
	elems []Value
	idx   int
}

// Encode writes v in RESP2 wire format. Nested arrays are walked with an
// explicit stack rather than recursive calls.
func (e *Encoder) Encode(v Value) error {
	if err := e.writeHeaderAndScalar(v); err != nil {
		return err
	}
	if v.Type != TypeArray {
		return nil
	}

	stack := []iterFrame{{elems: v.Array}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.idx >= len(top.elems) {
			stack = stack[:len(stack)-1]
			continue
		}
		el := top.elems[top.idx]
		top.idx++

		if err := e.writeHeaderAndScalar(el); err != nil {
			return err
		}
		if el.Type == TypeArray {
			stack = append(stack, iterFrame{elems: el.Array})
		}
	}
	return nil
}

// writeHeaderAndScalar writes a value's own prefix line, and for scalars
// (String/Int/Timestamp) its payload too. For Array it writes only the
// `*<len>\r\n` header; the caller is responsible for walking the elements.
func (e *Encoder) writeHeaderAndScalar(v Value) error {
	switch v.Type {
	case TypeString:
		return e.writeBulk(v.Str)
	case TypeInt, TypeTimestamp:
		return e.writeInt(v.Int)
	case TypeArray:
		return e.writeArrayHeader(len(v.Array))
	default:
		return errors.Errorf("resp: unsupported value type %d", v.Type)
	}
}

func (e *Encoder) writeBulk(b []byte) error {
	if _, err := e.w.WriteString("$"); err != nil {
		return err
	}
	if _, err := e.w.WriteString(strconv.Itoa(len(b))); err != nil {
		return err
	}
	if _, err := e.w.WriteString("\r\n"); err != nil {
		return err
	}
	if _, err := e.w.Write(b); err != nil {
		return err
	}
	_, err := e.w.WriteString("\r\n")
	return err
}

func (e *Encoder) writeInt(n int64) error {
	_, err := e.w.WriteString(":" + strconv.FormatInt(n, 10) + "\r\n")
	return err
}

func (e *Encoder) writeArrayHeader(n int) error {
	_, err := e.w.WriteString("*" + strconv.Itoa(n) + "\r\n")
	return err
}

// SimpleString writes a `+<line>\r\n` reply: OK, PONG, FULLRESYNC replies.
func (e *Encoder) SimpleString(s string) error {
	_, err := e.w.WriteString("+" + s + "\r\n")
	return err
}

// SimpleError writes a `-<msg>\r\n` reply.
func (e *Encoder) SimpleError(msg string) error {
	_, err := e.w.WriteString("-" + msg + "\r\n")
	return err
}

// NullBulk writes the null bulk string `$-1\r\n`.
func (e *Encoder) NullBulk() error {
	_, err := e.w.WriteString("$-1\r\n")
	return err
}

// RawBulk writes `$<len>\r\n<bytes>` with **no** trailing CRLF, used
// exclusively for the RDB payload that follows a FULLRESYNC reply.
func (e *Encoder) RawBulk(b []byte) error {
	if _, err := e.w.WriteString("$" + strconv.Itoa(len(b)) + "\r\n"); err != nil {
		return err
	}
	_, err := e.w.Write(b)
	return err
}

// Flush flushes the underlying buffered writer.
func (e *Encoder) Flush() error {
	return e.w.Flush()
}
