// Package sse parses Server-Sent Events incrementally.
//
// Provider bodies arrive in arbitrary byte chunks: one Read can hold half a
// line or several events. Parser buffers partial lines across Feed calls and
// invokes its callback once per complete event, in order.
package sse

import (
	"bytes"
	"strconv"
	"strings"
)

// Event types passed to the callback.
const (
	TypeEvent             = "event"
	TypeReconnectInterval = "reconnect-interval"
)

// Event is one dispatched unit of an SSE stream.
//
// For TypeEvent, Data holds the joined data: lines, Name the event: field
// (empty means the default "message") and ID the last seen id: field.
// For TypeReconnectInterval only Retry is set.
type Event struct {
	Type  string
	ID    string
	Name  string
	Data  string
	Retry int
}

var bom = []byte{0xEF, 0xBB, 0xBF}

// Parser is not safe for concurrent use; one stream owns one parser.
type Parser struct {
	onEvent func(Event)

	line    []byte
	data    strings.Builder
	hasData bool
	name    string
	id      string

	skipLF  bool
	started bool
}

// NewParser returns a Parser that calls onEvent for every dispatched event.
func NewParser(onEvent func(Event)) *Parser {
	return &Parser{onEvent: onEvent}
}

// Feed consumes the next chunk of the stream. Lines may end in LF, CR or CRLF,
// and a CRLF pair may be split across two chunks.
func (p *Parser) Feed(chunk []byte) {
	if !p.started && len(chunk) > 0 {
		p.started = true
		chunk = bytes.TrimPrefix(chunk, bom)
	}

	for _, b := range chunk {
		if p.skipLF {
			p.skipLF = false
			if b == '\n' {
				continue
			}
		}

		switch b {
		case '\r':
			p.skipLF = true
			p.endLine()
		case '\n':
			p.endLine()
		default:
			p.line = append(p.line, b)
		}
	}
}

// Reset drops any partially read line or event. Call it when the
// underlying stream ends or is replaced.
func (p *Parser) Reset() {
	p.line = p.line[:0]
	p.data.Reset()
	p.hasData = false
	p.name = ""
	p.id = ""
	p.skipLF = false
	p.started = false
}

func (p *Parser) endLine() {
	line := string(p.line)
	p.line = p.line[:0]

	if line == "" {
		p.dispatch()
		return
	}

	// Comment line, commonly used as a keepalive.
	if line[0] == ':' {
		return
	}

	field, value := line, ""
	if i := strings.IndexByte(line, ':'); i >= 0 {
		field = line[:i]
		value = strings.TrimPrefix(line[i+1:], " ")
	}

	switch field {
	case "data":
		if p.hasData {
			p.data.WriteByte('\n')
		}
		p.data.WriteString(value)
		p.hasData = true
	case "event":
		p.name = value
	case "id":
		if !strings.ContainsRune(value, 0) {
			p.id = value
		}
	case "retry":
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			p.onEvent(Event{Type: TypeReconnectInterval, Retry: n})
		}
	}
}

func (p *Parser) dispatch() {
	if p.hasData {
		p.onEvent(Event{
			Type: TypeEvent,
			ID:   p.id,
			Name: p.name,
			Data: p.data.String(),
		})
	}
	p.data.Reset()
	p.hasData = false
	p.name = ""
}
