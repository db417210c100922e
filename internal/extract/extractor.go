// ============================================================================
// Stream Gateway Extractor - Incremental Record Extraction
// ============================================================================
//
// Package: internal/extract
// File: extractor.go
// Purpose: Pull every complete named object record out of a JSON document
//          that is still being generated
//
// Scanner:
//   A single left-to-right pass tracks nesting depth ({ and [) plus string and
//   escape state. A key followed by ':' and '{' at record level (depth 0 or 1)
//   opens a candidate; the candidate completes when depth returns to where it
//   started. Candidates still open at the end of the buffer are ignored and
//   picked up by a later scan.
//
//   {"Equities":{"recommendations":[...]},"breakdown":[],"Bonds":{...
//    ^depth 1   ^candidate start      ^candidate end        ^open, skipped
//
// Record names:
//   Any non-empty key of at most maxKeyLen bytes, spaces included ("Real
//   Estate"). Keys that contain a JSON escape sequence (\", \\, \u00e9, ...)
//   are never extracted; those records only appear once the whole document
//   parses.
//
// Invariants:
//   - An emitted record's bytes are a balanced, valid JSON object
//   - Once emitted, a name keeps its value for the life of the Extractor
//   - Reserved keys are never emitted
//
// ============================================================================

package extract

import (
	"encoding/json"
)

// DefaultReserved are meta keys whose values only count once the whole
// document parses.
var DefaultReserved = []string{"context"}

// maxKeyLen bounds record names.
const maxKeyLen = 128

// Record is one extracted named sub-document.
type Record struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

// Extractor accumulates the Partial Document for one stream. Not safe for
// concurrent use.
type Extractor struct {
	reserved map[string]struct{}
	records  map[string]json.RawMessage
	order    []string
	scans    int
}

// New creates an extractor. With no arguments DefaultReserved applies.
func New(reserved ...string) *Extractor {
	if len(reserved) == 0 {
		reserved = DefaultReserved
	}
	r := make(map[string]struct{}, len(reserved))
	for _, k := range reserved {
		r[k] = struct{}{}
	}
	return &Extractor{
		reserved: r,
		records:  make(map[string]json.RawMessage),
	}
}

type scanState int

const (
	stateNone scanState = iota
	stateAfterString
	stateAfterColon
)

// Scan rescans buf from the start and returns the records that became
// complete since the previous call, in buffer order. buf is expected to be an
// append-only buffer: each call sees a longer prefix of the same text.
func (e *Extractor) Scan(buf []byte) []Record {
	e.scans++

	var (
		found []Record

		depth  int
		inStr  bool
		esc    bool
		strBeg int
		state  = stateNone

		lastStr   string
		lastDepth int
		lastOK    bool

		keyName  string
		keyDepth int
		keyOK    bool

		candStart = -1
		candName  string
		candDepth int
	)

	for i := 0; i < len(buf); i++ {
		c := buf[i]

		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
				lastOK = false
			case c == '"':
				inStr = false
				if lastOK {
					lastStr = string(buf[strBeg+1 : i])
				}
				lastDepth = depth
				state = stateAfterString
			}
			continue
		}

		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		case '"':
			inStr = true
			strBeg = i
			lastOK = true
			state = stateNone
		case ':':
			if state == stateAfterString {
				keyName, keyDepth, keyOK = lastStr, lastDepth, lastOK
				state = stateAfterColon
			} else {
				state = stateNone
			}
		case '{', '[':
			if c == '{' && state == stateAfterColon && candStart < 0 &&
				keyDepth <= 1 && keyOK && validName(keyName) {
				candStart = i
				candName = keyName
				candDepth = depth
			}
			depth++
			state = stateNone
		case '}', ']':
			if depth > 0 {
				depth--
			}
			if candStart >= 0 && depth == candDepth {
				if c == '}' {
					if r, ok := e.accept(candName, buf[candStart:i+1]); ok {
						found = append(found, r)
					}
				}
				candStart = -1
			}
			state = stateNone
		default:
			state = stateNone
		}
	}
	return found
}

func (e *Extractor) accept(name string, span []byte) (Record, bool) {
	if _, ok := e.reserved[name]; ok {
		return Record{}, false
	}
	if _, ok := e.records[name]; ok {
		return Record{}, false
	}
	if !json.Valid(span) {
		return Record{}, false
	}
	v := make(json.RawMessage, len(span))
	copy(v, span)
	e.records[name] = v
	e.order = append(e.order, name)
	return Record{Name: name, Value: v}, true
}

func validName(s string) bool {
	if s == "" || len(s) > maxKeyLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 {
			return false
		}
	}
	return true
}

// Has reports whether name has been extracted.
func (e *Extractor) Has(name string) bool {
	_, ok := e.records[name]
	return ok
}

// Get returns the extracted value for name.
func (e *Extractor) Get(name string) (json.RawMessage, bool) {
	v, ok := e.records[name]
	return v, ok
}

// Len returns the number of extracted records.
func (e *Extractor) Len() int {
	return len(e.records)
}

// Names returns record names in extraction order.
func (e *Extractor) Names() []string {
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// Records returns a copy of the Partial Document.
func (e *Extractor) Records() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(e.records))
	for k, v := range e.records {
		out[k] = v
	}
	return out
}

// Scans returns how many times Scan has run.
func (e *Extractor) Scans() int {
	return e.scans
}
