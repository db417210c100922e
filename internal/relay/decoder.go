package relay

import (
	"bytes"
	"encoding/json"
)

const (
	dataPrefix = "data:"
	doneMarker = "[DONE]"
)

// Decoder reassembles "data:" framed lines across fragment boundaries and
// extracts the text content carried by each event.
//
// Framing:
//
//	data: {"choices":[{"delta":{"content":"..."}}]}\n
//	data: [DONE]\n
//
// Blank lines, comment lines (leading ':') and other SSE fields are ignored.
// Payloads that are not valid JSON, or carry no choices, are counted as
// malformed and skipped.
type Decoder struct {
	residual  []byte
	done      bool
	events    int
	malformed int
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes one fragment and returns the text of every complete event in
// it, in order. done reports that the terminal marker was seen; anything after
// it is discarded.
func (d *Decoder) Feed(frag []byte) (texts []string, done bool) {
	if d.done {
		return nil, true
	}
	d.residual = append(d.residual, frag...)

	for {
		i := bytes.IndexByte(d.residual, '\n')
		if i < 0 {
			break
		}
		line := d.residual[:i]
		d.residual = d.residual[i+1:]

		text, ok, terminal := d.decodeLine(line)
		if terminal {
			d.done = true
			d.residual = nil
			return texts, true
		}
		if ok {
			texts = append(texts, text)
		}
	}

	// keep the unterminated tail in its own backing array so the consumed
	// prefix can be collected
	if len(d.residual) > 0 {
		d.residual = append([]byte(nil), d.residual...)
	} else {
		d.residual = d.residual[:0]
	}
	return texts, false
}

// Finish interprets an unterminated trailing line left when the upstream
// closed without a final newline.
func (d *Decoder) Finish() (texts []string, done bool) {
	if d.done || len(d.residual) == 0 {
		return nil, d.done
	}
	line := d.residual
	d.residual = nil
	text, ok, terminal := d.decodeLine(line)
	if terminal {
		d.done = true
		return nil, true
	}
	if ok {
		return []string{text}, false
	}
	return nil, false
}

// Done reports whether the terminal marker has been seen.
func (d *Decoder) Done() bool { return d.done }

// Events returns the number of data events decoded, including malformed ones.
func (d *Decoder) Events() int { return d.events }

// Malformed returns the number of skipped malformed events.
func (d *Decoder) Malformed() int { return d.malformed }

// Pending returns the number of buffered bytes of an incomplete line.
func (d *Decoder) Pending() int { return len(d.residual) }

func (d *Decoder) decodeLine(line []byte) (text string, ok bool, terminal bool) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 || line[0] == ':' {
		return "", false, false
	}
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return "", false, false
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	d.events++

	if string(payload) == doneMarker {
		return "", false, true
	}

	text, err := decodePayload(payload)
	if err != nil {
		d.malformed++
		return "", false, false
	}
	return text, text != "", false
}

type chunkPayload struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Text string `json:"text"`
	} `json:"choices"`
}

func decodePayload(payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", errEmptyPayload
	}
	var p chunkPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", err
	}
	if len(p.Choices) == 0 {
		return "", errNoChoices
	}
	if c := p.Choices[0].Delta.Content; c != "" {
		return c, nil
	}
	return p.Choices[0].Text, nil
}
