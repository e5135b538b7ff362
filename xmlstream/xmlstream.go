// Package xmlstream parses XML incrementally as it arrives from a streaming
// prompt session. Chunks rarely align with token boundaries, so the parser
// accepts arbitrary fragments and reports elements the moment their start or
// end tag completes. The engine reacts to elements while the model is still
// generating the rest of the document.
//
// Feed is synchronous: it hands the chunk to the decoder and returns every
// element that chunk completed, in document order. A malformed document
// surfaces as an error from Feed; the buffered text is available through
// Buffered for a diagnostic dump, and Reset arms the parser for the next
// document. One Parser serves one document at a time and is not safe for
// concurrent use, matching its single-goroutine place in the engine loop.
package xmlstream

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"
	"sync"
)

// ErrClosed is returned by Feed after CloseFeed.
var ErrClosed = errors.New("xmlstream: feed closed")

// Kind distinguishes element boundaries.
type Kind int

const (
	// Start reports an opening tag. Attributes are complete; text is not.
	Start Kind = iota

	// End reports a closing tag, carrying the element's attributes and its
	// direct text (text before the first child, as generating models put
	// dialogue and descriptions there).
	End
)

// Element is one parsed element boundary.
type Element struct {
	Kind  Kind
	Tag   string
	Attrs map[string]string
	Text  string
}

// Attr returns the named attribute or "" when absent.
func (e Element) Attr(name string) string { return e.Attrs[name] }

// Parser turns a chunked character stream into a sequence of Elements. The
// zero value is not usable; call New.
type Parser struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf  bytes.Buffer // fed, not yet consumed by the decoder
	dump bytes.Buffer // everything fed since the last Reset

	pending []Element
	gen     int // bumped by Reset to orphan the previous decoder
	idleGen int // generation currently blocked waiting for input, 0 if none
	closed  bool
	done    bool
	err     error
}

// New returns a Parser ready for the first document.
func New() *Parser {
	p := &Parser{}
	p.cond = sync.NewCond(&p.mu)
	p.mu.Lock()
	gen := p.spawn()
	p.mu.Unlock()
	_ = gen
	return p
}

// Feed appends a chunk to the document and returns the elements it
// completed. Stray backticks from markdown fencing are stripped. When the
// decoder rejects the document, Feed returns the elements parsed before the
// failure together with the error; the parser then stays in the failed state
// until Reset.
func (p *Parser) Feed(chunk string) ([]Element, error) {
	chunk = strings.Trim(chunk, "`")

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return p.take(), p.err
	}
	if p.closed {
		return nil, ErrClosed
	}
	if chunk == "" {
		return p.take(), nil
	}

	p.buf.WriteString(chunk)
	p.dump.WriteString(chunk)
	p.cond.Broadcast()

	// Wait until the decoder either consumed the whole chunk and stalled
	// on the next byte, or gave up on the document.
	for !p.done && !(p.buf.Len() == 0 && p.idleGen == p.gen) {
		p.cond.Wait()
	}
	return p.take(), p.err
}

// CloseFeed signals end of input and returns any final elements, such as
// trailing character data the decoder was still accumulating. A document
// that ends mid-token reports its parse error here.
func (p *Parser) CloseFeed() ([]Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.cond.Broadcast()
	}
	for !p.done {
		p.cond.Wait()
	}
	return p.take(), p.err
}

// Reset abandons the current document and readies the parser for a new one.
// Pending elements and the dump buffer are discarded.
func (p *Parser) Reset() {
	p.mu.Lock()
	p.buf.Reset()
	p.dump.Reset()
	p.pending = nil
	p.idleGen = 0
	p.closed = false
	p.done = false
	p.err = nil
	p.spawn()
	p.mu.Unlock()
}

// Buffered returns the raw text fed since the last Reset, for logging when a
// document turns out malformed.
func (p *Parser) Buffered() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dump.String()
}

// take drains pending elements. Callers hold p.mu.
func (p *Parser) take() []Element {
	els := p.pending
	p.pending = nil
	return els
}

// spawn starts a decoder goroutine for the next generation. Callers hold
// p.mu; the broadcast wakes an orphaned predecessor so it can exit.
func (p *Parser) spawn() int {
	p.gen++
	gen := p.gen
	p.cond.Broadcast()
	go p.decode(gen)
	return gen
}

// readByte hands the decoder one byte, blocking until input arrives. It
// reports io.EOF once the feed is closed or the generation was orphaned by
// Reset.
func (p *Parser) readByte(gen int) (byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.gen == gen && p.buf.Len() == 0 && !p.closed {
		p.idleGen = gen
		p.cond.Broadcast()
		p.cond.Wait()
	}
	if p.idleGen == gen {
		p.idleGen = 0
	}
	if p.gen != gen {
		return 0, io.EOF
	}
	if p.buf.Len() > 0 {
		b, _ := p.buf.ReadByte()
		return b, nil
	}
	return 0, io.EOF
}

// emit appends a parsed element unless the generation was orphaned.
func (p *Parser) emit(gen int, el Element) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen {
		return false
	}
	p.pending = append(p.pending, el)
	return true
}

// finish records the decoder outcome and wakes waiters. io.EOF is a normal
// end of input, anything else a parse failure.
func (p *Parser) finish(gen int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen {
		return
	}
	if err != nil && !errors.Is(err, io.EOF) {
		p.err = err
	}
	p.done = true
	p.cond.Broadcast()
}

// byteSource adapts the parser buffer to the decoder. Implementing
// io.ByteReader keeps encoding/xml from adding its own bufio layer, so the
// decoder never reads ahead of what was fed.
type byteSource struct {
	p   *Parser
	gen int
}

func (b *byteSource) ReadByte() (byte, error) { return b.p.readByte(b.gen) }

func (b *byteSource) Read(q []byte) (int, error) {
	if len(q) == 0 {
		return 0, nil
	}
	c, err := b.p.readByte(b.gen)
	if err != nil {
		return 0, err
	}
	q[0] = c
	return 1, nil
}

// frame tracks one open element while its children stream in.
type frame struct {
	tag       string
	attrs     map[string]string
	text      strings.Builder
	childSeen bool
}

func (p *Parser) decode(gen int) {
	dec := xml.NewDecoder(&byteSource{p: p, gen: gen})
	// Generated scripts contain prose with bare ampersands and the odd
	// unclosed tag; lenient mode keeps the token stream balanced anyway.
	dec.Strict = false

	var stack []*frame
	for {
		tok, err := dec.Token()
		if err != nil {
			p.finish(gen, err)
			return
		}
		switch t := tok.(type) {
		case xml.StartElement:
			attrs := make(map[string]string, len(t.Attr))
			for _, a := range t.Attr {
				attrs[a.Name.Local] = a.Value
			}
			if len(stack) > 0 {
				stack[len(stack)-1].childSeen = true
			}
			stack = append(stack, &frame{tag: t.Name.Local, attrs: attrs})
			if !p.emit(gen, Element{Kind: Start, Tag: t.Name.Local, Attrs: attrs}) {
				return
			}
		case xml.CharData:
			if len(stack) > 0 && !stack[len(stack)-1].childSeen {
				stack[len(stack)-1].text.Write(t)
			}
		case xml.EndElement:
			if len(stack) == 0 {
				continue
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if !p.emit(gen, Element{Kind: End, Tag: top.tag, Attrs: top.attrs, Text: top.text.String()}) {
				return
			}
		}
	}
}
