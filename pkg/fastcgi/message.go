package fastcgi

// MessageParser turns an arbitrary, arbitrarily-fragmented byte stream into
// a sequence of complete Records. It holds back any trailing partial
// record across Feed calls and never allocates more than the body size of
// the record currently being assembled.
type MessageParser struct {
	buf []byte
	off int
}

// Feed appends newly-received bytes to the parser's internal buffer.
func (p *MessageParser) Feed(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	p.compact()
	p.buf = append(p.buf, chunk...)
}

// Next attempts to decode one complete record from the buffered bytes. It
// returns ok=false (with a nil error) when fewer bytes are buffered than a
// full record needs -- the caller should Feed more and retry. The
// returned Record's Content is a private copy, safe to retain past the
// next Feed call.
func (p *MessageParser) Next() (*Record, bool, error) {
	avail := p.buf[p.off:]
	if len(avail) < HeaderSize {
		return nil, false, nil
	}
	h, err := DecodeHeader(avail[:HeaderSize])
	if err != nil {
		return nil, false, err
	}
	total := HeaderSize + int(h.ContentLength) + int(h.PaddingLength)
	if len(avail) < total {
		return nil, false, nil
	}
	content := make([]byte, h.ContentLength)
	copy(content, avail[HeaderSize:HeaderSize+int(h.ContentLength)])
	p.off += total
	return &Record{Header: h, Content: content}, true, nil
}

// compact drops already-consumed bytes once they dominate the buffer, so a
// long-lived connection doesn't grow its backing array without bound.
func (p *MessageParser) compact() {
	if p.off == 0 {
		return
	}
	if p.off < len(p.buf)/2 && len(p.buf) < 64*1024 {
		return
	}
	p.buf = append(p.buf[:0], p.buf[p.off:]...)
	p.off = 0
}

// Buffered reports how many undecoded bytes are currently held, including
// any partial record.
func (p *MessageParser) Buffered() int {
	return len(p.buf) - p.off
}
