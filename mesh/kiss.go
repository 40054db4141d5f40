package mesh

// KISS framing for the serial link to the radio modem.
const (
	kissFlag    = 0xC0
	kissCmdData = 0x00
	kissEsc     = 0xDB
	kissTFend   = 0xDC
	kissTFesc   = 0xDD
)

// kissEscape escapes frame-delimiter and escape bytes in data.
func kissEscape(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/16)
	for _, b := range data {
		switch b {
		case kissFlag:
			out = append(out, kissEsc, kissTFend)
		case kissEsc:
			out = append(out, kissEsc, kissTFesc)
		default:
			out = append(out, b)
		}
	}
	return out
}

// kissUnescape reverses kissEscape.
func kissUnescape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	esc := false
	for _, b := range data {
		if esc {
			switch b {
			case kissTFend:
				out = append(out, kissFlag)
			case kissTFesc:
				out = append(out, kissEsc)
			default:
				// Bad escape; keep the byte, the inner CRCs
				// will catch real damage.
				out = append(out, b)
			}
			esc = false
			continue
		}
		if b == kissEsc {
			esc = true
			continue
		}
		out = append(out, b)
	}
	return out
}

// buildKISSFrame wraps raw packet bytes in a KISS data frame.
func buildKISSFrame(packet []byte) []byte {
	frame := make([]byte, 0, len(packet)+4)
	frame = append(frame, kissFlag, kissCmdData)
	frame = append(frame, kissEscape(packet)...)
	return append(frame, kissFlag)
}

// kissDecoder extracts KISS frames from a serial byte stream, tolerating
// partial reads and inter-frame noise.
type kissDecoder struct {
	buf     []byte
	inFrame bool
}

// Feed consumes a chunk of serial bytes and returns any complete,
// unescaped frame payloads (the KISS command byte is stripped).
func (d *kissDecoder) Feed(chunk []byte) [][]byte {
	var frames [][]byte
	for _, b := range chunk {
		if b == kissFlag {
			if d.inFrame && len(d.buf) > 1 {
				payload := kissUnescape(d.buf[1:])
				if d.buf[0] == kissCmdData && len(payload) > 0 {
					frames = append(frames, payload)
				}
			}
			d.buf = d.buf[:0]
			d.inFrame = true
			continue
		}
		if d.inFrame {
			d.buf = append(d.buf, b)
		}
	}
	return frames
}
