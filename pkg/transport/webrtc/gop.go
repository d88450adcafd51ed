package webrtc

import "errors"

const (
	// minDecodeBytes is the smallest stream worth handing to a decoder.
	minDecodeBytes = 100

	// maxGOPBytes caps buffered video when keyframes stop arriving.
	maxGOPBytes = 8 << 20
)

var (
	errShortStream = errors.New("h264 stream too short to decode")
	errNoPicture   = errors.New("decoder produced no picture")
)

// H.264 NAL unit types that start a decodable sequence.
const (
	nalIDR = 5
	nalSPS = 7
)

// gop accumulates Annex-B access units from the last keyframe onwards.
type gop struct {
	buf    []byte
	synced bool
}

// add appends one access unit. A keyframe restarts the buffer; data before
// the first keyframe is discarded.
func (g *gop) add(au []byte) {
	if isKeyframe(au) {
		g.buf = append(g.buf[:0], au...)
		g.synced = true
		return
	}
	if !g.synced {
		return
	}
	if len(g.buf)+len(au) > maxGOPBytes {
		g.reset()
		return
	}
	g.buf = append(g.buf, au...)
}

func (g *gop) reset() {
	g.buf = g.buf[:0]
	g.synced = false
}

// bytes returns the buffered stream, or nil before the first keyframe.
func (g *gop) bytes() []byte {
	if !g.synced {
		return nil
	}
	return g.buf
}

// isKeyframe reports whether an Annex-B access unit carries an SPS or IDR
// slice.
func isKeyframe(au []byte) bool {
	for _, t := range nalTypes(au) {
		if t == nalIDR || t == nalSPS {
			return true
		}
	}
	return false
}

// nalTypes lists the NAL unit types in an Annex-B buffer.
func nalTypes(au []byte) []byte {
	var out []byte
	for i := 0; i+3 < len(au); i++ {
		if au[i] != 0 || au[i+1] != 0 {
			continue
		}
		switch {
		case au[i+2] == 1:
			out = append(out, au[i+3]&0x1F)
			i += 3
		case au[i+2] == 0 && i+4 < len(au) && au[i+3] == 1:
			out = append(out, au[i+4]&0x1F)
			i += 4
		}
	}
	return out
}
