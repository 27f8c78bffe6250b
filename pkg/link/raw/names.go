package raw

import "strings"

// halfWordWriter packs 16-bit values into little-endian 32-bit words.
type halfWordWriter struct {
	words []uint32
	odd   bool
}

func (h *halfWordWriter) add(v uint16) {
	if h.odd {
		h.words[len(h.words)-1] |= uint32(v) << 16
	} else {
		h.words = append(h.words, uint32(v))
	}
	h.odd = !h.odd
}

// addString writes size bytes of s, two characters per half word,
// padding with zeros.
func (h *halfWordWriter) addString(s string, size int) {
	for i := 0; i < size; i += 2 {
		h.add(uint16(charAt(s, i)) | uint16(charAt(s, i+1))<<8)
	}
}

func charAt(s string, i int) byte {
	if i < len(s) {
		return s[i]
	}
	return 0
}

type halfWordReader struct {
	words []uint32
	pos   int
}

func (h *halfWordReader) next() uint16 {
	word := h.words[h.pos/2]
	var v uint16
	if h.pos%2 == 0 {
		v = uint16(word)
	} else {
		v = uint16(word >> 16)
	}
	h.pos++
	return v
}

func (h *halfWordReader) readString(size int) string {
	var b strings.Builder
	for i := 0; i < size; i += 2 {
		v := h.next()
		for _, c := range [2]byte{byte(v), byte(v >> 8)} {
			if c == 0 {
				continue
			}
			b.WriteByte(c)
		}
	}
	return b.String()
}

// EncodeBroadcast packs the game id and names into the six broadcast
// words: gameID, 7 half words of game name, 4 half words of user name.
func EncodeBroadcast(gameID uint16, gameName, userName string) ([]uint32, error) {
	if len(gameName) > MaxGameNameLength {
		return nil, ErrGameNameTooLong
	}
	if len(userName) > MaxUserNameLength {
		return nil, ErrUserNameTooLong
	}
	var h halfWordWriter
	h.add(gameID)
	h.addString(gameName, MaxGameNameLength)
	h.addString(userName, MaxUserNameLength)
	return h.words, nil
}

// DecodeBroadcast is the inverse of EncodeBroadcast.
func DecodeBroadcast(words []uint32) (gameID uint16, gameName, userName string) {
	h := halfWordReader{words: words}
	gameID = h.next()
	gameName = h.readString(MaxGameNameLength)
	userName = h.readString(MaxUserNameLength)
	return
}
