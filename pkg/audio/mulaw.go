package audio

import "github.com/zaf/g711"

// DecodeMulaw expands G.711 mu-law bytes to linear16 PCM.
func DecodeMulaw(ulaw []byte) []byte {
	return g711.DecodeUlaw(ulaw)
}

// EncodeMulaw compresses linear16 PCM to G.711 mu-law, one byte per sample.
func EncodeMulaw(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}
