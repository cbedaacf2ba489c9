package audio_utils

import "github.com/zaf/g711"

// DecodeMulaw expands G.711 mu-law bytes (e.g. Twilio media payloads) into linear samples.
func DecodeMulaw(mulawBytes []byte) []int16 {
	return BytesToInt16(g711.DecodeUlaw(mulawBytes))
}

// EncodeMulaw is the inverse of DecodeMulaw, lossy by nature of the codec.
func EncodeMulaw(samples []int16) []byte {
	return g711.EncodeUlaw(Int16ToBytes(samples))
}
