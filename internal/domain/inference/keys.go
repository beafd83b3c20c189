package inference

import (
	"encoding/binary"
	"encoding/hex"
	"math"

	"golang.org/x/crypto/blake2b"
)

const modelsKey = "models"

// RequestKey derives the cache key for a generation request.
func RequestKey(req GenerationRequest) string {
	h, _ := blake2b.New256(nil)

	for _, s := range []string{req.Model, req.System, req.Prompt} {
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}

	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], math.Float64bits(req.Temperature))
	binary.LittleEndian.PutUint64(buf[8:], uint64(req.MaxTokens))
	h.Write(buf[:])

	return "generate:" + hex.EncodeToString(h.Sum(nil))
}
