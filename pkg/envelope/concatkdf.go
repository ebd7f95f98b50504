package envelope

import (
	"crypto/sha256"
	"encoding/binary"
)

// concatKDF derives keydataLen bytes from the z shared secret following
// NIST SP 800-56A section 5.8.1, as profiled by RFC 7518 section 4.6 for
// direct ECDH-ES key agreement.
//
// algId is the content encryption algorithm name, apu & apv are the agreement
// party infos (both empty here).
func concatKDF(z []byte, algId string, apu, apv []byte, keydataLen int) []byte {
	otherInfo := make([]byte, 0, 4+len(algId)+4+len(apu)+4+len(apv)+4)
	otherInfo = appendLenPrefixed(otherInfo, []byte(algId))
	otherInfo = appendLenPrefixed(otherInfo, apu)
	otherInfo = appendLenPrefixed(otherInfo, apv)
	otherInfo = binary.BigEndian.AppendUint32(otherInfo, uint32(keydataLen)*8)

	rv := make([]byte, 0, keydataLen)
	var counter uint32 = 1
	block := make([]byte, 4)
	for len(rv) < keydataLen {
		binary.BigEndian.PutUint32(block, counter)
		h := sha256.New()
		h.Write(block)
		h.Write(z)
		h.Write(otherInfo)
		rv = h.Sum(rv)
		counter++
	}

	return rv[:keydataLen]
}

func appendLenPrefixed(dst, data []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(data)))
	return append(dst, data...)
}
