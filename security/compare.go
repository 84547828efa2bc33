package security

// ConstantTimeEqual reports whether a and b are equal. After the length
// check it always visits every byte, so the running time does not depend
// on where the inputs first differ. Lengths are not secret here: both sides
// are fixed-length hex digests.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}

	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
