package formats

import "errors"

var errLZFCorrupt = errors.New("lzf: corrupt input")

// lzfDecompress expands an LZF block into exactly outLen bytes.
func lzfDecompress(in []byte, outLen int) ([]byte, error) {
	out := make([]byte, outLen)
	ip, op := 0, 0
	for ip < len(in) {
		ctrl := int(in[ip])
		ip++
		if ctrl < 32 {
			n := ctrl + 1
			if ip+n > len(in) || op+n > outLen {
				return nil, errLZFCorrupt
			}
			copy(out[op:], in[ip:ip+n])
			ip += n
			op += n
			continue
		}
		length := ctrl >> 5
		if length == 7 {
			if ip >= len(in) {
				return nil, errLZFCorrupt
			}
			length += int(in[ip])
			ip++
		}
		if ip >= len(in) {
			return nil, errLZFCorrupt
		}
		ref := op - ((ctrl & 0x1f) << 8) - 1 - int(in[ip])
		ip++
		length += 2
		if ref < 0 || op+length > outLen {
			return nil, errLZFCorrupt
		}
		// Byte-wise: the match may overlap the bytes being written.
		for i := 0; i < length; i++ {
			out[op] = out[ref]
			op++
			ref++
		}
	}
	if op != outLen {
		return nil, errLZFCorrupt
	}
	return out, nil
}
