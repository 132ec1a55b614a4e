package frames

// Split cuts payload into contiguous chunks of at most capacity bytes. A
// payload that fits is returned as a single frame. Capacities below one are
// treated as one.
func Split(payload []byte, capacity int) []Frame {
	if capacity < 1 {
		capacity = 1
	}
	fp := FingerprintOf(payload)

	if len(payload) <= capacity {
		return []Frame{{
			Index:       0,
			Total:       1,
			Fingerprint: fp,
			Bytes:       append([]byte{}, payload...),
		}}
	}

	total := (len(payload) + capacity - 1) / capacity
	out := make([]Frame, 0, total)
	for i := 0; i < total; i++ {
		start := i * capacity
		end := min(start+capacity, len(payload))
		out = append(out, Frame{
			// #nosec G115 -- total is bounded by len(payload).
			Index:       uint32(i),
			Total:       uint32(total),
			Fingerprint: fp,
			Bytes:       append([]byte{}, payload[start:end]...),
		})
	}

	return out
}
