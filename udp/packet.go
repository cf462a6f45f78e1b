package udp

import "iter"

// DefaultPacketSize is the default maximum size of datagrams, the
// conventional safe UDP payload size.
const DefaultPacketSize = 512

var terminator = []byte("\n")

// Packets returns a sequence of datagram payloads built from lines.
//
// Lines are appended to a packet, each followed by a newline, as long as the
// packet stays within packetSize bytes. A line that is packetSize bytes or
// longer is emitted alone as its own packet, unmodified and without the
// newline. Lines are consumed lazily, so the sequence can be used on unbounded
// inputs.
//
// Splitting the concatenated packets on newlines gives the lines back only
// when every line is shorter than packetSize: a packet holding a single
// oversized line has no terminator and merges with the packet after it.
//
// The packets yielded are never reused by the sequence and may be retained.
func Packets(lines iter.Seq[string], packetSize int) iter.Seq[[]byte] {
	if packetSize <= 0 {
		packetSize = DefaultPacketSize
	}

	return func(yield func([]byte) bool) {
		packet := make([]byte, 0, packetSize)

		for line := range lines {
			switch {
			case len(packet)+len(terminator)+len(line) <= packetSize:
				packet = append(packet, line...)
				packet = append(packet, terminator...)

			case len(line) >= packetSize:
				if len(packet) != 0 {
					if !yield(packet) {
						return
					}
					packet = make([]byte, 0, packetSize)
				}
				if !yield([]byte(line)) {
					return
				}

			default:
				if len(packet) != 0 {
					if !yield(packet) {
						return
					}
				}
				packet = make([]byte, 0, packetSize)
				packet = append(packet, line...)
				packet = append(packet, terminator...)
			}
		}

		if len(packet) != 0 {
			yield(packet)
		}
	}
}

// Batches groups the packets into slices of at most n packets. The last batch
// may be shorter; no empty batch is ever yielded.
func Batches(packets iter.Seq[[]byte], n int) iter.Seq[[][]byte] {
	if n <= 0 {
		n = 1
	}

	return func(yield func([][]byte) bool) {
		batch := make([][]byte, 0, n)

		for p := range packets {
			if batch = append(batch, p); len(batch) == n {
				if !yield(batch) {
					return
				}
				batch = make([][]byte, 0, n)
			}
		}

		if len(batch) != 0 {
			yield(batch)
		}
	}
}
