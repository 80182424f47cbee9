package transport

// DefaultFragmentSize matches the default notification payload of a BLE
// link with a negotiated ATT MTU of 247.
const DefaultFragmentSize = 244

// Fragment splits data into pieces of at most size bytes. The pieces share
// data's backing array. A size of zero or less returns data whole.
func Fragment(data []byte, size int) [][]byte {
	if size <= 0 || len(data) <= size {
		return [][]byte{data}
	}
	out := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > size {
		out = append(out, data[:size:size])
		data = data[size:]
	}
	return append(out, data)
}

// FragmentHandler wraps h so that every response it returns is split into
// fragments of at most size bytes.
func FragmentHandler(h PacketHandler, size int) PacketHandler {
	return func(request []byte) [][]byte {
		var out [][]byte
		for _, rsp := range h(request) {
			out = append(out, Fragment(rsp, size)...)
		}
		return out
	}
}
