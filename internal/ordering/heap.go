package ordering

import "github.com/rmacdonaldsmith/eventmesh-client-go/pkg/protocol"

// messageHeap is a container/heap min-heap of messages ordered by MessageRef.
type messageHeap []*protocol.StreamMessage

func (h messageHeap) Len() int           { return len(h) }
func (h messageHeap) Less(i, j int) bool { return h[i].Ref().Less(h[j].Ref()) }
func (h messageHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) {
	*h = append(*h, x.(*protocol.StreamMessage))
}

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	msg := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return msg
}

func (h messageHeap) peek() *protocol.StreamMessage {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
