package ordering

import "github.com/rmacdonaldsmith/eventmesh-client-go/pkg/protocol"

// Util routes the messages of one subscription to a per-chain Orderer, creating orderers on
// first sight. Chains never block one another.
//
// Util is not safe for concurrent use; see Guard.
type Util struct {
	opts   Options
	chains map[protocol.ChainKey]*Orderer
}

// NewUtil creates an empty Util whose orderers share opts.
func NewUtil(opts Options) *Util {
	opts.setDefaults()
	return &Util{
		opts:   opts,
		chains: make(map[protocol.ChainKey]*Orderer),
	}
}

// Add routes msg to its chain's Orderer.
func (u *Util) Add(msg *protocol.StreamMessage) {
	key := msg.ChainKey()
	o, ok := u.chains[key]
	if !ok {
		o = NewOrderer(key, u.opts)
		u.chains[key] = o
	}
	o.Add(msg)
}

// Orderer returns the orderer of a chain, if the chain has been seen.
func (u *Util) Orderer(key protocol.ChainKey) (*Orderer, bool) {
	o, ok := u.chains[key]
	return o, ok
}

// Len returns the number of buffered messages across chains.
func (u *Util) Len() int {
	n := 0
	for _, o := range u.chains {
		n += o.Len()
	}
	return n
}

// IsEmpty reports whether no chain has buffered messages.
func (u *Util) IsEmpty() bool {
	for _, o := range u.chains {
		if !o.IsEmpty() {
			return false
		}
	}
	return true
}

// ChainCount returns the number of chains seen.
func (u *Util) ChainCount() int {
	return len(u.chains)
}

// Clear closes every orderer, cancelling their gap timers.
func (u *Util) Clear() {
	for _, o := range u.chains {
		o.Close()
	}
	u.chains = make(map[protocol.ChainKey]*Orderer)
}
