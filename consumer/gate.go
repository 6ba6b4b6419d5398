package consumer

// ClientGate provides exclusive, serialized access to the broker client,
// which is not safe for concurrent use. At most one withClient body runs
// at a time; a blocking body blocks all others, which is acceptable since
// the Runloop holds the gate for most of its life and ad-hoc metadata
// calls from user code are infrequent.
type ClientGate struct {
	slot chan struct{}
}

func newClientGate() *ClientGate {
	g := &ClientGate{slot: make(chan struct{}, 1)}
	g.slot <- struct{}{}
	return g
}

// WithClient runs f with exclusive access to the client, propagating
// whatever error f returns after releasing the gate.
func (g *ClientGate) WithClient(client BrokerClient, f func(BrokerClient) error) error {
	<-g.slot
	defer func() { g.slot <- struct{}{} }()
	return f(client)
}
