package bridge

import "github.com/BaSui01/rendezvous/types"

// FrameMetrics receives traffic counts from a Server. Implementations
// must be safe for concurrent use; every method is called from
// connection goroutines.
type FrameMetrics interface {
	// ConnectionOpened and ConnectionClosed bracket one accepted
	// connection.
	ConnectionOpened()
	ConnectionClosed()

	// FrameReceived and FrameSent count frames by frame type.
	FrameReceived(frameType string)
	FrameSent(frameType string)

	// AuthFailed counts a connection rejected before the upgrade.
	AuthFailed()

	// ExchangeResolved reports the outcome of one send or recv: "ok",
	// "dead", or the error code string.
	ExchangeResolved(direction, outcome string, payloadBytes int)
}

// nopMetrics is the default sink when no collector is attached.
type nopMetrics struct{}

func (nopMetrics) ConnectionOpened()                    {}
func (nopMetrics) ConnectionClosed()                    {}
func (nopMetrics) FrameReceived(string)                 {}
func (nopMetrics) FrameSent(string)                     {}
func (nopMetrics) AuthFailed()                          {}
func (nopMetrics) ExchangeResolved(string, string, int) {}

func outcomeOf(err error, dead bool) string {
	if err != nil {
		if code := types.GetErrorCode(err); code != "" {
			return string(code)
		}
		return string(types.ErrInternal)
	}
	if dead {
		return "dead"
	}
	return "ok"
}
