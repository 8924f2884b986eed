package core

// Callbacks is the capability set supplied to Create. Every
// channel/client-facing hook lives here; the core never talks to a
// transport directly.
type Callbacks struct {
	// ReadOneMsgFromDevice is invoked from inside the read pump. It returns
	// an opaque message or nil when the device has nothing more to offer
	// right now. "Nil" means a nil interface value: an implementation
	// wrapping a typed result (a nil []byte, say) must return a literal
	// nil, or the pump will see a non-nil message and keep polling.
	ReadOneMsgFromDevice func(dev *DeviceRecord) (any, error)

	// RefMsgToClient / UnrefMsgToClient manage the lifetime of a message
	// object across fan-out to potentially many clients. The core calls Ref
	// once for each copy it places on a client's send queue and Unref when
	// that copy is delivered or dropped; an immediate delivery takes no Ref
	// of its own, and the read pump calls Unref once after fan-out for the
	// reference ReadOneMsgFromDevice handed it.
	RefMsgToClient   func(msg any)
	UnrefMsgToClient func(msg any)

	// SendMsgToClient delivers msg to client over the channel transport.
	// It must not free msg synchronously (the core manages that via
	// Ref/Unref); the client record may be destroyed by the time this
	// returns, and callers must not touch it afterward.
	SendMsgToClient func(msg any, client *ClientRecord)

	// SendTokensToClient performs a best-effort batched credit return
	// (client_tokens) to the channel transport.
	SendTokensToClient func(client *ClientRecord, n uint32)

	// OnFreeSelfToken is optional: invoked whenever a SERVER-origin buffer
	// is released, incrementing self_tokens. May call back into Wakeup.
	OnFreeSelfToken func(dev *DeviceRecord)

	// RemoveClient is invoked on overflow or token violation. It is
	// expected to call ClientRemove synchronously before returning.
	RemoveClient func(dev *DeviceRecord, client *ClientRecord)
}
