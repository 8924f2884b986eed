package core

// readFromDeviceLocked pulls messages from the device while at least one
// client has send-credit, fanning each one out to every client. Must
// only be called on the loop goroutine (hence "Locked" even
// though there is no mutex — it is "locked" to the single logical thread).
func (d *DeviceRecord) readFromDeviceLocked() bool {
	if !d.running || d.waitForMigrateData || d.io == nil {
		return false
	}

	// Re-entrancy gate: a nested call (a send callback that synchronously
	// triggers another read) is absorbed here; the outer loop below
	// notices duringRead>1 after the blocking callback returns and does
	// one extra iteration instead of losing the wakeup.
	d.duringRead++
	if d.duringRead > 1 {
		return false
	}

	d.ref()
	defer d.unref()

	didRead := false
	maxSendTokens := d.maxSendTokensAcrossClients()

	for (maxSendTokens > 0 || len(d.clients) == 0) && d.running {
		msg, err := d.cbs.ReadOneMsgFromDevice(d)
		if err != nil {
			d.logger.Warn().Err(err).Msg("device read error")
			break
		}
		if msg == nil {
			if d.duringRead > 1 {
				// Someone re-entered while we were in the callback;
				// reset and keep going rather than lose that wakeup.
				d.duringRead = 1
				continue
			}
			break
		}
		didRead = true
		d.sendMsgToClients(msg)
		if d.cbs.UnrefMsgToClient != nil {
			d.cbs.UnrefMsgToClient(msg)
		}
		if maxSendTokens > 0 {
			maxSendTokens--
		}
	}

	d.duringRead = 0
	if d.running {
		d.active = d.active || didRead
	}
	return didRead
}

// maxSendTokensAcrossClients returns the largest sendTokens among
// flow-controlled clients, or a value that keeps the loop bounded only by
// device availability when any client is unbounded or there are no
// clients. math.MaxUint32 stands in for "unbounded"
// rather than letting real counters saturate.
func (d *DeviceRecord) maxSendTokensAcrossClients() uint32 {
	if len(d.clients) == 0 {
		return 1 // just needs to be >0 to enter the loop once per device poll
	}
	var max uint32
	for _, c := range d.clients {
		if !c.flowControl {
			return ^uint32(0)
		}
		if c.sendTokens > max {
			max = c.sendTokens
		}
	}
	return max
}

// sendMsgToClients fans msg out to every attached client.
// Fan-out is atomic per client: each client either receives the message
// immediately or has it queued before the loop moves to the next client.
// The callback may destroy the client record; callers must not touch c
// again afterward, so this loop takes a snapshot of the map first.
func (d *DeviceRecord) sendMsgToClients(msg any) {
	targets := make([]*ClientRecord, 0, len(d.clients))
	for _, c := range d.clients {
		targets = append(targets, c)
	}
	for _, c := range targets {
		if _, ok := d.clients[c.id]; !ok {
			continue // removed by an earlier iteration's callback
		}
		if c.canSend() {
			if c.sendQueue.len != 0 {
				d.logger.Error().Str("client_id", c.id).Msg("send queue non-empty while credit available")
			}
			if c.flowControl {
				c.sendTokens--
			}
			// No ref here: the read pump's own reference to msg covers
			// every immediate (non-queued) delivery in this fan-out; only
			// the enqueue path below takes its own reference, since a
			// queued copy must outlive this call.
			if d.cbs.SendMsgToClient != nil {
				d.cbs.SendMsgToClient(msg, c)
			}
		} else {
			d.enqueueToClient(c, msg)
		}
	}
}
