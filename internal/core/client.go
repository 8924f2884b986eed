package core

// ClientRecord is a single attached client. A non-flow-controlled client
// has conceptually unbounded credit in both directions; that is expressed
// by the flowControl flag (checked in canSend, clientTokensAdd, and the
// pump token math) rather than an all-ones counter value, so arithmetic on
// the real counters can never drift down into false throttling.
type ClientRecord struct {
	dev *DeviceRecord
	id  string

	flowControl bool

	clientTokens     uint32 // owed to the client, returned in batches
	clientTokensFree uint32 // accumulator awaiting the batch threshold

	sendTokens uint32 // granted by the client for device->client messages

	sendQueue    *ring
	maxSendQueue int

	overflowTimer      Timer
	overflowTimerArmed bool
}

// sendQueueEntry links a queued outbound message into the client's ring.
type sendQueueEntry struct {
	node ringNode
	msg  any
}

// ID returns the client's id, for callback implementations (SendMsgToClient,
// RemoveClient, …) that only receive the *ClientRecord and need to address
// it on their own transport.
func (c *ClientRecord) ID() string { return c.id }

// canSend reports whether the client currently has credit to receive a
// message immediately.
func (c *ClientRecord) canSend() bool {
	return !c.flowControl || c.sendTokens > 0
}

// ClientAdd attaches a new client.
func (d *DeviceRecord) ClientAdd(id string, flowControl bool, maxSendQueue int, initialClientTokens, initialSendTokens uint32, waitForMigrateData bool) (*ClientRecord, error) {
	var created *ClientRecord
	var err error
	d.call(func() {
		if waitForMigrateData && (len(d.clients) > 0 || d.active) {
			err = newErr(KindMigrateRejected, id, "client added with existing clients or active device")
			return
		}
		c := &ClientRecord{
			dev:          d,
			id:           id,
			flowControl:  flowControl,
			sendQueue:    newRing(),
			maxSendQueue: maxSendQueue,
		}
		if flowControl {
			c.clientTokens = initialClientTokens
			c.sendTokens = initialSendTokens
			if d.timers != nil {
				c.overflowTimer = d.timers.NewTimer(func() {
					d.onOverflowTimeout(c)
				})
			}
		}
		d.clients[id] = c
		d.waitForMigrateData = waitForMigrateData
		created = c
		d.wakeupLocked()
	})
	return created, err
}

// ClientExists reports whether id is currently attached.
func (d *DeviceRecord) ClientExists(id string) bool {
	var ok bool
	d.call(func() {
		_, ok = d.clients[id]
	})
	return ok
}

// ClientRemove detaches a client, draining its send queue and releasing any
// write-queue buffers it originated.
func (d *DeviceRecord) ClientRemove(id string) {
	d.call(func() { d.clientRemoveLocked(id) })
}

func (d *DeviceRecord) clientRemoveLocked(id string) {
	c, ok := d.clients[id]
	if !ok {
		return
	}
	d.drainSendQueue(c)

	// Return every write-queue buffer originated by this client; if the
	// in-flight cur_write_buf belongs to it, demote rather than discard
	// it so the already-started write completes harmlessly.
	d.writeQueue.foreachSafe(func(n *ringNode) {
		buf := n.owner.(*WriteBuffer)
		if buf.origin == OriginClient && buf.client == c {
			d.writeQueue.remove(n)
			buf.origin = OriginNone
			buf.client = nil
			d.poolAdd(buf)
		}
	})
	if d.curWriteBuf != nil && d.curWriteBuf.origin == OriginClient && d.curWriteBuf.client == c {
		d.curWriteBuf.origin = OriginNone
		d.curWriteBuf.client = nil
	}

	if c.overflowTimer != nil {
		c.overflowTimer.Cancel()
	}
	delete(d.clients, id)

	if d.waitForMigrateData {
		d.waitForMigrateData = false
		d.readFromDeviceLocked()
	}
	if len(d.clients) == 0 {
		d.flushPool()
	}
}

// drainSendQueue frees every queued message for c without delivering it
// (used by ClientRemove, Reset, and overflow). The credits those messages
// were waiting on are refunded: after a Reset the client stays attached,
// and without the refund its send window would be understated by the
// number of dropped messages.
func (d *DeviceRecord) drainSendQueue(c *ClientRecord) {
	if c.flowControl {
		c.sendTokens += uint32(c.sendQueue.len)
	}
	c.sendQueue.foreachSafe(func(n *ringNode) {
		e := n.owner.(*sendQueueEntry)
		c.sendQueue.remove(n)
		if d.cbs.UnrefMsgToClient != nil {
			d.cbs.UnrefMsgToClient(e.msg)
		}
	})
}

// overflow removes c via the upstream hook, for any of the three
// conditions (queue-full, timeout, token-violation).
func (d *DeviceRecord) overflow(c *ClientRecord, kind ErrorKind) {
	d.logger.Warn().Str("client_id", c.id).Str("kind", kind.String()).Msg("client removed")
	switch kind {
	case KindTokenViolation:
		d.obs().TokenViolation(c.id)
	default:
		d.obs().Overflow(c.id)
	}
	if d.cbs.RemoveClient != nil {
		d.cbs.RemoveClient(d, c)
	} else {
		d.clientRemoveLocked(c.id)
	}
}

func (d *DeviceRecord) onOverflowTimeout(c *ClientRecord) {
	if _, ok := d.clients[c.id]; !ok {
		return
	}
	d.overflow(c, KindOverflow)
}

// enqueueToClient appends msg to c's bounded send queue, arming the
// overflow timer if this is the first queued message.
func (d *DeviceRecord) enqueueToClient(c *ClientRecord, msg any) {
	if c.sendQueue.len >= c.maxSendQueue {
		d.overflow(c, KindOverflow)
		return
	}
	if d.cbs.RefMsgToClient != nil {
		d.cbs.RefMsgToClient(msg)
	}
	e := &sendQueueEntry{msg: msg}
	e.node.owner = e
	c.sendQueue.addHead(&e.node)
	if c.overflowTimer != nil && !c.overflowTimerArmed {
		c.overflowTimer.Start(WaitTokensMS)
		c.overflowTimerArmed = true
	}
	d.obs().ClientCredits(c.id, c.sendTokens, c.clientTokens)
}

// sendQueuePush drains c's queue in FIFO order (insertion order) while
// canSend holds. The ring is populated by head-adds, so
// popping from the tail yields FIFO order.
func (d *DeviceRecord) sendQueuePush(c *ClientRecord) {
	for c.canSend() {
		n := c.sendQueue.popTail()
		if n == nil {
			return
		}
		e := n.owner.(*sendQueueEntry)
		if c.flowControl {
			c.sendTokens--
		}
		if d.cbs.SendMsgToClient != nil {
			d.cbs.SendMsgToClient(e.msg, c)
		}
		if d.cbs.UnrefMsgToClient != nil {
			d.cbs.UnrefMsgToClient(e.msg)
		}
	}
}

// SendTokensAdd absorbs n additional send-credits for client id.
func (d *DeviceRecord) SendTokensAdd(id string, n uint32) {
	d.call(func() { d.sendTokensApply(id, n, false) })
}

// SendTokensSet resets the client's send-token count to n, then drains and
// re-polls exactly as SendTokensAdd does.
func (d *DeviceRecord) SendTokensSet(id string, n uint32) {
	d.call(func() { d.sendTokensApply(id, n, true) })
}

func (d *DeviceRecord) sendTokensApply(id string, n uint32, reset bool) {
	c, ok := d.clients[id]
	if !ok {
		return
	}
	// A non-flow-controlled client's counters are never mutated, but the
	// grant still re-polls the device below.
	if c.flowControl {
		if reset {
			c.sendTokens = n
		} else {
			c.sendTokens += n
		}
	}

	if c.sendQueue.len > 0 {
		d.sendQueuePush(c)
	}

	if c.canSend() {
		if c.overflowTimer != nil {
			c.overflowTimer.Cancel()
		}
		c.overflowTimerArmed = false
		d.readFromDeviceLocked()
	} else if c.sendQueue.len > 0 && c.overflowTimer != nil {
		c.overflowTimer.Start(WaitTokensMS)
		c.overflowTimerArmed = true
	}
	d.obs().ClientCredits(c.id, c.sendTokens, c.clientTokens)
}
