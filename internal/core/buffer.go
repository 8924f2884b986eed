package core

// bufferOrigin identifies who is credited/debited when a WriteBuffer is
// consumed.
type bufferOrigin int

const (
	OriginNone bufferOrigin = iota
	OriginClient
	OriginServer
	OriginServerNoToken
)

// WriteBuffer is a sized byte region owned by the device while linked into
// a ring, reference-counted when it may outlive queue membership (e.g. a
// migration snapshot holding a reference while the marshaller serializes
// it).
type WriteBuffer struct {
	node ringNode

	data []byte
	used int

	origin     bufferOrigin
	client     *ClientRecord
	tokenPrice uint32
	refs       int32
}

func newWriteBuffer(size int) *WriteBuffer {
	b := &WriteBuffer{data: make([]byte, size)}
	b.node.owner = b
	return b
}

func (b *WriteBuffer) size() int { return len(b.data) }

// grow ensures the backing storage can hold at least size bytes.
func (b *WriteBuffer) grow(size int) {
	if len(b.data) >= size {
		return
	}
	nd := make([]byte, size)
	copy(nd, b.data[:b.used])
	b.data = nd
}

// Bytes returns the valid, written portion of the buffer.
func (b *WriteBuffer) Bytes() []byte { return b.data[:b.used] }

// Data returns the buffer's full backing storage, for a caller to copy a
// payload into ahead of Fill (e.g. a channel-transport adapter decoding a
// client frame directly into the leased buffer instead of an extra copy).
func (b *WriteBuffer) Data() []byte { return b.data }

// Fill copies payload into the buffer's backing storage and marks it as
// the written length. payload must fit within the capacity requested from
// WriteBufferGet.
func (b *WriteBuffer) Fill(payload []byte) {
	b.used = copy(b.data, payload)
}

// WriteBufferGet leases a buffer from the pool or allocates one fresh,
// charging the appropriate credit window. migratedTokens>0
// indicates the buffer is being reconstituted from a migration snapshot:
// token_price is set from it and the normal per-acquisition decrement is
// suppressed (the snapshot already accounted for those credits).
func (d *DeviceRecord) WriteBufferGet(origin bufferOrigin, clientID string, size int, migratedTokens uint32) (*WriteBuffer, error) {
	var buf *WriteBuffer
	var err error
	d.call(func() {
		buf, err = d.writeBufferGetLocked(origin, clientID, size, migratedTokens)
	})
	return buf, err
}

// WriteBufferGetServerNoToken is the convenience wrapper for the
// SERVER_NO_TOKEN origin, which bypasses all credit accounting.
func (d *DeviceRecord) WriteBufferGetServerNoToken(size int) (*WriteBuffer, error) {
	return d.WriteBufferGet(OriginServerNoToken, "", size, 0)
}

func (d *DeviceRecord) writeBufferGetLocked(origin bufferOrigin, clientID string, size int, migratedTokens uint32) (*WriteBuffer, error) {
	var client *ClientRecord
	if origin == OriginClient {
		c, ok := d.clients[clientID]
		if !ok {
			return nil, newErr(KindUnknownClient, clientID, "buffer requested for unattached client")
		}
		client = c
		if migratedTokens == 0 && client.flowControl && client.clientTokens == 0 {
			d.overflow(client, KindTokenViolation)
			return nil, newErr(KindTokenViolation, clientID, "client owes no credit")
		}
	}
	if origin == OriginServer && d.selfTokens == 0 {
		return nil, newErr(KindPoolExhausted, "", "no self tokens available")
	}

	buf := d.poolGet(size)

	buf.origin = origin
	buf.client = client
	buf.refs = 1
	if migratedTokens > 0 {
		buf.tokenPrice = migratedTokens
	} else {
		buf.tokenPrice = 1
	}

	switch origin {
	case OriginClient:
		if client.flowControl && migratedTokens == 0 {
			client.clientTokens--
		}
	case OriginServer:
		d.selfTokens--
		d.obs().SelfTokens(d.selfTokens)
	}
	return buf, nil
}

// poolGet leases a buffer from the LIFO pool, growing/allocating as needed.
func (d *DeviceRecord) poolGet(size int) *WriteBuffer {
	if n := d.writeBufPool.popTail(); n != nil {
		buf := n.owner.(*WriteBuffer)
		d.curPoolSize -= buf.size()
		buf.grow(size)
		buf.used = 0
		d.obs().PoolBytes(d.curPoolSize)
		return buf
	}
	return newWriteBuffer(size)
}

// poolAdd returns buf to the pool when refs==1 and there is room,
// otherwise drops the reference.
func (d *DeviceRecord) poolAdd(buf *WriteBuffer) {
	if buf.refs == 1 && d.curPoolSize+buf.size() <= MaxPoolSize {
		buf.used = 0
		buf.origin = OriginNone
		buf.client = nil
		buf.tokenPrice = 0
		d.curPoolSize += buf.size()
		d.writeBufPool.addHead(&buf.node)
		d.obs().PoolBytes(d.curPoolSize)
		return
	}
	buf.unref()
}

// ref/unref implement ordinary reference counting; refs reaching zero frees
// the backing storage outright.
func (b *WriteBuffer) ref() { b.refs++ }
func (b *WriteBuffer) unref() {
	b.refs--
	if b.refs <= 0 {
		b.data = nil
	}
}

// WriteBufferRelease is the public post-write release path: it asserts the
// buffer is unlinked and not the in-flight head, pools it, and credits the
// originator.
func (d *DeviceRecord) WriteBufferRelease(buf *WriteBuffer) {
	d.call(func() {
		if buf == d.curWriteBuf {
			d.logger.Error().Msg("release of the in-flight write buffer")
			return
		}
		if buf.node.next != nil {
			d.logger.Error().Msg("release of a write buffer still linked in a queue")
			return
		}
		d.releaseBuffer(buf)
	})
}

func (d *DeviceRecord) releaseBuffer(buf *WriteBuffer) {
	origin := buf.origin
	client := buf.client
	price := buf.tokenPrice

	d.poolAdd(buf)

	switch origin {
	case OriginClient:
		if client != nil {
			d.clientTokensAdd(client, price)
		}
	case OriginServer:
		d.selfTokens++
		d.obs().SelfTokens(d.selfTokens)
		if d.cbs.OnFreeSelfToken != nil {
			d.cbs.OnFreeSelfToken(d)
		}
	case OriginServerNoToken:
		// no credit accounting
	}
}

// flushPool drops every pooled buffer and zeroes cur_pool_size, called when
// the last client detaches.
func (d *DeviceRecord) flushPool() {
	d.writeBufPool.foreachSafe(func(n *ringNode) {
		buf := n.owner.(*WriteBuffer)
		d.writeBufPool.remove(n)
		buf.unref()
	})
	d.curPoolSize = 0
	d.obs().PoolBytes(0)
}

// WriteBufferAdd submits buf for writing: an
// orphaned CLIENT buffer is silently pooled, otherwise it is linked at the
// head of the write queue and the write pump is kicked immediately.
func (d *DeviceRecord) WriteBufferAdd(buf *WriteBuffer) {
	d.call(func() {
		if buf.origin == OriginClient && buf.client != nil {
			if _, ok := d.clients[buf.client.id]; !ok {
				d.poolAdd(buf)
				return
			}
		}
		d.writeQueue.addHead(&buf.node)
		d.obs().QueueDepth(d.writeQueue.len)
		d.writeToDeviceLocked()
	})
}
