package core

import (
	"github.com/adred-codev/chardev/internal/wiresnap"
)

// CharDeviceVersion is the snapshot format version this core emits and the
// newest version it knows how to restore.
const CharDeviceVersion uint32 = 1

// MigrateDataMarshallEmpty serializes the empty-device form: version plus
// connected=0, every other field zero.
func (d *DeviceRecord) MigrateDataMarshallEmpty() []byte {
	a := wiresnap.New()
	a.PutUint32(CharDeviceVersion)
	a.PutUint8(0)
	a.PutUint32(0)
	a.PutUint32(0)
	a.PutUint32(0)
	a.PutUint32(0)
	return a.Finish()
}

// MigrateDataMarshall serializes in-flight write bytes and outstanding
// credits for the single attached client. Precondition:
// exactly one client attached and its send queue empty — multi-client
// snapshots are not supported by this format.
func (d *DeviceRecord) MigrateDataMarshall() ([]byte, error) {
	var out []byte
	var err error
	d.call(func() {
		if len(d.clients) != 1 {
			err = newErr(KindMigrateRejected, "", "snapshot requires exactly one attached client")
			return
		}
		var c *ClientRecord
		for _, v := range d.clients {
			c = v
		}
		if c.sendQueue.len != 0 {
			err = newErr(KindMigrateRejected, c.id, "snapshot requires an empty send queue")
			return
		}

		writeData := make([]byte, 0, d.writeQueue.len*256)
		var writeTokens uint32
		if d.curWriteBuf != nil {
			remainder := d.curWriteBuf.Bytes()[d.curWriteBufPos:]
			writeData = append(writeData, remainder...)
			if d.curWriteBuf.origin == OriginClient {
				writeTokens += d.curWriteBuf.tokenPrice
			}
		}
		// write_queue is a head-add ring, so walking tail-to-head yields
		// submission order (head-to-tail = newest-to-oldest).
		var queued [][]byte
		d.writeQueue.foreach(func(n *ringNode) {
			buf := n.owner.(*WriteBuffer)
			queued = append(queued, buf.Bytes())
			if buf.origin == OriginClient {
				writeTokens += buf.tokenPrice
			}
		})
		for i := len(queued) - 1; i >= 0; i-- {
			writeData = append(writeData, queued[i]...)
		}

		a := wiresnap.New()
		a.PutUint32(CharDeviceVersion)
		a.PutUint8(1)
		a.PutUint32(c.clientTokens)
		a.PutUint32(c.sendTokens)
		a.PutUint32(uint32(len(writeData)))
		a.PutUint32(writeTokens)
		a.PutBytesRef(writeData)
		out = a.Finish()
	})
	return out, err
}

// restoreData is the decoded snapshot body.
type restoreData struct {
	version              uint32
	connected            bool
	numClientTokens      uint32
	numSendTokens        uint32
	writeData            []byte
	writeNumClientTokens uint32
}

func decodeSnapshot(data []byte) (restoreData, error) {
	var rd restoreData
	r := wiresnap.NewReader(data)
	v, err := r.Uint32()
	if err != nil {
		return rd, err
	}
	rd.version = v
	connected, err := r.Uint8()
	if err != nil {
		return rd, err
	}
	rd.connected = connected == 1
	if rd.numClientTokens, err = r.Uint32(); err != nil {
		return rd, err
	}
	if rd.numSendTokens, err = r.Uint32(); err != nil {
		return rd, err
	}
	writeSize, err := r.Uint32()
	if err != nil {
		return rd, err
	}
	if rd.writeNumClientTokens, err = r.Uint32(); err != nil {
		return rd, err
	}
	if writeSize > 0 {
		if rd.writeData, err = r.Bytes(int(writeSize)); err != nil {
			return rd, err
		}
	}
	return rd, nil
}

// Restore reconstitutes credits and in-flight write bytes for clientID from
// a snapshot produced by MigrateDataMarshall. clientID must
// already be attached (typically via ClientAdd with waitForMigrateData set)
// so its current client_tokens can serve as the restore's "initial window".
func (d *DeviceRecord) Restore(clientID string, data []byte) error {
	var err error
	d.call(func() {
		rd, derr := decodeSnapshot(data)
		if derr != nil {
			err = derr
			return
		}
		if rd.version > CharDeviceVersion {
			err = newErr(KindMigrateVersion, clientID, "snapshot version too new")
			return
		}
		if !rd.connected {
			err = newErr(KindMigrateRejected, clientID, "snapshot has no connected client")
			return
		}
		if d.curWriteBuf != nil || d.writeQueue.len != 0 {
			err = newErr(KindMigrateRejected, clientID, "device must be quiesced before restore")
			return
		}
		c, ok := d.clients[clientID]
		if !ok {
			err = newErr(KindUnknownClient, clientID, "restore target not attached")
			return
		}

		initialWindow := c.clientTokens
		c.clientTokensFree = initialWindow - rd.numClientTokens - rd.writeNumClientTokens
		c.clientTokens = rd.numClientTokens
		c.sendTokens = rd.numSendTokens

		if len(rd.writeData) > 0 {
			origin := OriginServer
			var migratedTokens uint32
			if rd.writeNumClientTokens > 0 {
				origin = OriginClient
				migratedTokens = rd.writeNumClientTokens
			}
			buf, berr := d.writeBufferGetLocked(origin, clientID, len(rd.writeData), migratedTokens)
			if berr != nil {
				err = berr
				return
			}
			copy(buf.data, rd.writeData)
			buf.used = len(rd.writeData)
			d.curWriteBuf = buf
			d.curWriteBufPos = 0
		}

		d.waitForMigrateData = false
		d.writeToDeviceLocked()
		d.readFromDeviceLocked()
	})
	return err
}
