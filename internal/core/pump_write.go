package core

// writeToDeviceLocked drains the write queue into the device, retrying on
// short or blocked writes. Must only be called on the loop
// goroutine.
func (d *DeviceRecord) writeToDeviceLocked() int {
	if !d.running || d.waitForMigrateData || d.io == nil {
		return 0
	}

	d.duringWrite++
	if d.duringWrite > 1 {
		return 0
	}

	d.ref()
	defer d.unref()
	if d.writeRetryTimer != nil {
		d.writeRetryTimer.Cancel()
	}

	total := 0
	for d.running {
		if d.curWriteBuf == nil {
			n := d.writeQueue.popTail()
			if n == nil {
				break
			}
			d.curWriteBuf = n.owner.(*WriteBuffer)
			d.curWriteBufPos = 0
			d.obs().QueueDepth(d.writeQueue.len)
		}

		buf := d.curWriteBuf
		remaining := buf.Bytes()[d.curWriteBufPos:]
		n, err := d.io.Write(remaining)
		if err != nil {
			d.logger.Warn().Err(err).Msg("device write error")
		}
		if n <= 0 {
			if d.duringWrite > 1 {
				d.duringWrite = 1
				continue
			}
			break
		}

		total += n
		d.curWriteBufPos += n
		if d.curWriteBufPos >= len(buf.Bytes()) {
			d.curWriteBuf = nil
			d.curWriteBufPos = 0
			d.releaseBuffer(buf)
		}
	}

	if d.running {
		if d.curWriteBuf != nil {
			d.obs().DeviceStalled()
			if d.writeRetryTimer != nil && !d.io.NotifyWritable() {
				d.writeRetryTimer.Start(WriteRetryMS)
			}
		}
		d.active = d.active || total > 0
	}

	d.duringWrite = 0
	return total
}

// writeRetry re-drives the write pump after the retry timer fires. The
// timer disarms itself on fire; the pump re-cancels on entry anyway.
func (d *DeviceRecord) writeRetry() {
	d.obs().WriteRetryFired()
	d.writeToDeviceLocked()
}

// ensureWriteRetryTimer lazily creates the retry timer the first time it's
// needed, wired to fire back onto the loop goroutine via writeRetry.
func (d *DeviceRecord) ensureWriteRetryTimer() {
	if d.writeRetryTimer == nil && d.timers != nil {
		d.writeRetryTimer = d.timers.NewTimer(d.writeRetry)
	}
}
