package core

// clientTokensAdd accumulates a released CLIENT buffer's token_price into
// the client's batch accumulator, flushing it to the channel transport once
// the configured interval is crossed. Apart from ClientAdd and Restore,
// which set client_tokens outright, this is the only writer of
// client_tokens besides WriteBufferGet's per-acquisition decrement, so the
// two together keep "credit spent" and "credit replenished" in sync
// without a wire round-trip per buffer.
func (d *DeviceRecord) clientTokensAdd(c *ClientRecord, price uint32) {
	if !c.flowControl {
		return
	}
	c.clientTokensFree += price
	if c.clientTokensFree < d.clientTokensInterval {
		d.obs().ClientCredits(c.id, c.sendTokens, c.clientTokens)
		return
	}
	n := c.clientTokensFree
	c.clientTokensFree = 0
	c.clientTokens += n
	if d.cbs.SendTokensToClient != nil {
		d.cbs.SendTokensToClient(c, n)
	}
	d.obs().ClientCredits(c.id, c.sendTokens, c.clientTokens)
}
