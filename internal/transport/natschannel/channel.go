// Package natschannel is the per-client channel transport, implemented
// over NATS subjects. The core stays transport-agnostic (internal/core
// never imports this package); natschannel only ever calls back into a
// *core.DeviceRecord through its public operations.
//
// Subject layout per client id:
//
//	chardev.<id>.in     client -> device data submissions
//	chardev.<id>.out    device -> client delivered messages
//	chardev.<id>.credit client -> device send-token grants
//	chardev.<id>.tokens device -> client batched client-token returns
package natschannel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/chardev/internal/core"
)

// outboundMsg is queued by SendMsgToClient and drained by the shaping
// goroutine so the core's loop goroutine never blocks on a NATS publish.
type outboundMsg struct {
	subject string
	payload []byte
}

// Config bundles Channel construction parameters. Dev may be left nil and
// supplied afterward via SetDevice, since the device and the callback
// table that wires it to this Channel have a circular construction order
// (core.Create needs Callbacks up front; Callbacks close over the Channel's
// dev field) — set it before Start()ing the device.
type Config struct {
	Conn   *nats.Conn
	Dev    *core.DeviceRecord
	Logger zerolog.Logger

	// PublishRate/PublishBurst shape outbound publish volume: a device
	// re-broadcasting to many clients at once should not be able to
	// saturate the NATS connection in a single fan-out pass. Zero
	// PublishRate disables shaping.
	PublishRate  float64
	PublishBurst int

	// OutboundQueueSize bounds the shaping goroutine's backlog; a publish
	// queued past this is dropped (with a log line) rather than applying
	// backpressure onto the core's loop goroutine.
	OutboundQueueSize int
}

// Channel wires a *core.DeviceRecord to NATS subjects: inbound
// subscriptions feed client data and credit grants into the device,
// and the Callbacks it returns publish device output back out.
type Channel struct {
	conn   *nats.Conn
	dev    *core.DeviceRecord
	logger zerolog.Logger

	limiter *rate.Limiter
	outbox  chan outboundMsg
	done    chan struct{}

	subs map[string][]*nats.Subscription
}

// creditGrant is the wire shape published on chardev.<id>.credit.
type creditGrant struct {
	SendTokens uint32 `json:"send_tokens"`
	Reset      bool   `json:"reset,omitempty"`
}

// tokenReturn is the wire shape published on chardev.<id>.tokens.
type tokenReturn struct {
	ClientTokens uint32 `json:"client_tokens"`
}

// attachRequest is the wire shape sent as a NATS request on chardev.attach.
type attachRequest struct {
	ID                  string `json:"id"`
	FlowControl         bool   `json:"flow_control"`
	MaxSendQueue        int    `json:"max_send_queue"`
	InitialClientTokens uint32 `json:"initial_client_tokens"`
	InitialSendTokens   uint32 `json:"initial_send_tokens"`
}

// attachReply is the wire shape returned from a chardev.attach request.
type attachReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// New builds a Channel. Start the shaping goroutine with Run before
// attaching any client.
func New(cfg Config) *Channel {
	queueSize := cfg.OutboundQueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	var limiter *rate.Limiter
	if cfg.PublishRate > 0 {
		burst := cfg.PublishBurst
		if burst <= 0 {
			burst = int(cfg.PublishRate)
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.PublishRate), burst)
	}
	return &Channel{
		conn:    cfg.Conn,
		dev:     cfg.Dev,
		logger:  cfg.Logger.With().Str("component", "natschannel").Logger(),
		limiter: limiter,
		outbox:  make(chan outboundMsg, queueSize),
		done:    make(chan struct{}),
		subs:    make(map[string][]*nats.Subscription),
	}
}

// SetDevice binds the Channel to dev. Must be called before AttachClient or
// before dev starts delivering through the Callbacks this Channel returned.
func (c *Channel) SetDevice(dev *core.DeviceRecord) { c.dev = dev }

// ServeAttach subscribes to the well-known attach-request subject so
// clients can self-register over NATS instead of requiring an
// out-of-band call into AttachClient. Subscribes in a queue group so
// multiple chardevd processes could in principle share the subject
// without double-attaching a request.
func (c *Channel) ServeAttach() error {
	sub, err := c.conn.QueueSubscribe(attachSubject(), "chardevd", func(msg *nats.Msg) {
		c.handleAttach(msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", attachSubject(), err)
	}
	c.subs[attachSubject()] = []*nats.Subscription{sub}
	return nil
}

func (c *Channel) handleAttach(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	var req attachRequest
	reply := func(r attachReply) {
		payload, err := json.Marshal(r)
		if err != nil {
			return
		}
		if err := c.conn.Publish(msg.Reply, payload); err != nil {
			c.logger.Warn().Err(err).Msg("attach reply publish failed")
		}
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		reply(attachReply{Error: fmt.Sprintf("malformed attach request: %v", err)})
		return
	}
	if req.ID == "" {
		reply(attachReply{Error: "id is required"})
		return
	}
	if _, err := c.AttachClient(req.ID, req.FlowControl, req.MaxSendQueue, req.InitialClientTokens, req.InitialSendTokens); err != nil {
		reply(attachReply{Error: err.Error()})
		return
	}
	reply(attachReply{OK: true})
}

// Run drains the outbound queue, publishing at the configured shaped rate,
// until Close is called. Intended to run in its own goroutine.
func (c *Channel) Run() {
	for {
		select {
		case m, ok := <-c.outbox:
			if !ok {
				return
			}
			if c.limiter != nil {
				if err := c.limiter.Wait(context.Background()); err != nil {
					continue
				}
			}
			if err := c.conn.Publish(m.subject, m.payload); err != nil {
				c.logger.Warn().Err(err).Str("subject", m.subject).Msg("publish failed")
			}
		case <-c.done:
			return
		}
	}
}

// Close stops the shaping goroutine and unsubscribes every attached client.
func (c *Channel) Close() {
	close(c.done)
	for id := range c.subs {
		c.unsubscribe(id)
	}
}

func (c *Channel) enqueue(subject string, payload []byte) {
	select {
	case c.outbox <- outboundMsg{subject: subject, payload: payload}:
	default:
		c.logger.Warn().Str("subject", subject).Msg("outbound queue full, dropping publish")
	}
}

// AttachClient adds id to the device and subscribes its inbound subjects.
func (c *Channel) AttachClient(id string, flowControl bool, maxSendQueue int, initialClientTokens, initialSendTokens uint32) (*core.ClientRecord, error) {
	client, err := c.dev.ClientAdd(id, flowControl, maxSendQueue, initialClientTokens, initialSendTokens, false)
	if err != nil {
		return nil, err
	}

	inSub, err := c.conn.Subscribe(inSubject(id), func(msg *nats.Msg) {
		c.handleInbound(id, msg.Data)
	})
	if err != nil {
		c.dev.ClientRemove(id)
		return nil, fmt.Errorf("subscribe %s: %w", inSubject(id), err)
	}
	creditSub, err := c.conn.Subscribe(creditSubject(id), func(msg *nats.Msg) {
		c.handleCredit(id, msg.Data)
	})
	if err != nil {
		inSub.Unsubscribe()
		c.dev.ClientRemove(id)
		return nil, fmt.Errorf("subscribe %s: %w", creditSubject(id), err)
	}

	c.subs[id] = []*nats.Subscription{inSub, creditSub}
	return client, nil
}

// DetachClient unsubscribes id's subjects and removes it from the device.
func (c *Channel) DetachClient(id string) {
	c.unsubscribe(id)
	c.dev.ClientRemove(id)
}

func (c *Channel) unsubscribe(id string) {
	for _, sub := range c.subs[id] {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Debug().Err(err).Str("client_id", id).Msg("unsubscribe failed")
		}
	}
	delete(c.subs, id)
}

// handleInbound leases a CLIENT-origin write buffer for a client submission
// and queues it for the device.
func (c *Channel) handleInbound(id string, payload []byte) {
	buf, err := c.dev.WriteBufferGet(core.OriginClient, id, len(payload), 0)
	if err != nil {
		c.logger.Debug().Err(err).Str("client_id", id).Msg("buffer request rejected")
		return
	}
	buf.Fill(payload)
	c.dev.WriteBufferAdd(buf)
}

// handleCredit absorbs or resets a client's send-token grant.
func (c *Channel) handleCredit(id string, payload []byte) {
	var grant creditGrant
	if err := json.Unmarshal(payload, &grant); err != nil {
		c.logger.Warn().Err(err).Str("client_id", id).Msg("malformed credit grant")
		return
	}
	if grant.Reset {
		c.dev.SendTokensSet(id, grant.SendTokens)
	} else {
		c.dev.SendTokensAdd(id, grant.SendTokens)
	}
}

// Callbacks returns the core.Callbacks table wired to this channel. The
// caller still supplies ReadOneMsgFromDevice, since that callback reads
// from the device side, not the client transport.
func (c *Channel) Callbacks() core.Callbacks {
	return core.Callbacks{
		RefMsgToClient:   func(any) {},
		UnrefMsgToClient: func(any) {},
		SendMsgToClient: func(msg any, client *core.ClientRecord) {
			payload, ok := msg.([]byte)
			if !ok {
				c.logger.Error().Msg("non-[]byte message reached natschannel")
				return
			}
			c.enqueue(outSubject(client.ID()), payload)
		},
		SendTokensToClient: func(client *core.ClientRecord, n uint32) {
			payload, err := json.Marshal(tokenReturn{ClientTokens: n})
			if err != nil {
				return
			}
			c.enqueue(tokensSubject(client.ID()), payload)
		},
		RemoveClient: func(dev *core.DeviceRecord, client *core.ClientRecord) {
			c.DetachClient(client.ID())
		},
	}
}

func inSubject(id string) string     { return "chardev." + id + ".in" }
func outSubject(id string) string    { return "chardev." + id + ".out" }
func creditSubject(id string) string { return "chardev." + id + ".credit" }
func tokensSubject(id string) string { return "chardev." + id + ".tokens" }
func attachSubject() string          { return "chardev.attach" }
