package session

import (
	"context"
	"crypto/ecdh"
	"sync"
	"time"

	"github.com/halilertekin/simplexmq/agent/client"
	"github.com/halilertekin/simplexmq/agent/store"
	"github.com/halilertekin/simplexmq/crypto"
	"github.com/halilertekin/simplexmq/internal/logger"
	"github.com/halilertekin/simplexmq/wire"
)

// runtime is the in-memory half of a connection's state: the live server
// connection, decryption key for its recv queue, and handshake progress,
// none of it persisted. connMu guards conn itself, which is replaced in
// place when the underlying server connection is re-dialed after a drop.
type runtime struct {
	connMu sync.Mutex
	conn   *client.Conn

	recipientID string
	encPriv     *ecdh.PrivateKey
	inbox       chan InboundMessage

	hsMu      sync.Mutex
	confirmed bool
}

func (rt *runtime) currentConn() *client.Conn {
	rt.connMu.Lock()
	defer rt.connMu.Unlock()
	return rt.conn
}

// Agent is the local control API of §4.9: it owns every connection's
// durable state (via store.Store) and runtime plumbing (via
// agent/client), and drives the handshake/message FSM from inbound pushes.
type Agent struct {
	str  store.Store
	pool *client.Pool
	log  logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	runtimes       map[string]*runtime
	sendMus        map[string]*sync.Mutex
	aliasSeq       uint64
	watchedServers map[string]bool
	serverRecvs    map[string][]string // server.String() -> conn aliases with a recv queue on that server
}

// New creates an Agent backed by str for persistence and pool for server
// connections. Close stops the background reconnect watchers New starts
// implicitly as connections attach.
func New(str store.Store, pool *client.Pool, log logger.Logger) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		str: str, pool: pool, log: log,
		ctx: ctx, cancel: cancel,
		runtimes:       make(map[string]*runtime),
		sendMus:        make(map[string]*sync.Mutex),
		watchedServers: make(map[string]bool),
		serverRecvs:    make(map[string][]string),
	}
}

// Close stops every per-server reconnect watcher. It does not close pooled
// connections, which outlive the Agent's own goroutines.
func (a *Agent) Close() {
	a.cancel()
}

// sendLock serializes envelope construction for connAlias, so agent_msg_id
// assignment (read-then-increment against the store) never races.
func (a *Agent) sendLock(connAlias string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.sendMus[connAlias]
	if !ok {
		m = &sync.Mutex{}
		a.sendMus[connAlias] = m
	}
	return m
}

// sendEnvelope assigns the next agent_msg_id and hash-chain link for
// connAlias's send queue, seals inner inside an SMPMessage envelope, and
// submits it, recording it in the store only once the submit succeeds.
func (a *Agent) sendEnvelope(ctx context.Context, connAlias string, inner wire.Inner) (wire.SMPMessage, error) {
	lock := a.sendLock(connAlias)
	lock.Lock()
	defer lock.Unlock()

	sq, err := a.str.GetSendQueue(ctx, connAlias)
	if err != nil {
		return wire.SMPMessage{}, err
	}
	c, err := a.str.GetConnection(ctx, connAlias)
	if err != nil {
		return wire.SMPMessage{}, err
	}

	env := wire.SMPMessage{
		AgentMsgID:  c.LastSndMsgID + 1,
		AgentTsUnix: time.Now().UTC().Unix(),
		PrevMsgHash: c.PrevSndHash,
		Inner:       inner,
	}
	raw := env.Serialize()
	nextHash := crypto.HashChainNext(c.PrevSndHash, raw)

	sealed, err := crypto.Seal(sq.PeerEncPub, raw)
	if err != nil {
		return wire.SMPMessage{}, err
	}
	conn, err := a.pool.Get(ctx, sq.Server)
	if err != nil {
		return wire.SMPMessage{}, &Error{Kind: "BROKER", Detail: "tcp_connection", Cause: err}
	}
	senderIDBytes, err := wire.DecodeB64URL(sq.SenderID)
	if err != nil {
		return wire.SMPMessage{}, err
	}
	if _, err := conn.SendCommand(ctx, senderIDBytes, sq.SenderPriv, wire.SendCmd{Body: crypto.SerializeSealed(sealed)}); err != nil {
		return wire.SMPMessage{}, &Error{Kind: "BROKER", Detail: "tcp_connection", Cause: err}
	}
	if _, err := a.str.AppendSent(ctx, connAlias, raw, nextHash); err != nil {
		return wire.SMPMessage{}, err
	}
	return env, nil
}

// Send assembles and submits an A_MSG on connAlias's send queue.
func (a *Agent) Send(ctx context.Context, connAlias string, body []byte) error {
	_, err := a.sendEnvelope(ctx, connAlias, wire.AMsg{Body: body})
	return err
}

// Ack issues the recv-queue ACK upstream, confirming delivery of the
// oldest undelivered message: the SMP ACK command carries no message id,
// it simply dequeues the head, so this always follows a client Subscribe
// read rather than naming a specific agent_msg_id to the broker.
func (a *Agent) Ack(ctx context.Context, connAlias string) error {
	recv, err := a.str.GetRecvQueue(ctx, connAlias)
	if err != nil {
		return err
	}
	a.mu.Lock()
	rt, ok := a.runtimes[connAlias]
	a.mu.Unlock()
	if !ok {
		return &Error{Kind: "NO_CONN", Detail: connAlias}
	}
	recipientIDBytes, err := wire.DecodeB64URL(recv.RecipientID)
	if err != nil {
		return err
	}
	if _, err := rt.currentConn().SendCommand(ctx, recipientIDBytes, recv.RecipientPriv, wire.Ack{}); err != nil {
		return &Error{Kind: "BROKER", Detail: "tcp_connection", Cause: err}
	}
	return nil
}

func (a *Agent) newAlias() (string, error) {
	raw, err := wire.NewID()
	if err != nil {
		return "", err
	}
	return wire.EncodeB64URL(raw), nil
}

// NewConn provisions a fresh recv queue and returns its connAlias and the
// invitation string to share out-of-band, per the initiator path.
func (a *Agent) NewConn(ctx context.Context, addr wire.ServerAddress) (connAlias, invitation string, err error) {
	signKP, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return "", "", err
	}
	encKP, err := crypto.GenerateEncryptionKeyPair()
	if err != nil {
		return "", "", err
	}

	conn, err := a.pool.Get(ctx, addr)
	if err != nil {
		return "", "", &Error{Kind: "BROKER", Detail: "tcp_connection", Cause: err}
	}

	pubDER, err := crypto.EncodePublicKey(signKP.Public)
	if err != nil {
		return "", "", err
	}
	resp, err := conn.SendCommand(ctx, nil, signKP.Private, wire.NewQueue{RecvKey: pubDER})
	if err != nil {
		return "", "", &Error{Kind: "BROKER", Detail: "tcp_connection", Cause: err}
	}
	ids, ok := resp.(wire.Ids)
	if !ok {
		return "", "", brokerError(resp)
	}

	connAlias, err = a.newAlias()
	if err != nil {
		return "", "", err
	}
	recipientID := wire.EncodeB64URL(ids.RecipientID)
	senderID := wire.EncodeB64URL(ids.SenderID)

	if err := a.str.CreateConnection(ctx, store.Connection{ConnAlias: connAlias, Status: store.ConnNew}, store.RecvQueue{
		ConnAlias:     connAlias,
		Server:        addr,
		RecipientID:   recipientID,
		RecipientPriv: signKP.Private,
		SenderID:      senderID,
		EncPriv:       encKP.Private,
		Status:        store.ConnNew,
	}); err != nil {
		return "", "", err
	}

	a.attachRuntime(connAlias, recipientID, conn, encKP.Private, addr)
	if _, err := conn.SendCommand(ctx, ids.RecipientID, signKP.Private, wire.Sub{}); err != nil {
		return "", "", &Error{Kind: "BROKER", Detail: "tcp_connection", Cause: err}
	}

	info := wire.QueueInfo{Server: addr, SenderID: ids.SenderID, EncryptionKey: encKP.Public.Bytes()}
	return connAlias, info.Serialize(), nil
}

// JoinConn accepts an invitation, sending a confirmation sealed to the
// inviter's encryption key, per the joiner path.
func (a *Agent) JoinConn(ctx context.Context, invitation string, mode ReplyMode) (connAlias string, err error) {
	info, err := wire.ParseQueueInfo(invitation)
	if err != nil {
		return "", &Error{Kind: "SYNTAX", Detail: "bad_invitation", Cause: err}
	}
	peerEncPub, err := crypto.ParseEncryptionPublicKey(info.EncryptionKey)
	if err != nil {
		return "", &Error{Kind: "SYNTAX", Detail: "bad_invitation", Cause: err}
	}

	conn, err := a.pool.Get(ctx, info.Server)
	if err != nil {
		return "", &Error{Kind: "BROKER", Detail: "tcp_connection", Cause: err}
	}

	senderKP, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return "", err
	}

	connAlias, err = a.newAlias()
	if err != nil {
		return "", err
	}

	recv, status, recvErr := a.provisionReplyQueue(ctx, connAlias, info.Server, mode)
	if recvErr != nil {
		return "", recvErr
	}
	if err := a.str.CreateConnection(ctx, store.Connection{ConnAlias: connAlias, Status: status}, recv); err != nil {
		return "", err
	}
	if mode == ReplyOn {
		replyConn, err := a.pool.Get(ctx, recv.Server)
		if err != nil {
			return "", &Error{Kind: "BROKER", Detail: "tcp_connection", Cause: err}
		}
		a.attachRuntime(connAlias, recv.RecipientID, replyConn, recv.EncPriv, recv.Server)
		if recipientIDBytes, derr := wire.DecodeB64URL(recv.RecipientID); derr == nil {
			if _, err := replyConn.SendCommand(ctx, recipientIDBytes, recv.RecipientPriv, wire.Sub{}); err != nil {
				return "", &Error{Kind: "BROKER", Detail: "tcp_connection", Cause: err}
			}
		}
	}

	if err := a.str.AttachSendQueue(ctx, connAlias, store.SendQueue{
		ConnAlias:  connAlias,
		Server:     info.Server,
		SenderID:   wire.EncodeB64URL(info.SenderID),
		SenderPriv: senderKP.Private,
		PeerEncPub: peerEncPub,
	}); err != nil {
		return "", err
	}

	senderPubDER, err := crypto.EncodePublicKey(senderKP.Public)
	if err != nil {
		return "", err
	}
	conf := wire.SMPConfirmation{SenderVerifyKey: senderPubDER}
	sealed, err := crypto.Seal(peerEncPub, []byte(conf.Serialize()))
	if err != nil {
		return "", err
	}
	if _, err := conn.SendCommand(ctx, info.SenderID, senderKP.Private, wire.SendCmd{Body: crypto.SerializeSealed(sealed)}); err != nil {
		return "", &Error{Kind: "BROKER", Detail: "tcp_connection", Cause: err}
	}

	if _, err := a.sendEnvelope(ctx, connAlias, wire.Hello{VerifyKey: senderPubDER, AckMode: wire.AckModeAuto}); err != nil {
		return "", err
	}
	if mode == ReplyOn {
		replySenderID, err := wire.DecodeB64URL(recv.SenderID)
		if err != nil {
			return "", err
		}
		replyInfo := wire.QueueInfo{Server: recv.Server, SenderID: replySenderID, EncryptionKey: recv.EncPriv.PublicKey().Bytes()}
		if _, err := a.sendEnvelope(ctx, connAlias, wire.Reply{QueueInfo: replyInfo}); err != nil {
			return "", err
		}
	}
	return connAlias, nil
}

// provisionReplyQueue creates the joiner's own recv queue for the reverse
// direction when mode is ReplyOn; for ReplyOff it still returns a queue
// row (disabled, never subscribed) since the store schema requires one.
func (a *Agent) provisionReplyQueue(ctx context.Context, connAlias string, server wire.ServerAddress, mode ReplyMode) (store.RecvQueue, store.ConnStatus, error) {
	signKP, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return store.RecvQueue{}, "", err
	}
	encKP, err := crypto.GenerateEncryptionKeyPair()
	if err != nil {
		return store.RecvQueue{}, "", err
	}

	if mode == ReplyOff {
		return store.RecvQueue{
			ConnAlias:     connAlias,
			Server:        server,
			RecipientPriv: signKP.Private,
			EncPriv:       encKP.Private,
			Status:        store.ConnDisabled,
		}, store.ConnJoined, nil
	}

	conn, err := a.pool.Get(ctx, server)
	if err != nil {
		return store.RecvQueue{}, "", &Error{Kind: "BROKER", Detail: "tcp_connection", Cause: err}
	}
	pubDER, err := crypto.EncodePublicKey(signKP.Public)
	if err != nil {
		return store.RecvQueue{}, "", err
	}
	resp, err := conn.SendCommand(ctx, nil, signKP.Private, wire.NewQueue{RecvKey: pubDER})
	if err != nil {
		return store.RecvQueue{}, "", &Error{Kind: "BROKER", Detail: "tcp_connection", Cause: err}
	}
	ids, ok := resp.(wire.Ids)
	if !ok {
		return store.RecvQueue{}, "", brokerError(resp)
	}
	return store.RecvQueue{
		ConnAlias:     connAlias,
		Server:        server,
		RecipientID:   wire.EncodeB64URL(ids.RecipientID),
		RecipientPriv: signKP.Private,
		SenderID:      wire.EncodeB64URL(ids.SenderID),
		EncPriv:       encKP.Private,
		Status:        store.ConnNew,
	}, store.ConnJoined, nil
}

// attachRuntime wires connAlias's runtime to conn and starts watching addr
// for drops, so the recv queue is re-subscribed (scenario S6) whenever the
// pool redials a fresh connection in conn's place.
func (a *Agent) attachRuntime(connAlias, recipientID string, conn *client.Conn, encPriv *ecdh.PrivateKey, addr wire.ServerAddress) {
	rt := &runtime{conn: conn, recipientID: recipientID, encPriv: encPriv, inbox: make(chan InboundMessage, 32)}
	key := addr.String()
	a.mu.Lock()
	a.runtimes[connAlias] = rt
	a.serverRecvs[key] = append(a.serverRecvs[key], connAlias)
	a.mu.Unlock()

	a.forwardPushes(connAlias, rt, conn, recipientID)
	a.ensureWatcher(addr)
}

// forwardPushes drains conn's push channel for recipientID into rt.inbox,
// exiting when conn itself dies rather than leaking on its now-abandoned
// channel once a reconnect replaces rt.conn.
func (a *Agent) forwardPushes(connAlias string, rt *runtime, conn *client.Conn, recipientID string) {
	pushes := conn.Subscribe(recipientID)
	go func() {
		for {
			select {
			case p, ok := <-pushes:
				if !ok {
					return
				}
				a.handlePush(context.Background(), connAlias, rt, p)
			case <-conn.Done():
				return
			}
		}
	}()
}

// ensureWatcher starts, at most once per server address, a background
// RunReconnecting loop that keeps a pooled Conn for addr alive and calls
// resubscribeServer on every (re)connect.
func (a *Agent) ensureWatcher(addr wire.ServerAddress) {
	key := addr.String()
	a.mu.Lock()
	if a.watchedServers[key] {
		a.mu.Unlock()
		return
	}
	a.watchedServers[key] = true
	a.mu.Unlock()

	go client.RunReconnecting(a.ctx, a.pool, addr, a.log, func(conn *client.Conn) {
		a.resubscribeServer(addr, conn)
	})
}

// resubscribeServer reissues SUB for every locally known recv queue on
// addr once conn becomes current for it. The very first call for a fresh
// connection is a no-op per queue -- attachRuntime already subscribed that
// queue on the same *Conn -- so only actual reconnects do any work.
func (a *Agent) resubscribeServer(addr wire.ServerAddress, conn *client.Conn) {
	key := addr.String()
	a.mu.Lock()
	aliases := append([]string(nil), a.serverRecvs[key]...)
	a.mu.Unlock()

	for _, connAlias := range aliases {
		a.mu.Lock()
		rt, ok := a.runtimes[connAlias]
		a.mu.Unlock()
		if !ok {
			continue
		}

		rt.connMu.Lock()
		alreadyCurrent := rt.conn == conn
		if !alreadyCurrent {
			rt.conn = conn
		}
		rt.connMu.Unlock()
		if alreadyCurrent {
			continue
		}

		recv, err := a.str.GetRecvQueue(a.ctx, connAlias)
		if err != nil || recv.Status == store.ConnDisabled {
			continue
		}
		recipientIDBytes, err := wire.DecodeB64URL(recv.RecipientID)
		if err != nil {
			continue
		}
		if _, err := conn.SendCommand(a.ctx, recipientIDBytes, recv.RecipientPriv, wire.Sub{}); err != nil {
			a.log.Warn("resubscribe failed", logger.String("conn_alias", connAlias), logger.String("server", key), logger.Error(err))
			continue
		}
		a.forwardPushes(connAlias, rt, conn, recv.RecipientID)
		a.log.Info("resubscribed after reconnect", logger.String("conn_alias", connAlias), logger.String("server", key))
	}
}

// Subscribe returns the channel of decrypted inbound application messages
// for connAlias. NewConn/JoinConn(ReplyOn) must have run first.
func (a *Agent) Subscribe(connAlias string) (<-chan InboundMessage, error) {
	a.mu.Lock()
	rt, ok := a.runtimes[connAlias]
	a.mu.Unlock()
	if !ok {
		return nil, &Error{Kind: "NO_CONN", Detail: connAlias}
	}
	return rt.inbox, nil
}

func brokerError(resp wire.ServerCommand) error {
	if e, ok := resp.(wire.ErrCmd); ok {
		return &Error{Kind: "BROKER", Detail: e.Code}
	}
	return &Error{Kind: "BROKER", Detail: "unexpected_response"}
}
