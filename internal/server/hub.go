package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BioHazard786/warpcall/internal/signaling"
)

// Inbound is a message read from a client, with the outcome of access
// validation when it is a join.
type Inbound struct {
	Client    *Client
	Message   *signaling.Message
	Access    Access
	AccessErr error
}

// Hub is the central brain of the signaling server.
// It manages all active rooms and clients.
type Hub struct {
	// rooms maps lesson IDs to Room instances.
	rooms map[string]*Room

	// clients tracks registered connections so removal happens once.
	clients map[*Client]struct{}

	// Register is a channel for registering new clients.
	Register chan *Client

	// Unregister is a channel for unregistering clients.
	Unregister chan *Client

	// Inbound carries client messages to the hub.
	Inbound chan *Inbound

	access        AccessValidator
	accessTimeout time.Duration
	metrics       *Metrics
	log           *zap.Logger
	now           func() time.Time

	// slow collects clients whose send buffer overflowed while handling
	// the current event.
	slow []*Client
	done chan struct{}
}

// NewHub creates a new Hub instance.
func NewHub(access AccessValidator, metrics *Metrics, log *zap.Logger) *Hub {
	if access == nil {
		access = OpenAccess{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		rooms:         make(map[string]*Room),
		clients:       make(map[*Client]struct{}),
		Register:      make(chan *Client),
		Unregister:    make(chan *Client),
		Inbound:       make(chan *Inbound, 64),
		access:        access,
		accessTimeout: 5 * time.Second,
		metrics:       metrics,
		log:           log.Named("hub"),
		now:           time.Now,
		done:          make(chan struct{}),
	}
}

// Run starts the hub's main processing loop.
// This is the single goroutine that owns every room, which makes the
// capacity check and the slot release atomic with respect to each other.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case client := <-h.Register:
			h.clients[client] = struct{}{}
			h.log.Debug("client registered", zap.String("addr", client.Addr))

		case client := <-h.Unregister:
			h.remove(client, leftDisconnect)

		case in := <-h.Inbound:
			if _, ok := h.clients[in.Client]; !ok {
				continue
			}
			h.handle(in)

		case <-ctx.Done():
			for client := range h.clients {
				h.remove(client, leftDisconnect)
			}
			return
		}

		for len(h.slow) > 0 {
			client := h.slow[0]
			h.slow = h.slow[1:]
			h.log.Warn("dropping slow client", zap.String("addr", client.Addr))
			h.remove(client, leftSlow)
		}
	}
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Dispatch validates access for joins and hands the message to the hub. It
// is what ReadPump calls for every frame and what in-process clients use.
func (h *Hub) Dispatch(ctx context.Context, c *Client, msg *signaling.Message) bool {
	in := &Inbound{Client: c, Message: msg}

	if msg.Type == signaling.MessageTypeJoin {
		var p signaling.JoinPayload
		if err := msg.Decode(&p); err == nil {
			vctx, cancel := context.WithTimeout(ctx, h.accessTimeout)
			in.Access, in.AccessErr = h.access.ValidateAccess(vctx, msg.RoomID, p.Credential)
			cancel()
		}
	}

	select {
	case h.Inbound <- in:
		return true
	case <-h.done:
		return false
	}
}

// Attach registers an in-process client. Returns false if the hub stopped.
func (h *Hub) Attach(c *Client) bool {
	select {
	case h.Register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Detach unregisters a client. Safe to call more than once.
func (h *Hub) Detach(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) handle(in *Inbound) {
	c, msg := in.Client, in.Message

	switch {
	case msg.Type == signaling.MessageTypeJoin:
		h.join(in)

	case msg.Type == signaling.MessageTypeLeave:
		h.leave(c, leftExplicit)

	case msg.IsRelay():
		h.relay(c, msg)

	default:
		h.fail(c, signaling.CodeBadRequest, "unknown message type "+msg.Type)
	}
}

func (h *Hub) join(in *Inbound) {
	c, msg := in.Client, in.Message

	if c.roomID != "" {
		h.fail(c, signaling.CodeAlreadyJoined, "already joined room "+c.roomID)
		return
	}

	var p signaling.JoinPayload
	if err := msg.Decode(&p); err != nil || msg.RoomID == "" || msg.PeerID == "" {
		h.metrics.Joins.WithLabelValues(joinInvalid).Inc()
		h.fail(c, signaling.CodeBadRequest, "join needs room_id, peer_id and a credential")
		return
	}

	if in.AccessErr != nil {
		h.metrics.Joins.WithLabelValues(joinDenied).Inc()
		h.log.Info("join denied", zap.String("room", msg.RoomID), zap.Error(in.AccessErr))
		h.fail(c, signaling.CodeAccessDenied, in.AccessErr.Error())
		return
	}

	room, ok := h.rooms[msg.RoomID]
	if ok && room.Full() {
		// Only the requester hears about it; the pair inside is untouched.
		h.metrics.Joins.WithLabelValues(joinRoomFull).Inc()
		h.log.Info("room full", zap.String("room", msg.RoomID), zap.String("peer", msg.PeerID))
		h.send(c, &signaling.Message{Type: signaling.MessageTypeRoomFull, RoomID: msg.RoomID})
		return
	}
	if ok && room.Has(msg.PeerID) {
		h.metrics.Joins.WithLabelValues(joinInvalid).Inc()
		h.fail(c, signaling.CodeBadRequest, "peer id already present in room")
		return
	}

	// A granted role is binding; a role the client picked yields to the
	// occupant that holds it.
	role := in.Access.Role
	granted := role != ""
	if !granted {
		role = p.Role
	}
	if !role.Valid() {
		role = signaling.RoleGuest
	}
	if ok && room.RoleTaken(role) {
		if granted {
			h.metrics.Joins.WithLabelValues(joinDenied).Inc()
			h.log.Info("role taken", zap.String("room", msg.RoomID), zap.String("role", string(role)))
			h.fail(c, signaling.CodeRoleTaken, "the "+string(role)+" seat is taken")
			return
		}
		role = counterpart(role)
	}

	if !ok {
		room = &Room{ID: msg.RoomID}
		h.rooms[room.ID] = room
		h.metrics.Rooms.Inc()
	}

	peer := &Peer{
		ID:       msg.PeerID,
		Role:     role,
		Label:    in.Access.Label,
		JoinedAt: h.now(),
		client:   c,
	}
	existing := room.Infos()
	room.Add(peer)
	c.roomID = room.ID

	h.metrics.Joins.WithLabelValues(joinAccepted).Inc()
	h.metrics.Peers.Inc()
	h.log.Info("peer joined",
		zap.String("room", room.ID),
		zap.String("peer", peer.ID),
		zap.String("role", string(peer.Role)),
		zap.Int("occupants", len(room.Peers)))

	joined, _ := signaling.NewMessage(signaling.MessageTypeJoined, signaling.JoinedPayload{
		Self:  peer.Info(),
		Peers: existing,
	})
	joined.RoomID = room.ID
	h.send(c, joined)

	announce, _ := signaling.NewMessage(signaling.MessageTypePeerJoined, peer.Info())
	announce.RoomID = room.ID
	for _, other := range room.Others(c) {
		h.send(other.client, addressed(announce, other.ID))
	}
}

// leave frees the client's slot and tells whoever remains.
func (h *Hub) leave(c *Client, reason string) {
	if c.roomID == "" {
		return
	}

	room, ok := h.rooms[c.roomID]
	c.roomID = ""
	if !ok {
		return
	}

	peer := room.Remove(c)
	if peer == nil {
		return
	}

	h.metrics.Peers.Dec()
	h.metrics.Departures.WithLabelValues(reason).Inc()
	h.log.Info("peer left",
		zap.String("room", room.ID),
		zap.String("peer", peer.ID),
		zap.String("reason", reason))

	if room.Empty() {
		delete(h.rooms, room.ID)
		h.metrics.Rooms.Dec()
		h.log.Debug("room deleted", zap.String("room", room.ID))
		return
	}

	left, _ := signaling.NewMessage(signaling.MessageTypePeerLeft, peer.Info())
	left.RoomID = room.ID
	for _, other := range room.Others(c) {
		h.send(other.client, addressed(left, other.ID))
	}
}

func (h *Hub) relay(c *Client, msg *signaling.Message) {
	if c.roomID == "" {
		h.fail(c, signaling.CodeNotInRoom, "join a room before signaling")
		return
	}
	room := h.rooms[c.roomID]

	var from *Peer
	for _, p := range room.Peers {
		if p.client == c {
			from = p
		}
	}

	out := &signaling.Message{
		Type:    msg.Type,
		RoomID:  room.ID,
		PeerID:  from.ID,
		Payload: msg.Payload,
	}
	for _, other := range room.Others(c) {
		h.send(other.client, addressed(out, other.ID))
		h.metrics.Relayed.WithLabelValues(msg.Type).Inc()
	}
}

func counterpart(r signaling.Role) signaling.Role {
	if r == signaling.RoleHost {
		return signaling.RoleGuest
	}
	return signaling.RoleHost
}

// addressed returns a copy of msg stamped with the recipient's peer id.
func addressed(msg *signaling.Message, to string) *signaling.Message {
	out := *msg
	out.To = to
	return &out
}

// remove unregisters a client, releasing its slot first.
func (h *Hub) remove(c *Client, reason string) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.leave(c, reason)
	close(c.Send)
	h.log.Debug("client unregistered", zap.String("addr", c.Addr))
}

// send never blocks the hub. A client that cannot keep up is dropped after
// the current event.
func (h *Hub) send(c *Client, msg *signaling.Message) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.Send <- msg:
	default:
		h.slow = append(h.slow, c)
	}
}

func (h *Hub) fail(c *Client, code, message string) {
	msg, _ := signaling.NewMessage(signaling.MessageTypeError, signaling.ErrorPayload{
		Code:    code,
		Message: message,
	})
	h.send(c, msg)
}
