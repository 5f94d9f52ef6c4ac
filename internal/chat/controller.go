// Package chat holds the conversation controller: the single authoritative
// in-memory view of conversations, the selected peer and the message list.
// It arbitrates between the real-time channel and the HTTP fallback and
// raises the cross-component read signal that keeps unread badges honest.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"assemble-chat-client/internal/api"
	"assemble-chat-client/internal/eventbus"
	"assemble-chat-client/internal/realtime"
	"assemble-chat-client/internal/typing"
)

// State is the controller's view lifecycle.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateActive
)

// Local rejections. None of these reach the network.
var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNoPeerSelected = errors.New("no peer selected")
	ErrSendInFlight   = errors.New("a send is already in flight")
)

const defaultHistoryPageSize = 50

// Controller owns the chat view state. All mutations go through its
// operations; the message and conversation lists are never written by any
// other component.
type Controller struct {
	logger   *zap.SugaredLogger
	api      *api.Client
	bus      *eventbus.Bus
	selfID   int64
	pageSize int
	onUpdate func()

	selfTyping *typing.SelfIndicator
	peerTyping *typing.PeerIndicator

	mu            sync.Mutex
	state         State
	channel       *realtime.Channel
	conversations []api.Conversation
	selected      *api.User
	messages      []api.Message
	selectSeq     uint64
	sending       bool
	closed        bool
}

// New builds a Controller for the user identified by selfID.
func New(logger *zap.SugaredLogger, client *api.Client, bus *eventbus.Bus, selfID int64, cfg typing.Config, opts ...Option) *Controller {
	c := &Controller{
		logger:   logger,
		api:      client,
		bus:      bus,
		selfID:   selfID,
		pageSize: defaultHistoryPageSize,
	}

	c.selfTyping = typing.NewSelfIndicator(cfg, c.emitTyping)
	c.peerTyping = typing.NewPeerIndicator(cfg, func(bool) { c.notifyUpdate() })

	for _, opt := range opts {
		opt.apply(c)
	}

	return c
}

// AttachChannel wires a live channel into the controller. With no channel
// attached (or after the channel dies) every send degrades to HTTP.
func (c *Controller) AttachChannel(ch *realtime.Channel) {
	ch.OnMessage(c.handleMessage)
	ch.OnTyping(c.handleTyping)

	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()
}

// LoadConversations replaces the conversation list with the backend's view.
func (c *Controller) LoadConversations(ctx context.Context) error {
	conversations, err := c.api.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("loading conversations: %w", err)
	}

	c.mu.Lock()
	c.conversations = conversations
	c.mu.Unlock()

	c.notifyUpdate()
	return nil
}

// SelectPeer selects a conversation partner by id, resolving the profile
// remotely when the id is not among the loaded conversations.
func (c *Controller) SelectPeer(ctx context.Context, peerID int64) error {
	c.mu.Lock()
	var known *api.User
	for i := range c.conversations {
		if c.conversations[i].User.ID == peerID {
			u := c.conversations[i].User
			known = &u
			break
		}
	}
	c.mu.Unlock()

	if known == nil {
		user, err := c.api.UserByID(ctx, peerID)
		if err != nil {
			return fmt.Errorf("resolving peer %d: %w", peerID, err)
		}
		known = &user
	}

	return c.selectUser(ctx, *known)
}

// SelectUser selects a known profile directly, e.g. a search result.
func (c *Controller) SelectUser(ctx context.Context, user api.User) error {
	return c.selectUser(ctx, user)
}

func (c *Controller) selectUser(ctx context.Context, user api.User) error {
	c.mu.Lock()
	c.selectSeq++
	seq := c.selectSeq
	c.selected = &user
	c.messages = nil
	c.state = StateLoading
	ch := c.liveChannelLocked()
	c.mu.Unlock()

	// The old room's typing state is meaningless for the new peer.
	c.selfTyping.Reset()
	c.peerTyping.Reset()

	if ch != nil {
		// JoinRoom emits leave_chat for the previous room first.
		if err := ch.JoinRoom(c.selfID, user.ID); err != nil {
			c.logger.Debugw("room join failed", "peer_id", user.ID, "error", err)
		}
	}

	c.notifyUpdate()

	messages, _, err := c.api.Messages(ctx, user.ID, 1, c.pageSize)

	c.mu.Lock()
	if c.selectSeq != seq {
		// The selection moved on while this fetch was in flight.
		c.mu.Unlock()
		c.logger.Debugw("discarding stale history response", "peer_id", user.ID)
		return nil
	}
	if err != nil {
		c.state = StateActive
		c.mu.Unlock()
		return fmt.Errorf("loading history with %d: %w", user.ID, err)
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt.Time)
	})
	c.messages = messages
	c.state = StateActive
	c.mu.Unlock()

	// The fetch marked the peer's messages read on the backend; let badge
	// listeners re-derive their counts.
	c.bus.Publish(eventbus.TopicMessageRead)
	c.notifyUpdate()
	return nil
}

// SendMessage sends trimmed content to the selected peer, preferring the
// live channel. On the live path the message is appended only when its echo
// arrives; the HTTP fallback appends the backend's response directly.
func (c *Controller) SendMessage(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	if c.selected == nil {
		c.mu.Unlock()
		return ErrNoPeerSelected
	}
	if c.sending {
		c.mu.Unlock()
		return ErrSendInFlight
	}
	c.sending = true
	peer := *c.selected
	ch := c.liveChannelLocked()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.sending = false
		c.mu.Unlock()
	}()

	if ch != nil {
		if err := ch.Send(c.selfID, peer.ID, content); err != nil {
			c.logger.Debugw("live send failed, using http fallback", "error", err)
			ch = nil
		}
	}

	if ch == nil {
		msg, err := c.api.SendMessage(ctx, peer.ID, content)
		if err != nil {
			return fmt.Errorf("sending message: %w", err)
		}
		msg.IsOwn = true

		c.mu.Lock()
		if c.selected != nil && c.selected.ID == peer.ID {
			c.appendLocked(msg)
		}
		c.mu.Unlock()
		c.notifyUpdate()
	}

	// Refresh ordering and unread counts regardless of transport.
	if err := c.LoadConversations(ctx); err != nil {
		c.logger.Debugw("conversation refresh after send failed", "error", err)
	}

	return nil
}

// SearchPeers looks up users by query. A blank query clears the results
// without touching the network.
func (c *Controller) SearchPeers(ctx context.Context, query string) ([]api.User, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	users, err := c.api.SearchUsers(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("searching users: %w", err)
	}
	return users, nil
}

// Keystroke records local input activity, driving the typing protocol. It
// only matters while a peer is selected and the live channel is up.
func (c *Controller) Keystroke() {
	c.mu.Lock()
	live := c.liveChannelLocked() != nil && c.selected != nil
	c.mu.Unlock()

	if live {
		c.selfTyping.Keystroke()
	}
}

// Close releases the view: leaves the current room, tears the channel down
// and clears all ephemeral state. Subsequent calls are no-ops.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ch := c.channel
	selected := c.selected
	c.channel = nil
	c.selected = nil
	c.messages = nil
	c.state = StateIdle
	c.mu.Unlock()

	c.selfTyping.Reset()
	c.peerTyping.Reset()

	if ch != nil {
		if selected != nil {
			ch.LeaveRoom(c.selfID, selected.ID)
		}
		ch.Close()
	}
}

// State returns the view lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Selected returns the selected peer, if any.
func (c *Controller) Selected() (api.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == nil {
		return api.User{}, false
	}
	return *c.selected, true
}

// Conversations returns a copy of the conversation list.
func (c *Controller) Conversations() []api.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]api.Conversation, len(c.conversations))
	copy(out, c.conversations)
	return out
}

// Messages returns a copy of the current message list.
func (c *Controller) Messages() []api.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]api.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// PeerTyping reports whether the selected peer is typing.
func (c *Controller) PeerTyping() bool {
	return c.peerTyping.Typing()
}

// Sending reports whether a send is in flight.
func (c *Controller) Sending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sending
}

// handleMessage consumes every message the channel delivers, own echoes
// included. Ownership is derived here: the channel does not know whose
// session it serves.
func (c *Controller) handleMessage(msg api.Message) {
	msg.IsOwn = msg.SenderID == c.selfID

	c.mu.Lock()
	if c.selected != nil &&
		(msg.SenderID == c.selected.ID || (msg.IsOwn && msg.ReceiverID == c.selected.ID)) {
		c.appendLocked(msg)
	}
	c.mu.Unlock()

	// Arrival changes unread counts; badges re-fetch theirs.
	c.bus.Publish(eventbus.TopicMessageRead)
	c.notifyUpdate()
}

func (c *Controller) handleTyping(signal realtime.TypingSignal) {
	if signal.UserID == c.selfID {
		return
	}

	c.mu.Lock()
	fromPeer := c.selected != nil && c.selected.ID == signal.UserID
	c.mu.Unlock()

	if fromPeer {
		c.peerTyping.Observe(signal.IsTyping)
	}
}

// appendLocked adds a message unless the list already holds its id. The echo
// of an own live send and a history overlap both dedupe here.
func (c *Controller) appendLocked(msg api.Message) {
	for i := range c.messages {
		if c.messages[i].ID == msg.ID {
			return
		}
	}
	c.messages = append(c.messages, msg)
}

// liveChannelLocked returns the channel only while it is usable.
func (c *Controller) liveChannelLocked() *realtime.Channel {
	if c.channel == nil || c.channel.Closed() {
		return nil
	}
	return c.channel
}

func (c *Controller) emitTyping(isTyping bool) {
	c.mu.Lock()
	ch := c.liveChannelLocked()
	var peerID int64
	if c.selected != nil {
		peerID = c.selected.ID
	}
	c.mu.Unlock()

	if ch == nil || peerID == 0 {
		return
	}
	if err := ch.SendTyping(c.selfID, peerID, isTyping); err != nil {
		c.logger.Debugw("typing signal failed", "error", err)
	}
}

func (c *Controller) notifyUpdate() {
	if c.onUpdate != nil {
		c.onUpdate()
	}
}
