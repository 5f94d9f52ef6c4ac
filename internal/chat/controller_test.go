package chat_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"assemble-chat-client/internal/api"
	"assemble-chat-client/internal/chat"
	"assemble-chat-client/internal/chattest"
	"assemble-chat-client/internal/eventbus"
	"assemble-chat-client/internal/realtime"
	"assemble-chat-client/internal/typing"
)

type staticToken string

func (s staticToken) Token() string { return string(s) }

type fixture struct {
	srv    *chattest.Server
	sugar  *zap.SugaredLogger
	bus    *eventbus.Bus
	client *api.Client
	alice  api.User
	bob    api.User
	carol  api.User
}

// fastTyping keeps the typing protocol quick enough for tests while staying
// well above scheduling jitter.
var fastTyping = typing.Config{
	IdleTimeout:  50 * time.Millisecond,
	PeerWatchdog: 250 * time.Millisecond,
}

func bootstrap(t *testing.T) *fixture {
	t.Helper()

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	sugar := logger.Sugar()

	srv := chattest.NewServer(t)
	f := &fixture{
		srv:   srv,
		sugar: sugar,
		bus:   eventbus.New(),
		alice: srv.AddUser("alice", "Alice Doe"),
		bob:   srv.AddUser("bob", "Bob Roe"),
		carol: srv.AddUser("carol", "Carol Poe"),
	}
	f.client = api.New(sugar, srv.URL(), staticToken(srv.TokenFor(f.alice)))
	return f
}

func (f *fixture) controller(t *testing.T, opts ...chat.Option) *chat.Controller {
	t.Helper()

	c := chat.New(f.sugar, f.client, f.bus, f.alice.ID, fastTyping, opts...)
	t.Cleanup(c.Close)
	return c
}

// attach dials a live channel as alice and wires it into the controller.
func (f *fixture) attach(t *testing.T, c *chat.Controller) *realtime.Channel {
	t.Helper()

	ch, err := realtime.Dial(context.Background(), f.sugar, f.srv.SocketURL(), f.srv.TokenFor(f.alice))
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	c.AttachChannel(ch)
	return ch
}

// dialAs opens an independent channel for another user, simulating the peer's
// own session.
func (f *fixture) dialAs(t *testing.T, u api.User) *realtime.Channel {
	t.Helper()

	ch, err := realtime.Dial(context.Background(), f.sugar, f.srv.SocketURL(), f.srv.TokenFor(u))
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func typingEvents(events []chattest.Event) []chattest.Event {
	var out []chattest.Event
	for _, e := range events {
		if e.Name == "typing" {
			out = append(out, e)
		}
	}
	return out
}

func countByName(events []chattest.Event, name string) int {
	n := 0
	for _, e := range events {
		if e.Name == name {
			n++
		}
	}
	return n
}

func TestSelectPeerLoadsHistoryOldestFirst(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	f.srv.SeedMessage(f.bob.ID, f.alice.ID, "first", base)
	f.srv.SeedMessage(f.alice.ID, f.bob.ID, "second", base.Add(time.Minute))
	f.srv.SeedMessage(f.bob.ID, f.alice.ID, "third", base.Add(2*time.Minute))

	c := f.controller(t)
	require.Equal(t, chat.StateIdle, c.State())

	require.NoError(t, c.SelectPeer(context.Background(), f.bob.ID))
	require.Equal(t, chat.StateActive, c.State())

	selected, ok := c.Selected()
	require.True(t, ok)
	require.Equal(t, f.bob.ID, selected.ID)

	msgs := c.Messages()
	require.Len(t, msgs, 3)
	require.Equal(t, "first", msgs[0].Content)
	require.Equal(t, "second", msgs[1].Content)
	require.Equal(t, "third", msgs[2].Content)
	require.False(t, msgs[0].IsOwn)
	require.True(t, msgs[1].IsOwn)
}

func TestSelectPeerMarksHistoryReadAndSignals(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	f.srv.SeedMessage(f.bob.ID, f.alice.ID, "unread one", time.Time{})
	f.srv.SeedMessage(f.bob.ID, f.alice.ID, "unread two", time.Time{})
	require.Equal(t, 2, f.srv.UnreadFrom(f.bob.ID, f.alice.ID))

	var reads atomic.Int64
	cancel := f.bus.Subscribe(eventbus.TopicMessageRead, func() { reads.Add(1) })
	t.Cleanup(cancel)

	c := f.controller(t)
	require.NoError(t, c.SelectPeer(context.Background(), f.bob.ID))

	require.Equal(t, 0, f.srv.UnreadFrom(f.bob.ID, f.alice.ID))
	require.GreaterOrEqual(t, reads.Load(), int64(1))
}

func TestStaleHistoryResponseDiscarded(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	f.srv.SeedMessage(f.bob.ID, f.alice.ID, "from bob", time.Time{})
	f.srv.SeedMessage(f.carol.ID, f.alice.ID, "from carol", time.Time{})
	f.srv.DelayHistory(f.bob.ID, 300*time.Millisecond)

	c := f.controller(t)

	var wg sync.WaitGroup
	var slowErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		slowErr = c.SelectPeer(context.Background(), f.bob.ID)
	}()

	require.Eventually(t, func() bool {
		return c.State() == chat.StateLoading
	}, time.Second, 5*time.Millisecond)

	// A faster selection overtakes the delayed fetch.
	require.NoError(t, c.SelectPeer(context.Background(), f.carol.ID))
	wg.Wait()
	require.NoError(t, slowErr)

	selected, ok := c.Selected()
	require.True(t, ok)
	require.Equal(t, f.carol.ID, selected.ID)

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "from carol", msgs[0].Content)
	require.Equal(t, chat.StateActive, c.State())
}

func TestSendMessageRejectsLocally(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	c := f.controller(t)

	require.ErrorIs(t, c.SendMessage(context.Background(), "hello"), chat.ErrNoPeerSelected)

	require.NoError(t, c.SelectPeer(context.Background(), f.bob.ID))
	require.ErrorIs(t, c.SendMessage(context.Background(), ""), chat.ErrEmptyMessage)
	require.ErrorIs(t, c.SendMessage(context.Background(), "   \t\n"), chat.ErrEmptyMessage)

	require.Empty(t, f.srv.Events())
	require.Equal(t, 0, f.srv.UnreadFrom(f.alice.ID, f.bob.ID))
}

func TestSendMessageLiveAppendsEchoExactlyOnce(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	c := f.controller(t)
	f.attach(t, c)

	require.NoError(t, c.SelectPeer(context.Background(), f.bob.ID))
	require.NoError(t, c.SendMessage(context.Background(), "  hi bob  "))

	require.Eventually(t, func() bool {
		return len(c.Messages()) == 1
	}, time.Second, 10*time.Millisecond)

	// No second copy may show up later from any other path.
	time.Sleep(100 * time.Millisecond)
	msgs := c.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "hi bob", msgs[0].Content)
	require.True(t, msgs[0].IsOwn)
	require.Equal(t, f.alice.ID, msgs[0].SenderID)

	require.Equal(t, 1, countByName(f.srv.Events(), "send_message"))
}

func TestSendMessageHTTPFallback(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	c := f.controller(t)

	require.NoError(t, c.SelectPeer(context.Background(), f.bob.ID))
	require.NoError(t, c.SendMessage(context.Background(), "over http"))

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "over http", msgs[0].Content)
	require.True(t, msgs[0].IsOwn)

	// The conversation list is refreshed from the backend after the send.
	conversations := c.Conversations()
	require.Len(t, conversations, 1)
	require.Equal(t, f.bob.ID, conversations[0].User.ID)
	require.Equal(t, "over http", conversations[0].LastMessage.Content)

	require.Empty(t, f.srv.Events(), "nothing may travel over the socket")
}

func TestSendMessageInFlightGuard(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	f.srv.DelaySend(200 * time.Millisecond)

	c := f.controller(t)
	require.NoError(t, c.SelectPeer(context.Background(), f.bob.ID))

	var wg sync.WaitGroup
	var sendErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		sendErr = c.SendMessage(context.Background(), "slow one")
	}()

	require.Eventually(t, c.Sending, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, c.SendMessage(context.Background(), "pile-up"), chat.ErrSendInFlight)

	wg.Wait()
	require.NoError(t, sendErr)
	require.False(t, c.Sending())

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "slow one", msgs[0].Content)
}

func TestIncomingLiveMessageFromSelectedPeer(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	c := f.controller(t)
	f.attach(t, c)

	require.NoError(t, c.SelectPeer(context.Background(), f.bob.ID))

	bobCh := f.dialAs(t, f.bob)
	require.NoError(t, bobCh.JoinRoom(f.bob.ID, f.alice.ID))
	require.NoError(t, bobCh.Send(f.bob.ID, f.alice.ID, "hey alice"))

	require.Eventually(t, func() bool {
		return len(c.Messages()) == 1
	}, time.Second, 10*time.Millisecond)

	msg := c.Messages()[0]
	require.Equal(t, "hey alice", msg.Content)
	require.False(t, msg.IsOwn)
	require.Equal(t, f.bob.ID, msg.SenderID)
}

func TestIncomingMessageFromOtherPeerOnlySignals(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	c := f.controller(t)
	f.attach(t, c)

	require.NoError(t, c.SelectPeer(context.Background(), f.bob.ID))

	var reads atomic.Int64
	cancel := f.bus.Subscribe(eventbus.TopicMessageRead, func() { reads.Add(1) })
	t.Cleanup(cancel)

	f.srv.EmitTo(f.alice.ID, "new_message", map[string]any{
		"id":          int64(901),
		"sender_id":   f.carol.ID,
		"receiver_id": f.alice.ID,
		"content":     "psst",
		"created_at":  time.Now().UTC().Format(time.RFC3339Nano),
	})

	require.Eventually(t, func() bool {
		return reads.Load() >= 1
	}, time.Second, 10*time.Millisecond)

	require.Empty(t, c.Messages(), "another peer's message must not enter the open view")
}

func TestPeerTypingIndicator(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	c := f.controller(t)
	f.attach(t, c)

	require.NoError(t, c.SelectPeer(context.Background(), f.bob.ID))

	bobCh := f.dialAs(t, f.bob)
	require.NoError(t, bobCh.JoinRoom(f.bob.ID, f.alice.ID))

	require.NoError(t, bobCh.SendTyping(f.bob.ID, f.alice.ID, true))
	require.Eventually(t, c.PeerTyping, time.Second, 10*time.Millisecond)

	require.NoError(t, bobCh.SendTyping(f.bob.ID, f.alice.ID, false))
	require.Eventually(t, func() bool {
		return !c.PeerTyping()
	}, time.Second, 10*time.Millisecond)
}

func TestPeerTypingClearsOnWatchdog(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	c := f.controller(t)
	f.attach(t, c)

	require.NoError(t, c.SelectPeer(context.Background(), f.bob.ID))

	bobCh := f.dialAs(t, f.bob)
	require.NoError(t, bobCh.JoinRoom(f.bob.ID, f.alice.ID))
	require.NoError(t, bobCh.SendTyping(f.bob.ID, f.alice.ID, true))

	require.Eventually(t, c.PeerTyping, time.Second, 10*time.Millisecond)

	// No explicit stop arrives; the watchdog clears the flag on its own.
	require.Eventually(t, func() bool {
		return !c.PeerTyping()
	}, time.Second, 10*time.Millisecond)
}

func TestPeerTypingResetsOnSelectionChange(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	c := f.controller(t)
	f.attach(t, c)

	require.NoError(t, c.SelectPeer(context.Background(), f.bob.ID))

	bobCh := f.dialAs(t, f.bob)
	require.NoError(t, bobCh.JoinRoom(f.bob.ID, f.alice.ID))
	require.NoError(t, bobCh.SendTyping(f.bob.ID, f.alice.ID, true))
	require.Eventually(t, c.PeerTyping, time.Second, 10*time.Millisecond)

	require.NoError(t, c.SelectPeer(context.Background(), f.carol.ID))
	require.False(t, c.PeerTyping())
}

func TestKeystrokeBurstEmitsOneTypingCycle(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	c := f.controller(t)
	f.attach(t, c)

	require.NoError(t, c.SelectPeer(context.Background(), f.bob.ID))

	c.Keystroke()
	c.Keystroke()
	c.Keystroke()

	require.Eventually(t, func() bool {
		return len(typingEvents(f.srv.Events())) == 2
	}, time.Second, 10*time.Millisecond)

	signals := typingEvents(f.srv.Events())
	require.True(t, signals[0].IsTyping)
	require.False(t, signals[1].IsTyping)
	require.Equal(t, f.alice.ID, signals[0].UserID)
	require.Equal(t, f.bob.ID, signals[0].PeerID)
}

func TestKeystrokeWithoutChannelIsSilent(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	c := f.controller(t)

	require.NoError(t, c.SelectPeer(context.Background(), f.bob.ID))
	c.Keystroke()

	time.Sleep(3 * fastTyping.IdleTimeout)
	require.Empty(t, f.srv.Events())
}

func TestSearchPeers(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	c := f.controller(t)

	users, err := c.SearchPeers(context.Background(), "aro")
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, f.carol.ID, users[0].ID)

	users, err = c.SearchPeers(context.Background(), "   ")
	require.NoError(t, err)
	require.Nil(t, users)
}

func TestSelectUserFromSearchResult(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	c := f.controller(t)

	users, err := c.SearchPeers(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, users, 1)

	require.NoError(t, c.SelectUser(context.Background(), users[0]))
	require.Equal(t, chat.StateActive, c.State())

	selected, ok := c.Selected()
	require.True(t, ok)
	require.Equal(t, f.bob.ID, selected.ID)
	require.Empty(t, c.Messages(), "a fresh conversation starts blank")
}

func TestCloseLeavesRoomAndReleasesChannel(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	c := f.controller(t)
	ch := f.attach(t, c)

	require.NoError(t, c.SelectPeer(context.Background(), f.bob.ID))

	c.Close()
	c.Close() // idempotent

	require.True(t, ch.Closed())
	require.Equal(t, chat.StateIdle, c.State())
	_, ok := c.Selected()
	require.False(t, ok)

	require.Eventually(t, func() bool {
		events := f.srv.Events()
		return len(events) == 2 && events[1].Name == "leave_chat"
	}, time.Second, 10*time.Millisecond)
}
