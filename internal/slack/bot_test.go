package slack

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	goslack "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/keshon/textcmd/pkg/chat"
	"github.com/keshon/textcmd/pkg/retrylimit"
)

type MockSession struct {
	mock.Mock
}

func (m *MockSession) AuthTestContext(ctx context.Context) (*goslack.AuthTestResponse, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*goslack.AuthTestResponse), args.Error(1)
}

func (m *MockSession) PostMessageContext(ctx context.Context, channelID string, options ...goslack.MsgOption) (string, string, error) {
	args := m.Called(ctx, channelID)
	return args.String(0), args.String(1), args.Error(2)
}

func (m *MockSession) GetUserInfoContext(ctx context.Context, user string) (*goslack.User, error) {
	args := m.Called(ctx, user)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*goslack.User), args.Error(1)
}

func (m *MockSession) GetUsersContext(ctx context.Context, options ...goslack.GetUsersOption) ([]goslack.User, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]goslack.User), args.Error(1)
}

func (m *MockSession) OpenConversationContext(ctx context.Context, params *goslack.OpenConversationParameters) (*goslack.Channel, bool, bool, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, false, false, args.Error(3)
	}
	return args.Get(0).(*goslack.Channel), args.Bool(1), args.Bool(2), args.Error(3)
}

type fakeSocket struct {
	events chan socketmode.Event
	acked  chan socketmode.Request
	runErr error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{events: make(chan socketmode.Event, 4), acked: make(chan socketmode.Request, 4)}
}

func (f *fakeSocket) RunContext(ctx context.Context) error {
	if f.runErr != nil {
		return f.runErr
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeSocket) Ack(req socketmode.Request, _ ...any) { f.acked <- req }

func (f *fakeSocket) Events() <-chan socketmode.Event { return f.events }

func messageEvent(ev *slackevents.MessageEvent) socketmode.Event {
	return socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			InnerEvent: slackevents.EventsAPIInnerEvent{Data: ev},
		},
		Request: &socketmode.Request{EnvelopeID: ev.TimeStamp},
	}
}

type BotSuite struct {
	suite.Suite
	session *MockSession
	socket  *fakeSocket
	bot     *Bot
}

func TestBotSuite(t *testing.T) {
	suite.Run(t, new(BotSuite))
}

func (s *BotSuite) SetupTest() {
	s.session = new(MockSession)
	s.socket = newFakeSocket()
	s.bot = New(s.session, s.socket, zerolog.Nop())
	s.bot.limiter = nil
	s.bot.policy.BaseDelay = time.Millisecond
	s.bot.policy.Jitter = false
}

func (s *BotSuite) TestRunDeliversMessages() {
	s.session.On("AuthTestContext", mock.Anything).Return(&goslack.AuthTestResponse{UserID: "UBOT", TeamID: "T1"}, nil)

	got := make(chan *chat.Message, 2)
	s.bot.OnMessage(func(_ context.Context, msg *chat.Message) { got <- msg })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.bot.Run(ctx) }()

	s.socket.events <- messageEvent(&slackevents.MessageEvent{SubType: "message_changed", TimeStamp: "1.0"})
	s.socket.events <- messageEvent(&slackevents.MessageEvent{
		User: "U1", Text: "!ping", Channel: "C1", ChannelType: "channel", TimeStamp: "1700000000.000100",
	})

	msg := <-got
	require.Equal(s.T(), "!ping", msg.Content)
	require.Equal(s.T(), "T1", msg.GuildID)
	require.Equal(s.T(), chat.ChannelGuildText, msg.ChannelType)
	require.Equal(s.T(), "C1", msg.ChannelID())
	require.Equal(s.T(), int64(1700000000), msg.Timestamp.Unix())
	require.Equal(s.T(), []string{"<@UBOT>"}, s.bot.SelfMentions())

	cancel()
	require.NoError(s.T(), <-done)
	require.Len(s.T(), s.socket.acked, 2)
	require.Empty(s.T(), got)
}

func (s *BotSuite) TestRunAuthFailure() {
	s.session.On("AuthTestContext", mock.Anything).Return(nil, errors.New("invalid_auth"))
	require.ErrorContains(s.T(), s.bot.Run(context.Background()), "slack auth test")
}

func (s *BotSuite) TestRunSocketFailure() {
	s.session.On("AuthTestContext", mock.Anything).Return(&goslack.AuthTestResponse{UserID: "UBOT"}, nil)
	s.socket.runErr = errors.New("dial failed")
	require.ErrorContains(s.T(), s.bot.Run(context.Background()), "dial failed")
}

func (s *BotSuite) TestDirectMessageHasNoGuild() {
	msg := s.bot.convertMessage(&slackevents.MessageEvent{User: "U1", Channel: "D1", ChannelType: "im", TimeStamp: "5.0"})
	require.Equal(s.T(), chat.ChannelDirect, msg.ChannelType)
	require.Empty(s.T(), msg.GuildID)
	require.Nil(s.T(), msg.Member)
}

func (s *BotSuite) TestSendRetriesRateLimit() {
	s.session.On("PostMessageContext", mock.Anything, "C1").
		Return("", "", &goslack.RateLimitedError{RetryAfter: time.Millisecond}).Once()
	s.session.On("PostMessageContext", mock.Anything, "C1").Return("C1", "1.0", nil).Once()

	require.NoError(s.T(), s.bot.channel("C1").Send(context.Background(), "hello"))
	s.session.AssertNumberOfCalls(s.T(), "PostMessageContext", 2)
}

func (s *BotSuite) TestSendStopsOnAPIError() {
	s.session.On("PostMessageContext", mock.Anything, "C1").
		Return("", "", goslack.SlackErrorResponse{Err: "channel_not_found"})

	err := s.bot.channel("C1").Send(context.Background(), "hello")
	var fatal *retrylimit.FatalError
	require.ErrorAs(s.T(), err, &fatal)
	s.session.AssertNumberOfCalls(s.T(), "PostMessageContext", 1)
}

func (s *BotSuite) TestDirectory() {
	ctx := context.Background()
	u := goslack.User{ID: "U1", Name: "annie"}
	u.Profile.DisplayName = "Ann"
	s.session.On("GetUserInfoContext", ctx, "U1").Return(&u, nil)
	s.session.On("GetUserInfoContext", ctx, "U9").Return(nil, errors.New("user_not_found"))
	s.session.On("GetUsersContext", ctx).Return([]goslack.User{u, {ID: "U2", Name: "gone", Deleted: true}}, nil)

	m, err := s.bot.Member(ctx, "T1", "U1")
	require.NoError(s.T(), err)
	require.Equal(s.T(), "Ann", m.DisplayName())

	_, err = s.bot.User(ctx, "U9")
	require.ErrorIs(s.T(), err, chat.ErrNotFound)

	users, err := s.bot.Users(ctx)
	require.NoError(s.T(), err)
	require.Len(s.T(), users, 1)
	require.Equal(s.T(), "annie", users[0].Tag)
}

func (s *BotSuite) TestDirectChannel() {
	s.session.On("OpenConversationContext", mock.Anything, mock.MatchedBy(func(p *goslack.OpenConversationParameters) bool {
		return len(p.Users) == 1 && p.Users[0] == "U1"
	})).Return(&goslack.Channel{GroupConversation: goslack.GroupConversation{Conversation: goslack.Conversation{ID: "D1"}}}, false, false, nil)

	ch, err := s.bot.DirectChannel(context.Background(), "U1")
	require.NoError(s.T(), err)
	require.Equal(s.T(), "D1", ch.ID())
}
