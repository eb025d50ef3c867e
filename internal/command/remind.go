package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/keshon/textcmd/pkg/args"
	"github.com/keshon/textcmd/pkg/chat"
	"github.com/keshon/textcmd/pkg/cmd"
	"github.com/keshon/textcmd/pkg/cooldown"
)

const (
	minRemind = time.Second
	maxRemind = 7 * 24 * time.Hour
)

// reminders holds pending reminder timers. They live in memory only and are
// lost on restart.
type reminders struct {
	log zerolog.Logger

	mu      sync.Mutex
	stopped bool
	timers  map[string]*time.Timer
}

func newReminders(log zerolog.Logger) *reminders {
	return &reminders{log: log, timers: make(map[string]*time.Timer)}
}

func (r *reminders) schedule(id string, after time.Duration, ch chat.Channel, content string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.timers[id] = time.AfterFunc(after, func() {
		r.mu.Lock()
		delete(r.timers, id)
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := ch.Send(ctx, content); err != nil {
			r.log.Warn().Err(err).Str("reminder", id).Str("channel_id", ch.ID()).Msg("failed to send reminder")
		}
	})
	return true
}

func (r *reminders) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

func (r *reminders) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

func (m *Module) remindCommand(cd *cooldown.Cooldown) *cmd.Command {
	return &cmd.Command{
		ID:          "remind",
		Aliases:     []string{"remindme"},
		Description: "Get a reminder in this channel after a while",
		Usage:       "remind <in> <text>",
		Category:    CategoryUtility,
		Cooldown:    cd,
		Arguments: []args.Definition{
			{
				Key:     "in",
				Prompt:  "When should I remind you? (e.g. `10m`, `1h30m`, `2 days`)",
				Correct: "That is not a duration between 1 second and 7 days.",
				Types:   []args.TypeRef{args.T("duration")},
				Range:   args.DurationBetween(minRemind, maxRemind),
			},
			{
				Key:      "text",
				Prompt:   "What should I remind you about?",
				Infinite: true,
				Range:    args.Between(1, 1000),
			},
		},
		Exec: func(ctx context.Context, call *cmd.Call) (any, error) {
			in := call.Args.Duration("in")
			text := call.Args.String("text")
			author := call.Message.Author

			content := fmt.Sprintf("<@%s> reminder: %s", author.ID, text)
			if !m.reminders.schedule(call.ID, in, call.Message.Channel, content) {
				return nil, fmt.Errorf("reminders are shut down")
			}
			now := m.now()
			at := now.Add(in)
			call.Log.Debug().Dur("in", in).Time("at", at).Msg("reminder scheduled")
			return at, call.Reply(ctx, fmt.Sprintf("Okay %s, I'll remind you %s.", author.Username, humanize.RelTime(at, now, "ago", "from now")))
		},
	}
}
