package args

import (
	"time"

	"github.com/keshon/textcmd/pkg/chat"
)

// Values holds resolved arguments by definition key.
type Values map[string]any

// Has reports whether key resolved to a non-nil value.
func (v Values) Has(key string) bool { return v[key] != nil }

func (v Values) String(key string) string {
	s, _ := v[key].(string)
	return s
}

func (v Values) Int(key string) int {
	n, _ := v[key].(int)
	return n
}

func (v Values) Duration(key string) time.Duration {
	d, _ := v[key].(time.Duration)
	return d
}

func (v Values) Member(key string) *chat.Member {
	m, _ := v[key].(*chat.Member)
	return m
}

func (v Values) User(key string) *chat.User {
	u, _ := v[key].(*chat.User)
	return u
}
