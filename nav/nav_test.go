package nav

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pwndepot/ctfgate/bus"
)

func TestPrivileged(t *testing.T) {
	l := NewLocation("/admin")
	assert.True(t, l.Privileged())
	assert.True(t, l.IsPrivileged("/admin/users?page=2"))
	assert.False(t, l.IsPrivileged("/administrator"))
	assert.False(t, l.IsPrivileged("/challenges"))

	l = NewLocation("/", WithPrivilegedPrefixes("/ops/", "/admin"))
	assert.True(t, l.IsPrivileged("/ops/ctf"))
	assert.True(t, l.IsPrivileged("/ops"))
}

func TestNavigatePublishes(t *testing.T) {
	b := bus.New()
	var got []bus.RouteChangedPayload
	b.Subscribe(bus.RouteChanged, func(p any) { got = append(got, p.(bus.RouteChangedPayload)) })

	l := NewLocation("/teams", WithBus(b))
	l.Navigate("/teams")
	l.Navigate("/login?reason=account_deleted")

	assert.Equal(t, []bus.RouteChangedPayload{{From: "/teams", To: "/login?reason=account_deleted"}}, got)
	assert.Equal(t, []string{"/login?reason=account_deleted"}, l.History())
}

func TestAtLanding(t *testing.T) {
	l := NewLocation("")
	assert.Equal(t, "/", l.Path())
	assert.True(t, l.AtLanding())

	l.Navigate("/?from=logout")
	assert.True(t, l.AtLanding())

	l = NewLocation("/rankings", WithLanding("/home"))
	assert.False(t, l.AtLanding())
	assert.Equal(t, "/home", l.Landing())
}

func TestVisibility(t *testing.T) {
	l := NewLocation("/")
	assert.True(t, l.Visible())
	l.SetVisible(false)
	assert.False(t, l.Visible())
}
