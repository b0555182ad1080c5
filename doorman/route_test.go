package doorman

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteCompile(t *testing.T) {
	compiled, err := routeCreateMessage.Compile("12345")
	require.NoError(t, err)

	assert.Equal(t, "/channels/12345/messages", compiled.Path())
	assert.Equal(t, "12345", compiled.MajorParameter())
	assert.Equal(t, routeCreateMessage, compiled.Route())
	assert.Equal(t, "POST /channels/12345/messages", compiled.String())
}

func TestRouteCompileNoParams(t *testing.T) {
	compiled, err := routeCreateDM.Compile()
	require.NoError(t, err)
	assert.Equal(t, "/users/@me/channels", compiled.Path())
	assert.Equal(t, "", compiled.MajorParameter())
}

func TestRouteCompileParamCountMismatch(t *testing.T) {
	_, err := routeCreateMessage.Compile()
	assert.Error(t, err)

	_, err = routeCreateMessage.Compile("1", "2")
	assert.Error(t, err)
}

func TestRouteCompileNonMajorParameter(t *testing.T) {
	route := Route{http.MethodDelete, "/channels/{channel.id}/messages/{message.id}"}
	compiled, err := route.Compile("111", "222")
	require.NoError(t, err)

	assert.Equal(t, "/channels/111/messages/222", compiled.Path())
	// Only the channel ID is a major parameter; the message ID isn't.
	assert.Equal(t, "111", compiled.MajorParameter())
}

func TestRouteKey(t *testing.T) {
	assert.Equal(
		t,
		"POST /channels/{channel.id}/messages",
		routeCreateMessage.Key(),
	)

	// Same path, different methods, are distinct routes.
	get := Route{http.MethodGet, "/channels/{channel.id}"}
	del := Route{http.MethodDelete, "/channels/{channel.id}"}
	assert.NotEqual(t, get.Key(), del.Key())
}
