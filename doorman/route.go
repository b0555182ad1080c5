package doorman

import (
	"fmt"
	"net/http"
	"strings"
)

// Major parameters further partition a route's rate limit. Discord only
// treats these three path parameters as major; everything else (message
// IDs, user IDs, ...) shares the bucket for its route.
const (
	majorParamChannelID = "{channel.id}"
	majorParamGuildID   = "{guild.id}"
	majorParamWebhookID = "{webhook.id}"
)

// REST routes used by the bot. Paths are templates relative to the API
// base URL; placeholders are substituted by Route.Compile.
var (
	routeCreateMessage = Route{http.MethodPost, "/channels/{channel.id}/messages"}
	routeCreateDM      = Route{http.MethodPost, "/users/@me/channels"}
	routeGetChannel    = Route{http.MethodGet, "/channels/{channel.id}"}
	routeGetGuild      = Route{http.MethodGet, "/guilds/{guild.id}"}
)

// Route identifies an API endpoint family: HTTP method plus the path
// template, before parameter substitution. Rate limit bucket hashes are
// learned and stored per Route.
type Route struct {
	Method string
	Path   string
}

// Key returns the string used to look up the learned bucket hash for
// this route.
func (r Route) Key() string {
	return r.Method + " " + r.Path
}

func (r Route) String() string {
	return r.Key()
}

// paramCount returns the number of placeholders in the path template.
func (r Route) paramCount() int {
	return strings.Count(r.Path, "{")
}

// Compile substitutes the given values for the path template's
// placeholders, in order, and captures the major parameter value (if the
// template contains one). The number of values must match the number of
// placeholders exactly.
func (r Route) Compile(params ...string) (*CompiledRoute, error) {
	if len(params) != r.paramCount() {
		return nil, fmt.Errorf(
			"route %s requires %d parameters, got %d",
			r, r.paramCount(), len(params),
		)
	}

	compiled := &CompiledRoute{route: r, path: r.Path}
	for _, value := range params {
		start := strings.Index(compiled.path, "{")
		end := strings.Index(compiled.path, "}")
		placeholder := compiled.path[start : end+1]
		switch placeholder {
		case majorParamChannelID, majorParamGuildID, majorParamWebhookID:
			compiled.major = value
		}
		compiled.path = compiled.path[:start] + value + compiled.path[end+1:]
	}
	return compiled, nil
}

// CompiledRoute is a Route with its path parameters resolved. It's
// created per outgoing request and never mutated afterward.
type CompiledRoute struct {
	route Route
	path  string
	major string
}

// Route returns the originating route template.
func (c *CompiledRoute) Route() Route {
	return c.route
}

// Path returns the resolved request path, relative to the API base URL.
func (c *CompiledRoute) Path() string {
	return c.path
}

// MajorParameter returns the resolved major parameter value, or an empty
// string if the route has none.
func (c *CompiledRoute) MajorParameter() string {
	return c.major
}

func (c *CompiledRoute) String() string {
	return c.route.Method + " " + c.path
}
