// Package router resolves free-text operator messages to the swarms they
// address.
package router

import (
	"errors"
	"strings"

	"github.com/mtzanidakis/clawreform/internal/swarm"
)

var (
	ErrNoSwarm      = errors.New("message does not name a swarm; prefix it with @<swarm>")
	ErrNoLiveSwarms = errors.New("no live swarms")
	ErrEmpty        = errors.New("message is empty")
)

// Directory lists the current swarms. swarm.Coordinator satisfies it.
type Directory interface {
	View() swarm.View
}

// Route is a resolved message.
type Route struct {
	SwarmIDs []string
	Message  string
}

type Router struct {
	dir Directory
}

func New(dir Directory) *Router {
	return &Router{dir: dir}
}

// Route picks the target swarms of message:
//
//	@all <text>      every live swarm
//	@<swarm> <text>  the swarm with that id or name slug
//	<text>           the only live swarm, if there is exactly one
//
// An unknown @name falls through to the last rule with the whole message.
func (r *Router) Route(message string) (Route, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return Route{}, ErrEmpty
	}
	swarms := r.dir.View().Swarms

	if strings.HasPrefix(message, "@") {
		head, rest, _ := strings.Cut(message, " ")
		name := strings.ToLower(strings.TrimPrefix(head, "@"))
		rest = strings.TrimSpace(rest)

		if name == "all" {
			if rest == "" {
				return Route{}, ErrEmpty
			}
			ids := liveIDs(swarms)
			if len(ids) == 0 {
				return Route{}, ErrNoLiveSwarms
			}
			return Route{SwarmIDs: ids, Message: rest}, nil
		}

		for _, sw := range swarms {
			if strings.EqualFold(sw.ID, name) || Slug(sw.Name) == name {
				if rest == "" {
					return Route{}, ErrEmpty
				}
				return Route{SwarmIDs: []string{sw.ID}, Message: rest}, nil
			}
		}
		// Unknown swarm in prefix, fall through
	}

	ids := liveIDs(swarms)
	if len(ids) != 1 {
		return Route{}, ErrNoSwarm
	}
	return Route{SwarmIDs: ids, Message: message}, nil
}

func liveIDs(swarms []swarm.SwarmView) []string {
	var ids []string
	for _, sw := range swarms {
		if sw.Live() {
			ids = append(ids, sw.ID)
		}
	}
	return ids
}

// Slug lowercases name and joins its alphanumeric runs with dashes, so
// "Alpha • 2" becomes "alpha-2".
func Slug(name string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if dash && sb.Len() > 0 {
				sb.WriteByte('-')
			}
			sb.WriteRune(r)
			dash = false
		default:
			dash = true
		}
	}
	return sb.String()
}
