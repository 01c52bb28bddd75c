package backend

import (
	"encoding/json"
	"fmt"
)

// AllSessions is the wire form of "delete every session"
const AllSessions = "*"

// DeleteTarget selects sessions to delete: one id, many ids, or all.
// On the wire it is "id", ["id", ...] or "*".
type DeleteTarget struct {
	IDs []string
	All bool
}

// DeleteOne targets a single session
func DeleteOne(id string) DeleteTarget {
	return DeleteTarget{IDs: []string{id}}
}

// DeleteMany targets several sessions
func DeleteMany(ids ...string) DeleteTarget {
	return DeleteTarget{IDs: append([]string(nil), ids...)}
}

// DeleteAll targets every session
func DeleteAll() DeleteTarget {
	return DeleteTarget{All: true}
}

// ParseDeleteTarget builds a target from command line style arguments
func ParseDeleteTarget(args []string) (DeleteTarget, error) {
	if len(args) == 0 {
		return DeleteTarget{}, fmt.Errorf("no session ids given")
	}
	for _, a := range args {
		if a == AllSessions {
			return DeleteAll(), nil
		}
		if a == "" {
			return DeleteTarget{}, fmt.Errorf("empty session id")
		}
	}
	return DeleteMany(args...), nil
}

// Matches reports whether the session id is selected
func (t DeleteTarget) Matches(id string) bool {
	if t.All {
		return true
	}
	for _, candidate := range t.IDs {
		if candidate == id {
			return true
		}
	}
	return false
}

// Empty reports whether nothing is selected
func (t DeleteTarget) Empty() bool {
	return !t.All && len(t.IDs) == 0
}

func (t DeleteTarget) MarshalJSON() ([]byte, error) {
	switch {
	case t.All:
		return json.Marshal(AllSessions)
	case len(t.IDs) == 1:
		return json.Marshal(t.IDs[0])
	default:
		ids := t.IDs
		if ids == nil {
			ids = []string{}
		}
		return json.Marshal(ids)
	}
}

func (t *DeleteTarget) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == AllSessions {
			*t = DeleteAll()
		} else {
			*t = DeleteOne(single)
		}
		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("delete target must be an id, a list of ids or %q", AllSessions)
	}
	for _, id := range many {
		if id == AllSessions {
			*t = DeleteAll()
			return nil
		}
	}
	*t = DeleteMany(many...)
	return nil
}
