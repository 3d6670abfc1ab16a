package integrations

import (
	"context"
	"sort"
)

// StaticDirectory resolves roles from a fixed role to people mapping. Roles
// missing from the mapping resolve to the role name itself, which suits
// shared mailboxes and on-call aliases.
type StaticDirectory struct {
	members map[string][]string
}

func NewStaticDirectory(members map[string][]string) *StaticDirectory {
	copied := make(map[string][]string, len(members))
	for role, people := range members {
		copied[role] = append([]string(nil), people...)
	}
	return &StaticDirectory{members: copied}
}

func (d *StaticDirectory) Resolve(_ context.Context, role string) ([]string, error) {
	if role == "" {
		return nil, nil
	}
	people, ok := d.members[role]
	if !ok {
		return []string{role}, nil
	}
	return append([]string(nil), people...), nil
}

func (d *StaticDirectory) Roles() []string {
	out := make([]string, 0, len(d.members))
	for role := range d.members {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}
