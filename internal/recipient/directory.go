package recipient

import (
	"fmt"
	"sort"
	"strings"
)

// Directory resolves recipient names into persons, flattening nested lists.
type Directory struct {
	people map[string]Recipient
	lists  map[string][]string
}

// NewDirectory builds directory.
// Params: recipients keyed by their Name and list name to member names.
// Returns: directory; names are not validated until Resolve.
func NewDirectory(people []Recipient, lists map[string][]string) *Directory {
	d := &Directory{
		people: make(map[string]Recipient, len(people)),
		lists:  make(map[string][]string, len(lists)),
	}
	for _, person := range people {
		d.people[person.Name()] = person
	}
	for name, members := range lists {
		d.lists[name] = append([]string(nil), members...)
	}
	return d
}

// Person returns a recipient by person name.
func (d *Directory) Person(name string) (Recipient, bool) {
	recipient, ok := d.people[name]
	return recipient, ok
}

// Names returns sorted person names.
func (d *Directory) Names() []string {
	names := make([]string, 0, len(d.people))
	for name := range d.people {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve flattens names into distinct persons in first-seen order.
// Params: person or list names.
// Returns: recipients, or an error for unknown names and list cycles.
func (d *Directory) Resolve(names []string) ([]Recipient, error) {
	var (
		out     []Recipient
		seen    = make(map[string]struct{})
		walking []string
	)
	var walk func(name string) error
	walk = func(name string) error {
		if person, ok := d.people[name]; ok {
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				out = append(out, person)
			}
			return nil
		}
		members, ok := d.lists[name]
		if !ok {
			return fmt.Errorf("unknown recipient %q", name)
		}
		for i, entry := range walking {
			if entry == name {
				cycle := append(append([]string(nil), walking[i:]...), name)
				return fmt.Errorf("recipient list cycle: %s", strings.Join(cycle, " -> "))
			}
		}
		walking = append(walking, name)
		for _, member := range members {
			if err := walk(member); err != nil {
				return err
			}
		}
		walking = walking[:len(walking)-1]
		return nil
	}
	for _, name := range names {
		if err := walk(name); err != nil {
			return nil, err
		}
	}
	return out, nil
}
