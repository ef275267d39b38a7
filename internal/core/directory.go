package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// uniqueNickFormat is used when more than one participant holds a nick.
const uniqueNickFormat = "%s (%s)"

// Participant is a room member as seen by the client. A participant that
// is not in its directory is detached: it can be rendered but does not take
// part in nick collision detection.
type Participant struct {
	id   string
	nick string
	dir  *Directory
}

// ID returns the protocol address of the participant.
func (p *Participant) ID() string {
	return p.id
}

// Nick returns the current display nick, empty if none is set.
func (p *Participant) Nick() string {
	p.dir.mu.RLock()
	defer p.dir.mu.RUnlock()
	return p.nick
}

// String renders the participant's display name.
func (p *Participant) String() string {
	return p.dir.Display(p)
}

// Directory is the authoritative set of room participants plus the nick
// index used for collision detection. It is safe for concurrent use; the
// change callback runs outside the lock.
type Directory struct {
	mu       sync.RWMutex
	byID     map[string]*Participant
	byNick   map[string][]*Participant
	onChange func()
}

// NewDirectory creates an empty directory with a no-op change callback.
func NewDirectory() *Directory {
	return &Directory{
		byID:     make(map[string]*Participant),
		byNick:   make(map[string][]*Participant),
		onChange: func() {},
	}
}

// SetOnChange replaces the change callback. A nil callback installs a no-op.
func (d *Directory) SetOnChange(fn func()) {
	if fn == nil {
		fn = func() {}
	}
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

// OnChange returns the installed change callback.
func (d *Directory) OnChange() func() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.onChange
}

func (d *Directory) notify() {
	d.OnChange()()
}

// Get returns the participant with the given id. Unknown ids yield a
// detached participant carrying nick; the directory is not modified.
func (d *Directory) Get(id, nick string) *Participant {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if p, ok := d.byID[id]; ok {
		return p
	}
	return &Participant{id: id, nick: nick, dir: d}
}

// Add inserts a participant and returns it. If id is already present the
// existing participant is returned unchanged and no notification fires.
func (d *Directory) Add(id, nick string) *Participant {
	d.mu.Lock()
	if p, ok := d.byID[id]; ok {
		d.mu.Unlock()
		return p
	}
	p := &Participant{id: id, nick: nick, dir: d}
	d.byID[id] = p
	d.indexLocked(p)
	d.mu.Unlock()

	d.notify()
	return p
}

// Remove deletes a participant. The second result is false if id was not
// present, in which case nothing is notified.
func (d *Directory) Remove(id string) (*Participant, bool) {
	d.mu.Lock()
	p, ok := d.byID[id]
	if !ok {
		d.mu.Unlock()
		return nil, false
	}
	delete(d.byID, id)
	d.unindexLocked(p)
	d.mu.Unlock()

	d.notify()
	return p, true
}

// ChangeNick updates the nick of p. The nick index is moved to the new
// bucket before the stored nick changes. Detached participants only get
// their stored nick updated.
func (d *Directory) ChangeNick(p *Participant, nick string) {
	d.mu.Lock()
	if p.nick == nick {
		d.mu.Unlock()
		return
	}
	member := d.byID[p.id] == p
	if member {
		d.unindexLocked(p)
		if nick != "" {
			d.byNick[nick] = append(d.byNick[nick], p)
		}
	}
	p.nick = nick
	d.mu.Unlock()

	if member {
		d.notify()
	}
}

// Display renders the name of p: the bare nick when p is its only holder,
// otherwise "nick (id)". Participants without a nick render as their id.
func (d *Directory) Display(p *Participant) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.displayLocked(p)
}

func (d *Directory) displayLocked(p *Participant) string {
	if p.nick == "" {
		return p.id
	}
	holders := d.byNick[p.nick]
	count := len(holders)
	if !containsParticipant(holders, p) {
		count++
	}
	if count == 1 {
		return p.nick
	}
	return fmt.Sprintf(uniqueNickFormat, p.nick, p.id)
}

// Clear empties the directory without notifying. Callers repopulating the
// roster are responsible for a trailing notification.
func (d *Directory) Clear() {
	d.mu.Lock()
	d.byID = make(map[string]*Participant)
	d.byNick = make(map[string][]*Participant)
	d.mu.Unlock()
}

// Repopulate replaces the whole roster with members and notifies exactly once.
func (d *Directory) Repopulate(members []Member) {
	d.Clear()

	callback := d.OnChange()
	d.SetOnChange(nil)
	for _, m := range members {
		d.Add(m.UserID, m.DisplayName)
	}
	d.SetOnChange(callback)

	callback()
}

// Contains reports whether id is in the directory.
func (d *Directory) Contains(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.byID[id]
	return ok
}

// Len returns the number of participants.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}

// NickHolders returns the ids currently indexed under nick, in insertion order.
func (d *Directory) NickHolders(nick string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	holders := d.byNick[nick]
	ids := make([]string, 0, len(holders))
	for _, p := range holders {
		ids = append(ids, p.id)
	}
	return ids
}

// Entry is a rendered roster row.
type Entry struct {
	ID      string
	Display string
}

// Entries returns the roster sorted case-insensitively by display name.
func (d *Directory) Entries() []Entry {
	d.mu.RLock()
	entries := make([]Entry, 0, len(d.byID))
	for _, p := range d.byID {
		entries = append(entries, Entry{ID: p.id, Display: d.displayLocked(p)})
	}
	d.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := strings.ToLower(entries[i].Display), strings.ToLower(entries[j].Display)
		if a != b {
			return a < b
		}
		return entries[i].ID < entries[j].ID
	})
	return entries
}

func (d *Directory) indexLocked(p *Participant) {
	if p.nick == "" {
		return
	}
	d.byNick[p.nick] = append(d.byNick[p.nick], p)
}

func (d *Directory) unindexLocked(p *Participant) {
	if p.nick == "" {
		return
	}
	bucket := d.byNick[p.nick]
	for i, holder := range bucket {
		if holder == p {
			bucket = append(bucket[:i:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(d.byNick, p.nick)
		return
	}
	d.byNick[p.nick] = bucket
}

func containsParticipant(list []*Participant, p *Participant) bool {
	for _, holder := range list {
		if holder == p {
			return true
		}
	}
	return false
}
