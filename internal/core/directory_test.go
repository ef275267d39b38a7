package core

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirectoryUniqueNickRendersBare(t *testing.T) {
	d := NewDirectory()
	alice := d.Add("@a:hs", "alice")

	if got := alice.String(); got != "alice" {
		t.Fatalf("expected bare nick, got %q", got)
	}
}

func TestDirectoryCollisionRendersQualified(t *testing.T) {
	d := NewDirectory()
	first := d.Add("@a1:hs", "alice")
	second := d.Add("@a2:hs", "alice")

	require.Equal(t, "alice (@a1:hs)", first.String())
	require.Equal(t, "alice (@a2:hs)", second.String())

	d.ChangeNick(second, "al")
	require.Equal(t, "alice", first.String())
	require.Equal(t, "al", second.String())
	require.Equal(t, []string{"@a1:hs"}, d.NickHolders("alice"))
	require.Equal(t, []string{"@a2:hs"}, d.NickHolders("al"))
}

func TestDirectoryNoNickRendersID(t *testing.T) {
	d := NewDirectory()
	p := d.Add("@anon:hs", "")
	require.Equal(t, "@anon:hs", p.String())
}

func TestDirectoryAddIsIdempotent(t *testing.T) {
	d := NewDirectory()
	var notified int32
	d.SetOnChange(func() { atomic.AddInt32(&notified, 1) })

	first := d.Add("@a:hs", "alice")
	again := d.Add("@a:hs", "other")

	require.Same(t, first, again)
	require.Equal(t, "alice", again.Nick())
	require.Equal(t, 1, d.Len())
	require.EqualValues(t, 1, atomic.LoadInt32(&notified))
}

func TestDirectoryRemove(t *testing.T) {
	d := NewDirectory()
	var notified int32
	d.Add("@a:hs", "alice")
	d.Add("@b:hs", "alice")
	d.SetOnChange(func() { atomic.AddInt32(&notified, 1) })

	p, ok := d.Remove("@a:hs")
	require.True(t, ok)
	require.Equal(t, "@a:hs", p.ID())
	require.False(t, d.Contains("@a:hs"))
	require.Equal(t, "alice", d.Get("@b:hs", "").String())

	_, ok = d.Remove("@missing:hs")
	require.False(t, ok)
	require.EqualValues(t, 1, atomic.LoadInt32(&notified))
}

func TestDirectoryGetUnknownIsDetached(t *testing.T) {
	d := NewDirectory()
	d.Add("@a:hs", "alice")

	ghost := d.Get("@ghost:hs", "alice")
	require.False(t, d.Contains("@ghost:hs"))
	require.Equal(t, 1, d.Len())
	require.Equal(t, "alice (@ghost:hs)", ghost.String())

	stranger := d.Get("@s:hs", "stranger")
	require.Equal(t, "stranger", stranger.String())
}

func TestDirectoryChangeNickUnchangedIsNoop(t *testing.T) {
	d := NewDirectory()
	p := d.Add("@a:hs", "alice")
	var notified int32
	d.SetOnChange(func() { atomic.AddInt32(&notified, 1) })

	d.ChangeNick(p, "alice")
	require.Zero(t, atomic.LoadInt32(&notified))

	d.ChangeNick(p, "bob")
	require.EqualValues(t, 1, atomic.LoadInt32(&notified))
	require.Empty(t, d.NickHolders("alice"))
}

func TestDirectoryChangeNickDetachedDoesNotIndex(t *testing.T) {
	d := NewDirectory()
	var notified int32
	d.SetOnChange(func() { atomic.AddInt32(&notified, 1) })

	ghost := d.Get("@ghost:hs", "")
	d.ChangeNick(ghost, "ghost")

	require.Equal(t, "ghost", ghost.Nick())
	require.Empty(t, d.NickHolders("ghost"))
	require.Zero(t, atomic.LoadInt32(&notified))
}

func TestDirectoryRepopulateNotifiesOnce(t *testing.T) {
	d := NewDirectory()
	d.Add("@old:hs", "old")

	var notified int32
	d.SetOnChange(func() { atomic.AddInt32(&notified, 1) })

	members := []Member{
		{UserID: "@a:hs", DisplayName: "alice"},
		{UserID: "@b:hs", DisplayName: "bob"},
		{UserID: "@c:hs", DisplayName: "alice"},
	}
	d.Repopulate(members)

	require.EqualValues(t, 1, atomic.LoadInt32(&notified))
	require.Equal(t, 3, d.Len())
	require.False(t, d.Contains("@old:hs"))

	// The restored callback keeps firing afterwards.
	d.Add("@d:hs", "dave")
	require.EqualValues(t, 2, atomic.LoadInt32(&notified))
}

func TestDirectoryClearDoesNotNotify(t *testing.T) {
	d := NewDirectory()
	d.Add("@a:hs", "alice")
	var notified int32
	d.SetOnChange(func() { atomic.AddInt32(&notified, 1) })

	d.Clear()
	require.Zero(t, d.Len())
	require.Zero(t, atomic.LoadInt32(&notified))
}

func TestDirectoryEntriesSorted(t *testing.T) {
	d := NewDirectory()
	d.Add("@z:hs", "Zed")
	d.Add("@a:hs", "amy")
	d.Add("@b:hs", "Bob")
	d.Add("@b2:hs", "Bob")

	entries := d.Entries()
	got := make([]string, 0, len(entries))
	for _, e := range entries {
		got = append(got, e.Display)
	}
	require.Equal(t, []string{"amy", "Bob (@b2:hs)", "Bob (@b:hs)", "Zed"}, got)
}

func TestDirectoryCallbackMayReadDirectory(t *testing.T) {
	d := NewDirectory()
	var sizes []int
	d.SetOnChange(func() { sizes = append(sizes, d.Len()) })

	p := d.Add("@a:hs", "alice")
	d.ChangeNick(p, "al")
	d.Remove("@a:hs")

	require.Equal(t, []int{1, 1, 0}, sizes)
}

func TestDirectoryConcurrentMutations(t *testing.T) {
	d := NewDirectory()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a'+i)) + "@hs"
			p := d.Add(id, "same")
			_ = p.String()
			d.ChangeNick(p, "other")
			_ = d.Entries()
			d.Remove(id)
		}(i)
	}
	wg.Wait()

	require.Zero(t, d.Len())
	require.Empty(t, d.NickHolders("same"))
	require.Empty(t, d.NickHolders("other"))
}
