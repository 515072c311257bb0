package journal

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptodesk/internal/model"
)

func TestAppend_AssignsSeqAndID(t *testing.T) {
	j := New(0)
	a := j.Infof("ledger", "bought %s", "0.002 BTC")
	b := j.Error("feed", errors.New("dial refused"))

	assert.EqualValues(t, 1, a.Seq)
	assert.EqualValues(t, 2, b.Seq)
	assert.NotEmpty(t, a.ID)
	assert.Less(t, a.ID, b.ID)
	assert.Equal(t, model.TagInfo, a.Tag)
	assert.Equal(t, "bought 0.002 BTC", a.Text)
	assert.Equal(t, model.TagError, b.Tag)
	assert.Equal(t, "dial refused", b.Text)
	assert.EqualValues(t, 2, j.Seq())
}

func TestSince(t *testing.T) {
	j := New(0)
	for i := 0; i < 5; i++ {
		j.Infof("runner", "check %d", i)
	}
	got := j.Since(3)
	require.Len(t, got, 2)
	assert.EqualValues(t, 4, got[0].Seq)
	assert.Len(t, j.Since(0), 5)
	assert.Empty(t, j.Since(5))
}

func TestRetentionDropsOldest(t *testing.T) {
	j := New(3)
	for i := 0; i < 5; i++ {
		j.Infof("feed", "line %d", i)
	}
	all := j.Entries()
	require.Len(t, all, 3)
	assert.EqualValues(t, 3, all[0].Seq)
	assert.Len(t, j.Since(1), 3)
}

func TestEntriesIsCopy(t *testing.T) {
	j := New(0)
	j.Infof("ledger", "one")
	got := j.Entries()
	got[0].Text = "mutated"
	assert.Equal(t, "one", j.Entries()[0].Text)
}

func TestBySource(t *testing.T) {
	j := New(0)
	j.Infof("ledger", "a")
	j.Infof("feed", "b")
	j.Infof("ledger", "c")
	got := j.BySource("ledger")
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[1].Text)
}

func TestHooksSeeEntriesInOrder(t *testing.T) {
	j := New(0)
	var (
		mu   sync.Mutex
		seen []int64
	)
	j.OnAppend(func(e model.LogEntry) {
		mu.Lock()
		seen = append(seen, e.Seq)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				j.Infof("runner", "tick")
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, 400)
	for i, s := range seen {
		assert.EqualValues(t, i+1, s)
	}
}
