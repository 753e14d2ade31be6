package snapshot

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/edgewatt/plugmon/internal/models"
)

func TestStoreStartsEmpty(t *testing.T) {
	s := NewStore()

	entries, gen := s.Get()
	assert.Empty(t, entries)
	assert.Zero(t, gen)
	assert.True(t, s.PublishedAt().IsZero())
}

func TestPublishReplacesWholeView(t *testing.T) {
	s := NewStore()

	s.Publish(map[string]Entry{
		"a": {Device: models.DeviceRecord{DeviceID: "a", Alias: "kettle"}},
		"b": {Device: models.DeviceRecord{DeviceID: "b", Alias: "lamp"}},
	})

	entries, gen := s.Get()
	assert.Len(t, entries, 2)
	assert.EqualValues(t, 1, gen)

	s.Publish(map[string]Entry{
		"a": {Device: models.DeviceRecord{DeviceID: "a", Alias: "kettle"}},
	})

	entries, gen = s.Get()
	assert.Len(t, entries, 1)
	assert.NotContains(t, entries, "b")
	assert.EqualValues(t, 2, gen)
	assert.False(t, s.PublishedAt().IsZero())
}

func TestPublishNilClearsView(t *testing.T) {
	s := NewStore()
	s.Publish(map[string]Entry{"a": {}})
	s.Publish(nil)

	entries, _ := s.Get()
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestConcurrentReadersNeverBlockEachOther(t *testing.T) {
	s := NewStore()
	s.Publish(map[string]Entry{
		"a": {Reading: models.Reading{PowerWatts: 30, ObservedAt: time.Now()}},
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				entries, _ := s.Get()
				_ = entries["a"]
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Publish(map[string]Entry{"a": {}})
		}
		close(done)
	}()

	wg.Wait()
	<-done

	_, gen := s.Get()
	assert.EqualValues(t, 101, gen)
}
