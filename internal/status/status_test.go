package status

import (
	"sync"
	"testing"

	"github.com/matryer/is"
)

func TestSnapshot(t *testing.T) {
	is := is.New(t)

	s := New([]string{"t1", "t2"})
	s.SetSourceState("healthy")
	s.SetDriverState("psync:streaming")
	s.SetReplicationCursor("2f5a8b", 12345)
	s.AddFullSyncKeys(40)

	t1 := s.Target("t1")
	t1.Applied.Add(3)
	t1.Failed.Add(1)
	t1.SetLastError("connection refused")
	t1.MarkSynced()

	snap := s.Snapshot()
	is.Equal(snap.SourceState, "healthy")
	is.Equal(snap.DriverState, "psync:streaming")
	is.Equal(snap.ReplicationID, "2f5a8b")
	is.Equal(snap.Offset, int64(12345))
	is.Equal(snap.FullSyncKeys, int64(40))

	is.Equal(snap.Targets["t1"].Applied, int64(3))
	is.Equal(snap.Targets["t1"].Failed, int64(1))
	is.Equal(snap.Targets["t1"].LastError, "connection refused")
	is.True(snap.Targets["t1"].LastSync != nil)
	is.Equal(snap.Targets["t2"].Applied, int64(0))
	is.True(snap.Targets["t2"].LastSync == nil)
}

func TestConcurrentCounters(t *testing.T) {
	is := is.New(t)

	s := New([]string{"t1"})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				s.Target("t1").Applied.Add(1)
			}
		}()
	}
	wg.Wait()
	is.Equal(s.Snapshot().Targets["t1"].Applied, int64(8000))
}

func TestUnknownTarget(t *testing.T) {
	is := is.New(t)
	s := New([]string{"t1"})
	is.True(s.Target("nope") == nil)
}
