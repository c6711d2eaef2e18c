package snapshot

import (
	"sync"
	"testing"

	"github.com/hitoshi/notifyd/internal/model"
)

func TestSnapshot_GetBeforeReplace_ReturnsNil(t *testing.T) {
	var s Snapshot[int]
	if got := s.Get(); got != nil {
		t.Errorf("Get() = %v, want nil", got)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestSnapshot_ReplaceCopiesInput(t *testing.T) {
	var s Snapshot[int]
	in := []int{1, 2, 3}
	s.Replace(in)

	in[0] = 99
	if got := s.Get(); got[0] != 1 {
		t.Errorf("Replace後に入力を変更してもスナップショットは変わらないべき: got %v", got)
	}
}

func TestSnapshot_ReplaceDoesNotMutatePreviousView(t *testing.T) {
	var s Snapshot[int]
	s.Replace([]int{1, 2})
	old := s.Get()

	s.Replace([]int{3})
	if len(old) != 2 || old[0] != 1 {
		t.Errorf("以前に取得したビューは変更されないべき: got %v", old)
	}
	if got := s.Get(); len(got) != 1 || got[0] != 3 {
		t.Errorf("Get() = %v, want [3]", got)
	}
}

func TestStore_Sizes(t *testing.T) {
	st := NewStore()
	st.ReplaceUsers([]model.User{{ID: "a"}, {ID: "b"}})
	st.ReplaceStatistics([]model.StatisticsRecord{{ID: "a"}})

	sizes := st.Sizes()
	if sizes[model.CollectionUsers] != 2 {
		t.Errorf("users = %d, want 2", sizes[model.CollectionUsers])
	}
	if sizes[model.CollectionStatistics] != 1 {
		t.Errorf("statistics = %d, want 1", sizes[model.CollectionStatistics])
	}
	if sizes[model.CollectionDeployments] != 0 {
		t.Errorf("deployments = %d, want 0", sizes[model.CollectionDeployments])
	}
}

// 読み取り側は常に完全に置き換えられたスナップショットのみを観測する。
func TestStore_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	st := NewStore()
	st.ReplaceUsers([]model.User{{ID: "a", Plan: "v0"}, {ID: "b", Plan: "v0"}})

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				users := st.Users()
				if len(users) != 2 || users[0].Plan != users[1].Plan {
					t.Errorf("部分的に更新されたスナップショットを観測した: %+v", users)
					return
				}
			}
		}()
	}

	for i := 0; i < 1000; i++ {
		plan := "v" + string(rune('a'+i%26))
		st.ReplaceUsers([]model.User{{ID: "a", Plan: plan}, {ID: "b", Plan: plan}})
	}
	close(stop)
	wg.Wait()
}
