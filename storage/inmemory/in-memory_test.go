package inmemory

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/and161185/vmstats/internal/utils"
	"github.com/and161185/vmstats/model"
	"github.com/and161185/vmstats/storage"
	"github.com/stretchr/testify/require"
)

func TestMemStorage_AdmitIsExclusivePerKey(t *testing.T) {
	st := NewMemStorage()

	first, created := st.Admit("vm-7", "job-1")
	require.True(t, created)
	require.Equal(t, model.Queued, first.State)

	again, created := st.Admit("vm-7", "job-2")
	require.False(t, created)
	require.Equal(t, "job-1", again.ID)

	other, created := st.Admit("vm-8", "job-3")
	require.True(t, created)
	require.Equal(t, "job-3", other.ID)
}

func TestMemStorage_AdmitAfterTerminal(t *testing.T) {
	st := NewMemStorage()
	st.Admit("vm-7", "job-1")
	_, ok := st.Update("vm-7", "job-1", func(s *model.DumpStatus) { s.State = model.Failed })
	require.True(t, ok)

	next, created := st.Admit("vm-7", "job-2")
	require.True(t, created)
	require.Equal(t, "job-2", next.ID)
	require.Equal(t, model.Queued, next.State)
}

func TestMemStorage_UpdateGuards(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*MemStorage)
		id     string
		fn     func(*model.DumpStatus)
		wantOK bool
		check  func(*testing.T, model.DumpStatus)
	}{
		{
			name: "progress_never_decreases",
			setup: func(m *MemStorage) {
				m.Update("k", "j", func(s *model.DumpStatus) { s.State = model.Running; s.Progress = 40 })
			},
			id:     "j",
			fn:     func(s *model.DumpStatus) { s.Progress = 10 },
			wantOK: true,
			check:  func(t *testing.T, s model.DumpStatus) { require.Equal(t, 40.0, s.Progress) },
		},
		{
			name:   "progress_capped",
			id:     "j",
			fn:     func(s *model.DumpStatus) { s.State = model.Running; s.Progress = 150 },
			wantOK: true,
			check:  func(t *testing.T, s model.DumpStatus) { require.Equal(t, 100.0, s.Progress) },
		},
		{
			name:   "stale_job_id",
			id:     "other",
			fn:     func(s *model.DumpStatus) { s.State = model.Running },
			wantOK: false,
			check:  func(t *testing.T, s model.DumpStatus) { require.Equal(t, model.Queued, s.State) },
		},
		{
			name: "terminal_is_final",
			setup: func(m *MemStorage) {
				m.Update("k", "j", func(s *model.DumpStatus) { s.State = model.Completed; s.Progress = 100 })
			},
			id:     "j",
			fn:     func(s *model.DumpStatus) { s.State = model.Running; s.Message = "again" },
			wantOK: false,
			check: func(t *testing.T, s model.DumpStatus) {
				require.Equal(t, model.Completed, s.State)
				require.NotEqual(t, "again", s.Message)
			},
		},
		{
			name: "no_step_back_to_queued",
			setup: func(m *MemStorage) {
				m.Update("k", "j", func(s *model.DumpStatus) { s.State = model.Running })
			},
			id:     "j",
			fn:     func(s *model.DumpStatus) { s.State = model.Queued },
			wantOK: true,
			check:  func(t *testing.T, s model.DumpStatus) { require.Equal(t, model.Running, s.State) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemStorage()
			m.Admit("k", "j")
			if tt.setup != nil {
				tt.setup(m)
			}
			_, ok := m.Update("k", tt.id, tt.fn)
			require.Equal(t, tt.wantOK, ok)

			got, err := m.Get("k")
			require.NoError(t, err)
			tt.check(t, got)
		})
	}
}

func TestMemStorage_GetNotFound(t *testing.T) {
	_, err := NewMemStorage().Get("missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMemStorage_ReturnsCopies(t *testing.T) {
	m := NewMemStorage()
	m.Admit("k", "j")
	now := time.Now()
	m.Update("k", "j", func(s *model.DumpStatus) {
		s.State = model.Running
		s.StartedAt = &now
		s.ResultPath = utils.StrPtr("/dumps/k.mem")
	})

	got, _ := m.Get("k")
	*got.ResultPath = "/tmp/changed"

	all := m.GetAll()
	require.Equal(t, "/dumps/k.mem", *all["k"].ResultPath)
}

func TestMemStorage_ConcurrentAdmit(t *testing.T) {
	m := NewMemStorage()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, ok := m.Admit("shared", fmt.Sprintf("job-%d", i)); ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, created)
	require.Len(t, m.GetAll(), 1)
}

var _ storage.StatusStore = (*MemStorage)(nil)
