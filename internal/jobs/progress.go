package jobs

import (
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/and161185/vmstats/model"
)

// progressOf estimates completion from the bytes written so far.
func progressOf(size, expected int64) float64 {
	if expected <= 0 || size <= 0 {
		return 0
	}
	return math.Min(100, float64(size)/float64(expected)*100)
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// startProgress samples dest every ProgressInterval while the job is running.
// The returned func stops sampling and waits for the sampler to exit.
func (s *Scheduler) startProgress(key, id, dest string, expected int64) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		t := time.NewTicker(s.cfg.ProgressInterval)
		defer t.Stop()

		for {
			p := progressOf(fileSize(dest), expected)
			s.store.Update(key, id, func(st *model.DumpStatus) {
				if st.State != model.Running {
					return
				}
				st.Progress = p
				st.Message = fmt.Sprintf("Dump in progress (%.1f%%)", p)
			})

			select {
			case <-done:
				return
			case <-t.C:
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		wg.Wait()
	}
}
