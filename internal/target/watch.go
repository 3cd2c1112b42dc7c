package target

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	godap "github.com/google/go-dap"

	"github.com/ctagard/dap-relay/internal/dap"
	"github.com/ctagard/dap-relay/internal/process"
)

// outputDrainGrace bounds how long an exit notification waits for the
// output forwarders; a grandchild may keep the pipes open indefinitely.
const outputDrainGrace = 500 * time.Millisecond

// startWatchers forwards piped output and reports the debuggee's exit.
func (t *Target) startWatchers() {
	t.procMu.Lock()
	h, pid := t.handle, t.pid
	t.procMu.Unlock()

	if h != nil {
		var drained sync.WaitGroup
		for _, s := range []struct {
			r        io.Reader
			category string
		}{{h.Stdout, "stdout"}, {h.Stderr, "stderr"}} {
			if s.r == nil {
				continue
			}
			drained.Add(1)
			go func(r io.Reader, category string) {
				defer drained.Done()
				t.forwardOutput(r, category)
			}(s.r, s.category)
		}

		go func() {
			select {
			case <-h.Done():
			case <-t.ctx.Done():
				return
			}
			waitTimeout(&drained, outputDrainGrace)
			t.log.Info("Debuggee exited", "pid", h.Pid())
			t.channel.NotifyExit()
		}()
		return
	}

	if pid > 0 {
		go process.PollExit(t.ctx, t.cfg.LivenessInterval.D(), func() bool {
			return t.host.IsAlive(pid)
		}, func() {
			t.log.Info("Debuggee exited", "pid", pid)
			t.channel.NotifyExit()
		})
	}
}

// forwardOutput turns everything read from r into output events, a line at
// a time. Invalid UTF-8 is replaced rather than dropped.
func (t *Target) forwardOutput(r io.Reader, category string) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			t.link.Send(dap.NewEvent("output", godap.OutputEventBody{
				Category: category,
				Output:   strings.ToValidUTF8(line, "\uFFFD"),
			}))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				t.log.V(1).Info("Error reading debuggee output", "category", category, "error", err.Error())
			}
			t.log.V(1).Info("Finished reading stream", "category", category)
			return
		}
	}
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
	}
}
