package kafkafeed

import "testing"

func TestOnFreeSelfToken_ResumesWhenPaused(t *testing.T) {
	f := &Feed{resume: make(chan struct{}, 1)}
	f.paused.Store(true)

	f.OnFreeSelfToken(nil)

	if f.paused.Load() {
		t.Fatal("paused should be cleared after OnFreeSelfToken")
	}
	select {
	case <-f.resume:
	default:
		t.Fatal("resume channel should have a pending signal")
	}
}

func TestOnFreeSelfToken_NoOpWhenNotPaused(t *testing.T) {
	f := &Feed{resume: make(chan struct{}, 1)}

	f.OnFreeSelfToken(nil)

	select {
	case <-f.resume:
		t.Fatal("resume channel should stay empty when the feed was never paused")
	default:
	}
}

func TestOnFreeSelfToken_DoesNotBlockOnFullResumeChannel(t *testing.T) {
	f := &Feed{resume: make(chan struct{}, 1)}
	f.resume <- struct{}{}
	f.paused.Store(true)

	done := make(chan struct{})
	go func() {
		f.OnFreeSelfToken(nil)
		close(done)
	}()
	<-done // would hang forever if the non-blocking send were actually blocking

	if f.paused.Load() {
		t.Fatal("paused should still clear even if the resume channel was already full")
	}
}
