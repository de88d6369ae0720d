package udp

import "time"

// pacer enforces a minimum gap between the end of one send and the start of
// the next. It is only touched by the goroutine holding the write direction.
type pacer struct {
	interval time.Duration
	last     time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

func newPacer(interval time.Duration) *pacer {
	return &pacer{
		interval: interval,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// delay returns how long the next send has to wait. The first send, and any
// send after an idle gap longer than the interval, goes out immediately.
func (p *pacer) delay() time.Duration {
	if p.interval <= 0 || p.last.IsZero() {
		return 0
	}
	d := p.interval - p.now().Sub(p.last)
	if d < 0 {
		return 0
	}
	return d
}

// wait sleeps for delay() and returns the time slept.
func (p *pacer) wait() time.Duration {
	d := p.delay()
	if d > 0 {
		p.sleep(d)
	}
	return d
}

// mark records the end of a send attempt.
func (p *pacer) mark() {
	p.last = p.now()
}
