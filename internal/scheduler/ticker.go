package scheduler

import "time"

// ticker abstracts time.Ticker so tests can drive loops deterministically.
type ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) ticker

func newTimeTicker(d time.Duration) ticker {
	return timeTicker{ticker: time.NewTicker(d)}
}
