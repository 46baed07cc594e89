package poller

// Signal is a coalescing wake-up: any number of Notify calls before the
// receiver looks collapse into one pending wake.
type Signal struct {
	c chan struct{}
}

func NewSignal() *Signal {
	return &Signal{c: make(chan struct{}, 1)}
}

// Notify never blocks.
func (s *Signal) Notify() {
	if s == nil {
		return
	}
	select {
	case s.c <- struct{}{}:
	default:
	}
}

// C returns the channel that receives pending wakes. A nil Signal yields a
// nil channel, which blocks forever in a select.
func (s *Signal) C() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.c
}
