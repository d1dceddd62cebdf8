package stream

// Delta is a run of streamed text for one stage.
type Delta struct {
	Stage string
	Text  string
}

// deltaBuffer collects text deltas between flushes, merging consecutive
// deltas of the same stage.
type deltaBuffer struct {
	pending []Delta
}

func (d *deltaBuffer) add(stage, text string) {
	if n := len(d.pending); n > 0 && d.pending[n-1].Stage == stage {
		d.pending[n-1].Text += text
		return
	}
	d.pending = append(d.pending, Delta{Stage: stage, Text: text})
}

func (d *deltaBuffer) empty() bool {
	return len(d.pending) == 0
}

func (d *deltaBuffer) take() []Delta {
	out := d.pending
	d.pending = nil
	return out
}
