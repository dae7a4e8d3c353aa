package app

import (
	"sync"

	"github.com/1ureka/walkie/internal/audio"
	"github.com/1ureka/walkie/internal/channel"
)

// talkState runs the shared recorder while push-to-talk is on or while any
// station, on any channel, has relay on. With relay stations present the
// recorder keeps running and push-to-talk only widens who gets the frames.
//
// It observes every channel so relay changes and lost stations are counted
// without the caller having to report them.
type talkState struct {
	recorder *audio.Recorder

	mu     sync.Mutex
	ptt    bool
	relays map[*channel.Channel]int
	total  int
}

func newTalkState(r *audio.Recorder) *talkState {
	return &talkState{recorder: r, relays: make(map[*channel.Channel]int)}
}

func (t *talkState) talk(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ptt = on
	switch {
	case t.total > 0:
		t.recorder.SetPTT(on)
	case on:
		t.recorder.StartRecording(true)
	default:
		t.recorder.StopRecording()
	}
}

func (t *talkState) talking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ptt
}

func (t *talkState) receivers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

func (t *talkState) StateChanged(*channel.Channel, channel.Status) {}

func (t *talkState) StationsChanged(ch *channel.Channel, stations []channel.Station) {
	n := 0
	for _, st := range stations {
		if st.Relay {
			n++
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.relays[ch] = n
	was := t.total
	t.total = 0
	for _, c := range t.relays {
		t.total += c
	}

	// a push-to-talk burst already owns the recorder
	if t.ptt {
		return
	}
	switch {
	case was == 0 && t.total > 0:
		t.recorder.StartRecording(false)
	case was > 0 && t.total == 0:
		t.recorder.StopRecording()
	}
}
