package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/1ureka/walkie/internal/audio"
	"github.com/1ureka/walkie/internal/barrier"
	"github.com/1ureka/walkie/internal/channel"
	"github.com/1ureka/walkie/internal/config"
	"github.com/1ureka/walkie/internal/discovery"
	"github.com/1ureka/walkie/internal/session"
	"github.com/1ureka/walkie/internal/util"
)

const (
	nameSeparator = ":"
	toneHz        = 440
)

// ServiceName is the discovery name requested for a channel on a device.
// The channel name is base64 encoded so it may contain the separator.
func ServiceName(channelName, deviceID string) string {
	return base64.RawStdEncoding.EncodeToString([]byte(channelName)) + nameSeparator + deviceID + nameSeparator
}

// ChannelOf extracts the channel name from a discovered service name.
// Discovery may have appended a " (n)" suffix after the last separator.
func ChannelOf(service string) (string, bool) {
	prefix, _, ok := strings.Cut(service, nameSeparator)
	if !ok {
		return "", false
	}
	name, err := base64.RawStdEncoding.DecodeString(prefix)
	if err != nil {
		return "", false
	}
	return string(name), true
}

// Options configures a Service. Discovery and Input override what Config
// would build; Closer, when set, runs after every channel has drained.
type Options struct {
	Config    *config.Config
	Discovery discovery.Discovery
	Closer    func() error
	Input     audio.Source
	Observer  channel.Observer
}

// Service runs every configured channel of one station. A single recorder
// feeds the sessions of all channels.
type Service struct {
	cfg      *config.Config
	format   audio.Format
	registry *session.Registry
	recorder *audio.Recorder
	talk     *talkState
	disc     discovery.Discovery
	closer   func() error

	channels []*channel.Channel
	byName   map[string]*channel.Channel

	mu         sync.Mutex
	station    string
	stopBrowse func()
	stopped    bool
}

// New builds the audio devices, the discovery backend and one channel per
// configured name. Nothing touches the network until Start.
func New(opts Options) (*Service, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		cfg:      cfg,
		format:   cfg.Format(),
		registry: session.NewRegistry(),
		station:  cfg.Station,
		byName:   make(map[string]*channel.Channel),
	}

	// 1. Discovery backend
	s.disc, s.closer = opts.Discovery, opts.Closer
	if s.disc == nil {
		if err := s.openDiscovery(); err != nil {
			return nil, err
		}
	}

	// 2. Capture side: one recorder broadcasting to every session
	input := opts.Input
	if input == nil {
		src, err := openInput(cfg.Audio.Input, s.format)
		if err != nil {
			s.closeDiscovery()
			return nil, err
		}
		input = src
	}
	var beep []byte
	if cfg.Audio.RogerBeep != "" {
		pcm, err := loadClip(cfg.Audio.RogerBeep, s.format)
		if err != nil {
			input.Close()
			s.closeDiscovery()
			return nil, fmt.Errorf("roger beep: %w", err)
		}
		beep = pcm
	}
	s.recorder = audio.NewRecorder(s.format, input, s.registry, beep)
	s.talk = newTalkState(s.recorder)

	// 3. Channels
	var observer channel.Observer = s.talk
	if opts.Observer != nil {
		observer = channel.Observers{s.talk, opts.Observer}
	}
	sessionCfg := &session.Config{
		Format:           s.format,
		PingInterval:     cfg.Session.PingInterval.Std(),
		HandshakeTimeout: cfg.Session.HandshakeTimeout.Std(),
		NewSink:          s.newSink,
		Registry:         s.registry,
	}
	for _, name := range cfg.Channels {
		ch := channel.New(channel.Config{
			Name:        name,
			ServiceName: ServiceName(name, cfg.DeviceID),
			ListenAddr:  cfg.ListenAddr,
			Station:     cfg.Station,
			Session:     sessionCfg,
			Discovery:   s.disc,
			Observer:    observer,
		})
		s.channels = append(s.channels, ch)
		s.byName[name] = ch
	}
	return s, nil
}

func (s *Service) openDiscovery() error {
	d := s.cfg.Discovery
	switch d.Mode {
	case config.ModeLocal:
		n := discovery.NewNetwork()
		s.disc = n
		s.closer = func() error { n.Close(); return nil }
	default:
		lan, err := discovery.NewLAN(discovery.LANConfig{
			Group:          d.Group,
			Interval:       d.AnnounceInterval.Std(),
			Expiry:         d.Expiry.Std(),
			ResolveTimeout: d.ResolveTimeout.Std(),
			MDNSLogLevel:   d.MDNSLogLevel,
		})
		if err != nil {
			return fmt.Errorf("failed to start LAN discovery: %w", err)
		}
		s.disc = lan
		s.closer = lan.Close
	}
	return nil
}

func (s *Service) closeDiscovery() {
	if s.closer == nil {
		return
	}
	if err := s.closer(); err != nil {
		util.LogWarning("failed to close discovery: %v", err)
	}
}

// Start starts every channel, then browses for peers. A channel that fails
// to listen aborts the start; channels already started keep running until
// Stop.
func (s *Service) Start() error {
	for _, ch := range s.channels {
		if err := ch.Start(); err != nil {
			return fmt.Errorf("channel %q: %w", ch.Name(), err)
		}
	}

	stop := s.disc.Browse(s)
	s.mu.Lock()
	s.stopBrowse = stop
	s.mu.Unlock()
	util.LogInfo("station %q on %d channel(s)", s.Station(), len(s.channels))
	return nil
}

// OnFound routes a discovered service to the channel it announces.
func (s *Service) OnFound(name string, d discovery.Descriptor) {
	if ch := s.route(name); ch != nil {
		ch.OnPeerDiscovered(name, d)
	}
}

// OnLost routes a lost service to the channel it announced.
func (s *Service) OnLost(name string) {
	if ch := s.route(name); ch != nil {
		ch.OnPeerLost(name)
	}
}

func (s *Service) route(service string) *channel.Channel {
	name, ok := ChannelOf(service)
	if !ok {
		util.LogDebug("ignoring service %q", service)
		return nil
	}
	return s.byName[name]
}

// Channels returns the channels in configuration order.
func (s *Service) Channels() []*channel.Channel { return s.channels }

// Channel returns the channel with the given name, or nil.
func (s *Service) Channel(name string) *channel.Channel { return s.byName[name] }

// Registry returns the sessions the recorder broadcasts to.
func (s *Service) Registry() *session.Registry { return s.registry }

// Talk turns push-to-talk on or off. While any station has relay on the
// recorder keeps running and only the push-to-talk flag changes.
func (s *Service) Talk(on bool) { s.talk.talk(on) }

// Talking reports whether push-to-talk is on.
func (s *Service) Talking() bool { return s.talk.talking() }

// Capturing reports whether the recorder is running, for push-to-talk or
// for relay stations.
func (s *Service) Capturing() bool { return s.recorder.Recording() }

// SetRelay turns relay to station id of the named channel on or off. An
// empty name selects the first channel. It reports whether the station
// exists.
func (s *Service) SetRelay(name string, id int, on bool) bool {
	ch := s.channels[0]
	if name != "" {
		ch = s.byName[name]
	}
	return ch != nil && ch.SetRelay(id, on)
}

// Relaying returns the number of stations with relay on.
func (s *Service) Relaying() int { return s.talk.receivers() }

// SetStationName renames the local station on every channel.
func (s *Service) SetStationName(name string) {
	s.mu.Lock()
	s.station = name
	s.mu.Unlock()
	for _, ch := range s.channels {
		ch.SetStationName(name)
	}
}

// Station returns the local station name.
func (s *Service) Station() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.station
}

// Stop ends capture, stops browsing and drains every channel. Discovery is
// closed once the drain completes. If ctx ends first the returned error
// wraps ctx.Err() and discovery is left open.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	stopBrowse := s.stopBrowse
	s.mu.Unlock()

	// 1. No more audio
	s.recorder.Shutdown()

	// 2. No more peers
	if stopBrowse != nil {
		stopBrowse()
	}

	// 3. Drain channels
	b := barrier.New()
	phase := b.Register()
	for _, ch := range s.channels {
		ch.Stop(b)
	}
	b.ArriveAndDeregister()
	if _, err := b.AwaitAdvanceContext(ctx, phase); err != nil {
		return fmt.Errorf("channels did not drain: %w", err)
	}

	// 4. Release discovery
	s.closeDiscovery()
	util.LogInfo("station %q stopped", s.Station())
	return nil
}

// newSink opens the playback device for one remote station.
func (s *Service) newSink(f audio.Format, peer string) (audio.Sink, error) {
	out := s.cfg.Audio.Output
	if out == "null" {
		return audio.NewNullSink(f), nil
	}
	return audio.CreateWAVSink(sinkPath(out, peer), f)
}

// sinkPath derives one file per remote station from the configured path:
// "rx.wav" and peer "10.0.0.2:4100" give "rx-10.0.0.2_4100.wav".
func sinkPath(path, peer string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	if ext == "" {
		ext = ".wav"
	}
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ':', '/', '\\', '[', ']', '%':
			return '_'
		}
		return r
	}, peer)
	return base + "-" + clean + ext
}

func openInput(name string, f audio.Format) (audio.Source, error) {
	switch name {
	case "silence":
		return audio.NewSilenceSource(f), nil
	case "tone":
		return audio.NewToneSource(f, toneHz), nil
	}
	pcm, err := loadClip(name, f)
	if err != nil {
		return nil, fmt.Errorf("audio input: %w", err)
	}
	return audio.NewLoopSource(f, pcm), nil
}

var errFormatMismatch = errors.New("sample rate does not match the configured format")

// loadClip reads a WAV file recorded at the capture format.
func loadClip(path string, f audio.Format) ([]byte, error) {
	pcm, clip, err := audio.LoadWAV(path)
	if err != nil {
		return nil, err
	}
	if clip.SampleRate != f.SampleRate {
		return nil, fmt.Errorf("%s: %w (%d != %d)", path, errFormatMismatch, clip.SampleRate, f.SampleRate)
	}
	return pcm, nil
}
