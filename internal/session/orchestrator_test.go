package session

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/univoice/internal/bundle"
	"github.com/normanking/univoice/internal/capture"
	"github.com/normanking/univoice/internal/playback"
	"github.com/normanking/univoice/internal/wake"
)

// testBundle builds a minimal valid animation bundle with the given frame
// count.
func testBundle(t *testing.T, frames int) []byte {
	t.Helper()
	emotion := "frame,time_code,emotion_values.joy\n"
	blend := "frame,timeCode,blendShapes.jawOpen\n"
	for i := 0; i < frames; i++ {
		emotion += "0,0.0,0.5\n"
		blend += "0,0.0,0.5\n"
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range map[string]string{
		"a2f_smoothed_emotion_output.csv": emotion,
		"animation_frames.csv":            blend,
		"out.mp3":                         "audio",
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type fakeSTT struct {
	mu      sync.Mutex
	text    string
	err     error
	release chan struct{} // when non-nil, Transcribe blocks until closed
}

func (f *fakeSTT) Transcribe(ctx context.Context, audio []byte) (string, error) {
	f.mu.Lock()
	release := f.release
	text, err := f.text, f.err
	f.mu.Unlock()
	if release != nil {
		<-release
	}
	return text, err
}

func (f *fakeSTT) set(text string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text, f.err = text, err
}

type fakeChat struct {
	mu    sync.Mutex
	reply string
	err   error
}

func (f *fakeChat) Send(ctx context.Context, message string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reply, f.err
}

type fakeAnim struct {
	mu       sync.Mutex
	data     []byte
	err      error
	requests []string
}

func (f *fakeAnim) Fetch(ctx context.Context, text string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, text)
	return f.data, f.err
}

func (f *fakeAnim) requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.requests...)
}

type fixture struct {
	orch    *Orchestrator
	capture *capture.Manager
	clock   *playback.Clock
	stt     *fakeSTT
	chat    *fakeChat
	anim    *fakeAnim
}

func newFixture(t *testing.T, cfg *Config) *fixture {
	t.Helper()

	if cfg == nil {
		cfg = &Config{
			InactivityTimeout: 5 * time.Second,
			SettleDelay:       5 * time.Millisecond,
			RetryDelay:        5 * time.Millisecond,
			Greeting:          "Welcome to the University Assistant! How can I help you today?",
			Apology:           "I'm sorry, I'm having trouble accessing the university information right now. Could you try asking again?",
			Farewell:          "Thank you for using the university assistant! Have a great day!",
		}
	}

	cap := capture.NewManager(&capture.Config{
		SampleRate:      16000,
		Channels:        1,
		BitDepth:        16,
		StopGraceDelay:  10 * time.Millisecond,
		MinUtteranceLen: 64,
		Endpoint: &capture.EndpointConfig{
			Threshold:       0.01,
			SmoothingFrames: 1,
			MaxSilence:      time.Millisecond,
			BitDepth:        16,
		},
	}, nil, zerolog.Nop())

	gate := wake.NewGate(nil, wake.NewRemoteEngine(zerolog.Nop()), nil, zerolog.Nop())
	clock := playback.NewClock(&playback.Config{FrameRate: 30, DecayFactor: 0.1}, nil, nil, zerolog.Nop())
	clock.SetTargets(playback.NewTargetMap([]string{"jawOpen"}))
	store := bundle.NewStore(30, zerolog.Nop())

	f := &fixture{
		capture: cap,
		clock:   clock,
		stt:     &fakeSTT{text: "what are the library hours"},
		chat:    &fakeChat{reply: "The library is open 8am to 10pm."},
		anim:    &fakeAnim{data: testBundle(t, 90)},
	}

	f.orch = New(cfg, cap, gate, clock, store, f.stt, f.chat, f.anim, nil, zerolog.Nop())
	f.orch.Start(context.Background())
	t.Cleanup(f.orch.Close)
	return f
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

// finishPlayback drives the clock until the current clip completes.
func (f *fixture) finishPlayback(t *testing.T) {
	t.Helper()
	eventually(t, f.clock.Playing, "playback never started")
	for f.clock.Playing() {
		f.clock.Tick()
	}
}

// speakUtterance feeds loud audio then silence into the open capture
// session so the endpointer closes the turn.
func (f *fixture) speakUtterance(t *testing.T) {
	t.Helper()
	eventually(t, f.capture.Active, "capture never armed")
	loud := make([]byte, 320)
	for i := 0; i < len(loud); i += 2 {
		loud[i] = 0x00
		loud[i+1] = 0x40 // 16384
	}
	f.capture.PushChunk(loud)
	time.Sleep(5 * time.Millisecond)
	f.capture.PushChunk(make([]byte, 320))
}

func TestWakePlaysGreetingThenListens(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, StateSleeping, f.orch.State())
	f.orch.ManualWake()

	eventually(t, func() bool { return f.orch.State() == StateSpeaking }, "never entered speaking")

	turns := f.orch.History().Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, RoleAssistant, turns[0].Role)
	assert.Contains(t, turns[0].Text, "University Assistant")

	f.finishPlayback(t)
	eventually(t, func() bool { return f.orch.State() == StateListening }, "never returned to listening")
	eventually(t, f.capture.Active, "capture not armed after greeting")
}

func TestWakeIgnoredWhileAwake(t *testing.T) {
	f := newFixture(t, nil)

	f.orch.ManualWake()
	eventually(t, func() bool { return f.orch.State() == StateSpeaking }, "never entered speaking")

	f.orch.Wake("keyword")
	assert.Equal(t, 1, f.orch.History().Len())
}

func TestFullTurnRoundTrip(t *testing.T) {
	f := newFixture(t, nil)

	f.orch.ManualWake()
	f.finishPlayback(t)
	f.speakUtterance(t)

	// Utterance flows through transcription and chat back to speech.
	eventually(t, func() bool { return f.orch.State() == StateSpeaking }, "reply never spoken")

	turns := f.orch.History().Turns()
	require.Len(t, turns, 3)
	assert.Equal(t, RoleUser, turns[1].Role)
	assert.Equal(t, "what are the library hours", turns[1].Text)
	assert.Equal(t, RoleAssistant, turns[2].Role)
	assert.Equal(t, "The library is open 8am to 10pm.", turns[2].Text)

	// The reply was animated exactly once, with the exact reply text.
	requests := f.anim.requested()
	require.Len(t, requests, 2) // greeting, then the reply
	assert.Equal(t, "The library is open 8am to 10pm.", requests[1])

	// And back to listening for the next turn.
	f.finishPlayback(t)
	eventually(t, func() bool { return f.orch.State() == StateListening }, "never re-armed")
}

func TestEmptyTranscriptReturnsToListening(t *testing.T) {
	f := newFixture(t, nil)
	f.stt.set("", nil)

	f.orch.ManualWake()
	f.finishPlayback(t)
	f.speakUtterance(t)

	eventually(t, func() bool {
		return f.orch.State() == StateListening && f.capture.Active()
	}, "did not return to listening after empty transcript")

	// No user turn was recorded for the silence.
	assert.Equal(t, 1, f.orch.History().Len())
}

func TestChatFailureAppendsApology(t *testing.T) {
	f := newFixture(t, nil)
	f.chat.err = errors.New("backend down")

	f.orch.ManualWake()
	f.finishPlayback(t)
	f.speakUtterance(t)

	eventually(t, func() bool {
		for _, turn := range f.orch.History().Turns() {
			if turn.Role == RoleStatus {
				return true
			}
		}
		return false
	}, "apology status turn never appeared")

	eventually(t, func() bool {
		return f.orch.State() == StateListening && f.capture.Active()
	}, "did not recover to listening")
}

func TestGoodbyeSpeaksFarewellThenSleeps(t *testing.T) {
	f := newFixture(t, nil)
	f.stt.set("okay goodbye", nil)

	f.orch.ManualWake()
	f.finishPlayback(t)
	f.speakUtterance(t)

	eventually(t, func() bool { return f.orch.State() == StateSpeaking }, "farewell never spoken")

	turns := f.orch.History().Turns()
	require.Len(t, turns, 3)
	assert.Contains(t, turns[2].Text, "Have a great day")

	f.finishPlayback(t)
	eventually(t, func() bool { return f.orch.State() == StateSleeping }, "did not sleep after farewell")
	assert.Equal(t, 0, f.orch.History().Len())
	assert.False(t, f.capture.Active())
}

func TestInactivityTimeoutForcesSleep(t *testing.T) {
	cfg := &Config{
		InactivityTimeout: 100 * time.Millisecond,
		SettleDelay:       time.Millisecond,
		RetryDelay:        time.Millisecond,
		Greeting:          "Hello!",
		Apology:           "Sorry.",
		Farewell:          "Bye.",
	}
	f := newFixture(t, cfg)

	f.orch.ManualWake()
	f.finishPlayback(t)
	eventually(t, func() bool { return f.orch.State() == StateListening }, "never listening")

	// Nobody speaks.
	eventually(t, func() bool { return f.orch.State() == StateSleeping }, "inactivity never forced sleep")
	assert.Equal(t, 0, f.orch.History().Len())
	assert.False(t, f.capture.Active())
	assert.False(t, f.clock.Playing())
}

func TestSleepDiscardsInFlightTranscription(t *testing.T) {
	f := newFixture(t, nil)
	release := make(chan struct{})
	f.stt.mu.Lock()
	f.stt.release = release
	f.stt.mu.Unlock()

	f.orch.ManualWake()
	f.finishPlayback(t)
	f.speakUtterance(t)

	eventually(t, func() bool { return f.orch.State() == StateTranscribing }, "never transcribing")

	f.orch.Sleep("test")
	assert.Equal(t, StateSleeping, f.orch.State())

	// The transcription completes after the session was abandoned.
	close(release)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, StateSleeping, f.orch.State())
	assert.Equal(t, 0, f.orch.History().Len())
	assert.False(t, f.capture.Active())
}

func TestBundleFailureOnGreetingRecovers(t *testing.T) {
	f := newFixture(t, nil)
	f.anim.mu.Lock()
	f.anim.err = errors.New("bundle service down")
	f.anim.mu.Unlock()

	f.orch.ManualWake()

	eventually(t, func() bool {
		return f.orch.State() == StateListening && f.capture.Active()
	}, "did not fall back to listening after bundle failure")

	var sawApology bool
	for _, turn := range f.orch.History().Turns() {
		if turn.Role == RoleStatus {
			sawApology = true
		}
	}
	assert.True(t, sawApology)
}

func TestIsGoodbye(t *testing.T) {
	assert.True(t, isGoodbye("Goodbye now"))
	assert.True(t, isGoodbye("thanks, that is all"))
	assert.True(t, isGoodbye("BYE"))
	assert.False(t, isGoodbye("what time does the gym open"))
}
