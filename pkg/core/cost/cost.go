// Package cost tracks usage-based spend for a realtime voice session.
//
// Two independent update paths feed one ledger: incremental estimates made
// while media streams (elapsed speech time, audio chunk byte lengths) and
// authoritative usage records delivered when a response completes, which
// overwrite the running estimates. Total cost is recomputed on every
// mutation and pushed to the registered observer.
package cost

import (
	"sync"
	"time"
)

// AudioTokensPerSecond converts realtime audio token counts to seconds of
// audio. 24000 audio tokens correspond to roughly 14.4 seconds.
const AudioTokensPerSecond = 1667.0

// Direction distinguishes user-to-model traffic from model-to-user traffic.
type Direction int

const (
	// Input is audio or text sent to the model.
	Input Direction = iota
	// Output is audio or text produced by the model.
	Output
)

// String returns a human-readable direction name.
func (d Direction) String() string {
	switch d {
	case Input:
		return "input"
	case Output:
		return "output"
	default:
		return "unknown"
	}
}

// Rates holds the per-unit prices used to derive cost from usage.
type Rates struct {
	// AudioInPerMinute is the price in USD per minute of input audio.
	AudioInPerMinute float64
	// AudioOutPerMinute is the price in USD per minute of output audio.
	AudioOutPerMinute float64
	// TextInPerMillion is the price in USD per million input text tokens.
	TextInPerMillion float64
	// TextOutPerMillion is the price in USD per million output text tokens.
	TextOutPerMillion float64
}

// DefaultRates returns the realtime API price card. Only the arithmetic
// contract matters here; callers with negotiated pricing supply their own.
func DefaultRates() Rates {
	return Rates{
		AudioInPerMinute:  0.10,
		AudioOutPerMinute: 0.20,
		TextInPerMillion:  5.00,
		TextOutPerMillion: 20.00,
	}
}

// TokenDetails splits a token count by modality.
type TokenDetails struct {
	AudioTokens int `json:"audio_tokens"`
	TextTokens  int `json:"text_tokens"`
}

// Usage is the authoritative accounting record carried by a completed
// response.
type Usage struct {
	TotalTokens        int          `json:"total_tokens"`
	InputTokens        int          `json:"input_tokens"`
	OutputTokens       int          `json:"output_tokens"`
	InputTokenDetails  TokenDetails `json:"input_token_details"`
	OutputTokenDetails TokenDetails `json:"output_token_details"`
}

// Snapshot is an immutable view of the ledger with derived costs.
type Snapshot struct {
	AudioInputSeconds  float64
	AudioOutputSeconds float64
	TextInputTokens    int
	TextOutputTokens   int

	AudioInputCost  float64
	AudioOutputCost float64
	TextInputCost   float64
	TextOutputCost  float64

	// TotalCost is the sum of the four category costs.
	TotalCost float64
}

// Accountant accumulates usage and derives cost. All methods are safe for
// concurrent use. The observer is invoked after every mutation, outside the
// ledger lock; it must tolerate high call frequency during active audio
// streaming.
type Accountant struct {
	mu    sync.Mutex
	rates Rates

	audioInSeconds  float64
	audioOutSeconds float64
	textInTokens    int
	textOutTokens   int

	speechStart time.Time

	now      func() time.Time
	onUpdate func(Snapshot)
}

// NewAccountant creates an accountant. A zero Rates value selects
// DefaultRates.
func NewAccountant(rates Rates) *Accountant {
	if rates == (Rates{}) {
		rates = DefaultRates()
	}
	return &Accountant{
		rates: rates,
		now:   time.Now,
	}
}

// SetOnUpdate registers the observer notified after every mutation.
func (a *Accountant) SetOnUpdate(fn func(Snapshot)) {
	a.mu.Lock()
	a.onUpdate = fn
	a.mu.Unlock()
}

// TrackDuration adds streamed audio time to the ledger. Non-positive
// durations are ignored.
func (a *Accountant) TrackDuration(dir Direction, d time.Duration) {
	if d <= 0 {
		return
	}
	a.mu.Lock()
	switch dir {
	case Input:
		a.audioInSeconds += d.Seconds()
	case Output:
		a.audioOutSeconds += d.Seconds()
	}
	a.notifyLocked()
}

// TrackTokens adds estimated text tokens to the ledger. Non-positive counts
// are ignored.
func (a *Accountant) TrackTokens(dir Direction, n int) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	switch dir {
	case Input:
		a.textInTokens += n
	case Output:
		a.textOutTokens += n
	}
	a.notifyLocked()
}

// MarkSpeechStart opens a speech timing window. A window already open is
// restarted.
func (a *Accountant) MarkSpeechStart() {
	a.mu.Lock()
	a.speechStart = a.now()
	a.mu.Unlock()
}

// MarkSpeechStop closes the speech timing window, adds the elapsed time to
// the input audio estimate, and returns it. Without a prior MarkSpeechStart
// it is a no-op returning zero.
func (a *Accountant) MarkSpeechStop() time.Duration {
	a.mu.Lock()
	if a.speechStart.IsZero() {
		a.mu.Unlock()
		return 0
	}
	elapsed := a.now().Sub(a.speechStart)
	a.speechStart = time.Time{}
	if elapsed <= 0 {
		a.mu.Unlock()
		return 0
	}
	a.audioInSeconds += elapsed.Seconds()
	a.notifyLocked()
	return elapsed
}

// ApplySnapshot replaces the running estimates with the exact figures from
// an authoritative usage record. Audio token counts convert to seconds at
// AudioTokensPerSecond.
func (a *Accountant) ApplySnapshot(u Usage) {
	a.mu.Lock()
	a.audioInSeconds = clampSeconds(u.InputTokenDetails.AudioTokens)
	a.audioOutSeconds = clampSeconds(u.OutputTokenDetails.AudioTokens)
	a.textInTokens = max(u.InputTokenDetails.TextTokens, 0)
	a.textOutTokens = max(u.OutputTokenDetails.TextTokens, 0)
	a.notifyLocked()
}

// Snapshot returns the current ledger with derived costs.
func (a *Accountant) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Total returns the current total cost in USD.
func (a *Accountant) Total() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked().TotalCost
}

// Reset clears the ledger and any open speech timing window.
func (a *Accountant) Reset() {
	a.mu.Lock()
	a.audioInSeconds = 0
	a.audioOutSeconds = 0
	a.textInTokens = 0
	a.textOutTokens = 0
	a.speechStart = time.Time{}
	a.notifyLocked()
}

func (a *Accountant) snapshotLocked() Snapshot {
	s := Snapshot{
		AudioInputSeconds:  a.audioInSeconds,
		AudioOutputSeconds: a.audioOutSeconds,
		TextInputTokens:    a.textInTokens,
		TextOutputTokens:   a.textOutTokens,
	}
	s.AudioInputCost = (s.AudioInputSeconds / 60) * a.rates.AudioInPerMinute
	s.AudioOutputCost = (s.AudioOutputSeconds / 60) * a.rates.AudioOutPerMinute
	s.TextInputCost = (float64(s.TextInputTokens) / 1e6) * a.rates.TextInPerMillion
	s.TextOutputCost = (float64(s.TextOutputTokens) / 1e6) * a.rates.TextOutPerMillion
	s.TotalCost = s.AudioInputCost + s.AudioOutputCost + s.TextInputCost + s.TextOutputCost
	return s
}

// notifyLocked snapshots under the lock, releases it, and invokes the
// observer. Callers must hold a.mu and must not touch it afterwards.
func (a *Accountant) notifyLocked() {
	snap := a.snapshotLocked()
	fn := a.onUpdate
	a.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

func clampSeconds(audioTokens int) float64 {
	if audioTokens <= 0 {
		return 0
	}
	return float64(audioTokens) / AudioTokensPerSecond
}
