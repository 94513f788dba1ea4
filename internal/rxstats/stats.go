// Package rxstats measures the media stream as seen by the Controller.
package rxstats

import (
	"math"
	"sync"
	"time"
)

const (
	// fpsStabilityThreshold is the maximum allowed FPS standard deviation as a fraction of mean FPS.
	// Example: 30 FPS mean → stable if stddev < 4.5 FPS
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum allowed mean jitter as a fraction of expected interval.
	// Example: 30 FPS (33ms interval) → stable if jitter < 6.6ms
	jitterStabilityThreshold = 0.20

	// windowSize bounds the number of frame arrival times kept by a Recorder.
	windowSize = 256
)

// FPSStats contains frame rate statistics over a set of frame arrival times
type FPSStats struct {
	FramesReceived int
	Duration       time.Duration
	FPSMean        float64
	FPSStdDev      float64
	FPSMin         float64
	FPSMax         float64
	JitterMean     float64 // seconds
	JitterStdDev   float64 // seconds
	JitterMax      float64 // seconds
	IsStable       bool
}

// Stats is a snapshot of what the receiver has seen so far
type Stats struct {
	// Packets is the total number of RTP packets received
	Packets uint64
	// Frames is the total number of complete frames received
	Frames uint64
	// Bytes is the total payload bytes received
	Bytes uint64
	// Width and Height of the last frame, when the runtime can observe them
	Width  uint32
	Height uint32
	// LastFrameAt is the arrival time of the last complete frame
	LastFrameAt time.Time
	// Window holds FPS statistics over the most recent frames
	Window FPSStats
}

// CalculateFPSStats calculates FPS statistics from frame timestamps
//
// This function:
//  1. Calculates mean FPS (overall)
//  2. Calculates instantaneous FPS for each frame interval
//  3. Finds min/max instantaneous FPS
//  4. Calculates standard deviation of instantaneous FPS
//  5. Calculates jitter statistics (inter-frame interval variance)
//  6. Determines stability (stddev < 15% of mean AND jitter < 20%)
func CalculateFPSStats(frameTimes []time.Time, totalDuration time.Duration) FPSStats {
	n := len(frameTimes)
	if n == 0 || totalDuration <= 0 {
		return FPSStats{FramesReceived: n, Duration: totalDuration}
	}

	fpsMean := float64(n) / totalDuration.Seconds()

	instantaneousFPS := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		interval := frameTimes[i].Sub(frameTimes[i-1]).Seconds()
		if interval > 0 {
			instantaneousFPS = append(instantaneousFPS, 1.0/interval)
		}
	}

	if len(instantaneousFPS) == 0 {
		return FPSStats{FramesReceived: n, Duration: totalDuration, FPSMean: fpsMean}
	}

	fpsMin := instantaneousFPS[0]
	fpsMax := instantaneousFPS[0]
	var sumSquares float64
	for _, fps := range instantaneousFPS {
		fpsMin = math.Min(fpsMin, fps)
		fpsMax = math.Max(fpsMax, fps)
		diff := fps - fpsMean
		sumSquares += diff * diff
	}
	fpsStdDev := math.Sqrt(sumSquares / float64(len(instantaneousFPS)))

	// Jitter = deviation from the expected inter-frame interval
	expectedInterval := 1.0 / fpsMean
	jitters := make([]float64, 0, n-1)
	var jitterSum, jitterMax float64
	for i := 1; i < n; i++ {
		actual := frameTimes[i].Sub(frameTimes[i-1]).Seconds()
		j := math.Abs(actual - expectedInterval)
		jitters = append(jitters, j)
		jitterSum += j
		jitterMax = math.Max(jitterMax, j)
	}
	jitterMean := jitterSum / float64(len(jitters))

	var jitterSumSquares float64
	for _, j := range jitters {
		diff := j - jitterMean
		jitterSumSquares += diff * diff
	}
	jitterStdDev := math.Sqrt(jitterSumSquares / float64(len(jitters)))

	fpsStable := fpsStdDev < (fpsMean * fpsStabilityThreshold)
	jitterStable := jitterMean < (expectedInterval * jitterStabilityThreshold)

	return FPSStats{
		FramesReceived: n,
		Duration:       totalDuration,
		FPSMean:        fpsMean,
		FPSStdDev:      fpsStdDev,
		FPSMin:         fpsMin,
		FPSMax:         fpsMax,
		JitterMean:     jitterMean,
		JitterStdDev:   jitterStdDev,
		JitterMax:      jitterMax,
		IsStable:       fpsStable && jitterStable,
	}
}

// Recorder accumulates receive statistics. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	stats  Stats
	times  [windowSize]time.Time
	index  int
	filled int
}

// NewRecorder creates an empty Recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// ObservePacket records one received packet of n payload bytes
func (r *Recorder) ObservePacket(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Packets++
	r.stats.Bytes += uint64(n)
}

// ObserveFrame records a complete frame arriving at t. Zero width/height
// means the runtime does not know the frame geometry.
func (r *Recorder) ObserveFrame(t time.Time, width, height uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.Frames++
	r.stats.LastFrameAt = t
	if width != 0 && height != 0 {
		r.stats.Width, r.stats.Height = width, height
	}

	r.times[r.index] = t
	r.index = (r.index + 1) % windowSize
	if r.filled < windowSize {
		r.filled++
	}
}

// Snapshot returns the current statistics, with FPS computed over the
// recorded window.
func (r *Recorder) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.stats
	if r.filled < 2 {
		out.Window = FPSStats{FramesReceived: r.filled}
		return out
	}

	times := make([]time.Time, 0, r.filled)
	start := (r.index - r.filled + windowSize) % windowSize
	for i := 0; i < r.filled; i++ {
		times = append(times, r.times[(start+i)%windowSize])
	}
	out.Window = CalculateFPSStats(times, times[len(times)-1].Sub(times[0]))
	return out
}
