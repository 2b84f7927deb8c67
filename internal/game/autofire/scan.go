// Package autofire detects alternating two-input repetition patterns in a
// player's action stream.
package autofire

import "bytes"

// Level is a detection sensitivity: 0 disables scanning, 5 is the most
// sensitive.
type Level int

// MaxLevel is the most sensitive Level.
const MaxLevel Level = 5

// thresholds maps a Level to the longest run (in frames) that still counts as
// a repetition and the number of confirmed repetitions needed to fire.
var thresholds = [MaxLevel + 1]struct {
	maxGap     int
	minRepeats int
}{
	{0, 0},
	{2, 13},
	{3, 11},
	{4, 9},
	{5, 7},
	{6, 5},
}

// Valid reports whether l is within [0, MaxLevel].
func (l Level) Valid() bool {
	return l >= 0 && l <= MaxLevel
}

// Enabled reports whether l turns scanning on.
func (l Level) Enabled() bool {
	return l > 0 && l <= MaxLevel
}

// MaxGap returns the longest same-frame run counted as one press at level l.
func (l Level) MaxGap() int {
	if !l.Valid() {
		return 0
	}
	return thresholds[l].maxGap
}

// MinRepeats returns the number of confirmed repetitions needed at level l.
func (l Level) MinRepeats() int {
	if !l.Valid() {
		return 0
	}
	return thresholds[l].minRepeats
}

// WindowFrames returns the number of frames collected before a scan pass.
//
// Postcondition: Returns 0 when l is disabled.
func (l Level) WindowFrames() int {
	return (l.MaxGap() + 1) * l.MinRepeats() * 5
}

// slot tracks one candidate repeating frame.
type slot struct {
	frame     []byte
	run       int
	lastRun   int
	confirmed int
}

// close ends the current run. Two consecutive runs of equal length no longer
// than maxGap confirm one more repetition; anything else resets the count.
func (s *slot) close(maxGap int) {
	if s.lastRun == s.run && s.run <= maxGap {
		s.confirmed++
	} else {
		s.confirmed = 0
	}
	s.lastRun = s.run
	s.run = 1
}

// scan walks window frame by frame looking for two frames that alternate in
// short, equal-length runs. It returns the shorter of the two current run
// lengths and true on the first frame at which both slots have at least
// minRepeats confirmed repetitions.
//
// Precondition: bytesPerFrame > 0; minRepeats > 0.
func scan(window []byte, bytesPerFrame, maxGap, minRepeats int) (int, bool) {
	var a, b slot
	var last []byte

	frames := len(window) / bytesPerFrame
	for i := 0; i < frames; i++ {
		cur := window[i*bytesPerFrame : (i+1)*bytesPerFrame]

		switch {
		case a.frame == nil:
			a = slot{frame: cur, run: 1}
		case bytes.Equal(cur, a.frame):
			if bytes.Equal(cur, last) {
				a.run++
			} else {
				a.close(maxGap)
			}
		case b.frame == nil:
			b = slot{frame: cur, run: 1}
		case bytes.Equal(cur, b.frame):
			if bytes.Equal(cur, last) {
				b.run++
			} else {
				b.close(maxGap)
			}
		default:
			// A third distinct frame: the previous frame becomes the new A
			// candidate and the current one the new B candidate.
			a = slot{frame: last, run: 1, lastRun: a.lastRun}
			b = slot{frame: cur, run: 1, lastRun: b.lastRun}
		}
		last = cur

		if a.confirmed >= minRepeats && b.confirmed >= minRepeats {
			return min(a.run, b.run), true
		}
	}
	return 0, false
}
