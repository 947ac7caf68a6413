// Package bundle parses delivered animation bundles into per-frame emotion
// and blendshape tables plus the reply audio track.
package bundle

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// ErrBundleIncomplete indicates a required bundle member (emotion table,
// blendshape table or audio track) is missing. Fatal for the current turn,
// never retried automatically.
var ErrBundleIncomplete = errors.New("animation bundle incomplete")

// Column conventions used by the animation-bundle collaborator.
const (
	EmotionPrefix    = "emotion_values."
	BlendshapePrefix = "blendShapes."
)

// EmotionFrame holds per-frame emotion weights keyed by emotion name.
type EmotionFrame struct {
	FrameIndex int
	TimeCode   float64
	Weights    map[string]float64
}

// AnimationFrame holds per-frame blendshape weights keyed by the original
// column name (prefix included).
type AnimationFrame struct {
	FrameIndex int
	TimeCode   float64
	Weights    map[string]float64
}

// Clip is one parsed bundle. Immutable once parsed; a new bundle replaces
// the previous Clip wholesale.
type Clip struct {
	Emotion   []EmotionFrame
	Animation []AnimationFrame
	Audio     []byte
	AudioName string
	FrameRate int
}

// MaxFrames returns the playable frame count of the clip.
func (c *Clip) MaxFrames() int {
	if len(c.Emotion) > len(c.Animation) {
		return len(c.Emotion)
	}
	return len(c.Animation)
}

// EmotionAt returns the emotion frame for idx, or nil past the table end.
func (c *Clip) EmotionAt(idx int) *EmotionFrame {
	if idx < 0 || idx >= len(c.Emotion) {
		return nil
	}
	return &c.Emotion[idx]
}

// AnimationAt returns the blendshape frame for idx, or nil past the table end.
func (c *Clip) AnimationAt(idx int) *AnimationFrame {
	if idx < 0 || idx >= len(c.Animation) {
		return nil
	}
	return &c.Animation[idx]
}

// Store ingests bundles delivered by the animation collaborator.
type Store struct {
	logger    zerolog.Logger
	frameRate int
}

// NewStore creates a Store. frameRate is the nominal bundle frame rate.
func NewStore(frameRate int, logger zerolog.Logger) *Store {
	if frameRate <= 0 {
		frameRate = 30
	}
	return &Store{
		logger:    logger.With().Str("component", "bundle").Logger(),
		frameRate: frameRate,
	}
}

// Parse reads a ZIP bundle and produces a Clip. Missing required members
// yield ErrBundleIncomplete; malformed individual cells default to 0 and
// never abort ingestion of the remaining frames.
func (s *Store) Parse(data []byte) (*Clip, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open bundle archive: %w", err)
	}

	var emotionFile, blendFile, audioFile *zip.File
	for _, f := range zr.File {
		name := strings.ToLower(f.Name)
		switch {
		case strings.HasSuffix(name, ".csv") && strings.Contains(name, "emotion"):
			emotionFile = f
		case strings.HasSuffix(name, ".csv"):
			blendFile = f
		case strings.HasSuffix(name, ".mp3") || strings.HasSuffix(name, ".wav"):
			audioFile = f
		}
	}

	if emotionFile == nil {
		return nil, fmt.Errorf("%w: no emotion table", ErrBundleIncomplete)
	}
	if blendFile == nil {
		return nil, fmt.Errorf("%w: no blendshape table", ErrBundleIncomplete)
	}
	if audioFile == nil {
		return nil, fmt.Errorf("%w: no audio track", ErrBundleIncomplete)
	}

	emotion, err := s.parseTable(emotionFile, EmotionPrefix, true)
	if err != nil {
		return nil, fmt.Errorf("parse emotion table %s: %w", emotionFile.Name, err)
	}
	animation, err := s.parseTable(blendFile, BlendshapePrefix, false)
	if err != nil {
		return nil, fmt.Errorf("parse blendshape table %s: %w", blendFile.Name, err)
	}

	audio, err := readZipMember(audioFile)
	if err != nil {
		return nil, fmt.Errorf("read audio track %s: %w", audioFile.Name, err)
	}

	clip := &Clip{
		Emotion:   toEmotionFrames(emotion),
		Animation: toAnimationFrames(animation),
		Audio:     audio,
		AudioName: audioFile.Name,
		FrameRate: s.frameRate,
	}

	s.logger.Info().
		Int("emotionFrames", len(clip.Emotion)).
		Int("animationFrames", len(clip.Animation)).
		Int("audioBytes", len(clip.Audio)).
		Msg("Bundle ingested")

	return clip, nil
}

// rawFrame holds one parsed CSV row before typing.
type rawFrame struct {
	timeCode float64
	weights  map[string]float64
}

// parseTable reads a CSV member keeping only columns matching prefix.
// stripPrefix controls whether the prefix is removed from the weight key
// (emotions) or kept verbatim (blendshapes).
func (s *Store) parseTable(f *zip.File, prefix string, stripPrefix bool) ([]rawFrame, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	r := csv.NewReader(rc)
	r.FieldsPerRecord = -1 // tolerate short rows

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	timeCol := -1
	weightCols := make(map[int]string)
	for i, col := range header {
		name := strings.TrimSpace(col)
		switch {
		case isTimeColumn(name):
			timeCol = i
		case strings.HasPrefix(name, prefix):
			key := name
			if stripPrefix {
				key = strings.TrimPrefix(name, prefix)
			}
			weightCols[i] = key
		}
	}

	var frames []rawFrame
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A malformed row must not abort ingestion of the rest.
			s.logger.Warn().Err(err).Int("row", len(frames)).Msg("Skipping malformed bundle row")
			continue
		}

		fr := rawFrame{weights: make(map[string]float64, len(weightCols))}
		if timeCol >= 0 && timeCol < len(record) {
			fr.timeCode = parseCell(record[timeCol])
		}
		for i, key := range weightCols {
			if i < len(record) {
				fr.weights[key] = parseCell(record[i])
			} else {
				fr.weights[key] = 0
			}
		}
		frames = append(frames, fr)
	}

	return frames, nil
}

// parseCell converts one CSV cell, defaulting to 0 on any malformed value.
func parseCell(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func isTimeColumn(name string) bool {
	switch strings.ToLower(name) {
	case "time_code", "timecode", "time":
		return true
	}
	return false
}

func toEmotionFrames(raw []rawFrame) []EmotionFrame {
	out := make([]EmotionFrame, len(raw))
	for i, r := range raw {
		out[i] = EmotionFrame{FrameIndex: i, TimeCode: r.timeCode, Weights: r.weights}
	}
	return out
}

func toAnimationFrames(raw []rawFrame) []AnimationFrame {
	out := make([]AnimationFrame, len(raw))
	for i, r := range raw {
		out[i] = AnimationFrame{FrameIndex: i, TimeCode: r.timeCode, Weights: r.weights}
	}
	return out
}

func readZipMember(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
