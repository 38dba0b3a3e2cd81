// Package audit writes the per-job JSON lines trail: one file recording the
// ids assigned to each segment before rendering, one recording each finished
// clip. Every append is fsynced before it returns, so after a crash the files
// show exactly which segments were completed.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Kinds of audit files.
const (
	KindIDs   = "ids"
	KindClips = "clips"
)

// origVoiceBase offsets the segment index into the voice id space.
const origVoiceBase = 1000

// IDRecord is written when a segment gets its action id and audio.
type IDRecord struct {
	TextClipID     int  `json:"text_clip_id"`
	OrigVoiceID    int  `json:"orig_voice_id"`
	AvatarActionID int  `json:"avatar_action_id"`
	AvatarGenderID int  `json:"avatar_gender_id"`
	TargetVoiceID  *int `json:"target_voice_id"`
	AfterVoiceID   *int `json:"after_voice_id"`
	VoiceGenderID  int  `json:"voice_gender_id"`
}

// NewIDRecord builds the record for segment idx (1-based).
func NewIDRecord(idx, actionID int, gender string) IDRecord {
	g := GenderID(gender)
	return IDRecord{
		TextClipID:     idx,
		OrigVoiceID:    origVoiceBase + idx,
		AvatarActionID: actionID,
		AvatarGenderID: g,
		VoiceGenderID:  g,
	}
}

// ClipRecord is written once a segment's clip location is known.
type ClipRecord struct {
	TextClipID     int    `json:"text_clip_id"`
	VideoPath      string `json:"video_path"`
	AvatarActionID int    `json:"avatar_action_id"`
}

// GenderID maps "m" to 1 and anything else to 2.
func GenderID(gender string) int {
	if gender == "m" {
		return 1
	}
	return 2
}

// Log is one append-only JSONL file.
type Log struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Open creates dir if needed and opens session_<ts>_<kind>.jsonl in it.
func Open(dir, kind string, now time.Time) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	name := fmt.Sprintf("session_%s_%s.jsonl", now.Format("20060102150405"), kind)
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &Log{f: f, path: path}, nil
}

// Path is the file location reported in the done message.
func (l *Log) Path() string { return l.path }

// Append writes v as one line and syncs the file.
func (l *Log) Append(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("audit: encode: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return fmt.Errorf("audit: %s is closed", l.path)
	}
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}
	return nil
}

// Close closes the file. Further appends fail.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// ReadClips loads a clips log, in file order.
func ReadClips(path string) ([]ClipRecord, error) {
	return readLines[ClipRecord](path)
}

// ReadIDs loads an ids log, in file order.
func ReadIDs(path string) ([]IDRecord, error) {
	return readLines[IDRecord](path)
}

func readLines[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []T
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("audit: %s line %d: %w", path, line, err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}
