// Package session reads the Gateway's on-disk session state: the
// sessions.json index and per-session JSONL transcripts, for MEDIA:
// directive scraping and session enumeration.
package session

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/openclaw-relay/internal/relaytypes"
)

const (
	sessionKeyPrefix = "agent:main:"
	maxMediaFiles    = 4
	maxMediaBytes    = 5 * 1024 * 1024
)

// entry is one row of sessions.json.
type entry struct {
	SessionFile string `json:"sessionFile"`
}

// Store reads sessions.json and per-session transcripts rooted at
// stateDir/agents/main/sessions.
type Store struct {
	stateDir string
}

func New(stateDir string) *Store {
	return &Store{stateDir: stateDir}
}

func (s *Store) sessionsIndexPath() string {
	return filepath.Join(s.stateDir, "agents", "main", "sessions", "sessions.json")
}

func (s *Store) readIndex() (map[string]entry, error) {
	data, err := os.ReadFile(s.sessionsIndexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]entry{}, nil
		}
		return nil, fmt.Errorf("read sessions.json: %w", err)
	}
	idx := make(map[string]entry)
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse sessions.json: %w", err)
	}
	return idx, nil
}

// ListSessionKeys returns the bare sessionKey component of every row in
// sessions.json (the "agent:main:" prefix stripped).
func (s *Store) ListSessionKeys() ([]string, error) {
	idx, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(idx))
	for k := range idx {
		if sk, ok := strings.CutPrefix(k, sessionKeyPrefix); ok {
			keys = append(keys, sk)
		}
	}
	return keys, nil
}

// CollectTranscriptMedia extracts MEDIA: <path> lines from the latest
// assistant message of sessionKey's JSONL transcript and returns each
// referenced file base64-encoded with a sniffed content type, subject to
// the file-size and count caps.
func (s *Store) CollectTranscriptMedia(sessionKey string) ([]relaytypes.OutboundMedia, error) {
	idx, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	e, ok := idx[sessionKeyPrefix+sessionKey]
	if !ok {
		return nil, nil
	}

	paths, err := latestAssistantMediaPaths(e.SessionFile)
	if err != nil {
		return nil, err
	}

	var out []relaytypes.OutboundMedia
	for _, p := range paths {
		if len(out) >= maxMediaFiles {
			break
		}
		abs, err := s.resolveMediaPath(p)
		if err != nil {
			continue
		}
		media, err := loadMedia(abs)
		if err != nil {
			continue
		}
		out = append(out, media)
	}
	return out, nil
}

// resolveMediaPath enforces the edge case: an absolute path outside
// stateDir, or a relative path containing "..", is rejected.
func (s *Store) resolveMediaPath(p string) (string, error) {
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(s.stateDir, p)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", fmt.Errorf("session: media path %q escapes state dir", p)
		}
		return p, nil
	}
	if strings.Contains(p, "..") {
		return "", fmt.Errorf("session: relative media path %q contains ..", p)
	}
	return filepath.Join(s.stateDir, p), nil
}

func loadMedia(path string) (relaytypes.OutboundMedia, error) {
	info, err := os.Stat(path)
	if err != nil {
		return relaytypes.OutboundMedia{}, err
	}
	if info.Size() > maxMediaBytes {
		return relaytypes.OutboundMedia{}, fmt.Errorf("session: media file %q exceeds %d bytes", path, maxMediaBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return relaytypes.OutboundMedia{}, err
	}
	contentType := http.DetectContentType(data)
	return relaytypes.OutboundMedia{
		Path:        path,
		ContentType: contentType,
		DataBase64:  base64.StdEncoding.EncodeToString(data),
	}, nil
}

// transcriptLine is the subset of a JSONL transcript row this package
// cares about: the role and the assistant's rendered text.
type transcriptLine struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

var mediaDirective = "MEDIA: "

// latestAssistantMediaPaths scans sessionFile (a JSONL transcript) and
// returns the MEDIA: paths named in the latest assistant message.
func latestAssistantMediaPaths(sessionFile string) ([]string, error) {
	f, err := os.Open(sessionFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var latestAssistantText string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var line transcriptLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if line.Role == "assistant" {
			latestAssistantText = line.Text
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}

	var paths []string
	for _, l := range strings.Split(latestAssistantText, "\n") {
		l = strings.TrimSpace(l)
		if p, ok := strings.CutPrefix(l, mediaDirective); ok {
			paths = append(paths, strings.TrimSpace(p))
		}
	}
	return paths, nil
}
