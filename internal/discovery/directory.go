package discovery

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Entry is one line of the address directory.
type Entry struct {
	Name    string
	PeerID  string
	Address string // peerId@host:port
}

// Directory is the address book shared by every agent of a run, ordered by
// the number embedded in each agent name.
type Directory struct {
	entries []Entry
	byPeer  map[string]Entry
}

// LoadDirectory reads path. Malformed lines are skipped with a warning.
func LoadDirectory(path string, logger zerolog.Logger) (*Directory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open directory %s: %w", path, err)
	}
	defer f.Close()
	return ParseDirectory(f, logger)
}

func ParseDirectory(r io.Reader, logger zerolog.Logger) (*Directory, error) {
	d := &Directory{byPeer: make(map[string]Entry)}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			logger.Warn().Int("line", lineNo).Str("content", line).Msg("skipping malformed directory line")
			continue
		}
		peerID, hostPort, ok := strings.Cut(fields[1], "@")
		if !ok || peerID == "" || hostPort == "" {
			logger.Warn().Int("line", lineNo).Str("content", line).Msg("skipping directory line without peer address")
			continue
		}
		if _, dup := d.byPeer[peerID]; dup {
			continue
		}
		e := Entry{Name: fields[0], PeerID: peerID, Address: fields[1]}
		d.entries = append(d.entries, e)
		d.byPeer[peerID] = e
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	sort.SliceStable(d.entries, func(i, j int) bool {
		ni, oki := nameNumber(d.entries[i].Name)
		nj, okj := nameNumber(d.entries[j].Name)
		switch {
		case oki && okj:
			return ni < nj
		case oki:
			return true
		default:
			return false
		}
	})
	return d, nil
}

// nameNumber extracts the last run of digits in name.
func nameNumber(name string) (int, bool) {
	end := strings.LastIndexFunc(name, isDigit)
	if end < 0 {
		return 0, false
	}
	start := end
	for start > 0 && isDigit(rune(name[start-1])) {
		start--
	}
	n, err := strconv.Atoi(name[start : end+1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func (d *Directory) Entries() []Entry {
	return append([]Entry(nil), d.entries...)
}

// PeerIDs lists peer ids in directory order.
func (d *Directory) PeerIDs() []string {
	out := make([]string, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e.PeerID)
	}
	return out
}

// AddressOf returns the connect address for peerID.
func (d *Directory) AddressOf(peerID string) (string, bool) {
	e, ok := d.byPeer[peerID]
	return e.Address, ok
}

// Lookup finds an entry by agent name.
func (d *Directory) Lookup(name string) (Entry, bool) {
	for _, e := range d.entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}
