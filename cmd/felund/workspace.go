package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/felundnet/felund/internal/config"
	"github.com/felundnet/felund/internal/persist"
	"github.com/felundnet/felund/internal/state"
)

// historyFile is the sync history's filename inside the state directory.
const historyFile = "sync_history.json"

// resolveDir picks the state directory: the -dir flag when given, else
// FELUND_STATE_DIR, else ~/.felund.
func resolveDir(flagVal string) (string, error) {
	if flagVal != "" {
		return flagVal, nil
	}
	return config.StateDir()
}

// openStore loads the snapshot under dir and rebuilds the store around
// it. The returned FileStore keeps persisting mutations to the same
// place.
func openStore(dir string) (*state.Store, *persist.FileStore, error) {
	files := persist.NewFileStore(dir)
	snap, err := files.Load()
	if err != nil {
		if errors.Is(err, persist.ErrNoState) {
			return nil, nil, fmt.Errorf("%w; run 'felund init' first", err)
		}
		return nil, nil, err
	}
	return state.FromSnapshot(snap, files), files, nil
}

// historyPath is where the sync history lives for a state directory.
func historyPath(dir string) string {
	return filepath.Join(dir, historyFile)
}

// pickCircle resolves which circle a command acts on. An explicit id or
// label wins; with exactly one circle it is implied.
func pickCircle(st *state.Store, flagVal string) (state.Circle, error) {
	circles := st.Circles()
	if flagVal != "" {
		for _, c := range circles {
			if c.CircleID == flagVal || (c.Name != "" && c.Name == flagVal) {
				return c, nil
			}
		}
		return state.Circle{}, fmt.Errorf("unknown circle %q", flagVal)
	}
	switch len(circles) {
	case 0:
		return state.Circle{}, errors.New("no circles joined; run 'felund invite' or 'felund join' first")
	case 1:
		return circles[0], nil
	}
	labels := make([]string, len(circles))
	for i, c := range circles {
		labels[i] = circleLabel(c)
	}
	return state.Circle{}, fmt.Errorf("more than one circle; pass -circle with one of: %s", strings.Join(labels, ", "))
}

// circleLabel names a circle for humans: the id plus the label when set.
func circleLabel(c state.Circle) string {
	if c.Name != "" {
		return fmt.Sprintf("%s (%s)", c.CircleID, c.Name)
	}
	return c.CircleID
}

// shortNode abbreviates a node id for display.
func shortNode(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// promptLine shows a label and reads one trimmed answer. EOF acts like
// an empty answer so piped and scripted runs fall through to defaults.
func promptLine(r *bufio.Reader, w io.Writer, label string) (string, error) {
	fmt.Fprint(w, label)
	line, err := r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
