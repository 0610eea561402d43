package tracker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"aevo/internal/errors"
	"aevo/internal/event"
)

// ArtifactError reports a single record that could not be saved or loaded.
type ArtifactError struct {
	Path    string `json:"path"`
	EventID string `json:"eventId,omitempty"`
	Err     error  `json:"-"`
	Message string `json:"error"`
}

func (a ArtifactError) Error() string {
	return fmt.Sprintf("%s: %v", a.Path, a.Err)
}

// SaveReport lists the outcome of SaveAllEvents.
type SaveReport struct {
	Dir      string          `json:"dir"`
	Saved    []string        `json:"saved"`
	Failures []ArtifactError `json:"failures,omitempty"`
}

// LoadReport lists the outcome of LoadEventsFromDir.
type LoadReport struct {
	Dir      string          `json:"dir"`
	Loaded   []string        `json:"loaded"`
	Skipped  []string        `json:"skipped,omitempty"` // already in history
	Failures []ArtifactError `json:"failures,omitempty"`
}

func artifactError(path, id string, err error) ArtifactError {
	return ArtifactError{Path: path, EventID: id, Err: err, Message: err.Error()}
}

// SaveAllEvents writes one <id>.json record per recorded event into dir.
// Each file is written atomically; a failing file is reported without
// stopping the others. The returned error is set only when dir itself is
// unusable or ctx is done.
func (t *Tracker) SaveAllEvents(ctx context.Context, dir string) (SaveReport, error) {
	report := SaveReport{Dir: dir, Saved: []string{}}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return report, errors.New(errors.PersistenceFailure, "", "cannot create events directory", err)
	}

	events := t.History()
	results := make([]error, len(events))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.workers)
	for i := range events {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = writeRecord(dir, events[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	for i, e := range events {
		path := filepath.Join(dir, event.FileName(e.ID))
		if results[i] != nil {
			report.Failures = append(report.Failures, artifactError(path, e.ID, results[i]))
			continue
		}
		report.Saved = append(report.Saved, e.ID)
	}
	t.logger.Info("Saved events",
		"dir", dir,
		"saved", len(report.Saved),
		"failed", len(report.Failures),
	)
	return report, nil
}

func writeRecord(dir string, e event.Event) error {
	data, err := event.Marshal(e)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, event.FileName(e.ID))
	tmp, err := os.CreateTemp(dir, "."+e.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close record: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename record: %w", err)
	}
	return nil
}

// LoadEventsFromDir reads every <id>.json record in dir, validates each on
// its own, then records the valid ones in (timestamp, id) order so the
// rebuilt lineage does not depend on file enumeration order. Events
// already in history are skipped. Bad records are reported individually.
func (t *Tracker) LoadEventsFromDir(ctx context.Context, dir string) (LoadReport, error) {
	report := LoadReport{Dir: dir, Loaded: []string{}}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return report, errors.New(errors.PersistenceFailure, "", "cannot read events directory", err)
	}

	var paths []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if _, ok := event.IDFromFileName(ent.Name()); ok {
			paths = append(paths, filepath.Join(dir, ent.Name()))
		}
	}
	sort.Strings(paths)

	type decoded struct {
		ev  event.Event
		err error
	}
	results := make([]decoded, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.workers)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ev, err := ReadRecord(path)
			results[i] = decoded{ev: ev, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	var valid []event.Event
	validPath := make(map[string]string) // file names carry the id, so ids are unique
	for i, r := range results {
		if r.err != nil {
			report.Failures = append(report.Failures, artifactError(paths[i], errors.EventIDOf(r.err), r.err))
			continue
		}
		validPath[r.ev.ID] = paths[i]
		valid = append(valid, r.ev)
	}
	event.Sort(valid)

	for _, e := range valid {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if t.Has(e.ID) {
			report.Skipped = append(report.Skipped, e.ID)
			continue
		}
		if _, err := t.Record(e); err != nil {
			report.Failures = append(report.Failures, artifactError(validPath[e.ID], e.ID, err))
			continue
		}
		report.Loaded = append(report.Loaded, e.ID)
	}

	t.logger.Info("Loaded events",
		"dir", dir,
		"loaded", len(report.Loaded),
		"skipped", len(report.Skipped),
		"failed", len(report.Failures),
	)
	return report, nil
}

// ReadRecord decodes and validates one record file. The file name must
// carry the event id.
func ReadRecord(path string) (event.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return event.Event{}, err
	}
	defer f.Close()

	e, err := event.Decode(f)
	if err != nil {
		return event.Event{}, errors.New(errors.ValidationFailed, "", "malformed record", err)
	}
	if id, _ := event.IDFromFileName(filepath.Base(path)); id != e.ID {
		return event.Event{}, errors.Newf(errors.ValidationFailed, e.ID, "file name does not match event id")
	}
	if err := event.Validate(e); err != nil {
		return event.Event{}, err
	}
	return e, nil
}
