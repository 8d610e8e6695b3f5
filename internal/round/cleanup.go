package round

import (
	"context"
	stderrors "errors"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"time"

	"git.home.luguber.info/inful/buildstate/internal/events"
	"git.home.luguber.info/inful/buildstate/internal/logfields"
	"git.home.luguber.info/inful/buildstate/internal/outputs"
)

// CleanReport lists the output identifiers a cleanup deleted, those that
// could not be deleted and were registered again, and those kept because a
// source outside the cleanup still lists them.
type CleanReport struct {
	Deleted []string
	Failed  []string
	Shared  []string
}

func removeFile(path string) error {
	err := os.Remove(path)
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// CleanOutputsOfDirtySources takes the outputs of every source in delta and
// deletes the files, so that outputs the next compilation no longer produces
// do not survive it. Forced rounds are skipped; BeginRound already dropped
// every output of the target.
func (t *Tracker) CleanOutputsOfDirtySources(ctx context.Context, delta *Delta) CleanReport {
	if delta == nil || delta.FullRebuild() {
		return CleanReport{}
	}
	return t.dropOutputs(ctx, delta.Sources(), delta.ID(), "source_dirty")
}

// dropOutputs takes the outputs of sources, deletes the files no other source
// still lists and publishes what was deleted.
func (t *Tracker) dropOutputs(ctx context.Context, sources []string, roundID, reason string) CleanReport {
	owned, shared := t.mapping.TakeUnclaimedOutputs(sources)
	report := t.deleteOutputs(ctx, owned)
	report.Shared = shared
	if len(shared) > 0 {
		t.logger.Debug("Kept outputs still listed by other sources",
			logfields.Target(t.TargetID()),
			slog.String("reason", reason),
			logfields.Count(len(shared)))
	}
	if len(report.Deleted) > 0 || len(report.Failed) > 0 {
		events.PublishQuietly(ctx, t.publisher, t.logger, events.FilesDeleted{
			Target:  t.TargetID(),
			RoundID: roundID,
			Reason:  reason,
			Outputs: report.Deleted,
			Failed:  report.Failed,
			At:      time.Now(),
		})
	}
	return report
}

// deleteOutputs removes the files of owned, a map of source to the outputs
// taken from it. Outputs that could not be removed, including every output
// left once ctx is done, are appended back to their source. Must be called
// without holding the store lock.
func (t *Tracker) deleteOutputs(ctx context.Context, owned map[string][]string) CleanReport {
	var report CleanReport
	sources := make([]string, 0, len(owned))
	for source := range owned {
		sources = append(sources, source)
	}
	slices.Sort(sources)

	for _, source := range sources {
		var keep []string
		for _, rel := range owned[source] {
			if ctx.Err() != nil {
				keep = append(keep, rel)
				continue
			}
			path := t.mapping.ResolveOutput(rel)
			if err := t.removeFile(path); err != nil {
				t.logger.Warn("Failed to delete stale output",
					logfields.Target(t.TargetID()),
					logfields.Source(source),
					logfields.Path(path),
					logfields.Error(err))
				t.recorder.IncOutputDeleteFailure(t.TargetID())
				keep = append(keep, rel)
				continue
			}
			report.Deleted = append(report.Deleted, rel)
		}
		for _, rel := range keep {
			if err := t.mapping.AppendRawRelativeOutput(source, rel); err != nil && !stderrors.Is(err, outputs.ErrUnknownSource) {
				t.logger.Error("Failed to register undeleted output",
					logfields.Target(t.TargetID()),
					logfields.Source(source),
					logfields.Output(rel),
					logfields.Error(err))
			}
		}
		report.Failed = append(report.Failed, keep...)
	}

	t.recorder.AddOutputsDeleted(t.TargetID(), len(report.Deleted))
	return report
}

// DropAllOutputs deletes every output recorded for the target, as done for a
// target that no longer exists. Outputs that could not be deleted stay
// registered and are reported as failed.
func (t *Tracker) DropAllOutputs(ctx context.Context) CleanReport {
	return t.dropOutputs(ctx, t.knownSources(), "", "target_stale")
}

// DropSources deletes the outputs of sources that left the target, outside a
// round. Outputs another source still lists are kept. It returns the sources
// whose outputs are all gone; a source with an undeleted output keeps it
// registered and is not returned.
func (t *Tracker) DropSources(ctx context.Context, sources []string) (CleanReport, []string) {
	report := t.dropOutputs(ctx, sources, "", "source_removed")
	gone := make([]string, 0, len(sources))
	for _, source := range sources {
		if len(t.mapping.GetOutputs(source)) == 0 {
			gone = append(gone, source)
		}
	}
	return report, gone
}
